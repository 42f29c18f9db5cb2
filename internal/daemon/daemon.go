// Copyright 2025 The Agents Dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles the run orchestration engine: store,
// dispatcher, scheduler, container runtime, event pipeline, webhook
// ingest, retention, alerting and the dispatch-plane RPC server.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentsdashboard/agentsd/internal/alerting"
	"github.com/agentsdashboard/agentsd/internal/artifacts"
	"github.com/agentsdashboard/agentsd/internal/config"
	"github.com/agentsdashboard/agentsd/internal/container"
	"github.com/agentsdashboard/agentsd/internal/daemon/webhook"
	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/harness"
	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/pipeline"
	"github.com/agentsdashboard/agentsd/internal/proxy"
	"github.com/agentsdashboard/agentsd/internal/redact"
	"github.com/agentsdashboard/agentsd/internal/retention"
	"github.com/agentsdashboard/agentsd/internal/rpc"
	"github.com/agentsdashboard/agentsd/internal/scheduler"
	"github.com/agentsdashboard/agentsd/internal/store"
)

// Daemon is the assembled orchestration engine.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	redactor   *redact.Redactor
	pipeline   *pipeline.Pipeline
	registry   *harness.Registry
	containers *container.Manager
	routes     *proxy.Manager
	runner     *runner
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	alerts     *alerting.Engine
	pruner     *retention.Pruner
	rpcServer  *rpc.Server
	webhooks   *webhook.Handler
}

// New assembles a daemon from configuration. The containerd runtime is
// optional: when the socket is unreachable runs execute unsandboxed and
// a warning is logged.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(store.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}

	instanceID, err := ensureInstanceID(context.Background(), st)
	if err != nil {
		st.Close()
		return nil, err
	}
	logger.Info("daemon identity", "instance_id", instanceID)

	redactor := redact.FromEnviron(os.Environ())

	containers, err := container.NewManager(cfg.Container.SocketPath, logger)
	if err != nil {
		logger.Warn("containerd unavailable, runs will not be sandboxed",
			"socket", cfg.Container.SocketPath, "error", err)
		containers = nil
	}

	routes := proxy.NewManager(logger,
		proxy.WithSweepInterval(cfg.Proxy.SweepInterval),
		proxy.WithAuditor(&storeAuditor{store: st}))

	pipe := pipeline.New(st, redactor, logger)
	extractor := artifacts.New(cfg.Artifacts.StoreDir, logger)
	registry := harness.NewRegistry()

	run := newRunner(st, pipe, registry, containers, extractor, routes,
		redactor, cfg.Workspace.Dir, logger)

	sched := scheduler.New(st, nil, logger,
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval))
	disp := dispatch.New(st, run, logger, sched.Defer,
		dispatch.WithCaps(dispatch.Caps{
			Global:     cfg.Dispatch.MaxConcurrentRuns,
			PerProject: cfg.Dispatch.MaxPerProject,
			PerRepo:    cfg.Dispatch.MaxPerRepository,
			PerTask:    cfg.Dispatch.MaxPerTask,
		}),
		dispatch.WithHeartbeatTimeout(cfg.Dispatch.WorkerHeartbeatTimeout))
	sched.SetDispatcher(disp)
	run.completer = disp

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		redactor:   redactor,
		pipeline:   pipe,
		registry:   registry,
		containers: containers,
		routes:     routes,
		runner:     run,
		dispatcher: disp,
		scheduler:  sched,
		pruner:     retention.New(st, logger),
		webhooks:   webhook.NewHandler(st, disp, logger),
	}

	if cfg.Alerting.Enabled {
		d.alerts = alerting.New(st, routes, logger,
			alerting.WithEvalInterval(cfg.Alerting.EvalInterval))
	}

	d.rpcServer = rpc.NewServer(&backend{
		store:      st,
		dispatcher: disp,
		pipeline:   pipe,
		runner:     run,
		containers: containers,
	}, rpc.ServerConfig{
		Addr:      cfg.RPC.Addr,
		AuthToken: cfg.RPC.AuthToken,
		Logger:    logger,
	})

	return d, nil
}

// Run performs crash recovery and drives all background loops until the
// context is cancelled, then drains in-flight runs.
func (d *Daemon) Run(ctx context.Context) error {
	report, err := d.scheduler.Recover(ctx, d.recoveryContainers())
	if err != nil {
		return err
	}
	d.logger.Info("recovery complete",
		"runs_failed", report.RunsFailed,
		"runs_relinked", report.RunsRelinked,
		"orphans_removed", report.OrphansRemoved)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		d.routes.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := d.rpcServer.Listen(gctx)
		if errors.Is(err, rpc.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return d.serveWebhooks(gctx)
	})
	if d.alerts != nil {
		g.Go(func() error {
			d.alerts.Run(gctx)
			return nil
		})
	}
	if d.cfg.Retention.Enabled {
		g.Go(func() error {
			d.pruner.Run(gctx, d.cfg.Retention.Interval,
				d.cfg.Retention.RetainFor, d.cfg.Retention.MaxRunsPerTask)
			return nil
		})
	}
	if d.cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, d.cfg.Server.MetricsAddr)
		})
	}

	err = g.Wait()

	// Drain: let in-flight runs observe cancellation and record their
	// terminal states before the store closes.
	drained := make(chan struct{})
	go func() {
		d.runner.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.Server.ShutdownTimeout):
		d.logger.Warn("shutdown timeout reached with runs still in flight")
	}

	if cerr := d.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// serveWebhooks runs the webhook ingest listener.
func (d *Daemon) serveWebhooks(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/webhooks/", d.webhooks)

	srv := &http.Server{Addr: d.cfg.Server.WebhookAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	d.logger.Info("webhook listener started", "addr", d.cfg.Server.WebhookAddr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	var first error
	if d.containers != nil {
		if err := d.containers.Close(); err != nil {
			first = err
		}
	}
	if err := d.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// recoveryContainers adapts the container manager to the recovery view.
func (d *Daemon) recoveryContainers() scheduler.Containers {
	if d.containers == nil {
		return noContainers{}
	}
	return &managedContainers{m: d.containers}
}

type noContainers struct{}

func (noContainers) ListManaged(context.Context) ([]scheduler.ManagedContainer, error) {
	return nil, nil
}
func (noContainers) Delete(context.Context, string) error { return nil }

type managedContainers struct {
	m *container.Manager
}

func (c *managedContainers) ListManaged(ctx context.Context) ([]scheduler.ManagedContainer, error) {
	managed, err := c.m.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.ManagedContainer, 0, len(managed))
	for _, m := range managed {
		out = append(out, scheduler.ManagedContainer{ID: m.ID, RunID: m.RunID})
	}
	return out, nil
}

func (c *managedContainers) Delete(ctx context.Context, id string) error {
	return c.m.Delete(ctx, id)
}

// ensureInstanceID returns the durable daemon identity, minting one on
// first start. It survives restarts so recovery logs correlate.
func ensureInstanceID(ctx context.Context, st *store.Store) (string, error) {
	id, err := st.GetSetting(ctx, "instance-id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := st.SetSetting(ctx, "instance-id", id); err != nil {
		return "", err
	}
	return id, nil
}

// storeAuditor persists proxy audit rows.
type storeAuditor struct {
	store *store.Store
}

func (a *storeAuditor) RecordRoute(ctx context.Context, route proxy.Route, path string, latency time.Duration) {
	_ = a.store.RecordProxyAudit(ctx, &store.ProxyAudit{
		RouteID:      route.ID,
		ProjectID:    route.Owner.ProjectID,
		RepositoryID: route.Owner.RepositoryID,
		TaskID:       route.Owner.TaskID,
		RunID:        route.Owner.RunID,
		Path:         path,
		Latency:      latency,
		Timestamp:    time.Now().UTC(),
	})
}
