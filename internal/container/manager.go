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

// Package container runs harness sandboxes as containerd containers in
// a dedicated namespace, labelled with the run that owns them so
// orphans can be found and reaped after a daemon restart.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

const (
	// Namespace is the containerd namespace all sandboxes live in.
	Namespace = "agentsd"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// Ownership labels attached to every managed container.
	LabelRunID     = "agentsd.run-id"
	LabelTaskID    = "agentsd.task-id"
	LabelRepoID    = "agentsd.repo-id"
	LabelProjectID = "agentsd.project-id"

	// DefaultStopGrace is how long a sandbox gets between SIGTERM and
	// SIGKILL when no profile override is set.
	DefaultStopGrace = 10 * time.Second
)

// Default resource limits applied when the sandbox profile leaves them
// unset.
const (
	defaultCPULimit    = 1.5
	defaultMemoryBytes = 2 << 30
	cfsPeriodMicros    = 100000
)

// Spec describes the sandbox to create for a run.
type Spec struct {
	RunID        string
	TaskID       string
	RepositoryID string
	ProjectID    string
	Image        string
	Command      []string
	Env          []string
	WorkspaceDir string
	SecretsDir   string
	Profile      types.SandboxProfile
}

// Manager creates, stops and reconciles run sandboxes.
type Manager struct {
	client    *containerd.Client
	namespace string
	logger    *slog.Logger
	stopGrace time.Duration
}

// NewManager connects to containerd.
func NewManager(socketPath string, logger *slog.Logger) (*Manager, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &Manager{
		client:    client,
		namespace: Namespace,
		logger:    logger.With(slog.String("component", "container")),
		stopGrace: DefaultStopGrace,
	}, nil
}

// Close releases the containerd connection.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// containerID derives the deterministic container name for a run.
func containerID(runID string) string {
	return "run-" + runID
}

// PullImage pulls and unpacks the sandbox image.
func (m *Manager) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, m.namespace)
	if _, err := m.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// Create builds the container for a run. The container is labelled with
// its owning run, task and repository, carries the profile's resource
// limits, and mounts the workspace read-write and secrets read-only.
func (m *Manager) Create(ctx context.Context, spec *Spec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, m.namespace)

	image, err := m.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	opts = append(opts, profileOpts(spec.Profile)...)

	var mounts []specs.Mount
	if spec.WorkspaceDir != "" {
		mounts = append(mounts, specs.Mount{
			Source:      spec.WorkspaceDir,
			Destination: "/workspace",
			Type:        "bind",
			Options:     []string{"rw", "bind"},
		})
	}
	if spec.SecretsDir != "" {
		mounts = append(mounts, specs.Mount{
			Source:      spec.SecretsDir,
			Destination: "/run/secrets",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	id := containerID(spec.RunID)
	container, err := m.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			LabelRunID:     spec.RunID,
			LabelTaskID:    spec.TaskID,
			LabelRepoID:    spec.RepositoryID,
			LabelProjectID: spec.ProjectID,
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	m.logger.Info("sandbox created",
		"run_id", spec.RunID, "container_id", container.ID(), "image", spec.Image)
	return container.ID(), nil
}

// profileOpts translates the sandbox profile into OCI spec options:
// resource limits with defaults, optional read-only rootfs, and network
// access. A sandbox shares the host network so the harness can reach
// its provider API; NetworkDisabled keeps the private namespace, which
// has only loopback.
func profileOpts(p types.SandboxProfile) []oci.SpecOpts {
	cpu := p.CPULimit
	if cpu <= 0 {
		cpu = defaultCPULimit
	}
	mem := p.MemoryLimit
	if mem <= 0 {
		mem = defaultMemoryBytes
	}
	opts := []oci.SpecOpts{
		oci.WithCPUCFS(int64(cpu*cfsPeriodMicros), cfsPeriodMicros),
		oci.WithMemoryLimit(uint64(mem)),
	}
	if p.ReadOnlyRootFS {
		opts = append(opts, oci.WithRootFSReadonly())
	}
	if !p.NetworkDisabled {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}
	return opts
}

// Start launches the container's task.
func (m *Manager) Start(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, m.namespace)

	container, err := m.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// Stop terminates a running container: SIGTERM, then SIGKILL after the
// grace period. Stopping a container with no task is a no-op.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, m.namespace)
	if grace <= 0 {
		grace = m.stopGrace
	}

	container, err := m.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Delete stops the container if needed and removes it with its
// snapshot. Deleting an absent container is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	nsCtx := namespaces.WithNamespace(ctx, m.namespace)

	container, err := m.client.LoadContainer(nsCtx, id)
	if err != nil {
		return nil
	}
	if err := m.Stop(ctx, id, m.stopGrace); err != nil {
		m.logger.Warn("failed to stop container before delete",
			"container_id", id, "error", err)
	}
	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// KillForRun stops and removes the sandbox owned by a run.
func (m *Manager) KillForRun(ctx context.Context, runID string) error {
	return m.Delete(ctx, containerID(runID))
}

// Managed is one container owned by the daemon.
type Managed struct {
	ID    string
	RunID string
}

// ListManaged returns every container in the namespace that carries the
// run ownership label.
func (m *Manager) ListManaged(ctx context.Context) ([]Managed, error) {
	ctx = namespaces.WithNamespace(ctx, m.namespace)

	containers, err := m.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []Managed
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		runID, ok := labels[LabelRunID]
		if !ok {
			continue
		}
		out = append(out, Managed{ID: c.ID(), RunID: runID})
	}
	return out, nil
}

// Reconcile removes containers whose run is no longer active. The
// activeRuns set is authoritative; any labelled container outside it is
// an orphan left behind by a crash.
func (m *Manager) Reconcile(ctx context.Context, activeRuns map[string]bool) (int, error) {
	managed, err := m.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range managed {
		if activeRuns[c.RunID] {
			continue
		}
		if err := m.Delete(ctx, c.ID); err != nil {
			m.logger.Warn("failed to reap orphan container",
				"container_id", c.ID, "run_id", c.RunID, "error", err)
			continue
		}
		m.logger.Info("reaped orphan container", "container_id", c.ID, "run_id", c.RunID)
		reaped++
	}
	return reaped, nil
}

// IsRunning reports whether the run's sandbox has a running task.
func (m *Manager) IsRunning(ctx context.Context, runID string) bool {
	ctx = namespaces.WithNamespace(ctx, m.namespace)

	container, err := m.client.LoadContainer(ctx, containerID(runID))
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}
