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

// agentsd is the run orchestration daemon for AI coding harnesses.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsdashboard/agentsd/internal/config"
	"github.com/agentsdashboard/agentsd/internal/daemon"
	"github.com/agentsdashboard/agentsd/internal/log"
	"github.com/agentsdashboard/agentsd/internal/retention"
	"github.com/agentsdashboard/agentsd/internal/store"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK            = 0
	exitUsage         = 1
	exitDependency    = 2
	exitStore         = 3
	exitUnrecoverable = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "agentsd",
		Short:         "Run orchestration daemon for AI coding harnesses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newPruneCommand(&configPath))
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentsd: %v\n", err)
		return exitCodeFor(err)
	}
	return exitOK
}

// exitError carries a specific exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, config.ErrInvalidConfig) {
		return exitUsage
	}
	return exitUnrecoverable
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger := log.New(&log.Config{
				Level:     cfg.Log.Level,
				Format:    log.Format(cfg.Log.Format),
				AddSource: cfg.Log.AddSource,
			})
			slog.SetDefault(logger)
			logger.Info("starting agentsd",
				"version", version, "commit", commit, "built", buildDate)

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return &exitError{code: exitStore, err: err}
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Run(ctx); err != nil {
				return &exitError{code: exitUnrecoverable, err: err}
			}
			logger.Info("agentsd stopped")
			return nil
		},
	}
}

func newPruneCommand(configPath *string) *cobra.Command {
	var (
		retainFor time.Duration
		maxRuns   int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if retainFor == 0 {
				retainFor = cfg.Retention.RetainFor
			}
			if maxRuns == 0 {
				maxRuns = cfg.Retention.MaxRunsPerTask
			}

			logger := log.New(&log.Config{
				Level:  cfg.Log.Level,
				Format: log.Format(cfg.Log.Format),
			})

			st, err := store.Open(store.Config{Path: cfg.Database.Path})
			if err != nil {
				return &exitError{code: exitStore, err: err}
			}
			defer st.Close()

			report, err := retention.New(st, logger).Prune(cmd.Context(), retention.Policy{
				Cutoff:  time.Now().UTC().Add(-retainFor),
				MaxRuns: maxRuns,
			})
			if err != nil {
				return &exitError{code: exitUnrecoverable, err: err}
			}
			fmt.Printf("scanned %d runs, pruned %d, skipped %d\n",
				report.Scanned, report.Pruned, report.Skipped)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retainFor, "retain-for", 0, "retention window (default from config)")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "max terminal runs kept per task (default from config)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentsd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
