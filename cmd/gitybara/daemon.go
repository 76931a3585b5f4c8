package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Pr0fe5s0r/gitybara/internal/agent"
	"github.com/Pr0fe5s0r/gitybara/internal/api"
	"github.com/Pr0fe5s0r/gitybara/internal/metrics"
	"github.com/Pr0fe5s0r/gitybara/internal/orchestrator"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Poll the configured repositories and resolve labelled issues",
		Long: `Run Gitybara as a daemon that continuously polls every configured
repository for issues with the trigger label and works on them.

The control API (control.listen) serves status and cancellation to the
other commands while the daemon runs.

Example:
  gitybara daemon -c config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.cleanup()

	if len(e.cfg.Repos) == 0 {
		return errors.New("no repositories configured")
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// One daemon per data directory.
	lock := flock.New(filepath.Join(e.cfg.DataDir, "daemon.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon is already using %s", e.cfg.DataDir)
	}
	defer lock.Unlock()

	st, err := e.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := e.provider()
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	runner := agent.NewClient(e.cfg.Agent.Command, e.cfg.Agent.Timeout, e.cfg.Agent.Model, e.logger)
	m := metrics.New()
	d := orchestrator.New(e.cfg, st, provider, runner, m, e.logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if e.cfg.Control.Listen != "" {
		srv := api.NewServer(d, st, m, e.logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, e.cfg.Control.Listen)
		})
	}

	err = g.Wait()
	e.logger.Info("daemon stopped")
	return err
}
