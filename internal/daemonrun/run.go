// Package daemonrun hosts the shared daemon runtime loop used by the
// conveyord binary and the CLI's foreground daemon command.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/logging"
	"conveyor/internal/notifications"
	"conveyor/internal/preflight"
	"conveyor/internal/queue"
	"conveyor/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the conveyor daemon and blocks until the context is cancelled
// or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logCfg := *cfg
	if opts.LogLevel != "" {
		logCfg.Logging.Level = opts.LogLevel
	}
	logger, err := logging.NewFromConfig(&logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	for _, result := range preflight.CheckDirectories(cfg) {
		if !result.Passed {
			return fmt.Errorf("preflight: %s: %s", result.Name, result.Detail)
		}
	}
	for _, status := range preflight.CheckSystemDeps(signalCtx, cfg) {
		if !status.Available {
			if status.Optional {
				logger.Warn("optional dependency missing", "name", status.Name, "detail", status.Detail)
				continue
			}
			return fmt.Errorf("preflight: required dependency %s unavailable: %s", status.Name, status.Detail)
		}
	}
	if result := preflight.CheckKeyVault(signalCtx, cfg); !result.Passed {
		logger.Warn("key vault preflight failed", "detail", result.Detail)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}

	notifier := notifications.NewService(cfg)
	manager := workflow.NewManager(cfg, store, logger, notifier)

	d, err := daemon.New(cfg, store, logger, manager)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "conveyor daemon running (queue: %s)\n", store.Path())
	<-signalCtx.Done()
	logger.Info("conveyor daemon shutting down")
	d.Stop()
	return nil
}
