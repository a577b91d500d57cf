package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/poll"
	"github.com/teranos/batchwatch/sym"
)

// RunCmd runs the polling engine until interrupted
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Run the polling engine in the foreground",
	Long: sym.Pulse + ` Run the polling engine in the foreground.

The engine checks due jobs, records batch status changes, triggers the downstream job
once every batch of a job has finished, and sleeps until the next check is due.

Ctrl+C stops new iterations and lets in-flight work finish within
engine.shutdown_grace_seconds; a second Ctrl+C cancels it immediately.
Changes to the config file are applied without a restart.`,
	RunE: runEngine,
}

func runEngine(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	engine := rt.NewEngine()

	if watcher := watchConfig(engine); watcher != nil {
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		engine.RequestShutdown()

		select {
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - cancelling in-flight work")
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := rt.Config.Engine
	active, err := rt.Scheduler.ActiveJobsCount(ctx)
	if err != nil {
		return err
	}
	pterm.Info.Printf("%s Polling engine starting\n", sym.Pulse)
	pterm.Printf("  Database: %s\n", rt.Config.GetDatabasePath())
	pterm.Printf("  Active jobs: %d\n", active)
	pterm.Printf("  Max concurrency: %d\n", cfg.MaxConcurrency)
	pterm.Printf("  Idle sleep: %v (max %v)\n", cfg.DefaultSleep(), cfg.MaxSleep())
	if cfg.RetentionDays > 0 {
		pterm.Printf("  Retention: %d days\n", cfg.RetentionDays)
	}
	pterm.Println()

	if err := engine.Run(ctx); err != nil {
		return err
	}

	stats := engine.Stats()
	pterm.Success.Printf("%s Engine stopped after %d iteration(s), %d trigger(s)\n",
		sym.Pulse, stats.Iterations, stats.Triggers)
	return nil
}

// watchConfig applies engine settings from the active config file on change.
// Returns nil when there is no file to watch.
func watchConfig(engine *poll.Engine) *config.ConfigWatcher {
	path := ConfigFile
	if path == "" {
		files := config.ConfigFiles()
		if len(files) == 0 {
			return nil
		}
		path = files[len(files)-1]
	}

	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.SetLoader(reloadConfig)
	watcher.OnReload(func(c *config.Config) error {
		engine.ApplyConfig(poll.ConfigFrom(c.Engine))
		return nil
	})
	watcher.Start()
	config.SetGlobalWatcher(watcher)
	return watcher
}
