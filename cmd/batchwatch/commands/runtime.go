package commands

import (
	"fmt"
	"time"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/app"
	"github.com/teranos/batchwatch/logger"
)

var (
	// ConfigFile is set by --config; empty means the merged default sources
	ConfigFile string
	// DatabasePath is set by --db
	DatabasePath string
)

// loadConfig reads the configuration named by --config or the merged default sources
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if ConfigFile != "" {
		cfg, err = config.LoadFromFile(ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	c := *cfg
	if DatabasePath != "" {
		c.Database.Path = DatabasePath
	}
	return &c, nil
}

// reloadConfig drops cached configuration and reads it again
func reloadConfig() (*config.Config, error) {
	if ConfigFile == "" {
		config.Reset()
	}
	return loadConfig()
}

// openRuntime loads configuration and opens the database
func openRuntime() (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(cfg, app.WithLogger(logger.ComponentLogger("batchwatch")))
}

// Describe renders an error for the terminal
func Describe(err error) string {
	switch {
	case errors.IsValidation(err):
		return fmt.Sprintf("invalid input: %v", err)
	case errors.IsNotFound(err):
		return fmt.Sprintf("not found: %v", err)
	case errors.IsConflict(err):
		return fmt.Sprintf("conflict: %v", err)
	default:
		return err.Error()
	}
}

// ExitCode maps error classes to process exit codes
func ExitCode(err error) int {
	switch {
	case errors.IsValidation(err):
		return 2
	case errors.IsNotFound(err):
		return 3
	case errors.IsConflict(err):
		return 4
	default:
		return 1
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
