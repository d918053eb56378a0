package cli

import (
	"fmt"

	"github.com/harun/agentrt/internal/config"
	"github.com/harun/agentrt/internal/daemon"
	"github.com/harun/agentrt/internal/identity"
	"github.com/harun/agentrt/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the agentrt runtime in the foreground",
	Long: `Run the agentrt runtime in the foreground until SIGINT or SIGTERM.
The web API, MCP and A2A endpoints share one listener. Configuration file
changes to providers and job schedules are applied without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	id, err := identity.New()
	if err != nil {
		return err
	}

	log, err := logger.New(loggerConfig(cfg, id))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{
		Identity: id,
		Loader:   loader,
		Version:  version,
	})
	if err != nil {
		return err
	}

	return d.Run(cmd.Context())
}

// loggerConfig maps the logging section onto the process logger
func loggerConfig(cfg *config.Config, id *identity.Identity) logger.Config {
	return logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Runtime:   id.Hex(),
	}
}
