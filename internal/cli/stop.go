package cli

import (
	"fmt"
	"time"

	"github.com/harun/agentrt/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agentrt daemon",
	Long: `Stop the agentrt daemon gracefully.
Sends SIGTERM and waits for the runtime to save its contexts and exit; after
the timeout the process is killed.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	killed, err := daemon.StopProcess(daemon.PIDFilePath(cfg.DataDir), time.Duration(stopTimeout)*time.Second)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if killed {
		fmt.Fprintln(out, "Timeout reached, daemon killed")
		return nil
	}
	fmt.Fprintln(out, "Daemon stopped successfully")
	return nil
}
