// Command filemon watches a single filesystem path for changes.
//
// "filemon serve" runs the long-lived service with its HTTP control API;
// "filemon watch" watches a path in the foreground without a service; the
// status, start, stop and events commands talk to a running service.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/filemonitor/filemon/internal/config"
)

const (
	configFlag = "config"
	addrFlag   = "addr"
	tokenFlag  = "token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "filemon: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "filemon",
		Short:         "Single-path file change monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP(configFlag, "c", "", "path to the YAML configuration file")
	root.PersistentFlags().String(addrFlag, "", "control API address (default: listen_addr from config)")
	root.PersistentFlags().String(tokenFlag, "", "Bearer token for the control API (default: auth.token from config)")

	root.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newStartCmd(),
		newStopCmd(),
		newEventsCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(configFlag)
	return config.LoadConfig(path)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
