// Command rsignal serves a schema-described service over TCP, websocket and
// NATS, and calls remote methods from the shell.
package main

import (
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"remote-signal/config"
	"remote-signal/xlog"
)

var rootCommand = &cobra.Command{
	Use:           "rsignal",
	Short:         "Remote signal router",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var optConfig = rootCommand.PersistentFlags().StringP(
	"config", "c",
	"",
	"Path to the YAML configuration file",
)

// loadConfig reads the configuration and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*optConfig)
	if err != nil {
		return nil, err
	}
	level, err := xlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	xlog.SetLoggerLevel(level)
	return cfg, nil
}

func main() {
	if runtime.GOMAXPROCS(0) > 32 {
		runtime.GOMAXPROCS(32)
	}
	maxprocs.Set()
	if err := rootCommand.Execute(); err != nil {
		xlog.ErrStack(xlog.Default(), err).Msg("rsignal failed")
		os.Exit(1)
	}
}
