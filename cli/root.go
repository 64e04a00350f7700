// Package cli wires the pipeline services into a single binary: the HTTP
// gateway, the three stage workers, and the directory watcher, all driven by
// one configuration tree.
package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
)

var cfgFile string

// RootCmd is the hcc entry command. Every service runs as a subcommand so a
// deployment ships one binary.
var RootCmd = &cobra.Command{
	Use:   "hcc",
	Short: "HCC clinical document processing pipeline",
	Long: `HCC Pipeline

Processes clinical progress notes into HCC-relevant condition reports:
documents enter through the gateway or the directory watcher, flow through
the extractor, analyzer, and validator workers over RabbitMQ, and end as
validated JSON artifacts with a registry row tracking every step.

Each service is a subcommand; all read the same configuration file,
overridable through HCC_-prefixed environment variables.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.hcc, /etc/hcc)")
}

// loadConfig loads the configuration tree and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig("HCC", cfgFile)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg.Logging)
	return cfg, nil
}

func configureLogging(cfg config.LoggingConfig) {
	configured := common.NewLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Level),
		Format: cfg.Format,
	})
	common.Logger.SetLevel(configured.GetLevel())
	common.Logger.SetFormatter(configured.Formatter)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
