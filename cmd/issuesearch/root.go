package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nainya/issuesearch/internal/config"
	"github.com/nainya/issuesearch/internal/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "issuesearch",
	Short: "Permission-aware issue search over a primary issue store",
	Long: `issuesearch keeps a secondary search index of code-quality issues in
sync with the primary store and answers faceted, permission-filtered
searches over gRPC.

Example:
  issuesearch load fixtures.yaml
  issuesearch serve --port 50051`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: defaults plus ISSUESEARCH_* env)")
	rootCmd.PersistentFlags().String("db", "", "primary store database file")
	rootCmd.PersistentFlags().String("index-dir", "", "directory for persistent indexes (empty keeps them in memory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig reads the config file and env, then applies flags bound on cmd
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	bind(v, cmd, "store.path", "db")
	bind(v, cmd, "index.path", "index-dir")
	bind(v, cmd, "log.level", "log-level")
	bind(v, cmd, "server.port", "port")
	bind(v, cmd, "server.metrics_port", "metrics-port")

	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	return cfg, log, nil
}

// bind overrides key with the named flag when the user set it
func bind(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}
