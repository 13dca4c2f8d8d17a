package main

import (
	"os"

	"github.com/RyuaNerin/speedtest-web/src/cfg"
	"github.com/RyuaNerin/speedtest-web/src/common"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagVerbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "speedtest-web",
		Short:         "Network speed test server and runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			common.SetupLog(flagVerbose)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", cfg.DefaultPath, "configure path")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug output")

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newHashCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("exit")
		common.FlushSentry()
		os.Exit(1)
	}
}

// loadConfig falls back to the defaults when the default config file does not exist.
func loadConfig() (*cfg.Config, error) {
	if flagConfigPath == cfg.DefaultPath {
		if _, err := os.Stat(flagConfigPath); os.IsNotExist(err) {
			logrus.WithField("path", flagConfigPath).Info("config not found, using defaults")
			return cfg.LoadDefault()
		}
	}

	c, err := cfg.Load(flagConfigPath)
	if err != nil {
		return nil, errors.WithMessage(err, "load config")
	}
	return c, nil
}
