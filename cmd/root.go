package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cfg holds flag values; every flag can also be set through a GSIM_*
// environment variable (GSIM_RANKS, GSIM_METRICS_ADDR, ...).
var cfg = newConfig()

func newConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log", "warn")
	v.SetDefault("ranks", 2)
	v.SetDefault("layout", "blocks")
	v.SetDefault("trace", "none")
	return v
}

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "groundstate-sim",
	Short:         "Partitioned ground-state simulations on an in-process rank world",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		level, err := logrus.ParseLevel(cfg.GetString("log"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(validateCmd)
}
