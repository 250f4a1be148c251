// Command ratelimitctl is a small operational tool for exercising a rate
// limit from the shell: hit it, test it without consuming it, or print its
// current window stats. Grounded on jefflaplante-conduit's
// cmd/gateway/main.go root-command-plus-subcommand wiring, with
// github.com/spf13/viper layered on top for config-file + environment
// binding of the storage URI and default strategy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	storageURI   string
	strategyName string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "ratelimitctl",
	Short: "Exercise a rate limit against a storage backend from the command line",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.ratelimitctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&storageURI, "storage", "memory://", "storage backend URI (memory://, redis://, memcached://, mongodb://, etcd://)")
	rootCmd.PersistentFlags().StringVar(&strategyName, "strategy", "fixed", "strategy to use: fixed, moving, or sliding")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	_ = viper.BindPFlag("storage", rootCmd.PersistentFlags().Lookup("storage"))
	_ = viper.BindPFlag("strategy", rootCmd.PersistentFlags().Lookup("strategy"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(hitCmd, testCmd, statsCmd, clearCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".ratelimitctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("RATELIMITCTL")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	if viper.IsSet("storage") {
		storageURI = viper.GetString("storage")
	}
	if viper.IsSet("strategy") {
		strategyName = viper.GetString("strategy")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
