// Command syncrowctl is a thin demonstration front end for the syncrow
// library: it wires a Setup from a TOML/env config, runs it against a
// local SQLite database, and prints status. It implements no
// synchronization logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "syncrowctl",
	Short: "Drive a syncrow Setup from the command line",
	Long: `syncrowctl is a demonstration client for the syncrow library.

It reads a config file (default ./syncrowctl.toml) describing the local
database, cloud endpoint, and tables to sync, then runs the engine in the
foreground until interrupted.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./syncrowctl.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("syncrowctl")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("SYNCROWCTL")
	viper.AutomaticEnv()

	viper.SetDefault("database.driver", "sqlite3")
	viper.SetDefault("database.dsn", "file:syncrow.db")
	viper.SetDefault("cloud.keepalive_seconds", 20)
	viper.SetDefault("cloud.missed_keepalive", 2)
	viper.SetDefault("log.file", "syncrowctl.log")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("credentials.path", "syncrow-device.toml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "syncrowctl: reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
