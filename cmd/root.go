package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caravel/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "caravel",
	Short: "Caravel - Build & Deploy Harness for the Reservation-Cancellation Model",
	Long: `Caravel runs the four-stage build/deploy pipeline for the hotel
reservation cancellation prediction model: fetch the tracked branch,
build the isolated training environment, build the container image
(training runs inside the build), and publish it to the registry.`,
	SilenceUsage: true,
}

func Execute(v, c, d string) {
	if v != "" {
		version.Set(v, c, d)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./caravel.toml)")
}

func initConfig() {
	// Secrets (git token, database URL, object store keys) may live in a
	// local .env during development; the CI host injects them directly.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in standard locations
		viper.SetConfigName("caravel")
		viper.SetConfigType("toml")

		// Current directory (highest priority)
		viper.AddConfigPath(".")

		// User config directory
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/caravel")
		}

		// User home directory
		if homeDir, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(homeDir + "/.caravel")
		}

		// System-wide config directories
		viper.AddConfigPath("/etc/caravel")
		viper.AddConfigPath("/usr/local/etc/caravel")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		} else {
			log.Fatal().Msg("config file not found - please specify with --config flag or ensure caravel.toml exists in current directory")
		}
	}
}
