// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"

	"github.com/opaquefs/opaquefs/internal/config"
)

var (
	logLevel slog.LevelVar
	cfg      config.ServerFileConfig
)

var rootCmd = &cobra.Command{
	Use:   "opaquefs-serverd",
	Short: "Run the opaquefs file-transfer server",
	Long: `opaquefs-serverd serves end-to-end encrypted file storage over an
FTP-shaped protocol: the server never sees plaintext file contents or
names, only opaque ciphertext and a password verifier it cannot reverse
into the client's real secret.`,
	RunE: runServe,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug-level log output")
	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
	rootCmd.Flags().String("listen", "127.0.0.1:2121", "Address to listen on")
	rootCmd.Flags().String("root", "", "Server storage root directory")
	rootCmd.Flags().Int("max-cons", 256, "Maximum total concurrent connections")
	rootCmd.Flags().Int("max-cons-per-ip", 5, "Maximum concurrent connections from one remote address")
	rootCmd.Flags().Duration("idle-timeout", 0, "Control-connection idle timeout (0 = use the built-in default)")
	rootCmd.Flags().Duration("shutdown-window", 0, "Time to wait for in-flight sessions to finish on shutdown (0 = use the built-in default)")
}

// loadConfig binds flags into viper, layers an optional --config file over
// them, and fills cfg.
func loadConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return err
	}

	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if configFilePath != "" {
		slog.Debug("loading server configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}

	cfg = config.ServerFileConfig{
		Log: config.LogConfig{Debug: viper.GetBool("debug")},
		Server: config.ServerConfig{
			Listen:         viper.GetString("listen"),
			Root:           viper.GetString("root"),
			MaxCons:        viper.GetInt("max-cons"),
			MaxConsPerIP:   viper.GetInt("max-cons-per-ip"),
			IdleTimeout:    viper.GetDuration("idle-timeout"),
			ShutdownWindow: viper.GetDuration("shutdown-window"),
		},
	}
	return cfg.Validate()
}
