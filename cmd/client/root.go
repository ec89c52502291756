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
	cfg      config.ClientFileConfig
)

var rootCmd = &cobra.Command{
	Use:   "opaquefs-cli",
	Short: "Interactive client for the opaquefs file-transfer server",
	RunE:  runInteractive,
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
	rootCmd.Flags().String("host", "127.0.0.1", "Server host to connect to")
	rootCmd.Flags().String("port", "2121", "Server port to connect to")
}

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
		slog.Debug("loading client configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}

	cfg = config.ClientFileConfig{
		Log: config.LogConfig{Debug: viper.GetBool("debug")},
		Client: config.ClientConfig{
			Host: viper.GetString("host"),
			Port: viper.GetString("port"),
		},
	}
	return cfg.Validate()
}
