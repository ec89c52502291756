// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

// Package config defines the nested, mapstructure-tagged configuration
// structures shared by both opaquefs binaries and their validation. The
// viper-based loading that fills them from flags and an optional --config
// file lives in each binary's root command.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Debug bool   `mapstructure:"debug"`
}

// ServerConfig is the server binary's nested configuration block.
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	Root           string        `mapstructure:"root"`
	MaxCons        int           `mapstructure:"max_cons"`
	MaxConsPerIP   int           `mapstructure:"max_cons_per_ip"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ShutdownWindow time.Duration `mapstructure:"shutdown_window"`
}

func (s *ServerConfig) validate() error {
	if s.Listen == "" {
		return errors.New("config: server.listen is required")
	}
	if s.Root == "" {
		return errors.New("config: server.root is required")
	}
	if s.MaxCons <= 0 {
		return fmt.Errorf("config: server.max_cons must be positive, got %d", s.MaxCons)
	}
	if s.MaxConsPerIP <= 0 {
		return fmt.Errorf("config: server.max_cons_per_ip must be positive, got %d", s.MaxConsPerIP)
	}
	return nil
}

// ServerFileConfig holds the server binary's settings. cmd/server fills it
// from viper keys named after its flags (listen, root, max-cons, ...), so a
// --config file uses those flat keys; the nested mapstructure tags are not
// read by that loader.
type ServerFileConfig struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
}

// Validate checks that every field required to start the server is present.
func (c *ServerFileConfig) Validate() error {
	return c.Server.validate()
}

// ClientConfig is the client binary's nested configuration block: just the
// server dial target, since the rest of the client's state (username,
// secret) is supplied interactively.
type ClientConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DialAddress returns the concatenated host:port address to dial.
func (c *ClientConfig) DialAddress() string {
	return c.Host + ":" + c.Port
}

func (c *ClientConfig) validate() error {
	if c.Host == "" {
		return errors.New("config: client.host is required")
	}
	if c.Port == "" {
		return errors.New("config: client.port is required")
	}
	return nil
}

// ClientFileConfig holds the client binary's settings. cmd/client fills it
// from the flat viper keys host, port and debug; the nested mapstructure
// tags are not read by that loader.
type ClientFileConfig struct {
	Log    LogConfig    `mapstructure:"log"`
	Client ClientConfig `mapstructure:"client"`
}

// Validate checks that every field required to dial the server is present.
func (c *ClientFileConfig) Validate() error {
	return c.Client.validate()
}
