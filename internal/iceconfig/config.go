// Copyright (c) 2024 Icebox Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package iceconfig loads the TOML configuration file that selects a
// Channel transport, a symbol cache root, and the tracer schema path.
package iceconfig

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// EnvSymbolPath names the environment variable that overrides the symbol
// cache root, the Icebox equivalent of _NT_SYMBOL_PATH.
const EnvSymbolPath = "ICEBOX_SYMBOL_PATH"

// ChannelConfig selects and tunes a Channel transport.
type ChannelConfig struct {
	Transport string `toml:"transport"` // "shm" or "vsock"
	Path      string `toml:"path"`      // shm file path, or vsock CID:port
	Timeout   int64  `toml:"timeout_ms"`
}

// SymbolsConfig configures the per-module symbol cache.
type SymbolsConfig struct {
	CacheRoot string `toml:"cache_root"`
}

// TracerConfig points at the declarative function schema.
type TracerConfig struct {
	SchemaPath string `toml:"schema_path"`
}

// ObservabilityConfig configures the ambient logging/tracing/metrics stack.
type ObservabilityConfig struct {
	LogLevel      string `toml:"log_level"`
	Tracing       bool   `toml:"tracing"`
	JaegerEndpoint string `toml:"jaeger_endpoint"`
	MetricsAddr   string `toml:"metrics_addr"`
}

// Config is the root of icebox.toml.
type Config struct {
	Channel       ChannelConfig       `toml:"channel"`
	Symbols       SymbolsConfig       `toml:"symbols"`
	Tracer        TracerConfig        `toml:"tracer"`
	Observability ObservabilityConfig `toml:"observability"`
}

// Default returns the zero-configuration defaults used when no TOML file is
// supplied.
func Default() Config {
	return Config{
		Channel: ChannelConfig{
			Transport: "shm",
			Path:      "/tmp/icebox.fdp",
			Timeout:   5000,
		},
		Symbols: SymbolsConfig{
			CacheRoot: "/var/cache/icebox/symbols",
		},
		Observability: ObservabilityConfig{
			LogLevel: "warn",
		},
	}
}

// Load reads and parses a TOML configuration file, then applies any
// environment overrides on top of the parsed values.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "decode config %s", path)
		}
	}

	if root := os.Getenv(EnvSymbolPath); root != "" {
		cfg.Symbols.CacheRoot = root
	}

	return cfg, nil
}
