// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package config provides the YAML configuration of the spassr server.

Example configuration:

	addr: 127.0.0.1:8000
	root: ./dist
	marker: "<body>"
	workers: 2
	queue_size: 1024
	chunk_buffer: 16
	metrics_addr: 127.0.0.1:9100
	log_level: info
	shutdown_timeout: 10s
*/
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAddr            = "127.0.0.1:8000"
	DefaultIndex           = "index.html"
	DefaultMarker          = "<body>"
	DefaultWorkers         = 1
	DefaultQueueSize       = 1024
	DefaultChunkBuffer     = 16
	DefaultErrorMarker     = "<!-- render failed -->"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrInvalid is wrapped by all validation errors.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure, mapping directly to the YAML
// configuration file structure. Use [Load] or [Parse] to create a Config from
// YAML, or [Default] for the defaults only.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string `yaml:"addr"`

	// Root is the directory with the SPA's static assets and shell.
	Root string `yaml:"root"`

	// Index names the shell file inside Root.
	Index string `yaml:"index"`

	// Marker is the injection marker inside the shell.
	Marker string `yaml:"marker"`

	// Workers is the number of dedicated render workers.
	Workers int `yaml:"workers"`

	// QueueSize is the capacity of the render task queue.
	QueueSize int `yaml:"queue_size"`

	// ChunkBuffer is the number of rendered chunks that may wait for a
	// client.
	ChunkBuffer int `yaml:"chunk_buffer"`

	// LockOSThread locks each render worker to its own OS thread.
	LockOSThread bool `yaml:"lock_os_thread"`

	// ErrorMarker is sent in place of failed rendering.
	ErrorMarker string `yaml:"error_marker"`

	// BaseRewrite enables rewriting the shell's base element based on
	// forwarding proxy headers.
	BaseRewrite bool `yaml:"base_rewrite"`

	// MetricsAddr, if set, is the TCP address to serve Prometheus metrics on.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is either text or json.
	LogFormat string `yaml:"log_format"`

	// Trace enables exporting OpenTelemetry traces to stdout.
	Trace bool `yaml:"trace"`

	// ShutdownTimeout limits the graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Addr:            DefaultAddr,
		Index:           DefaultIndex,
		Marker:          DefaultMarker,
		Workers:         DefaultWorkers,
		QueueSize:       DefaultQueueSize,
		ChunkBuffer:     DefaultChunkBuffer,
		ErrorMarker:     DefaultErrorMarker,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
	}
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot work with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("%w: addr %q: %s", ErrInvalid, c.Addr, err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr %q: %s", ErrInvalid, c.MetricsAddr, err)
		}
	}
	if c.Index == "" {
		return fmt.Errorf("%w: index must not be empty", ErrInvalid)
	}
	if c.Marker == "" {
		return fmt.Errorf("%w: marker must not be empty", ErrInvalid)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalid, c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue_size must be at least 1, got %d", ErrInvalid, c.QueueSize)
	}
	if c.ChunkBuffer < 0 {
		return fmt.Errorf("%w: chunk_buffer must not be negative, got %d", ErrInvalid, c.ChunkBuffer)
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive, got %s",
			ErrInvalid, c.ShutdownTimeout.Duration())
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}
