// Package config loads the server configuration with the usual precedence:
// explicit overrides win over environment variables, which win over the
// config file, which wins over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full server configuration.
type Config struct {
	// Folder is the public working directory: snapshot archive, settings
	// files and install images all live under it.
	Folder string `mapstructure:"folder"`

	// Plan optionally points at a phase plan file overriding the built-in
	// phase sequences.
	Plan string `mapstructure:"plan"`

	Server   Server   `mapstructure:"server"`
	Delivery Delivery `mapstructure:"delivery"`
	Logging  Logging  `mapstructure:"logging"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Delivery tunes the DeviceHub submitter.
type Delivery struct {
	// Backoff is the pause between attempts while DeviceHub is
	// unreachable or unconfigured.
	Backoff time.Duration `mapstructure:"backoff"`

	// Timeout bounds a single submit attempt.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Logging selects log level and output form.
type Logging struct {
	Level string `mapstructure:"level"`

	// Console switches to the human-readable development encoder.
	Console bool `mapstructure:"console"`
}

// Default returns the configuration used when nothing else is set. The
// folder defaults to ~/workbench so operators find the archive next to
// their home directory.
func Default() *Config {
	folder := "workbench"
	if home, err := os.UserHomeDir(); err == nil {
		folder = filepath.Join(home, "workbench")
	}
	return &Config{
		Folder: folder,
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Delivery: Delivery{
			Backoff: 5 * time.Second,
			Timeout: 30 * time.Second,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Folder == "" {
		return fmt.Errorf("folder must be set")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Delivery.Backoff <= 0 {
		return fmt.Errorf("delivery backoff must be positive")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
