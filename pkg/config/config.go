// Package config loads the hubgate server configuration from a YAML file,
// with environment variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of one hubgate process.
type Config struct {
	ServerName string `yaml:"server_name" env:"HUBGATE_SERVER_NAME"`
	Host       string `yaml:"host" env:"HUBGATE_HOST"`
	Port       int    `yaml:"port" env:"HUBGATE_PORT"`
	PoolSize   int    `yaml:"pool_size" env:"HUBGATE_POOL_SIZE"`
	LogLevel   string `yaml:"log_level" env:"HUBGATE_LOG_LEVEL"`

	// WebServerRootPath is the directory fragments are served from.
	WebServerRootPath string `yaml:"web_server_root_path" env:"HUBGATE_WEB_ROOT"`

	// InitialSessionTimeout is the opaque-session lifetime in seconds.
	InitialSessionTimeout int `yaml:"initial_session_timeout" env:"HUBGATE_SESSION_TIMEOUT"`

	// SessionDocumentName is the store document holding opaque sessions
	// and session locks.
	SessionDocumentName string `yaml:"session_document_name" env:"HUBGATE_SESSION_DOC"`

	StorePath string `yaml:"store_path" env:"HUBGATE_STORE_PATH"`

	JWT       JWT       `yaml:"jwt"`
	Lock      Lock      `yaml:"lock_session"`
	Resilient Resilient `yaml:"resilient_mode"`

	// Destinations and Routes configure the microservice proxy.
	Destinations map[string]Destination `yaml:"destinations"`
	Routes       []Route                `yaml:"routes"`
}

// JWT configures the signed-token session authority. An empty secret
// disables signed-token support entirely.
type JWT struct {
	Secret  string `yaml:"secret" env:"HUBGATE_JWT_SECRET"`
	Issuer  string `yaml:"issuer" env:"HUBGATE_JWT_ISSUER"`
	Timeout int    `yaml:"timeout" env:"HUBGATE_JWT_TIMEOUT"`
}

// Lock configures the optional store-backed session lock. Off by default;
// deployments that need serialised per-session handler execution opt in.
type Lock struct {
	Enabled bool `yaml:"enabled" env:"HUBGATE_LOCK_SESSION"`
	Timeout int  `yaml:"timeout" env:"HUBGATE_LOCK_TIMEOUT"`
}

// Resilient configures the durable message queue.
type Resilient struct {
	Enabled      bool   `yaml:"enabled" env:"HUBGATE_RESILIENT"`
	DocumentName string `yaml:"document_name" env:"HUBGATE_QUEUE_DOC"`
	KeepPeriod   int    `yaml:"keep_period" env:"HUBGATE_QUEUE_KEEP"`        // seconds
	GCInterval   int    `yaml:"gc_interval" env:"HUBGATE_QUEUE_GC_INTERVAL"` // seconds
	// GCSchedule, when set, is a cron expression that replaces the fixed
	// GC interval.
	GCSchedule string `yaml:"gc_schedule" env:"HUBGATE_QUEUE_GC_SCHEDULE"`
}

// Destination names one remote hubgate instance, or a fan-out group of
// other destinations.
type Destination struct {
	Host         string   `yaml:"host"`
	Application  string   `yaml:"application"`
	Destinations []string `yaml:"destinations"` // group members; exclusive with Host
}

// Route maps either a REST path template or a set of socket message types
// to a destination.
type Route struct {
	// REST route fields.
	Path        string `yaml:"path"`
	Method      string `yaml:"method"`
	Destination string `yaml:"destination"`

	// Socket route fields.
	Application string               `yaml:"application"`
	Types       map[string]TypeRoute `yaml:"types"`
}

// TypeRoute maps one socket message type to a remote host/application pair
// or a named destination.
type TypeRoute struct {
	URL         string `yaml:"url"`
	Application string `yaml:"application"`
	Destination string `yaml:"destination"`
}

// Defaults mirror the historical server behaviour.
func defaults() *Config {
	return &Config{
		ServerName:            "hubgate",
		Host:                  "0.0.0.0",
		Port:                  8080,
		PoolSize:              1,
		LogLevel:              "info",
		WebServerRootPath:     "./www",
		InitialSessionTimeout: 300,
		SessionDocumentName:   "hubgateSession",
		StorePath:             "hubgate.db",
		JWT: JWT{
			Issuer:  "hubgate.jwt",
			Timeout: 300,
		},
		Lock: Lock{Timeout: 30},
		Resilient: Resilient{
			DocumentName: "hubgateQueue",
			KeepPeriod:   3600,
			GCInterval:   300,
		},
	}
}

// Load reads the YAML file at path (missing file is not an error: defaults
// plus environment apply) and then overlays HUBGATE_* env vars.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return cfg, nil
}

// LockTimeout returns the session-lock wait timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	t := c.Lock.Timeout
	if t <= 0 {
		t = 30
	}
	return time.Duration(t) * time.Second
}
