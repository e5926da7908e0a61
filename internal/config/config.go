// Copyright 2026 The tasktime Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from a YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EmailPasswordEnv is the environment variable holding the SMTP sender password.
// The password is never read from the configuration file.
const EmailPasswordEnv = "EMAIL_SENDER_PASSWORD"

// Config holds the full daemon configuration.
type Config struct {
	// Listen configures the HTTP control plane.
	Listen ListenConfig `yaml:"listen"`

	// Database configures the embedded store.
	Database DatabaseConfig `yaml:"database"`

	// WorkDir is the sandbox root under which all relative task working
	// directories resolve. Created at startup if missing.
	WorkDir string `yaml:"work_dir"`

	// SeedFile is the declarative job definition file applied once at startup.
	SeedFile string `yaml:"seed_file"`

	// Scheduler configures the scheduling engine.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// SMTP configures the email task adapter.
	SMTP SMTPConfig `yaml:"smtp"`
}

// ListenConfig configures how the daemon listens for API connections.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig contains embedded database settings.
type DatabaseConfig struct {
	// Path is the sqlite database file path.
	Path string `yaml:"path"`
}

// SchedulerConfig configures the scheduling engine and reconciler.
type SchedulerConfig struct {
	// WorkerPoolSize is the number of workers for I/O-bound tasks.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// IsolationPoolSize is the number of workers reserved for heavyweight
	// isolated execution.
	IsolationPoolSize int `yaml:"isolation_pool_size"`

	// PeriodicSyncSeconds re-reconciles the engine against the store at this
	// interval. 0 disables periodic sync.
	PeriodicSyncSeconds int `yaml:"periodic_sync_seconds"`

	// DeleteOrphans removes engine entries whose id is absent from the store.
	DeleteOrphans bool `yaml:"delete_orphans"`
}

// SMTPConfig contains email sending settings. The sender password comes from
// the EMAIL_SENDER_PASSWORD environment variable.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Sender      string `yaml:"sender"`
	TemplateDir string `yaml:"template_dir"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".tasktime")

	return &Config{
		Listen:   ListenConfig{Addr: "127.0.0.1:5012"},
		Database: DatabaseConfig{Path: filepath.Join(root, "tasktime.sqlite")},
		WorkDir:  filepath.Join(root, "work"),
		SeedFile: "jobs.yaml",
		Scheduler: SchedulerConfig{
			WorkerPoolSize:      20,
			IsolationPoolSize:   5,
			PeriodicSyncSeconds: 60,
			DeleteOrphans:       false,
		},
		SMTP: SMTPConfig{
			Host: "localhost",
			Port: 587,
		},
	}
}

// Load reads configuration from the given YAML file, falling back to defaults
// for unset fields, then applies environment overrides. A missing file is not
// an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKTIME_LISTEN_ADDR"); v != "" {
		cfg.Listen.Addr = v
	}
	if v := os.Getenv("TASKTIME_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TASKTIME_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("TASKTIME_SEED_FILE"); v != "" {
		cfg.SeedFile = v
	}
	if v := os.Getenv("TASKTIME_SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("TASKTIME_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("TASKTIME_SMTP_SENDER"); v != "" {
		cfg.SMTP.Sender = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}
	if !filepath.IsAbs(c.WorkDir) {
		abs, err := filepath.Abs(c.WorkDir)
		if err != nil {
			return fmt.Errorf("failed to resolve work_dir: %w", err)
		}
		c.WorkDir = abs
	}
	if c.Scheduler.WorkerPoolSize <= 0 {
		return fmt.Errorf("scheduler.worker_pool_size must be positive")
	}
	if c.Scheduler.IsolationPoolSize <= 0 {
		return fmt.Errorf("scheduler.isolation_pool_size must be positive")
	}
	if c.Scheduler.PeriodicSyncSeconds < 0 {
		return fmt.Errorf("scheduler.periodic_sync_seconds must not be negative")
	}
	return nil
}

// EnsureDirs creates the work directory and the database parent directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	if dir := filepath.Dir(c.Database.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	return nil
}
