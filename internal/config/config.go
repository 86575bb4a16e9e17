// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the orchestrator core.
//
// The configuration is a single TOML file with a closed set of recognised
// options; any key outside that set rejects the whole load. Defaults cover
// every option, and SOVEREIGN_CONFIG overrides the search path.
//
// File locations (in order of precedence):
//   - $SOVEREIGN_CONFIG
//   - <state dir>/config.toml
//   - Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/clenoble/sovereign/internal/util"
)

// ConfigPathEnv overrides the config file location when set.
const ConfigPathEnv = "SOVEREIGN_CONFIG"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete orchestrator configuration.
type Config struct {
	Models     ModelsConfig     `toml:"models"`
	ActionGate ActionGateConfig `toml:"action_gate"`
	SessionLog SessionLogConfig `toml:"session_log"`
	Autocommit AutocommitConfig `toml:"autocommit"`
	Trust      TrustConfig      `toml:"trust"`
	Injection  InjectionConfig  `toml:"injection"`
}

// ModelsConfig selects the models for each role and sizes inference.
type ModelsConfig struct {
	// Router is the small always-loaded classification model.
	Router string `toml:"router"`
	// Reasoning is the larger model loaded lazily on demand.
	Reasoning string `toml:"reasoning"`
	// Embedding is the embedding model id.
	Embedding string `toml:"embedding"`
	// ContextTokens is the context window requested at load time.
	ContextTokens int `toml:"context_tokens"`
	// GPULayers is the number of layers offloaded to the GPU.
	GPULayers int `toml:"gpu_layers"`
	// ServerURL is the local inference server address.
	ServerURL string `toml:"server_url"`
	// IdleUnloadSeconds unloads the reasoning model after this much
	// inactivity.
	IdleUnloadSeconds int `toml:"idle_unload_seconds"`
	// GenerateTimeoutSeconds is the wall-clock budget per generation.
	GenerateTimeoutSeconds int `toml:"generate_timeout_seconds"`
}

// ActionGateConfig tunes the authorization gate.
type ActionGateConfig struct {
	// AutoApprovalThreshold is the approval count at which Modify-level
	// workflows execute without a blocking prompt.
	AutoApprovalThreshold int `toml:"auto_approval_threshold"`
	// TransmitAlwaysConfirm must stay true; present so an explicit false is
	// rejected loudly rather than ignored.
	TransmitAlwaysConfirm bool `toml:"transmit_always_confirm"`
	// DestructSoftDeleteDays is the soft-delete retention window.
	DestructSoftDeleteDays int `toml:"destruct_soft_delete_days"`
	// AnnotateConfirm requires a confirmation for Annotate-level actions
	// instead of a toast. Off by default.
	AnnotateConfirm bool `toml:"annotate_confirm"`
	// ApprovalTimeoutSeconds bounds how long a pending approval may wait.
	ApprovalTimeoutSeconds int `toml:"approval_timeout_seconds"`
}

// SessionLogConfig controls the append-only session log.
type SessionLogConfig struct {
	Encrypt       bool `toml:"encrypt"`
	RetentionDays int  `toml:"retention_days"`
	SummaryDays   int  `toml:"summary_days"`
}

// AutocommitConfig tunes the versioning daemon.
type AutocommitConfig struct {
	BurstEdits           int `toml:"burst_edits"`
	BurstIntervalSeconds int `toml:"burst_interval_seconds"`
}

// TrustConfig tunes the trust ledger.
type TrustConfig struct {
	ResetOnRejection bool `toml:"reset_on_rejection"`
}

// InjectionConfig tunes the injection scanner.
type InjectionConfig struct {
	Enabled bool `toml:"enabled"`
	// Strictness is one of "low", "medium", "high".
	Strictness string `toml:"strictness"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Models: ModelsConfig{
			Router:                 "qwen2.5:3b-instruct",
			Reasoning:              "qwen2.5:7b-instruct",
			Embedding:              "nomic-embed-text",
			ContextTokens:          8192,
			GPULayers:              -1,
			ServerURL:              "http://127.0.0.1:11434",
			IdleUnloadSeconds:      300,
			GenerateTimeoutSeconds: 120,
		},
		ActionGate: ActionGateConfig{
			AutoApprovalThreshold:  10,
			TransmitAlwaysConfirm:  true,
			DestructSoftDeleteDays: 30,
			AnnotateConfirm:        false,
			ApprovalTimeoutSeconds: 300,
		},
		SessionLog: SessionLogConfig{
			Encrypt:       false,
			RetentionDays: 30,
			SummaryDays:   90,
		},
		Autocommit: AutocommitConfig{
			BurstEdits:           50,
			BurstIntervalSeconds: 300,
		},
		Trust: TrustConfig{
			ResetOnRejection: true,
		},
		Injection: InjectionConfig{
			Enabled:    true,
			Strictness: "medium",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// ErrUnknownOption is wrapped into load errors for unrecognised keys.
var ErrUnknownOption = errors.New("unrecognised configuration option")

// Load reads the configuration from the given path. Missing file yields the
// defaults; unknown keys or invalid values fail the load.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("%w: %s", ErrUnknownOption, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDefault resolves the config path (env override, then the state dir)
// and loads it.
func LoadDefault() (Config, string, error) {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		path = util.ExpandPath(path)
		cfg, err := Load(path)
		return cfg, path, err
	}
	root, err := util.StateDir()
	if err != nil {
		return Default(), "", err
	}
	path := filepath.Join(root, "config.toml")
	cfg, err := Load(path)
	return cfg, path, err
}

// Validate checks option values for internal consistency.
func (c Config) Validate() error {
	if c.Models.Router == "" {
		return errors.New("models.router must not be empty")
	}
	if c.Models.ContextTokens < 512 {
		return fmt.Errorf("models.context_tokens too small: %d", c.Models.ContextTokens)
	}
	if !c.ActionGate.TransmitAlwaysConfirm {
		return errors.New("action_gate.transmit_always_confirm cannot be disabled")
	}
	if c.ActionGate.AutoApprovalThreshold < 1 {
		return fmt.Errorf("action_gate.auto_approval_threshold must be >= 1, got %d",
			c.ActionGate.AutoApprovalThreshold)
	}
	if c.ActionGate.DestructSoftDeleteDays < 1 {
		return errors.New("action_gate.destruct_soft_delete_days must be >= 1")
	}
	if c.SessionLog.RetentionDays < 1 || c.SessionLog.SummaryDays < c.SessionLog.RetentionDays {
		return errors.New("session_log retention must be >= 1 day and summary_days >= retention_days")
	}
	if c.Autocommit.BurstEdits < 1 || c.Autocommit.BurstIntervalSeconds < 1 {
		return errors.New("autocommit thresholds must be positive")
	}
	switch c.Injection.Strictness {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("injection.strictness must be low, medium, or high, got %q",
			c.Injection.Strictness)
	}
	return nil
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

// IdleUnload returns the reasoning-model idle unload interval.
func (m ModelsConfig) IdleUnload() time.Duration {
	return time.Duration(m.IdleUnloadSeconds) * time.Second
}

// GenerateTimeout returns the per-generation wall-clock budget.
func (m ModelsConfig) GenerateTimeout() time.Duration {
	return time.Duration(m.GenerateTimeoutSeconds) * time.Second
}

// BurstInterval returns the autocommit time threshold.
func (a AutocommitConfig) BurstInterval() time.Duration {
	return time.Duration(a.BurstIntervalSeconds) * time.Second
}

// SoftDeleteRetention returns the destruct retention window.
func (g ActionGateConfig) SoftDeleteRetention() time.Duration {
	return time.Duration(g.DestructSoftDeleteDays) * 24 * time.Hour
}

// ApprovalTimeout returns the maximum pending-approval wait.
func (g ActionGateConfig) ApprovalTimeout() time.Duration {
	return time.Duration(g.ApprovalTimeoutSeconds) * time.Second
}

// Retention returns the full-entry retention window.
func (s SessionLogConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// SummaryRetention returns the summary retention window.
func (s SessionLogConfig) SummaryRetention() time.Duration {
	return time.Duration(s.SummaryDays) * 24 * time.Hour
}
