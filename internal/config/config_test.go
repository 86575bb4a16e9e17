// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[models]
router = "qwen2.5:1.5b-instruct"
context_tokens = 4096

[action_gate]
auto_approval_threshold = 5

[session_log]
encrypt = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:1.5b-instruct", cfg.Models.Router)
	assert.Equal(t, 4096, cfg.Models.ContextTokens)
	assert.Equal(t, 5, cfg.ActionGate.AutoApprovalThreshold)
	assert.True(t, cfg.SessionLog.Encrypt)
	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Autocommit.BurstEdits)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[models]
router = "qwen2.5:3b-instruct"
flux_capacitor = true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOption))
}

func TestLoadRejectsUnknownSection(t *testing.T) {
	path := writeConfig(t, `
[telemetry]
enabled = true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsTransmitConfirmDisable(t *testing.T) {
	path := writeConfig(t, `
[action_gate]
transmit_always_confirm = false
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transmit_always_confirm")
}

func TestLoadRejectsBadStrictness(t *testing.T) {
	path := writeConfig(t, `
[injection]
strictness = "paranoid"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 300.0, cfg.Models.IdleUnload().Seconds())
	assert.Equal(t, 300.0, cfg.Autocommit.BurstInterval().Seconds())
	assert.Equal(t, 30.0, cfg.ActionGate.SoftDeleteRetention().Hours()/24)
}
