// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers: path expansion and the
// per-user state directory layout.
package util

import (
	"os"
	"path/filepath"
	"strings"
)

// StateDirEnv overrides the default state root when set.
const StateDirEnv = "SOVEREIGN_STATE_DIR"

// ExpandPath expands a leading "~/" to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// StateDir returns the per-user state root (~/.sovereign by default),
// creating it if necessary.
func StateDir() (string, error) {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		dir = ExpandPath(dir)
		return dir, os.MkdirAll(dir, 0o700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".sovereign")
	return dir, os.MkdirAll(dir, 0o700)
}

// OrchestratorDir returns the orchestrator state directory under root
// (session log, trust ledger, onboarding marker).
func OrchestratorDir(root string) (string, error) {
	dir := filepath.Join(root, "orchestrator")
	return dir, os.MkdirAll(dir, 0o700)
}

// ProfileDir returns the profile directory under root.
func ProfileDir(root string) (string, error) {
	dir := filepath.Join(root, "profile")
	return dir, os.MkdirAll(dir, 0o700)
}
