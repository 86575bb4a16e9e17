// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package profile persists adaptive learning signals about the user:
// preferred verbosity, suggestion acceptance, and the identifiers the
// prompts personalise with.
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Filename is the profile file under the profile directory.
const Filename = "profile.json"

// Profile is the persisted user profile.
type Profile struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Verbosity string    `json:"verbosity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Suggestion feedback counters record how many suggestions were shown
	// and accepted. Suggestion frequency does not depend on them.
	SuggestionsShown    int `json:"suggestions_shown"`
	SuggestionsAccepted int `json:"suggestions_accepted"`
}

// Default creates a fresh profile.
func Default() Profile {
	now := time.Now().UTC()
	return Profile{
		UserID:    uuid.NewString(),
		Verbosity: "conversational",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Load reads the profile from dir, creating a default when absent.
func Load(dir string) (Profile, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Default(), err
	}
	if p.UserID == "" {
		p.UserID = uuid.NewString()
	}
	return p, nil
}

// Save writes the profile atomically.
func (p Profile) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, Filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, Filename))
}

// AcceptanceRate returns the fraction of shown suggestions the user
// accepted, or 0 with nothing shown.
func (p Profile) AcceptanceRate() float64 {
	if p.SuggestionsShown == 0 {
		return 0
	}
	return float64(p.SuggestionsAccepted) / float64(p.SuggestionsShown)
}
