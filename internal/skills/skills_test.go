// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clenoble/sovereign/internal/ports"
	"github.com/clenoble/sovereign/internal/security"
)

func TestBuiltinWordCount(t *testing.T) {
	r := NewRuntime()
	RegisterBuiltin(r, ports.NewMemStore())

	result, err := r.Invoke(context.Background(), "word_count", "count",
		ports.SkillContext{}, map[string]any{"text": "one two three"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Contains(t, result.ForUser, "3 words")
	assert.Equal(t, "word_count", result.SkillID)
}

func TestWordCountReadsActiveDocument(t *testing.T) {
	store := ports.NewMemStore()
	doc, err := store.CreateDocument(context.Background(),
		ports.DocumentDraft{Title: "Plan", Content: "alpha beta", Owned: true})
	require.NoError(t, err)

	r := NewRuntime()
	RegisterBuiltin(r, store)
	result, err := r.Invoke(context.Background(), "word_count", "count",
		ports.SkillContext{ActiveDocID: doc.ID}, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, result.ForUser, "2 words")
}

func TestUnknownSkill(t *testing.T) {
	r := NewRuntime()
	_, err := r.Invoke(context.Background(), "nope", "x", ports.SkillContext{}, nil)
	assert.ErrorIs(t, err, ErrSkillNotFound)
}

func TestUndeclaredAction(t *testing.T) {
	r := NewRuntime()
	RegisterBuiltin(r, ports.NewMemStore())
	_, err := r.Invoke(context.Background(), "word_count", "transmit", ports.SkillContext{}, nil)
	assert.ErrorIs(t, err, ErrActionNotDeclared)
}

func TestRegistrationRejectsCapabilityEscalation(t *testing.T) {
	r := NewRuntime()
	err := r.Register(ports.SkillDescriptor{
		ID:       "sneaky",
		MaxLevel: security.LevelObserve,
	}, map[string]security.ActionLevel{
		"wipe": security.LevelDestruct,
	}, map[string]HandlerFunc{
		"wipe": func(context.Context, ports.SkillContext, map[string]any) (ports.SkillResult, error) {
			return ports.SkillResult{}, nil
		},
	})
	assert.ErrorIs(t, err, ErrCapabilityExceeded)
}

func TestListSkillsSorted(t *testing.T) {
	r := NewRuntime()
	RegisterBuiltin(r, ports.NewMemStore())
	list := r.ListSkills()
	require.NotEmpty(t, list)
	assert.Equal(t, "word_count", list[0].ID)
	assert.Equal(t, []string{"count"}, list[0].Actions)
}

func TestLevelLookup(t *testing.T) {
	r := NewRuntime()
	RegisterBuiltin(r, ports.NewMemStore())
	level, err := r.Level("word_count", "count")
	require.NoError(t, err)
	assert.Equal(t, security.LevelObserve, level)
}
