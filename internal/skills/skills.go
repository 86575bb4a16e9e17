// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package skills is the in-process reference SkillRuntime. Skills declare a
// capability ceiling at registration and the runtime refuses anything above
// it; the orchestrator additionally routes any invocation above Observe
// through the action gate.
package skills

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/clenoble/sovereign/internal/ports"
	"github.com/clenoble/sovereign/internal/security"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSkillNotFound is returned for unknown skill ids.
	ErrSkillNotFound = errors.New("unknown skill")
	// ErrActionNotDeclared is returned for actions a skill never declared.
	ErrActionNotDeclared = errors.New("action not declared by skill")
	// ErrCapabilityExceeded is returned when an action outranks the skill's
	// declared ceiling.
	ErrCapabilityExceeded = errors.New("action exceeds skill capability")
)

// =============================================================================
// RUNTIME
// =============================================================================

// HandlerFunc executes one skill action.
type HandlerFunc func(ctx context.Context, sctx ports.SkillContext, args map[string]any) (ports.SkillResult, error)

type skill struct {
	descriptor ports.SkillDescriptor
	levels     map[string]security.ActionLevel
	handlers   map[string]HandlerFunc
}

// Runtime is a registry-backed SkillRuntime implementation.
type Runtime struct {
	mu     sync.RWMutex
	skills map[string]*skill
}

// NewRuntime creates an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{skills: make(map[string]*skill)}
}

// Register installs a skill. Every action needs a handler and a level at or
// below the descriptor's ceiling.
func (r *Runtime) Register(descriptor ports.SkillDescriptor,
	levels map[string]security.ActionLevel, handlers map[string]HandlerFunc) error {
	if descriptor.ID == "" {
		return errors.New("skill id required")
	}
	for action, level := range levels {
		if level > descriptor.MaxLevel {
			return fmt.Errorf("%w: %s.%s declares %s above ceiling %s",
				ErrCapabilityExceeded, descriptor.ID, action, level, descriptor.MaxLevel)
		}
		if handlers[action] == nil {
			return fmt.Errorf("skill %s action %s has no handler", descriptor.ID, action)
		}
	}
	actions := make([]string, 0, len(levels))
	for action := range levels {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	descriptor.Actions = actions

	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[descriptor.ID] = &skill{descriptor: descriptor, levels: levels, handlers: handlers}
	return nil
}

// ListSkills returns descriptors sorted by id.
func (r *Runtime) ListSkills() []ports.SkillDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.SkillDescriptor, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Level returns the declared level for a skill action.
func (r *Runtime) Level(skillID, action string) (security.ActionLevel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[skillID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSkillNotFound, skillID)
	}
	level, ok := s.levels[action]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrActionNotDeclared, skillID, action)
	}
	return level, nil
}

// Invoke runs a skill action with capability gating.
func (r *Runtime) Invoke(ctx context.Context, skillID, action string,
	sctx ports.SkillContext, args map[string]any) (ports.SkillResult, error) {
	r.mu.RLock()
	s, ok := r.skills[skillID]
	r.mu.RUnlock()
	if !ok {
		return ports.SkillResult{}, fmt.Errorf("%w: %s", ErrSkillNotFound, skillID)
	}
	level, declared := s.levels[action]
	if !declared {
		return ports.SkillResult{}, fmt.Errorf("%w: %s.%s", ErrActionNotDeclared, skillID, action)
	}
	if level > s.descriptor.MaxLevel {
		return ports.SkillResult{}, ErrCapabilityExceeded
	}
	result, err := s.handlers[action](ctx, sctx, args)
	result.SkillID = skillID
	result.Action = action
	return result, err
}

// =============================================================================
// BUILTIN SKILLS
// =============================================================================

// RegisterBuiltin installs the shipped skill: word_count, an Observe-level
// counter of words, characters and lines.
func RegisterBuiltin(r *Runtime, store ports.GraphStore) {
	mustRegister(r, ports.SkillDescriptor{
		ID:          "word_count",
		Name:        "Word Count",
		Description: "Count words, characters, and lines in a document.",
		MaxLevel:    security.LevelObserve,
	}, map[string]security.ActionLevel{
		"count": security.LevelObserve,
	}, map[string]HandlerFunc{
		"count": func(ctx context.Context, sctx ports.SkillContext, args map[string]any) (ports.SkillResult, error) {
			text, _ := args["text"].(string)
			if text == "" && sctx.ActiveDocID != "" {
				doc, err := store.GetDocument(ctx, sctx.ActiveDocID)
				if err != nil {
					return ports.SkillResult{}, err
				}
				text = doc.Content
			}
			words := len(strings.FieldsFunc(text, unicode.IsSpace))
			lines := strings.Count(text, "\n") + 1
			if text == "" {
				lines = 0
			}
			rendered := fmt.Sprintf("%d words, %d characters, %d lines", words, len(text), lines)
			return ports.SkillResult{
				ForModel:   rendered,
				ForUser:    rendered,
				Plane:      security.PlaneControl,
				Provenance: security.ProvenanceOwned,
				OK:         true,
			}, nil
		},
	})
}

func mustRegister(r *Runtime, d ports.SkillDescriptor,
	levels map[string]security.ActionLevel, handlers map[string]HandlerFunc) {
	if err := r.Register(d, levels, handlers); err != nil {
		panic(fmt.Sprintf("register skill %s: %v", d.ID, err))
	}
}
