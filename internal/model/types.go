// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model owns the loaded language models: a small always-on router,
// a lazily loaded reasoning model, and an embedding model. It exposes
// blocking generate/embed calls routed through a dedicated inference worker
// so the cooperative orchestrator loop never blocks on inference.
package model

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ROLES
// =============================================================================

// Role names a model slot in the registry.
type Role string

const (
	// RoleRouter is the small classification model, loaded eagerly.
	RoleRouter Role = "router"
	// RoleReasoning is the large model, loaded on demand and unloaded when
	// idle.
	RoleReasoning Role = "reasoning"
	// RoleEmbedding is the embedding model.
	RoleEmbedding Role = "embedding"
)

// =============================================================================
// FAMILIES
// =============================================================================

// Family is the prompt-format family of a model, derived from its id.
type Family int

const (
	FamilyChatML Family = iota
	FamilyMistral
	FamilyLlama3
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyMistral:
		return "mistral"
	case FamilyLlama3:
		return "llama3"
	default:
		return "chatml"
	}
}

// DetectFamily inspects a model id for known family keywords. Qwen, Hermes,
// and anything unknown default to ChatML.
func DetectFamily(modelID string) Family {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "mistral") || strings.Contains(lower, "ministral") {
		return FamilyMistral
	}
	if strings.Contains(lower, "llama") {
		return FamilyLlama3
	}
	return FamilyChatML
}

// =============================================================================
// PARAMETERS AND STATUS
// =============================================================================

// SamplingParams control one generation.
type SamplingParams struct {
	MaxTokens   int
	Temperature float64
	ContextSize int
}

// RoleStatus reports a slot's state for the status surface and tests.
type RoleStatus struct {
	Loaded    bool      `json:"loaded"`
	ModelID   string    `json:"model_id,omitempty"`
	Family    string    `json:"family,omitempty"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastUsed  time.Time `json:"last_used,omitempty"`
	VRAMBytes int64     `json:"vram_bytes"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorKind categorises backend failures.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindNotRunning
	ErrKindLoadFailed
	ErrKindModelNotFound
	ErrKindTimeout
	ErrKindContextOverflow
	ErrKindDecode
	ErrKindOutOfMemory
	ErrKindCancelled
)

// BackendError is a typed inference failure identifying the model and cause.
type BackendError struct {
	Kind    ErrorKind
	ModelID string
	Message string
	Cause   error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if e.ModelID != "" {
		msg = fmt.Sprintf("%s (model %s)", msg, e.ModelID)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// backendErr builds a BackendError.
func backendErr(kind ErrorKind, modelID, message string, cause error) *BackendError {
	return &BackendError{Kind: kind, ModelID: modelID, Message: message, Cause: cause}
}
