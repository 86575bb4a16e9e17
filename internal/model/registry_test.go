// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer records loads/unloads and returns canned generations.
type fakeServer struct {
	mu       sync.Mutex
	loaded   map[string]bool
	response string
	genDelay time.Duration
	sizes    map[string]int64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		loaded:   make(map[string]bool),
		response: "ok",
		sizes:    map[string]int64{},
	}
}

func (f *fakeServer) Generate(ctx context.Context, modelID, prompt string, _ SamplingParams, onToken func(string)) (string, error) {
	if f.genDelay > 0 {
		select {
		case <-time.After(f.genDelay):
		case <-ctx.Done():
			return "", backendErr(ErrKindCancelled, modelID, "cancelled", ctx.Err())
		}
	}
	if onToken != nil {
		onToken(f.response)
	}
	return f.response, nil
}

func (f *fakeServer) Embed(_ context.Context, _, _ string) ([]float64, error) {
	return []float64{0.1, 0.2}, nil
}

func (f *fakeServer) Load(_ context.Context, modelID string, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[modelID] = true
	if size, ok := f.sizes[modelID]; ok {
		return size, nil
	}
	return 1 << 30, nil
}

func (f *fakeServer) Unload(_ context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[modelID] = false
	return nil
}

func (f *fakeServer) Health(context.Context) error { return nil }

func (f *fakeServer) isLoaded(modelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[modelID]
}

func newTestRegistry(srv Server) *Registry {
	cfg := DefaultConfig()
	cfg.SubmitRate = 1000
	return NewRegistry(srv, cfg)
}

func TestDetectFamily(t *testing.T) {
	tests := []struct {
		modelID  string
		expected Family
	}{
		{"qwen2.5:3b-instruct", FamilyChatML},
		{"hermes-3", FamilyChatML},
		{"mistral:7b-instruct-v0.3", FamilyMistral},
		{"ministral-8b", FamilyMistral},
		{"llama3.1:8b-instruct", FamilyLlama3},
		{"Meta-Llama-3.1-8B-Instruct", FamilyLlama3},
		{"unknown-model", FamilyChatML},
	}
	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectFamily(tt.modelID))
		})
	}
}

func TestLoadAndGenerate(t *testing.T) {
	srv := newFakeServer()
	r := newTestRegistry(srv)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, RoleRouter, "qwen2.5:3b-instruct"))
	assert.True(t, r.Loaded(RoleRouter))

	text, err := r.Generate(ctx, RoleRouter, "hello", SamplingParams{MaxTokens: 32}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestGenerateWithoutLoadFails(t *testing.T) {
	r := newTestRegistry(newFakeServer())
	_, err := r.Generate(context.Background(), RoleReasoning, "x", SamplingParams{}, nil)
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrKindLoadFailed, be.Kind)
}

func TestHotSwapReleasesPriorModel(t *testing.T) {
	srv := newFakeServer()
	r := newTestRegistry(srv)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, RoleReasoning, "qwen2.5:7b-instruct"))
	require.NoError(t, r.Load(ctx, RoleReasoning, "mistral:7b-instruct-v0.3"))

	assert.False(t, srv.isLoaded("qwen2.5:7b-instruct"))
	assert.True(t, srv.isLoaded("mistral:7b-instruct-v0.3"))
	assert.Equal(t, "mistral:7b-instruct-v0.3", r.ModelID(RoleReasoning))
	assert.Equal(t, FamilyMistral, r.FamilyOf(RoleReasoning))
}

func TestLoadSameModelIsNoop(t *testing.T) {
	srv := newFakeServer()
	r := newTestRegistry(srv)
	ctx := context.Background()
	require.NoError(t, r.Load(ctx, RoleRouter, "qwen2.5:3b-instruct"))
	require.NoError(t, r.Load(ctx, RoleRouter, "qwen2.5:3b-instruct"))
	assert.True(t, r.Loaded(RoleRouter))
}

func TestIdleUnloadSweep(t *testing.T) {
	srv := newFakeServer()
	srv.sizes["qwen2.5:7b-instruct"] = 4 << 30
	cfg := DefaultConfig()
	cfg.SubmitRate = 1000
	cfg.IdleUnload = 5 * time.Minute
	r := NewRegistry(srv, cfg)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.Load(ctx, RoleReasoning, "qwen2.5:7b-instruct"))
	require.Equal(t, int64(4<<30), r.Status()[RoleReasoning].VRAMBytes)

	// Not idle yet.
	now = now.Add(2 * time.Minute)
	require.NoError(t, r.SweepIdle(ctx))
	assert.True(t, r.Loaded(RoleReasoning))

	// Past the idle threshold: reasoning is released, router untouched.
	require.NoError(t, r.Load(ctx, RoleRouter, "qwen2.5:3b-instruct"))
	now = now.Add(10 * time.Minute)
	require.NoError(t, r.SweepIdle(ctx))
	assert.False(t, r.Loaded(RoleReasoning))
	assert.True(t, r.Loaded(RoleRouter))
	assert.Equal(t, int64(0), r.Status()[RoleReasoning].VRAMBytes)
}

func TestGenerateUpdatesLastUsed(t *testing.T) {
	srv := newFakeServer()
	r := newTestRegistry(srv)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	require.NoError(t, r.Load(ctx, RoleReasoning, "qwen2.5:7b-instruct"))

	now = now.Add(4 * time.Minute)
	_, err := r.Generate(ctx, RoleReasoning, "x", SamplingParams{}, nil)
	require.NoError(t, err)
	assert.Equal(t, now, r.Status()[RoleReasoning].LastUsed)
}

func TestGenerateCancellation(t *testing.T) {
	srv := newFakeServer()
	srv.genDelay = 5 * time.Second
	r := newTestRegistry(srv)
	require.NoError(t, r.Load(context.Background(), RoleRouter, "qwen2.5:3b-instruct"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := r.Generate(ctx, RoleRouter, "x", SamplingParams{}, nil)
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrKindCancelled, be.Kind)
}

func TestGenerateTimeoutBudget(t *testing.T) {
	srv := newFakeServer()
	srv.genDelay = time.Second
	cfg := DefaultConfig()
	cfg.SubmitRate = 1000
	cfg.GenerateTimeout = 50 * time.Millisecond
	r := NewRegistry(srv, cfg)
	require.NoError(t, r.Load(context.Background(), RoleRouter, "qwen2.5:3b-instruct"))

	_, err := r.Generate(context.Background(), RoleRouter, "x", SamplingParams{}, nil)
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrKindCancelled, be.Kind)
}

func TestEmbed(t *testing.T) {
	srv := newFakeServer()
	r := newTestRegistry(srv)
	require.NoError(t, r.Load(context.Background(), RoleEmbedding, "nomic-embed-text"))
	vec, err := r.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 2)
}

func TestClassifyServerError(t *testing.T) {
	assert.Equal(t, ErrKindModelNotFound, classifyServerError("m", "model not found").Kind)
	assert.Equal(t, ErrKindOutOfMemory, classifyServerError("m", "CUDA out of memory").Kind)
	assert.Equal(t, ErrKindContextOverflow, classifyServerError("m", "context length exceeded").Kind)
	assert.Equal(t, ErrKindUnknown, classifyServerError("m", "mystery").Kind)
}
