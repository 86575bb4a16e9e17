// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// PROCESS-WIDE INITIALISATION
// =============================================================================

// The inference client wraps a native-adjacent resource that must be
// initialised once per process. Repeated Init calls are no-ops; the first
// caller's configuration wins.
var (
	initOnce  sync.Once
	sharedsrv Server
)

// Init installs the process-wide inference server. Only the first call
// takes effect; Init reports whether this call installed the server.
func Init(server Server) bool {
	installed := false
	initOnce.Do(func() {
		sharedsrv = server
		installed = true
	})
	return installed
}

// shared returns the process-wide server, or nil before Init.
func shared() Server {
	return sharedsrv
}

// =============================================================================
// REGISTRY
// =============================================================================

// slot tracks one loaded role.
type slot struct {
	modelID   string
	family    Family
	loadedAt  time.Time
	lastUsed  time.Time
	vramBytes int64
	loaded    bool
}

// Config sizes the registry.
type Config struct {
	ContextTokens   int
	GenerateTimeout time.Duration
	IdleUnload      time.Duration
	// SubmitRate caps generation submissions per second. One limiter is
	// shared by all roles and allows bursts of two.
	SubmitRate rate.Limit
}

// DefaultConfig returns workable defaults.
func DefaultConfig() Config {
	return Config{
		ContextTokens:   8192,
		GenerateTimeout: 120 * time.Second,
		IdleUnload:      5 * time.Minute,
		SubmitRate:      rate.Limit(4),
	}
}

// Registry owns the model slots and the inference worker. All blocking
// inference runs inside the per-role worker slots; callers block on a
// depth-1 queue, so the orchestrator loop submits and yields.
type Registry struct {
	mu      sync.Mutex
	server  Server
	cfg     Config
	slots   map[Role]*slot
	workers map[Role]chan struct{}
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRegistry creates a registry on the given server. Passing nil uses the
// process-wide server installed by Init.
func NewRegistry(server Server, cfg Config) *Registry {
	if server == nil {
		server = shared()
	}
	if cfg.GenerateTimeout == 0 {
		cfg = DefaultConfig()
	}
	workers := make(map[Role]chan struct{}, 3)
	for _, role := range []Role{RoleRouter, RoleReasoning, RoleEmbedding} {
		// Depth-1 queue per role: one in-flight call; further callers block
		// until it finishes.
		workers[role] = make(chan struct{}, 1)
	}
	return &Registry{
		server:  server,
		cfg:     cfg,
		slots:   make(map[Role]*slot),
		workers: workers,
		limiter: rate.NewLimiter(cfg.SubmitRate, 2),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// =============================================================================
// LOAD / UNLOAD / SWAP
// =============================================================================

// Load makes modelID resident for role. Replacing a role releases the prior
// model before the replacement is exposed; there is never a window with two
// models in one role.
func (r *Registry) Load(ctx context.Context, role Role, modelID string) error {
	r.mu.Lock()
	prior := r.slots[role]
	r.mu.Unlock()

	if prior != nil && prior.loaded && prior.modelID == modelID {
		return nil
	}
	if prior != nil && prior.loaded {
		if err := r.server.Unload(ctx, prior.modelID); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.slots, role)
		r.mu.Unlock()
	}

	size, err := r.server.Load(ctx, modelID, r.cfg.ContextTokens)
	if err != nil {
		return err
	}

	r.mu.Lock()
	now := r.now()
	r.slots[role] = &slot{
		modelID:   modelID,
		family:    DetectFamily(modelID),
		loadedAt:  now,
		lastUsed:  now,
		vramBytes: size,
		loaded:    true,
	}
	r.mu.Unlock()
	return nil
}

// Unload releases the model in a role. Unloading an empty role is a no-op.
func (r *Registry) Unload(ctx context.Context, role Role) error {
	r.mu.Lock()
	s := r.slots[role]
	r.mu.Unlock()
	if s == nil || !s.loaded {
		return nil
	}
	if err := r.server.Unload(ctx, s.modelID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.slots, role)
	r.mu.Unlock()
	return nil
}

// Loaded reports whether a role has a resident model.
func (r *Registry) Loaded(role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[role]
	return s != nil && s.loaded
}

// ModelID returns the model occupying a role, or empty.
func (r *Registry) ModelID(role Role) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.slots[role]; s != nil {
		return s.modelID
	}
	return ""
}

// FamilyOf returns the prompt family of the model in a role.
func (r *Registry) FamilyOf(role Role) Family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.slots[role]; s != nil {
		return s.family
	}
	return FamilyChatML
}

// =============================================================================
// INFERENCE
// =============================================================================

// EnsureLoaded lazily loads a role with modelID if it is empty.
func (r *Registry) EnsureLoaded(ctx context.Context, role Role, modelID string) error {
	if r.Loaded(role) {
		return nil
	}
	return r.Load(ctx, role, modelID)
}

// Generate runs a blocking generation on the role's worker. The call waits
// for a queue slot (depth 1), honours the wall-clock budget, and streams
// deltas through onToken.
func (r *Registry) Generate(ctx context.Context, role Role, prompt string, params SamplingParams, onToken func(string)) (string, error) {
	r.mu.Lock()
	s := r.slots[role]
	worker := r.workers[role]
	r.mu.Unlock()
	if s == nil || !s.loaded {
		return "", backendErr(ErrKindLoadFailed, "", "no model loaded for role "+string(role), nil)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", backendErr(ErrKindCancelled, s.modelID, "generation cancelled while queued", err)
	}

	// Acquire the role's inference slot; back-pressure happens here.
	select {
	case worker <- struct{}{}:
	case <-ctx.Done():
		return "", backendErr(ErrKindCancelled, s.modelID, "generation cancelled while queued", ctx.Err())
	}
	defer func() { <-worker }()

	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerateTimeout)
	defer cancel()

	if params.ContextSize == 0 {
		params.ContextSize = r.cfg.ContextTokens
	}
	text, err := r.server.Generate(genCtx, s.modelID, prompt, params, onToken)

	r.mu.Lock()
	if cur := r.slots[role]; cur != nil {
		cur.lastUsed = r.now()
	}
	r.mu.Unlock()
	return text, err
}

// Embed runs a blocking embedding on the embedding worker.
func (r *Registry) Embed(ctx context.Context, text string) ([]float64, error) {
	r.mu.Lock()
	s := r.slots[RoleEmbedding]
	worker := r.workers[RoleEmbedding]
	r.mu.Unlock()
	if s == nil || !s.loaded {
		return nil, backendErr(ErrKindLoadFailed, "", "no embedding model loaded", nil)
	}
	select {
	case worker <- struct{}{}:
	case <-ctx.Done():
		return nil, backendErr(ErrKindCancelled, s.modelID, "embedding cancelled while queued", ctx.Err())
	}
	defer func() { <-worker }()

	vec, err := r.server.Embed(ctx, s.modelID, text)
	r.mu.Lock()
	if cur := r.slots[RoleEmbedding]; cur != nil {
		cur.lastUsed = r.now()
	}
	r.mu.Unlock()
	return vec, err
}

// =============================================================================
// STATUS AND HOUSEKEEPING
// =============================================================================

// Status reports every role's state.
func (r *Registry) Status() map[Role]RoleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Role]RoleStatus, 3)
	for _, role := range []Role{RoleRouter, RoleReasoning, RoleEmbedding} {
		s := r.slots[role]
		if s == nil {
			out[role] = RoleStatus{}
			continue
		}
		out[role] = RoleStatus{
			Loaded:    s.loaded,
			ModelID:   s.modelID,
			Family:    s.family.String(),
			LoadedAt:  s.loadedAt,
			LastUsed:  s.lastUsed,
			VRAMBytes: s.vramBytes,
		}
	}
	return out
}

// SweepIdle unloads the reasoning model once it has sat unused past the
// idle threshold. The router stays resident; it is the cheap always-on path.
func (r *Registry) SweepIdle(ctx context.Context) error {
	r.mu.Lock()
	s := r.slots[RoleReasoning]
	idle := r.cfg.IdleUnload
	var since time.Duration
	if s != nil && s.loaded {
		since = r.now().Sub(s.lastUsed)
	}
	r.mu.Unlock()

	if s == nil || !s.loaded || since < idle {
		return nil
	}
	return r.Unload(ctx, RoleReasoning)
}
