// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package autocommit is the versioning daemon: it watches document edit
// counts and emits commits on burst thresholds, on document close, and at
// session end. It never commits a document with zero edits since head.
package autocommit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clenoble/sovereign/internal/ports"
)

// Config tunes the commit policy.
type Config struct {
	// BurstEdits commits after this many edits since the last commit.
	BurstEdits int
	// BurstInterval commits after this much time since the last commit,
	// provided at least one edit happened in the window.
	BurstInterval time.Duration
}

// DefaultConfig is 50 edits or 5 minutes.
func DefaultConfig() Config {
	return Config{BurstEdits: 50, BurstInterval: 5 * time.Minute}
}

// Engine tracks per-document edit activity.
type Engine struct {
	mu         sync.Mutex
	store      ports.GraphStore
	cfg        Config
	editCounts map[string]int
	lastCommit map[string]time.Time
	log        *slog.Logger
	now        func() time.Time
}

// New creates an engine over a graph store.
func New(store ports.GraphStore, cfg Config, logger *slog.Logger) *Engine {
	if cfg.BurstEdits == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		cfg:        cfg,
		editCounts: make(map[string]int),
		lastCommit: make(map[string]time.Time),
		log:        logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// RecordEdit notes one edit on a document. Called on each save.
func (e *Engine) RecordEdit(docID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editCounts[docID]++
	if _, ok := e.lastCommit[docID]; !ok {
		// Start the time window at first edit so a quiet document does not
		// look infinitely overdue.
		e.lastCommit[docID] = e.now()
	}
}

// EditCount returns the pending edit count for a document.
func (e *Engine) EditCount(docID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.editCounts[docID]
}

// Tick checks every tracked document against the burst thresholds and
// commits the eligible ones. Called from the housekeeping timer.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	now := e.now()
	var due []string
	for docID, count := range e.editCounts {
		if count == 0 {
			continue
		}
		elapsed := now.Sub(e.lastCommit[docID])
		if count >= e.cfg.BurstEdits || elapsed >= e.cfg.BurstInterval {
			due = append(due, docID)
		}
	}
	e.mu.Unlock()

	for _, docID := range due {
		e.commit(ctx, docID, fmt.Sprintf("Auto-commit: %d edits", e.EditCount(docID)))
	}
}

// CommitOnClose flushes a document when it leaves focus.
func (e *Engine) CommitOnClose(ctx context.Context, docID string) {
	if e.EditCount(docID) == 0 {
		return
	}
	e.commit(ctx, docID, fmt.Sprintf("Auto-commit on close: %d edits", e.EditCount(docID)))
}

// Flush commits every document with pending edits; called at session end.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	var due []string
	for docID, count := range e.editCounts {
		if count > 0 {
			due = append(due, docID)
		}
	}
	e.mu.Unlock()
	for _, docID := range due {
		e.commit(ctx, docID, fmt.Sprintf("Auto-commit at session end: %d edits", e.EditCount(docID)))
	}
}

// commit snapshots the current document state.
func (e *Engine) commit(ctx context.Context, docID, message string) {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		e.log.Error("auto-commit read failed", "doc", docID, "error", err)
		return
	}
	snapshot := ports.Snapshot{Title: doc.Title, Content: doc.Content}
	commit, err := e.store.CreateCommit(ctx, docID, message, snapshot)
	if err != nil {
		e.log.Error("auto-commit failed", "doc", docID, "error", err)
		return
	}
	e.log.Info("auto-committed", "doc", docID, "commit", commit.ShortID(), "message", message)

	e.mu.Lock()
	e.editCounts[docID] = 0
	e.lastCommit[docID] = e.now()
	e.mu.Unlock()
}

// Restore overwrites the document with commit c's snapshot and creates a
// new commit child of the prior head, never of c itself.
func Restore(ctx context.Context, store ports.GraphStore, docID, commitID string) (ports.Commit, error) {
	target, err := store.GetCommit(ctx, commitID)
	if err != nil {
		return ports.Commit{}, err
	}
	if target.DocumentID != docID {
		return ports.Commit{}, fmt.Errorf("commit %s does not belong to document %s", target.ShortID(), docID)
	}
	title := target.Snapshot.Title
	content := target.Snapshot.Content
	if _, err := store.UpdateDocument(ctx, ports.DocumentPatch{
		ID:      docID,
		Title:   &title,
		Content: &content,
	}); err != nil {
		return ports.Commit{}, err
	}
	return store.CreateCommit(ctx, docID,
		fmt.Sprintf("Restored from %s", target.ShortID()),
		target.Snapshot)
}
