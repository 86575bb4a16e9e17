// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftDeleteThenRestoreIsIdentity(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	th, err := s.CreateThread(ctx, "Research", "")
	require.NoError(t, err)
	doc, err := s.CreateDocument(ctx, DocumentDraft{
		Title: "Plan", Content: "the exact content", ThreadID: th.ID, Owned: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteDocument(ctx, doc.ID))
	require.NoError(t, s.UndeleteDocument(ctx, doc.ID))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.Content, got.Content)
	assert.Equal(t, doc.ThreadID, got.ThreadID)
	assert.Nil(t, got.DeletedAt)
}

func TestPurgeRespectsRetentionWindow(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	doc, err := s.CreateDocument(ctx, DocumentDraft{Title: "Old", Owned: true})
	require.NoError(t, err)
	_, err = s.CreateCommit(ctx, doc.ID, "c", Snapshot{Title: "Old"})
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteDocument(ctx, doc.ID))

	// Inside the window: restorable, not purged.
	now = now.Add(29 * 24 * time.Hour)
	purged, err := s.PurgeExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged)
	require.NoError(t, s.UndeleteDocument(ctx, doc.ID))
	require.NoError(t, s.SoftDeleteDocument(ctx, doc.ID))

	// Past the window: physically removed along with its commits.
	now = now.Add(31 * 24 * time.Hour)
	purged, err = s.PurgeExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = s.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitChainHeadAdvances(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	doc, err := s.CreateDocument(ctx, DocumentDraft{Title: "Plan", Owned: true})
	require.NoError(t, err)

	c1, err := s.CreateCommit(ctx, doc.ID, "one", Snapshot{Title: "Plan", Content: "1"})
	require.NoError(t, err)
	c2, err := s.CreateCommit(ctx, doc.ID, "two", Snapshot{Title: "Plan", Content: "2"})
	require.NoError(t, err)

	assert.Empty(t, c1.Parent)
	assert.Equal(t, c1.ID, c2.Parent)
	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, got.HeadCommit)
}

func TestMoveDocumentValidatesThread(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	doc, err := s.CreateDocument(ctx, DocumentDraft{Title: "Doc", Owned: true})
	require.NoError(t, err)
	assert.ErrorIs(t, s.MoveDocumentToThread(ctx, doc.ID, "missing"), ErrNotFound)
}
