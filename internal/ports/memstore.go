// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ports

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory GraphStore used by tests and as the console
// default when no sqlite path is configured. It honours the same soft-delete
// and commit-chain semantics as the reference adapter.
type MemStore struct {
	mu        sync.RWMutex
	documents map[string]Document
	threads   map[string]Thread
	contacts  []Contact
	messages  []Message
	commits   map[string]Commit
	byDoc     map[string][]string // doc id -> commit ids, oldest first
	now       func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		documents: make(map[string]Document),
		threads:   make(map[string]Thread),
		commits:   make(map[string]Commit),
		byDoc:     make(map[string][]string),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for retention tests.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SeedContact adds a contact; used by seeding and tests.
func (s *MemStore) SeedContact(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.contacts = append(s.contacts, c)
}

// SeedMessage adds a message; used by seeding and tests.
func (s *MemStore) SeedMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.messages = append(s.messages, m)
}

func (s *MemStore) CreateDocument(_ context.Context, draft DocumentDraft) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	doc := Document{
		ID:        uuid.NewString(),
		Title:     draft.Title,
		Content:   draft.Content,
		ThreadID:  draft.ThreadID,
		Owned:     draft.Owned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.documents[doc.ID] = doc
	return doc, nil
}

func (s *MemStore) GetDocument(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemStore) UpdateDocument(_ context.Context, patch DocumentPatch) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[patch.ID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if doc.DeletedAt != nil {
		return Document{}, ErrDeleted
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	doc.UpdatedAt = s.now()
	s.documents[doc.ID] = doc
	return doc, nil
}

func (s *MemStore) SoftDeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	doc.DeletedAt = &now
	s.documents[id] = doc
	return nil
}

func (s *MemStore) UndeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.DeletedAt = nil
	doc.UpdatedAt = s.now()
	s.documents[id] = doc
	return nil
}

func (s *MemStore) ListDocuments(_ context.Context, filter DocumentFilter) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, doc := range s.documents {
		if doc.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.ThreadID != "" && doc.ThreadID != filter.ThreadID {
			continue
		}
		if filter.TitleContains != "" &&
			!strings.Contains(strings.ToLower(doc.Title), strings.ToLower(filter.TitleContains)) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) CreateThread(_ context.Context, name, description string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := Thread{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   s.now(),
	}
	s.threads[th.ID] = th
	return th, nil
}

func (s *MemStore) RenameThread(_ context.Context, id, newName string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	if th.DeletedAt != nil {
		return Thread{}, ErrDeleted
	}
	th.Name = newName
	s.threads[id] = th
	return th, nil
}

func (s *MemStore) SoftDeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	th.DeletedAt = &now
	s.threads[id] = th
	return nil
}

func (s *MemStore) MoveDocumentToThread(_ context.Context, docID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[docID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	doc.ThreadID = threadID
	doc.UpdatedAt = s.now()
	s.documents[docID] = doc
	return nil
}

func (s *MemStore) ListThreads(_ context.Context, filter ThreadFilter) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Thread
	for _, th := range s.threads {
		if th.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.NameContains != "" &&
			!strings.Contains(strings.ToLower(th.Name), strings.ToLower(filter.NameContains)) {
			continue
		}
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ListContacts(_ context.Context) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contact, len(s.contacts))
	copy(out, s.contacts)
	return out, nil
}

func (s *MemStore) SearchMessages(_ context.Context, query string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []Message
	for _, m := range s.messages {
		if strings.Contains(strings.ToLower(m.Body), q) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemStore) CreateCommit(_ context.Context, docID, message string, snapshot Snapshot) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[docID]
	if !ok {
		return Commit{}, ErrNotFound
	}
	commit := Commit{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Parent:     doc.HeadCommit,
		Author:     "user",
		Timestamp:  s.now(),
		Message:    message,
		Snapshot:   snapshot,
	}
	s.commits[commit.ID] = commit
	s.byDoc[docID] = append(s.byDoc[docID], commit.ID)
	doc.HeadCommit = commit.ID
	s.documents[docID] = doc
	return commit, nil
}

func (s *MemStore) ListCommits(_ context.Context, docID string) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byDoc[docID]
	out := make([]Commit, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.commits[id])
	}
	return out, nil
}

func (s *MemStore) GetCommit(_ context.Context, id string) (Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	commit, ok := s.commits[id]
	if !ok {
		return Commit{}, ErrNotFound
	}
	return commit, nil
}

func (s *MemStore) PurgeExpired(_ context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	purged := 0
	for id, doc := range s.documents {
		if doc.DeletedAt != nil && doc.DeletedAt.Before(cutoff) {
			delete(s.documents, id)
			for _, cid := range s.byDoc[id] {
				delete(s.commits, cid)
			}
			delete(s.byDoc, id)
			purged++
		}
	}
	for id, th := range s.threads {
		if th.DeletedAt != nil && th.DeletedAt.Before(cutoff) {
			delete(s.threads, id)
			purged++
		}
	}
	return purged, nil
}
