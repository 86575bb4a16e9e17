// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the sqlite reference implementation of the GraphStore
// port. It lives outside the orchestrator core proper: the core depends on
// the port, and this adapter (or the in-memory store) is wired in at the
// composition root.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/clenoble/sovereign/internal/ports"
)

// SQLiteStore implements ports.GraphStore over one database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ ports.GraphStore = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path. ":memory:" works
// for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer keeps per-key operations linearisable.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	owned INTEGER NOT NULL DEFAULT 1,
	head_commit TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE TABLE IF NOT EXISTS commits (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	parent TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT 'user',
	created_at INTEGER NOT NULL,
	message TEXT NOT NULL,
	snapshot_title TEXT NOT NULL,
	snapshot_content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_document ON commits(document_id, created_at);
CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owned INTEGER NOT NULL DEFAULT 0,
	channels TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	sent_at INTEGER NOT NULL
);
`)
	return err
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (s *SQLiteStore) CreateDocument(ctx context.Context, draft ports.DocumentDraft) (ports.Document, error) {
	now := time.Now().UTC()
	doc := ports.Document{
		ID:        uuid.NewString(),
		Title:     draft.Title,
		Content:   draft.Content,
		ThreadID:  draft.ThreadID,
		Owned:     draft.Owned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, content, thread_id, owned, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.ThreadID, boolInt(doc.Owned),
		now.UnixMilli(), now.UnixMilli())
	return doc, err
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (ports.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, content, thread_id, owned, head_commit, created_at, updated_at, deleted_at
		 FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func (s *SQLiteStore) UpdateDocument(ctx context.Context, patch ports.DocumentPatch) (ports.Document, error) {
	doc, err := s.GetDocument(ctx, patch.ID)
	if err != nil {
		return ports.Document{}, err
	}
	if doc.DeletedAt != nil {
		return ports.Document{}, ports.ErrDeleted
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	doc.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, content = ?, updated_at = ? WHERE id = ?`,
		doc.Title, doc.Content, doc.UpdatedAt.UnixMilli(), doc.ID)
	return doc, err
}

func (s *SQLiteStore) SoftDeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStore) UndeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = NULL WHERE id = ?`, id)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, filter ports.DocumentFilter) ([]ports.Document, error) {
	query := `SELECT id, title, content, thread_id, owned, head_commit, created_at, updated_at, deleted_at
	          FROM documents WHERE 1=1`
	var args []any
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	if filter.TitleContains != "" {
		query += ` AND lower(title) LIKE ?`
		args = append(args, "%"+strings.ToLower(filter.TitleContains)+"%")
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ports.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// =============================================================================
// THREADS
// =============================================================================

func (s *SQLiteStore) CreateThread(ctx context.Context, name, description string) (ports.Thread, error) {
	th := ports.Thread{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		th.ID, th.Name, th.Description, th.CreatedAt.UnixMilli())
	return th, err
}

func (s *SQLiteStore) RenameThread(ctx context.Context, id, newName string) (ports.Thread, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET name = ? WHERE id = ? AND deleted_at IS NULL`, newName, id)
	if err := affectedOrNotFound(res, err); err != nil {
		return ports.Thread{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, deleted_at FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

func (s *SQLiteStore) SoftDeleteThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET deleted_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStore) MoveDocumentToThread(ctx context.Context, docID, threadID string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ports.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID, time.Now().UTC().UnixMilli(), docID)
	return affectedOrNotFound(res, err)
}

func (s *SQLiteStore) ListThreads(ctx context.Context, filter ports.ThreadFilter) ([]ports.Thread, error) {
	query := `SELECT id, name, description, created_at, deleted_at FROM threads WHERE 1=1`
	var args []any
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.NameContains != "" {
		query += ` AND lower(name) LIKE ?`
		args = append(args, "%"+strings.ToLower(filter.NameContains)+"%")
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ports.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// =============================================================================
// CONTACTS AND MESSAGES
// =============================================================================

// SeedContact inserts a contact; used by seeding and tests.
func (s *SQLiteStore) SeedContact(ctx context.Context, c ports.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	channels, err := json.Marshal(c.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, owned, channels) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, boolInt(c.Owned), string(channels))
	return err
}

// SeedMessage inserts a message; used by seeding and tests.
func (s *SQLiteStore) SeedMessage(ctx context.Context, m ports.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, body, sent_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.From, m.Body, m.SentAt.UTC().UnixMilli())
	return err
}

func (s *SQLiteStore) ListContacts(ctx context.Context) ([]ports.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, owned, channels FROM contacts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ports.Contact
	for rows.Next() {
		var c ports.Contact
		var owned int
		var channels string
		if err := rows.Scan(&c.ID, &c.Name, &owned, &channels); err != nil {
			return nil, err
		}
		c.Owned = owned != 0
		if err := json.Unmarshal([]byte(channels), &c.Channels); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchMessages(ctx context.Context, query string) ([]ports.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, body, sent_at FROM messages
		 WHERE lower(body) LIKE ? ORDER BY sent_at`,
		"%"+strings.ToLower(query)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ports.Message
	for rows.Next() {
		var m ports.Message
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.From, &m.Body, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt = time.UnixMilli(sentAt).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// COMMITS
// =============================================================================

func (s *SQLiteStore) CreateCommit(ctx context.Context, docID, message string, snapshot ports.Snapshot) (ports.Commit, error) {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		return ports.Commit{}, err
	}
	commit := ports.Commit{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Parent:     doc.HeadCommit,
		Author:     "user",
		Timestamp:  time.Now().UTC(),
		Message:    message,
		Snapshot:   snapshot,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.Commit{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commits (id, document_id, parent, author, created_at, message, snapshot_title, snapshot_content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		commit.ID, commit.DocumentID, commit.Parent, commit.Author,
		commit.Timestamp.UnixMilli(), commit.Message, snapshot.Title, snapshot.Content); err != nil {
		return ports.Commit{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET head_commit = ? WHERE id = ?`, commit.ID, docID); err != nil {
		return ports.Commit{}, err
	}
	return commit, tx.Commit()
}

func (s *SQLiteStore) ListCommits(ctx context.Context, docID string) ([]ports.Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, parent, author, created_at, message, snapshot_title, snapshot_content
		 FROM commits WHERE document_id = ? ORDER BY created_at`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ports.Commit
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, commit)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCommit(ctx context.Context, id string) (ports.Commit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, parent, author, created_at, message, snapshot_title, snapshot_content
		 FROM commits WHERE id = ?`, id)
	commit, err := scanCommit(row)
	if err == sql.ErrNoRows {
		return ports.Commit{}, ports.ErrNotFound
	}
	return commit, err
}

// =============================================================================
// RETENTION
// =============================================================================

func (s *SQLiteStore) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).UnixMilli()
	purged := 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var docIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		docIDs = append(docIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range docIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM commits WHERE document_id = ?`, id); err != nil {
			return purged, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
			return purged, err
		}
		purged++
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return purged, err
	}
	if n, err := res.RowsAffected(); err == nil {
		purged += int(n)
	}
	return purged, nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (ports.Document, error) {
	var doc ports.Document
	var owned int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.ThreadID, &owned,
		&doc.HeadCommit, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return ports.Document{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.Document{}, err
	}
	doc.Owned = owned != 0
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64).UTC()
		doc.DeletedAt = &t
	}
	return doc, nil
}

func scanThread(row rowScanner) (ports.Thread, error) {
	var th ports.Thread
	var createdAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&th.ID, &th.Name, &th.Description, &createdAt, &deletedAt)
	if err == sql.ErrNoRows {
		return ports.Thread{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.Thread{}, err
	}
	th.CreatedAt = time.UnixMilli(createdAt).UTC()
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64).UTC()
		th.DeletedAt = &t
	}
	return th, nil
}

func scanCommit(row rowScanner) (ports.Commit, error) {
	var commit ports.Commit
	var createdAt int64
	err := row.Scan(&commit.ID, &commit.DocumentID, &commit.Parent, &commit.Author,
		&createdAt, &commit.Message, &commit.Snapshot.Title, &commit.Snapshot.Content)
	if err != nil {
		return ports.Commit{}, err
	}
	commit.Timestamp = time.UnixMilli(createdAt).UTC()
	return commit, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}
