// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ports declares the contracts the orchestrator core depends on but
// does not implement: the graph store, the key vault, the skill runtime,
// communication channel adapters, and the canvas controller. Concrete
// implementations live outside the core (an in-memory store for tests and a
// sqlite reference adapter ship in this repository).
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/clenoble/sovereign/internal/security"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrDeleted is returned for operations on a soft-deleted entity.
	ErrDeleted = errors.New("entity is deleted")
	// ErrConflict is returned on store-level write conflicts.
	ErrConflict = errors.New("store conflict")
)

// =============================================================================
// GRAPH ENTITIES
// =============================================================================

// Document is a workspace document. Content lives inline for the core's
// purposes; large payloads are the store's concern.
type Document struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	ThreadID   string     `json:"thread_id"`
	Owned      bool       `json:"owned"`
	HeadCommit string     `json:"head_commit,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Provenance maps the ownership flag to a provenance tag.
func (d Document) Provenance() security.Provenance {
	if d.Owned {
		return security.ProvenanceOwned
	}
	return security.ProvenanceExternal
}

// DocumentDraft is the input for document creation.
type DocumentDraft struct {
	Title    string
	Content  string
	ThreadID string
	Owned    bool
}

// DocumentPatch updates selected document fields. Nil fields are untouched.
type DocumentPatch struct {
	ID      string
	Title   *string
	Content *string
}

// Thread is a project grouping of documents.
type Thread struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Snapshot is the versioned state of a document at a commit.
type Snapshot struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Commit is one entry in a document's version chain. Commits are immutable;
// Parent is empty for the root commit.
type Commit struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Parent     string    `json:"parent,omitempty"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Snapshot   Snapshot  `json:"snapshot"`
}

// ShortID returns the first 8 characters of the commit id for display.
func (c Commit) ShortID() string {
	if len(c.ID) <= 8 {
		return c.ID
	}
	return c.ID[:8]
}

// Contact is a person with communication channels.
type Contact struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Owned    bool     `json:"owned"`
	Channels []string `json:"channels"`
}

// Conversation groups messages on one channel with one contact.
type Conversation struct {
	ID        string `json:"id"`
	ContactID string `json:"contact_id"`
	Channel   string `json:"channel"`
	Subject   string `json:"subject"`
}

// Message is a single communication. All message bodies enter the core on
// the data plane.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
}

// =============================================================================
// FILTERS
// =============================================================================

// DocumentFilter narrows document listings. Zero value lists everything
// that is not deleted.
type DocumentFilter struct {
	ThreadID       string
	TitleContains  string
	IncludeDeleted bool
}

// ThreadFilter narrows thread listings.
type ThreadFilter struct {
	NameContains   string
	IncludeDeleted bool
}

// =============================================================================
// GRAPH STORE
// =============================================================================

// GraphStore is the storage contract for documents, threads, contacts,
// messages, and version history. Per-key operations are linearisable; reads
// reflect all prior writes by the same actor.
type GraphStore interface {
	CreateDocument(ctx context.Context, draft DocumentDraft) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	UpdateDocument(ctx context.Context, patch DocumentPatch) (Document, error)
	// SoftDeleteDocument sets deleted_at; the document stays restorable for
	// the retention window. The core never issues a hard delete.
	SoftDeleteDocument(ctx context.Context, id string) error
	// UndeleteDocument clears deleted_at within the retention window.
	UndeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error)

	CreateThread(ctx context.Context, name, description string) (Thread, error)
	RenameThread(ctx context.Context, id, newName string) (Thread, error)
	SoftDeleteThread(ctx context.Context, id string) error
	MoveDocumentToThread(ctx context.Context, docID, threadID string) error
	ListThreads(ctx context.Context, filter ThreadFilter) ([]Thread, error)

	ListContacts(ctx context.Context) ([]Contact, error)
	SearchMessages(ctx context.Context, query string) ([]Message, error)

	CreateCommit(ctx context.Context, docID, message string, snapshot Snapshot) (Commit, error)
	ListCommits(ctx context.Context, docID string) ([]Commit, error)
	GetCommit(ctx context.Context, id string) (Commit, error)

	// PurgeExpired physically removes soft-deleted entities older than the
	// retention window. Called by housekeeping, never by user actions.
	PurgeExpired(ctx context.Context, retention time.Duration) (int, error)
}

// =============================================================================
// KEY VAULT
// =============================================================================

// KeyVault manages key material. Implementations zeroise key bytes on close
// and never log them.
type KeyVault interface {
	// UnwrapDocumentKey returns the content key for a document.
	UnwrapDocumentKey(docID string) ([]byte, error)
	// RotateDocumentKey replaces a document's content key.
	RotateDocumentKey(docID string) error
	// DeriveSubkey derives a purpose-bound key from the device key using a
	// domain-separated label.
	DeriveSubkey(domain string) ([]byte, error)
	// SplitMasterKey produces total shards of which any threshold
	// reconstruct the master key.
	SplitMasterKey(threshold, total int) ([][]byte, error)
	// CombineMasterKey reconstructs the master key from shards.
	CombineMasterKey(shards [][]byte) ([]byte, error)
}

// =============================================================================
// SKILL RUNTIME
// =============================================================================

// SkillDescriptor describes an installed skill and its declared capability
// ceiling. Invocations above the ceiling are refused by the runtime.
type SkillDescriptor struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	MaxLevel    security.ActionLevel `json:"max_level"`
	Actions     []string             `json:"actions"`
}

// SkillResult is the outcome of a skill invocation. The ForModel and ForUser
// renderings are kept separate so data-plane output is never re-parsed.
type SkillResult struct {
	SkillID    string              `json:"skill_id"`
	Action     string              `json:"action"`
	ForModel   string              `json:"for_model"`
	ForUser    string              `json:"for_user"`
	Plane      security.Plane      `json:"plane"`
	Provenance security.Provenance `json:"provenance"`
	OK         bool                `json:"ok"`
}

// SkillContext carries workspace references into a skill invocation.
type SkillContext struct {
	ActiveDocID    string
	ActiveThreadID string
}

// SkillRuntime lists and invokes skills with capability gating. The core
// routes any invocation above Observe through the action gate first.
type SkillRuntime interface {
	ListSkills() []SkillDescriptor
	Invoke(ctx context.Context, skillID, action string, sctx SkillContext, args map[string]any) (SkillResult, error)
}

// =============================================================================
// CHANNEL ADAPTER
// =============================================================================

// ConversationFilter narrows conversation listings on a channel.
type ConversationFilter struct {
	ContactID string
	Unread    bool
}

// ChannelAdapter provides read access to one communication channel. All
// content it returns is data-plane.
type ChannelAdapter interface {
	Channel() string
	ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// =============================================================================
// CANVAS CONTROLLER
// =============================================================================

// CanvasController receives navigation commands. The core only emits; it
// never reads canvas state.
type CanvasController interface {
	NavigateTo(docID string)
	Highlight(docID string)
	ZoomToThread(threadID string)
}
