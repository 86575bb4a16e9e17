// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security defines the authorization type system for the orchestrator:
// action levels, data/control plane separation, provenance, and the proposal
// primitives every other package depends on.
//
// The five-tier action level and the plane tag are properties of the action
// itself, never user-configurable. Everything that can mutate state flows
// through a ProposedAction carrying both.
package security

import (
	"fmt"
	"strings"
)

// =============================================================================
// ACTION LEVELS
// =============================================================================

// ActionLevel orders actions by irreversibility, from read-only observation
// to irreversible destruction. Higher levels require more friction.
type ActionLevel int

const (
	// LevelObserve is read-only observation (search, list, view).
	LevelObserve ActionLevel = 1
	// LevelAnnotate adds metadata without changing content (tag, bookmark).
	LevelAnnotate ActionLevel = 2
	// LevelModify changes content or structure (create, rename, move).
	LevelModify ActionLevel = 3
	// LevelTransmit sends data outside the system (export, share).
	LevelTransmit ActionLevel = 4
	// LevelDestruct is destruction (delete). Executes as soft delete with a
	// retention window, but gated as the most severe tier.
	LevelDestruct ActionLevel = 5
)

// String returns the human-readable name of the level.
func (l ActionLevel) String() string {
	switch l {
	case LevelObserve:
		return "observe"
	case LevelAnnotate:
		return "annotate"
	case LevelModify:
		return "modify"
	case LevelTransmit:
		return "transmit"
	case LevelDestruct:
		return "destruct"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// =============================================================================
// PLANES
// =============================================================================

// Plane distinguishes content that may carry actionable intent (Control)
// from untrusted content that must never be interpreted as an action (Data).
type Plane int

const (
	// PlaneControl covers user-initiated input: typed queries, voice
	// transcripts, approval decisions.
	PlaneControl Plane = iota
	// PlaneData covers content read from documents, messages, and any
	// external channel. Data-plane text is opaque by construction.
	PlaneData
)

// String returns "control" or "data".
func (p Plane) String() string {
	if p == PlaneData {
		return "data"
	}
	return "control"
}

// =============================================================================
// PROVENANCE
// =============================================================================

// Provenance records whether content originated inside the user's trust
// boundary (owned) or outside it (external).
type Provenance int

const (
	// ProvenanceOwned content was authored on this device by this user.
	ProvenanceOwned Provenance = iota
	// ProvenanceExternal content arrived from outside: imports, channels.
	ProvenanceExternal
)

// String returns "owned" or "external".
func (p Provenance) String() string {
	if p == ProvenanceExternal {
		return "external"
	}
	return "owned"
}

// =============================================================================
// ACTION KINDS
// =============================================================================

// ActionKind names a recognised action variant. Kinds double as the action
// component of workflow keys, so they must stay stable across releases.
type ActionKind string

const (
	ActionSearch         ActionKind = "search"
	ActionOpen           ActionKind = "open"
	ActionCreateDocument ActionKind = "create_document"
	ActionCreateThread   ActionKind = "create_thread"
	ActionRenameThread   ActionKind = "rename_thread"
	ActionDeleteThread   ActionKind = "delete_thread"
	ActionDeleteDocument ActionKind = "delete_document"
	ActionMoveDocument   ActionKind = "move_document"
	ActionListContacts   ActionKind = "list_contacts"
	ActionViewMessages   ActionKind = "view_messages"
	ActionSummarize      ActionKind = "summarize"
	ActionChat           ActionKind = "chat"
	ActionHistory        ActionKind = "history"
	ActionRestore        ActionKind = "restore"
	ActionAnnotate       ActionKind = "annotate"
	ActionExport         ActionKind = "export"
	ActionListModels     ActionKind = "list_models"
	ActionSwapModel      ActionKind = "swap_model"
	ActionUnknown        ActionKind = "unknown"
)

// LevelOf maps an action kind to its gravity level. Unknown kinds map to
// Observe: they carry no execution path, so the mapping is safe, and the
// gate rejects anything it cannot name before execution anyway.
func LevelOf(kind ActionKind) ActionLevel {
	switch kind {
	case ActionSearch, ActionOpen, ActionListContacts, ActionViewMessages,
		ActionSummarize, ActionChat, ActionHistory, ActionListModels,
		ActionUnknown:
		return LevelObserve
	case ActionAnnotate:
		return LevelAnnotate
	case ActionCreateDocument, ActionCreateThread, ActionRenameThread,
		ActionMoveDocument, ActionRestore, ActionSwapModel:
		return LevelModify
	case ActionExport:
		return LevelTransmit
	case ActionDeleteThread, ActionDeleteDocument:
		return LevelDestruct
	default:
		return LevelObserve
	}
}

// =============================================================================
// WORKFLOW KEYS
// =============================================================================

// WorkflowKey derives the deterministic trust-accounting key for an action.
// Two invocations share a key iff they should share trust history: same
// action variant, same tool or skill, same target class.
func WorkflowKey(kind ActionKind, toolID string, target Provenance) string {
	if toolID == "" {
		toolID = "direct"
	}
	return strings.Join([]string{string(kind), toolID, target.String()}, "/")
}

// =============================================================================
// PROPOSALS AND DECISIONS
// =============================================================================

// ProposedAction is an action awaiting authorization by the gate.
type ProposedAction struct {
	// ID uniquely identifies this proposal instance.
	ID string `json:"id"`
	// Kind is the action variant.
	Kind ActionKind `json:"kind"`
	// Level is the computed gravity level for Kind.
	Level ActionLevel `json:"level"`
	// Plane records where the proposal originated. Data-plane proposals
	// are rejected unconditionally by the gate.
	Plane Plane `json:"plane"`
	// Source records the provenance of the content that produced the
	// proposal, for bubble-state selection and injection checks.
	Source Provenance `json:"source"`
	// WorkflowKey groups this proposal for trust accounting.
	WorkflowKey string `json:"workflow_key"`
	// Description is natural language intended for the user.
	Description string `json:"description"`
	// Tool names the registry tool that executes this proposal, when one
	// does; empty for direct orchestrator actions.
	Tool string `json:"tool,omitempty"`
	// Args are the validated tool arguments.
	Args map[string]any `json:"args,omitempty"`
	// DocID and ThreadID are optional target references.
	DocID    string `json:"doc_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Resolution is the user's decision on a pending proposal.
type Resolution struct {
	Approved bool
	Reason   string
}

// =============================================================================
// BUBBLE STATE
// =============================================================================

// BubbleState is the visual state of the assistant bubble, driven entirely
// by orchestrator activity.
type BubbleState int

const (
	BubbleIdle BubbleState = iota
	BubbleProcessingOwned
	BubbleProcessingExternal
	BubbleProposing
	BubbleExecuting
	BubbleSuggesting
)

// String returns the state name used in events and logs.
func (s BubbleState) String() string {
	switch s {
	case BubbleProcessingOwned:
		return "processing_owned"
	case BubbleProcessingExternal:
		return "processing_external"
	case BubbleProposing:
		return "proposing"
	case BubbleExecuting:
		return "executing"
	case BubbleSuggesting:
		return "suggesting"
	default:
		return "idle"
	}
}
