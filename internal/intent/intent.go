// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package intent maps free-form control-plane input to a typed Intent.
//
// Classification runs in three stages: fast-path keyword heuristics for
// high-signal phrasings, the router model for everything else, and a single
// escalation to the reasoning model when router confidence is low. Any
// internal failure degrades to Unknown with confidence 0 — classification
// never fails destructively and never panics.
//
// The classifier takes input only from the user-input path; data-plane tool
// results are typed Summary values with no route into this package.
package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/clenoble/sovereign/internal/model"
	"github.com/clenoble/sovereign/internal/prompt"
	"github.com/clenoble/sovereign/internal/security"
)

// EscalationThreshold is the router confidence below which the reasoning
// model is consulted, once.
const EscalationThreshold = 0.7

// =============================================================================
// INTENT
// =============================================================================

// Intent is the classified form of one user input.
type Intent struct {
	Action     security.ActionKind
	Confidence float64
	Target     string
	Slots      map[string]string
}

// Unknown returns the degenerate intent used on every failure path.
func Unknown() Intent {
	return Intent{Action: security.ActionUnknown, Confidence: 0, Slots: map[string]string{}}
}

// Context carries workspace hints into classification.
type Context struct {
	ActiveDocTitle   string
	ActiveThreadName string
	RecentActions    []security.ActionKind
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Models is the inference surface the classifier needs.
type Models interface {
	Generate(ctx context.Context, role model.Role, prompt string, params model.SamplingParams, onToken func(string)) (string, error)
	EnsureLoaded(ctx context.Context, role model.Role, modelID string) error
	FamilyOf(role model.Role) model.Family
}

// Config selects the models used for classification.
type Config struct {
	RouterModel    string
	ReasoningModel string
}

// Classifier performs the three-stage classification.
type Classifier struct {
	models Models
	cfg    Config
	log    *slog.Logger
}

// New creates a classifier.
func New(models Models, cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{models: models, cfg: cfg, log: logger}
}

// Classify maps text to an Intent. Empty input and every backend failure
// yield Unknown(0); the caller then treats the input as plain chat.
func (c *Classifier) Classify(ctx context.Context, text string, _ Context) Intent {
	text = strings.TrimSpace(text)
	if text == "" {
		return Unknown()
	}

	if intent, ok := heuristicIntent(text); ok {
		return intent
	}

	intent, ok := c.modelClassify(ctx, model.RoleRouter, prompt.RouterSystemPrompt(), text, 200)
	if !ok {
		return Unknown()
	}
	if intent.Confidence >= EscalationThreshold {
		return normalize(intent)
	}

	// One escalation: load the reasoning model on demand and retry.
	if err := c.models.EnsureLoaded(ctx, model.RoleReasoning, c.cfg.ReasoningModel); err != nil {
		c.log.Warn("reasoning model unavailable, keeping router result", "error", err)
		return normalize(intent)
	}
	escalated, ok := c.modelClassify(ctx, model.RoleReasoning, prompt.ReasoningSystemPrompt(), text, 300)
	if !ok {
		return normalize(intent)
	}
	return normalize(escalated)
}

// modelClassify renders a classification prompt for the role's family and
// parses the JSON response.
func (c *Classifier) modelClassify(ctx context.Context, role model.Role, system, text string, maxTokens int) (Intent, bool) {
	formatter := formatterFor(c.models.FamilyOf(role))
	rendered := formatter.RenderSystemUser(system, text)
	response, err := c.models.Generate(ctx, role, rendered, model.SamplingParams{MaxTokens: maxTokens}, nil)
	if err != nil {
		c.log.Warn("classification backend failed", "role", role, "error", err)
		return Intent{}, false
	}
	parsed, ok := prompt.ExtractIntentJSON(response)
	if !ok {
		c.log.Debug("classification response unparseable", "role", role)
		return Intent{}, false
	}
	slots := parsed.Slots
	if slots == nil {
		slots = map[string]string{}
	}
	return Intent{
		Action:     security.ActionKind(parsed.Action),
		Confidence: clamp(parsed.Confidence),
		Target:     parsed.Target,
		Slots:      slots,
	}, true
}

// formatterFor maps a family to its formatter.
func formatterFor(family model.Family) prompt.Formatter {
	switch family {
	case model.FamilyMistral:
		return prompt.Mistral{}
	case model.FamilyLlama3:
		return prompt.Llama3{}
	default:
		return prompt.ChatML{}
	}
}

// =============================================================================
// HEURISTICS
// =============================================================================

// heuristicIntent resolves high-signal phrasings without a model round trip.
// Matches carry confidence 0.85 and up.
func heuristicIntent(text string) (Intent, bool) {
	lower := strings.ToLower(text)

	type rule struct {
		action     security.ActionKind
		confidence float64
		prefixes   []string
		extract    func(string) (string, map[string]string)
	}

	rules := []rule{
		{
			action: security.ActionCreateThread, confidence: 0.95,
			prefixes: []string{"create thread", "create a thread", "create a new thread", "new thread"},
			extract:  extractAfter("called", "named"),
		},
		{
			action: security.ActionRenameThread, confidence: 0.92,
			prefixes: []string{"rename thread", "rename the thread", "rename project", "rename the project"},
			extract:  extractRename,
		},
		{
			action: security.ActionMoveDocument, confidence: 0.88,
			prefixes: []string{"move "},
			extract:  extractMove,
		},
		{
			action: security.ActionHistory, confidence: 0.9,
			prefixes: []string{"history", "show history", "versions of", "version history"},
			extract:  extractAfter("of", "for"),
		},
		{
			action: security.ActionRestore, confidence: 0.88,
			prefixes: []string{"restore ", "revert "},
			extract:  extractAfter("restore", "revert"),
		},
		{
			action: security.ActionListContacts, confidence: 0.95,
			prefixes: []string{"list contacts", "show contacts", "my contacts"},
		},
		{
			action: security.ActionListModels, confidence: 0.95,
			prefixes: []string{"list models", "what models", "available models"},
		},
	}

	for _, r := range rules {
		for _, p := range r.prefixes {
			matched := false
			if strings.HasSuffix(p, " ") {
				matched = strings.HasPrefix(lower, p)
			} else {
				matched = strings.Contains(lower, p)
			}
			if !matched {
				continue
			}
			intent := Intent{Action: r.action, Confidence: r.confidence, Slots: map[string]string{}}
			if r.extract != nil {
				target, slots := r.extract(text)
				intent.Target = target
				if slots != nil {
					intent.Slots = slots
				}
			}
			return intent, true
		}
	}
	return Intent{}, false
}

// extractAfter returns the text following the first of the given markers.
func extractAfter(markers ...string) func(string) (string, map[string]string) {
	return func(text string) (string, map[string]string) {
		lower := strings.ToLower(text)
		for _, marker := range markers {
			if idx := strings.Index(lower, marker+" "); idx >= 0 {
				return strings.TrimSpace(text[idx+len(marker)+1:]), nil
			}
		}
		return "", nil
	}
}

// extractRename pulls old and new names from "rename thread X to Y".
func extractRename(text string) (string, map[string]string) {
	lower := strings.ToLower(text)
	toIdx := strings.LastIndex(lower, " to ")
	if toIdx < 0 {
		return "", nil
	}
	head := text[:toIdx]
	newName := strings.TrimSpace(text[toIdx+4:])
	lowerHead := strings.ToLower(head)
	old := head
	for _, marker := range []string{"rename thread", "rename the thread", "rename project", "rename the project"} {
		if idx := strings.Index(lowerHead, marker); idx >= 0 {
			old = head[idx+len(marker):]
			break
		}
	}
	old = strings.TrimSpace(old)
	return old, map[string]string{"old_name": old, "new_name": newName}
}

// extractMove pulls document and thread from "move X to Y".
func extractMove(text string) (string, map[string]string) {
	lower := strings.ToLower(text)
	toIdx := strings.LastIndex(lower, " to ")
	if toIdx < 0 {
		return "", nil
	}
	doc := strings.TrimSpace(text[len("move "):toIdx])
	doc = strings.TrimPrefix(doc, "the ")
	thread := strings.TrimSpace(text[toIdx+4:])
	return doc, map[string]string{"document": doc, "thread": thread}
}

// =============================================================================
// NORMALISATION
// =============================================================================

// knownActions is the closed action set; anything else collapses to chat so
// a drifting model cannot mint new action names.
var knownActions = map[security.ActionKind]bool{
	security.ActionSearch: true, security.ActionOpen: true,
	security.ActionCreateDocument: true, security.ActionCreateThread: true,
	security.ActionRenameThread: true, security.ActionDeleteThread: true,
	security.ActionDeleteDocument: true, security.ActionMoveDocument: true,
	security.ActionListContacts: true, security.ActionViewMessages: true,
	security.ActionSummarize: true, security.ActionChat: true,
	security.ActionHistory: true, security.ActionRestore: true,
	security.ActionExport: true, security.ActionListModels: true,
	security.ActionSwapModel: true, security.ActionUnknown: true,
}

// synonyms collapses action aliases the models occasionally emit.
var synonyms = map[string]security.ActionKind{
	"find":         security.ActionSearch,
	"lookup":       security.ActionSearch,
	"show":         security.ActionOpen,
	"navigate":     security.ActionOpen,
	"delete":       security.ActionDeleteDocument,
	"remove":       security.ActionDeleteDocument,
	"share":        security.ActionExport,
	"transmit":     security.ActionExport,
	"talk":         security.ActionChat,
	"question":     security.ActionChat,
	"conversation": security.ActionChat,
}

func normalize(intent Intent) Intent {
	if mapped, ok := synonyms[string(intent.Action)]; ok {
		intent.Action = mapped
	}
	if !knownActions[intent.Action] {
		intent.Action = security.ActionChat
	}
	if intent.Slots == nil {
		intent.Slots = map[string]string{}
	}
	intent.Confidence = clamp(intent.Confidence)
	return intent
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
