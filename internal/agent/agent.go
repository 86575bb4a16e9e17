// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent runs the chat agent loop: render prompt, generate, parse
// tool calls, execute read-only tools, inject results, and iterate until a
// purely-text turn or the iteration cap.
//
// Control flow is a state machine — Idle, Generating, ExecutingReadOnly,
// AwaitingApproval, Finalizing. Write calls never execute here: the loop
// halts, surfaces a proposal through the gate, and suspends until the
// orchestrator resumes it with the user's decision.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clenoble/sovereign/internal/events"
	"github.com/clenoble/sovereign/internal/gate"
	"github.com/clenoble/sovereign/internal/model"
	"github.com/clenoble/sovereign/internal/prompt"
	"github.com/clenoble/sovereign/internal/security"
	"github.com/clenoble/sovereign/internal/sessionlog"
	"github.com/clenoble/sovereign/internal/tools"
)

// =============================================================================
// STATES
// =============================================================================

// State is the loop's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateExecutingReadOnly
	StateAwaitingApproval
	StateFinalizing
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// MaxIterations caps generate/execute rounds per user message.
const MaxIterations = 5

// Config tunes the loop.
type Config struct {
	// ReasoningModel is preferred for chat; the router is the fallback when
	// it cannot load.
	ReasoningModel string
	// MaxTokens bounds each generation.
	MaxTokens int
	// Iterations overrides MaxIterations when positive (tests).
	Iterations int
}

// Models is the inference surface the loop needs.
type Models interface {
	Generate(ctx context.Context, role model.Role, prompt string, params model.SamplingParams, onToken func(string)) (string, error)
	EnsureLoaded(ctx context.Context, role model.Role, modelID string) error
	Loaded(role model.Role) bool
	FamilyOf(role model.Role) model.Family
}

// =============================================================================
// REPLY
// =============================================================================

// Reply is the loop's outcome for one user message.
type Reply struct {
	// Text is the assistant's reply so far.
	Text string
	// Pending is non-nil when the loop suspended on a write proposal.
	Pending *gate.Pending
	// transcript and iteration carry suspension state for Resume.
	transcript []prompt.Message
	iteration  int
}

// Suspended reports whether the loop is waiting on an approval.
func (r Reply) Suspended() bool {
	return r.Pending != nil
}

// =============================================================================
// LOOP
// =============================================================================

// Loop drives chat turns through the model and the gate.
type Loop struct {
	models   Models
	registry *tools.Registry
	gate     *gate.Gate
	emit     *events.Emitter
	log      *sessionlog.Log
	cfg      Config
	slog     *slog.Logger
	state    State
}

// New creates a loop.
func New(models Models, registry *tools.Registry, g *gate.Gate, emit *events.Emitter,
	log *sessionlog.Log, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = MaxIterations
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	return &Loop{
		models:   models,
		registry: registry,
		gate:     g,
		emit:     emit,
		log:      log,
		cfg:      cfg,
		slog:     logger,
		state:    StateIdle,
	}
}

// State returns the loop's last observed state.
func (l *Loop) State() State {
	return l.state
}

// Chat runs the loop for one user message.
func (l *Loop) Chat(ctx context.Context, userMsg string, wctx prompt.WorkspaceContext, opts prompt.ChatOptions) (Reply, error) {
	transcript := []prompt.Message{{Role: prompt.MsgUser, Content: userMsg}}
	return l.run(ctx, transcript, 0, wctx, opts)
}

// Resume continues a suspended loop after the gate resolved its proposal.
// The tool result (or rejection notice) is injected as a tool turn.
func (l *Loop) Resume(ctx context.Context, suspended Reply, outcome string, wctx prompt.WorkspaceContext, opts prompt.ChatOptions) (Reply, error) {
	transcript := append(suspended.transcript, prompt.Message{Role: prompt.MsgTool, Content: outcome})
	return l.run(ctx, transcript, suspended.iteration, wctx, opts)
}

// run is the iterate-until-text core.
func (l *Loop) run(ctx context.Context, transcript []prompt.Message, startIter int,
	wctx prompt.WorkspaceContext, opts prompt.ChatOptions) (Reply, error) {
	role, formatter := l.chatRole(ctx)
	system := prompt.ChatSystemPrompt(formatter, &wctx, l.registry.Catalogue(), opts)

	lastReply := ""
	for iter := startIter; iter < l.cfg.Iterations; iter++ {
		l.state = StateGenerating
		rendered := formatter.RenderConversation(system, transcript)

		output, err := l.models.Generate(ctx, role, rendered,
			model.SamplingParams{MaxTokens: l.cfg.MaxTokens},
			func(delta string) { l.emit.Emit(events.ChatToken{Delta: delta}) })
		if err != nil {
			l.state = StateIdle
			return Reply{}, err
		}

		reply, calls := prompt.ParseOutput(output, l.registry.Has)
		if reply != "" {
			lastReply = reply
		}
		transcript = append(transcript, prompt.Message{Role: prompt.MsgAssistant, Content: output})

		if len(calls) == 0 {
			l.finish(lastReply)
			return Reply{Text: lastReply}, nil
		}

		// Execute tool calls in source order. A write call suspends the
		// loop; everything after it in this turn is discarded.
		for _, call := range calls {
			tool := l.registry.Get(call.Name)
			if tool == nil {
				transcript = append(transcript, toolTurn(call.Name, "tool not found"))
				continue
			}

			decision := l.gate.Dispatch(ctx, l.proposalFor(tool, call))
			switch decision.Outcome {
			case gate.OutcomeExecuted:
				l.state = StateExecutingReadOnly
				transcript = append(transcript, toolTurn(call.Name, decision.Result.ForModel))
				l.append(sessionlog.KindToolResult, map[string]any{
					"tool": call.Name, "ok": decision.Result.OK,
					"plane": decision.Result.Plane.String(),
				})
			case gate.OutcomeProposed:
				l.state = StateAwaitingApproval
				if lastReply != "" {
					l.emit.Emit(events.ChatMessage{Text: lastReply})
				}
				return Reply{
					Text:       lastReply,
					Pending:    decision.Pending,
					transcript: transcript,
					iteration:  iter + 1,
				}, nil
			case gate.OutcomeRejected:
				transcript = append(transcript,
					toolTurn(call.Name, fmt.Sprintf("tool %s failed: %s", call.Name, decision.Reason)))
			}
		}
		// Loop: the model sees its own turn plus the tool results.
	}

	// Iteration cap: emit the final text without pending tool calls.
	l.finish(lastReply)
	if lastReply == "" {
		lastReply = "I wasn't able to finish that in the allotted steps. Could you narrow the request?"
	}
	return Reply{Text: lastReply}, nil
}

// finish emits the final chat message and resets state.
func (l *Loop) finish(text string) {
	l.state = StateFinalizing
	if text != "" {
		l.emit.Emit(events.ChatMessage{Text: text})
	}
	l.state = StateIdle
}

// chatRole picks the model for chat: reasoning when available, router as
// the degraded fallback.
func (l *Loop) chatRole(ctx context.Context) (model.Role, prompt.Formatter) {
	role := model.RoleReasoning
	if err := l.models.EnsureLoaded(ctx, model.RoleReasoning, l.cfg.ReasoningModel); err != nil {
		l.slog.Warn("reasoning model unavailable for chat, using router", "error", err)
		role = model.RoleRouter
	}
	switch l.models.FamilyOf(role) {
	case model.FamilyMistral:
		return role, prompt.Mistral{}
	case model.FamilyLlama3:
		return role, prompt.Llama3{}
	default:
		return role, prompt.ChatML{}
	}
}

// proposalFor wraps a parsed tool call into a gate proposal. The model acts
// on the user's behalf, so the plane is control; the source provenance
// follows the tool's declared surface.
func (l *Loop) proposalFor(tool *tools.Tool, call prompt.ToolCall) security.ProposedAction {
	return security.ProposedAction{
		Kind:        tool.Kind(),
		Level:       tool.Level,
		Plane:       security.PlaneControl,
		Source:      tool.Provenance,
		Tool:        tool.Name,
		Args:        call.Arguments,
		Description: describeCall(tool, call),
		WorkflowKey: security.WorkflowKey(tool.Kind(), tool.Name, tool.Provenance),
	}
}

// describeCall renders a user-facing action description.
func describeCall(tool *tools.Tool, call prompt.ToolCall) string {
	switch tool.Name {
	case "create_document":
		return fmt.Sprintf("Create document %q", stringArg(call, "title"))
	case "create_thread":
		return fmt.Sprintf("Create thread %q", stringArg(call, "name"))
	case "rename_thread":
		return fmt.Sprintf("Rename thread %q to %q", stringArg(call, "old_name"), stringArg(call, "new_name"))
	case "move_document":
		return fmt.Sprintf("Move %q to thread %q", stringArg(call, "title"), stringArg(call, "thread"))
	case "delete_document":
		return fmt.Sprintf("Delete document %q", stringArg(call, "title"))
	case "delete_thread":
		return fmt.Sprintf("Delete thread %q", stringArg(call, "name"))
	case "export_document":
		return fmt.Sprintf("Export %q to %s", stringArg(call, "title"), stringArg(call, "destination"))
	default:
		return fmt.Sprintf("%s → %v", tool.Name, call.Arguments)
	}
}

func stringArg(call prompt.ToolCall, key string) string {
	s, _ := call.Arguments[key].(string)
	if s == "" {
		s = "?"
	}
	return s
}

func toolTurn(name, content string) prompt.Message {
	return prompt.Message{Role: prompt.MsgTool, Content: fmt.Sprintf("[%s] %s", name, content)}
}

// append writes a session log entry, tolerating failures.
func (l *Loop) append(kind sessionlog.Kind, payload any) {
	if l.log == nil {
		return
	}
	if err := l.log.Append(kind, payload); err != nil {
		l.slog.Warn("session log append failed", "kind", kind, "error", err)
	}
}
