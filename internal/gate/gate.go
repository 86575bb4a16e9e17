// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gate is the single choke point between a proposed action and its
// execution. No other component may invoke a state-mutating tool: the gate
// holds the only code path that attaches execution authorization to a
// context.
//
// The decision procedure is deterministic: data-plane proposals are
// rejected unconditionally; Observe and Annotate execute silently; Modify
// consults the trust ledger; Transmit and Destruct always wait for the user.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clenoble/sovereign/internal/events"
	"github.com/clenoble/sovereign/internal/injection"
	"github.com/clenoble/sovereign/internal/security"
	"github.com/clenoble/sovereign/internal/sessionlog"
	"github.com/clenoble/sovereign/internal/tools"
	"github.com/clenoble/sovereign/internal/trust"
)

// =============================================================================
// DECISIONS
// =============================================================================

// Outcome is the terminal classification of one dispatch.
type Outcome int

const (
	// OutcomeExecuted means the action ran (silently or auto-approved).
	OutcomeExecuted Outcome = iota
	// OutcomeProposed means the action waits for the user.
	OutcomeProposed
	// OutcomeRejected means the gate refused the action.
	OutcomeRejected
)

// Rejection codes, machine-readable.
const (
	CodePlaneViolation = "plane_violation"
	CodeSuperseded     = "superseded"
	CodeUserRejected   = "user_rejected"
	CodeTimeout        = "approval_timeout"
	CodeExecFailed     = "execution_failed"
)

// Decision is the outcome of Dispatch or Resolve.
type Decision struct {
	Outcome Outcome
	Result  *tools.Result
	Pending *Pending
	Reason  string
	Code    string
}

// Pending is the single outstanding proposal awaiting a user decision.
type Pending struct {
	ID        string
	Proposal  security.ProposedAction
	CreatedAt time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoPending is returned when resolving with nothing outstanding.
	ErrNoPending = errors.New("no pending approval")
	// ErrWrongPending is returned when the resolution id does not match the
	// outstanding proposal.
	ErrWrongPending = errors.New("resolution does not match the pending approval")
)

// =============================================================================
// GATE
// =============================================================================

// Executor runs an authorized proposal. The default executor routes the
// proposal's tool through the registry with authorization attached.
type Executor func(ctx context.Context, p security.ProposedAction) (tools.Result, error)

// Config tunes the gate.
type Config struct {
	// AutoApprovalThreshold is the Modify auto-approval bar.
	AutoApprovalThreshold int
	// AnnotateConfirm routes Annotate through a proposal instead of a toast.
	AnnotateConfirm bool
	// ApprovalTimeout bounds a pending approval's lifetime.
	ApprovalTimeout time.Duration
}

// Gate enforces levels, plane separation, and trust policy.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	ledger  *trust.Ledger
	exec    Executor
	log     *sessionlog.Log
	emit    *events.Emitter
	scanner *injection.Scanner
	slog    *slog.Logger
	pending *Pending
	now     func() time.Time
}

// New creates a gate. The registry-backed default executor is installed
// when exec is nil.
func New(cfg Config, ledger *trust.Ledger, registry *tools.Registry, log *sessionlog.Log,
	emit *events.Emitter, scanner *injection.Scanner, logger *slog.Logger, exec Executor) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = func(ctx context.Context, p security.ProposedAction) (tools.Result, error) {
			return registry.Execute(tools.Authorized(ctx), p.Tool, p.Args)
		}
	}
	return &Gate{
		cfg:     cfg,
		ledger:  ledger,
		exec:    exec,
		log:     log,
		emit:    emit,
		scanner: scanner,
		slog:    logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// PendingApproval returns the outstanding proposal, if any.
func (g *Gate) PendingApproval() *Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// =============================================================================
// DISPATCH
// =============================================================================

// Dispatch runs the decision procedure for one proposal.
func (g *Gate) Dispatch(ctx context.Context, p security.ProposedAction) Decision {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Level == 0 {
		p.Level = security.LevelOf(p.Kind)
	}
	if p.WorkflowKey == "" {
		p.WorkflowKey = security.WorkflowKey(p.Kind, p.Tool, p.Source)
	}

	// Plane seal: data-plane content cannot propose actions, at any level
	// above observation and even for observation-by-side-effect.
	if p.Plane == security.PlaneData {
		return g.reject(p, "data plane cannot propose actions", CodePlaneViolation)
	}

	switch {
	case p.Level <= security.LevelAnnotate && !(p.Level == security.LevelAnnotate && g.cfg.AnnotateConfirm):
		return g.executeNow(ctx, p, p.Level == security.LevelAnnotate)

	case p.Level == security.LevelModify:
		rec := g.ledger.Lookup(p.WorkflowKey)
		if rec.Approvals >= g.cfg.AutoApprovalThreshold && rec.Rejections == 0 {
			// Auto-execute with a user-visible notice, not a blocking prompt.
			g.emit.Emit(events.Toast{Text: fmt.Sprintf("Auto-approved: %s", p.Description)})
			if err := g.ledger.RecordApproval(p.WorkflowKey); err != nil {
				g.slog.Warn("trust write failed", "error", err)
			}
			return g.executeNow(ctx, p, false)
		}
		return g.propose(p)

	default:
		// Transmit and Destruct (and Annotate with confirmation on) always
		// wait for the user, whatever the trust history says.
		return g.propose(p)
	}
}

// executeNow runs the proposal immediately.
func (g *Gate) executeNow(ctx context.Context, p security.ProposedAction, toast bool) Decision {
	if p.Level == security.LevelObserve {
		state := security.BubbleProcessingOwned
		if p.Source == security.ProvenanceExternal {
			state = security.BubbleProcessingExternal
		}
		g.emit.Emit(events.BubbleStateChanged{State: state})
	} else {
		g.emit.Emit(events.BubbleStateChanged{State: security.BubbleExecuting})
	}
	defer g.emit.Emit(events.BubbleStateChanged{State: security.BubbleIdle})

	decision := g.run(ctx, p)
	if toast && decision.Outcome == OutcomeExecuted {
		g.emit.Emit(events.Toast{Text: p.Description})
	}
	return decision
}

// run executes and records one authorized proposal.
func (g *Gate) run(ctx context.Context, p security.ProposedAction) Decision {
	g.append(sessionlog.KindToolCall, map[string]any{
		"proposal": p.ID, "kind": p.Kind, "tool": p.Tool, "level": p.Level.String(),
	})
	g.scanArgs(p)
	result, err := g.exec(ctx, p)
	if err == nil {
		g.scanResult(result)
	}
	if err != nil {
		g.append(sessionlog.KindExecutionError, map[string]any{
			"proposal": p.ID, "kind": p.Kind, "error": err.Error(),
		})
		g.emit.Emit(events.ActionRejected{Action: p.Kind, Reason: err.Error(), Code: CodeExecFailed})
		return Decision{Outcome: OutcomeRejected, Result: &result, Reason: err.Error(), Code: CodeExecFailed}
	}
	g.append(sessionlog.KindExecuted, map[string]any{
		"proposal": p.ID, "kind": p.Kind, "summary": result.ForUser,
	})
	g.emit.Emit(events.ActionExecuted{Action: p.Kind, Summary: result.ForUser})
	return Decision{Outcome: OutcomeExecuted, Result: &result}
}

// propose parks the proposal in the single pending slot. A new proposal
// reaching the slot is explicit user input that does not approve whatever is
// outstanding, so the prior proposal is rejected as superseded; benign
// events never reach this path and leave the slot alone.
func (g *Gate) propose(p security.ProposedAction) Decision {
	if superseded := g.takePending(""); superseded != nil {
		g.rejectPending(superseded, "superseded by a new request", CodeSuperseded)
	}

	g.scanProposal(p)

	pending := &Pending{ID: p.ID, Proposal: p, CreatedAt: g.now()}
	g.mu.Lock()
	g.pending = pending
	g.mu.Unlock()

	g.append(sessionlog.KindProposed, map[string]any{
		"proposal": p.ID, "kind": p.Kind, "level": p.Level.String(),
		"workflow": p.WorkflowKey, "description": p.Description,
	})
	g.emit.Emit(events.BubbleStateChanged{State: security.BubbleProposing})
	g.emit.Emit(events.ActionProposed{Proposal: p})
	return Decision{Outcome: OutcomeProposed, Pending: pending}
}

// scanArgs surfaces injection findings in external content handed to a
// tool. Advisory only: the tool still runs, the user still sees the warning.
func (g *Gate) scanArgs(p security.ProposedAction) {
	if g.scanner == nil || p.Source != security.ProvenanceExternal {
		return
	}
	for _, v := range p.Args {
		text, ok := v.(string)
		if !ok {
			continue
		}
		for _, match := range g.scanner.Scan(text, p.Source).Matches {
			g.emit.Emit(events.InjectionDetected{
				Span:    match.Excerpt,
				Pattern: match.Pattern,
				Origin:  p.Source,
			})
		}
	}
}

// scanResult surfaces injection findings in data-plane output crossing
// toward the user or the model context.
func (g *Gate) scanResult(result tools.Result) {
	if g.scanner == nil || result.Plane != security.PlaneData {
		return
	}
	for _, match := range g.scanner.Scan(result.ForModel, result.Provenance).Matches {
		g.emit.Emit(events.InjectionDetected{
			Span:    match.Excerpt,
			Pattern: match.Pattern,
			Origin:  result.Provenance,
		})
	}
}

// scanProposal surfaces injection findings in externally derived text.
func (g *Gate) scanProposal(p security.ProposedAction) {
	if g.scanner == nil || p.Source != security.ProvenanceExternal {
		return
	}
	report := g.scanner.Scan(p.Description, p.Source)
	for _, match := range report.Matches {
		g.emit.Emit(events.InjectionDetected{
			Span:    match.Excerpt,
			Pattern: match.Pattern,
			Origin:  p.Source,
		})
	}
}

// reject refuses a proposal outright.
func (g *Gate) reject(p security.ProposedAction, reason, code string) Decision {
	g.append(sessionlog.KindRejected, map[string]any{
		"proposal": p.ID, "kind": p.Kind, "reason": reason, "code": code,
	})
	g.emit.Emit(events.ActionRejected{Action: p.Kind, Reason: reason, Code: code})
	return Decision{Outcome: OutcomeRejected, Reason: reason, Code: code}
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve settles the pending approval. The id must match; on approval the
// gate executes the action, credits the workflow, and clears the slot; on
// rejection it debits trust and clears the slot.
func (g *Gate) Resolve(ctx context.Context, id string, res security.Resolution) (Decision, error) {
	pending := g.takePending(id)
	if pending == nil {
		g.mu.Lock()
		outstanding := g.pending != nil
		g.mu.Unlock()
		if outstanding {
			return Decision{}, ErrWrongPending
		}
		return Decision{}, ErrNoPending
	}

	p := pending.Proposal
	if !res.Approved {
		if err := g.ledger.RecordRejection(p.WorkflowKey); err != nil {
			g.slog.Warn("trust write failed", "error", err)
		}
		reason := res.Reason
		if reason == "" {
			reason = "rejected by user"
		}
		decision := g.reject(p, reason, CodeUserRejected)
		g.emit.Emit(events.BubbleStateChanged{State: security.BubbleIdle})
		return decision, nil
	}

	g.append(sessionlog.KindApproved, map[string]any{
		"proposal": p.ID, "kind": p.Kind, "workflow": p.WorkflowKey,
	})
	if err := g.ledger.RecordApproval(p.WorkflowKey); err != nil {
		g.slog.Warn("trust write failed", "error", err)
	}
	g.emit.Emit(events.BubbleStateChanged{State: security.BubbleExecuting})
	decision := g.run(ctx, p)
	g.emit.Emit(events.BubbleStateChanged{State: security.BubbleIdle})
	return decision, nil
}

// ExpirePending rejects a pending approval that outlived its budget.
// Returns true when something expired.
func (g *Gate) ExpirePending() bool {
	g.mu.Lock()
	pending := g.pending
	expired := pending != nil && g.cfg.ApprovalTimeout > 0 &&
		g.now().Sub(pending.CreatedAt) >= g.cfg.ApprovalTimeout
	if expired {
		g.pending = nil
	}
	g.mu.Unlock()

	if !expired {
		return false
	}
	g.rejectPending(pending, "approval timed out", CodeTimeout)
	return true
}

// takePending atomically removes and returns the pending slot. With a
// non-empty id, only a matching proposal is taken.
func (g *Gate) takePending(id string) *Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	if id != "" && g.pending.ID != id {
		return nil
	}
	taken := g.pending
	g.pending = nil
	return taken
}

// rejectPending settles a removed pending proposal as rejected. A
// supersede or timeout is an explicit non-approval, so it debits trust the
// same way a spoken "no" does.
func (g *Gate) rejectPending(pending *Pending, reason, code string) {
	if err := g.ledger.RecordRejection(pending.Proposal.WorkflowKey); err != nil {
		g.slog.Warn("trust write failed", "error", err)
	}
	g.reject(pending.Proposal, reason, code)
}

// append writes a session log entry, tolerating log failures: logging never
// blocks user actions.
func (g *Gate) append(kind sessionlog.Kind, payload any) {
	if g.log == nil {
		return
	}
	if err := g.log.Append(kind, payload); err != nil {
		g.slog.Warn("session log append failed", "kind", kind, "error", err)
	}
}
