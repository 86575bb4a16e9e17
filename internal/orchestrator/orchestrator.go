// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator is the composition root: a single cooperatively
// scheduled event loop that takes user inputs, classifies intent, routes
// actions through the gate, drives the chat agent loop, and runs the
// housekeeping timer (idle unload, retention sweeps, auto-commit ticks).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clenoble/sovereign/internal/agent"
	"github.com/clenoble/sovereign/internal/autocommit"
	"github.com/clenoble/sovereign/internal/config"
	"github.com/clenoble/sovereign/internal/events"
	"github.com/clenoble/sovereign/internal/gate"
	"github.com/clenoble/sovereign/internal/injection"
	"github.com/clenoble/sovereign/internal/intent"
	"github.com/clenoble/sovereign/internal/model"
	"github.com/clenoble/sovereign/internal/ports"
	"github.com/clenoble/sovereign/internal/profile"
	"github.com/clenoble/sovereign/internal/prompt"
	"github.com/clenoble/sovereign/internal/security"
	"github.com/clenoble/sovereign/internal/sessionlog"
	"github.com/clenoble/sovereign/internal/tools"
	"github.com/clenoble/sovereign/internal/trust"
	"github.com/clenoble/sovereign/internal/util"
)

// =============================================================================
// INPUTS
// =============================================================================

// input is one inbound event on the user channel.
type input interface{ isInput() }

// Query is typed or transcribed user text.
type Query struct{ Text string }

// Approval resolves the pending proposal.
type Approval struct {
	ID       string
	Approved bool
	Reason   string
}

// Feedback reacts to a shown suggestion.
type Feedback struct {
	SuggestionID string
	Accepted     bool
}

// DocEdit notes one document edit (for auto-commit).
type DocEdit struct{ DocID string }

// DocClosed notes a document leaving focus.
type DocClosed struct{ DocID string }

func (Query) isInput()     {}
func (Approval) isInput()  {}
func (Feedback) isInput()  {}
func (DocEdit) isInput()   {}
func (DocClosed) isInput() {}

// ErrBusy is returned when the inbound channel is full; the UI shows a
// busy indicator and refuses the submit.
var ErrBusy = errors.New("orchestrator is busy")

// inboundDepth bounds the user/event channel.
const inboundDepth = 16

// housekeepingInterval drives idle unload, retention, and autocommit.
const housekeepingInterval = 30 * time.Second

// suggestionIdleTicks is how many quiet housekeeping ticks precede a
// proactive suggestion.
const suggestionIdleTicks = 10

// =============================================================================
// OPTIONS
// =============================================================================

// Options wires the orchestrator's collaborators.
type Options struct {
	Config   config.Config
	StateDir string
	Store    ports.GraphStore
	Vault    ports.KeyVault
	Skills   ports.SkillRuntime
	Canvas   ports.CanvasController
	// Server overrides the inference server (tests); nil uses the HTTP
	// client against Config.Models.ServerURL.
	Server model.Server
	Logger *slog.Logger
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns the core control loop.
type Orchestrator struct {
	cfg        config.Config
	stateDir   string
	store      ports.GraphStore
	vault      ports.KeyVault
	skills     ports.SkillRuntime
	canvas     ports.CanvasController
	models     *model.Registry
	registry   *tools.Registry
	classifier *intent.Classifier
	gate       *gate.Gate
	loop       *agent.Loop
	log        *sessionlog.Log
	ledger     *trust.Ledger
	commits    *autocommit.Engine
	emitter    *events.Emitter
	scanner    *injection.Scanner
	profile    profile.Profile
	profileDir string
	slog       *slog.Logger

	inbound chan input
	cancel  atomic.Pointer[context.CancelFunc]

	mu             sync.Mutex
	suspended      *agent.Reply
	activeDocID    string
	idleTicks      int
	lastSuggestion string
	closed         bool
}

// New builds the orchestrator and its owned components. The caller then
// runs the loop with Run.
func New(opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	stateDir := opts.StateDir
	if stateDir == "" {
		var err error
		stateDir, err = util.StateDir()
		if err != nil {
			return nil, err
		}
	}
	orchDir, err := util.OrchestratorDir(stateDir)
	if err != nil {
		return nil, err
	}
	profileDir, err := util.ProfileDir(stateDir)
	if err != nil {
		return nil, err
	}

	server := opts.Server
	if server == nil {
		server = model.NewClient(model.ClientConfig{BaseURL: cfg.Models.ServerURL})
	}
	model.Init(server)

	registry := model.NewRegistry(server, model.Config{
		ContextTokens:   cfg.Models.ContextTokens,
		GenerateTimeout: cfg.Models.GenerateTimeout(),
		IdleUnload:      cfg.Models.IdleUnload(),
		SubmitRate:      4,
	})

	logOpts := sessionlog.Options{
		Retention:        cfg.SessionLog.Retention(),
		SummaryRetention: cfg.SessionLog.SummaryRetention(),
	}
	if cfg.SessionLog.Encrypt {
		if opts.Vault == nil {
			return nil, errors.New("session log encryption requires a key vault")
		}
		key, err := opts.Vault.DeriveSubkey("session-log")
		if err != nil {
			return nil, fmt.Errorf("derive session log key: %w", err)
		}
		logOpts.Encrypt = true
		logOpts.Key = key
	}
	sessionLog, err := sessionlog.Open(orchDir, logOpts)
	if err != nil {
		return nil, err
	}

	ledger, err := trust.Open(orchDir, cfg.Trust.ResetOnRejection)
	if err != nil {
		sessionLog.Close()
		return nil, err
	}

	userProfile, err := profile.Load(profileDir)
	if err != nil {
		logger.Warn("profile load failed, using default", "error", err)
	}

	emitter := events.NewEmitter()
	scanner := injection.New(cfg.Injection.Enabled, injection.ParseStrictness(cfg.Injection.Strictness))

	o := &Orchestrator{
		cfg:        cfg,
		stateDir:   stateDir,
		store:      opts.Store,
		vault:      opts.Vault,
		skills:     opts.Skills,
		canvas:     opts.Canvas,
		models:     registry,
		log:        sessionLog,
		ledger:     ledger,
		emitter:    emitter,
		scanner:    scanner,
		profile:    userProfile,
		profileDir: profileDir,
		slog:       logger,
		inbound:    make(chan input, inboundDepth),
	}

	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltin(toolRegistry, opts.Store, o.summarize)
	o.registry = toolRegistry

	o.classifier = intent.New(registry, intent.Config{
		RouterModel:    cfg.Models.Router,
		ReasoningModel: cfg.Models.Reasoning,
	}, logger)

	o.gate = gate.New(gate.Config{
		AutoApprovalThreshold: cfg.ActionGate.AutoApprovalThreshold,
		AnnotateConfirm:       cfg.ActionGate.AnnotateConfirm,
		ApprovalTimeout:       cfg.ActionGate.ApprovalTimeout(),
	}, ledger, toolRegistry, sessionLog, emitter, scanner, logger, o.executeProposal)

	o.loop = agent.New(registry, toolRegistry, o.gate, emitter, sessionLog, agent.Config{
		ReasoningModel: cfg.Models.Reasoning,
	}, logger)

	o.commits = autocommit.New(opts.Store, autocommit.Config{
		BurstEdits:    cfg.Autocommit.BurstEdits,
		BurstInterval: cfg.Autocommit.BurstInterval(),
	}, logger)

	if compromised, breakAt := sessionLog.Compromised(); compromised {
		emitter.Emit(events.LogCompromised{BreakAt: breakAt})
	}
	return o, nil
}

// Events subscribes a consumer to the orchestrator event stream.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.emitter.Subscribe()
}

// Models exposes the backend registry (status surface, console commands).
func (o *Orchestrator) Models() *model.Registry {
	return o.models
}

// Autocommit exposes the versioning engine to edit sources.
func (o *Orchestrator) Autocommit() *autocommit.Engine {
	return o.commits
}

// LogCompromised reports a persisted session-log chain break so front ends
// can warn at startup even if they subscribed after construction.
func (o *Orchestrator) LogCompromised() (bool, int) {
	return o.log.Compromised()
}

// OnboardingDone reports whether first-run onboarding has completed.
func (o *Orchestrator) OnboardingDone() bool {
	_, err := os.Stat(filepath.Join(o.stateDir, "orchestrator", "onboarding_done"))
	return err == nil
}

// MarkOnboardingDone writes the onboarding marker.
func (o *Orchestrator) MarkOnboardingDone() error {
	return os.WriteFile(filepath.Join(o.stateDir, "orchestrator", "onboarding_done"), nil, 0o600)
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit enqueues an input; ErrBusy when the channel is full.
func (o *Orchestrator) Submit(in input) error {
	select {
	case o.inbound <- in:
		return nil
	default:
		return ErrBusy
	}
}

// SubmitQuery enqueues user text.
func (o *Orchestrator) SubmitQuery(text string) error {
	return o.Submit(Query{Text: text})
}

// SubmitApproval enqueues a proposal decision.
func (o *Orchestrator) SubmitApproval(id string, approved bool, reason string) error {
	return o.Submit(Approval{ID: id, Approved: approved, Reason: reason})
}

// CancelCurrent interrupts the in-flight model work, if any. Runs outside
// the loop so "stop" works while a generation is blocking it.
func (o *Orchestrator) CancelCurrent() {
	if cancel := o.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

// =============================================================================
// RUN LOOP
// =============================================================================

// Start loads the router model. Kept separate from New so the console can
// subscribe to events before the first load emits anything.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.models.Load(ctx, model.RoleRouter, o.cfg.Models.Router); err != nil {
		return fmt.Errorf("load router model: %w", err)
	}
	if o.cfg.Models.Embedding != "" {
		if err := o.models.Load(ctx, model.RoleEmbedding, o.cfg.Models.Embedding); err != nil {
			o.slog.Warn("embedding model unavailable", "error", err)
		}
	}
	return nil
}

// Run services the inbound channel and the housekeeping timer until ctx is
// cancelled. Panics in a handler are recovered and the loop continues.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case in := <-o.inbound:
			o.handle(ctx, in)
		case <-ticker.C:
			o.housekeeping(ctx)
		}
	}
}

// handle dispatches one input with panic recovery.
func (o *Orchestrator) handle(ctx context.Context, in input) {
	defer func() {
		if r := recover(); r != nil {
			o.slog.Error("input handler panicked, loop restarted", "panic", r)
			o.emitter.Emit(events.ChatMessage{
				Text: "Something went wrong handling that. The assistant has recovered; please try again.",
			})
			o.emitter.Emit(events.BubbleStateChanged{State: security.BubbleIdle})
		}
	}()

	workCtx, cancel := context.WithCancel(ctx)
	o.cancel.Store(&cancel)
	defer func() {
		cancel()
		o.cancel.Store(nil)
	}()

	o.mu.Lock()
	o.idleTicks = 0
	o.mu.Unlock()

	switch v := in.(type) {
	case Query:
		o.handleQuery(workCtx, v.Text)
	case Approval:
		o.handleApproval(workCtx, v)
	case Feedback:
		o.handleFeedback(v)
	case DocEdit:
		o.commits.RecordEdit(v.DocID)
		o.mu.Lock()
		o.activeDocID = v.DocID
		o.mu.Unlock()
	case DocClosed:
		o.commits.CommitOnClose(workCtx, v.DocID)
		o.emitter.Emit(events.DocumentClosed{DocID: v.DocID})
	}
}

// shutdown flushes pending commits and closes the log.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.commits.Flush(flushCtx)
	if err := o.log.Close(); err != nil {
		o.slog.Warn("session log close failed", "error", err)
	}
	if err := o.profile.Save(o.profileDir); err != nil {
		o.slog.Warn("profile save failed", "error", err)
	}
}

// housekeeping runs the periodic sweeps.
func (o *Orchestrator) housekeeping(ctx context.Context) {
	if err := o.models.SweepIdle(ctx); err != nil {
		o.slog.Warn("idle unload failed", "error", err)
	}
	o.gate.ExpirePending()
	o.commits.Tick(ctx)
	if _, err := o.store.PurgeExpired(ctx, o.cfg.ActionGate.SoftDeleteRetention()); err != nil {
		o.slog.Warn("retention purge failed", "error", err)
	}
	if err := o.log.Sweep(); err != nil {
		o.slog.Warn("session log sweep failed", "error", err)
	}
	o.maybeSuggest()
}

// maybeSuggest emits a proactive suggestion after a long idle stretch.
func (o *Orchestrator) maybeSuggest() {
	o.mu.Lock()
	o.idleTicks++
	due := o.idleTicks == suggestionIdleTicks
	doc := o.activeDocID
	o.mu.Unlock()
	if !due || doc == "" || o.commits.EditCount(doc) == 0 {
		return
	}

	id := uuid.NewString()
	text := "You have unsaved changes in the active document. Want me to snapshot a version?"
	o.mu.Lock()
	o.lastSuggestion = id
	o.mu.Unlock()
	o.profile.SuggestionsShown++
	o.emitter.Emit(events.BubbleStateChanged{State: security.BubbleSuggesting})
	o.emitter.Emit(events.SuggestionShown{SuggestionID: id, Text: text})
	o.append(sessionlog.KindSuggestionShown, map[string]string{"id": id, "text": text})
	o.emitter.Emit(events.BubbleStateChanged{State: security.BubbleIdle})
}

// =============================================================================
// QUERY HANDLING
// =============================================================================

func (o *Orchestrator) handleQuery(ctx context.Context, text string) {
	o.append(sessionlog.KindUserInput, map[string]string{"text": text})

	classified := o.classifier.Classify(ctx, text, intent.Context{})
	o.append(sessionlog.KindClassifiedIntent, map[string]any{
		"action": classified.Action, "confidence": classified.Confidence, "target": classified.Target,
	})
	o.emitter.Emit(events.IntentClassified{
		Action:     classified.Action,
		Confidence: classified.Confidence,
		Target:     classified.Target,
	})

	switch classified.Action {
	case security.ActionChat, security.ActionUnknown:
		o.runChat(ctx, text)
	default:
		o.dispatchIntent(ctx, classified, text)
	}
}

// runChat drives the agent loop for conversational turns.
func (o *Orchestrator) runChat(ctx context.Context, text string) {
	wctx := o.workspaceContext(ctx)
	reply, err := o.loop.Chat(ctx, text, wctx, prompt.ChatOptions{
		Verbosity: o.profile.Verbosity,
		UserName:  o.profile.Name,
	})
	if err != nil {
		o.emitChatError(err)
		return
	}
	if reply.Suspended() {
		o.mu.Lock()
		o.suspended = &reply
		o.mu.Unlock()
	}
}

// emitChatError turns a backend failure into a short, recoverable message.
func (o *Orchestrator) emitChatError(err error) {
	var be *model.BackendError
	text := "Sorry — something went wrong talking to the model. Retry?"
	if errors.As(err, &be) {
		switch be.Kind {
		case model.ErrKindCancelled:
			text = "Stopped."
		case model.ErrKindTimeout:
			text = "That took too long and was cancelled. Try a shorter request?"
		case model.ErrKindOutOfMemory, model.ErrKindLoadFailed:
			text = "Reasoning model is unavailable; using the lighter router. Retry?"
		}
	}
	o.slog.Warn("chat failed", "error", err)
	o.emitter.Emit(events.ChatMessage{Text: text})
	o.emitter.Emit(events.BubbleStateChanged{State: security.BubbleIdle})
}

// =============================================================================
// DIRECT INTENT DISPATCH
// =============================================================================

// dispatchIntent maps classified actions to registry tools and argument
// construction.
func (o *Orchestrator) dispatchIntent(ctx context.Context, in intent.Intent, raw string) {
	var tool string
	args := map[string]any{}

	switch in.Action {
	case security.ActionSearch:
		tool = "search_documents"
		args["query"] = firstNonEmpty(in.Target, raw)
	case security.ActionCreateDocument:
		tool = "create_document"
		args["title"] = firstNonEmpty(in.Target, "Untitled Document")
		if thread := in.Slots["thread"]; thread != "" {
			args["thread"] = thread
		}
	case security.ActionCreateThread:
		tool = "create_thread"
		args["name"] = firstNonEmpty(in.Target, "New Thread")
	case security.ActionRenameThread:
		tool = "rename_thread"
		args["old_name"] = firstNonEmpty(in.Slots["old_name"], in.Target)
		args["new_name"] = in.Slots["new_name"]
	case security.ActionMoveDocument:
		tool = "move_document"
		args["title"] = firstNonEmpty(in.Slots["document"], in.Target)
		args["thread"] = in.Slots["thread"]
	case security.ActionDeleteDocument:
		tool = "delete_document"
		args["title"] = in.Target
	case security.ActionDeleteThread:
		tool = "delete_thread"
		args["name"] = in.Target
	case security.ActionListContacts:
		tool = "list_contacts"
	case security.ActionViewMessages:
		tool = "search_messages"
		args["query"] = firstNonEmpty(in.Target, raw)
	case security.ActionExport:
		tool = "export_document"
		args["title"] = in.Target
		args["destination"] = firstNonEmpty(in.Slots["destination"], "export")
	case security.ActionOpen, security.ActionHistory, security.ActionRestore,
		security.ActionSummarize, security.ActionListModels, security.ActionSwapModel:
		// Direct actions execute through the gate with the orchestrator's
		// own executor; no registry tool involved.
	default:
		o.runChat(ctx, raw)
		return
	}

	proposal := security.ProposedAction{
		ID:          uuid.NewString(),
		Kind:        in.Action,
		Level:       security.LevelOf(in.Action),
		Plane:       security.PlaneControl,
		Source:      security.ProvenanceOwned,
		Tool:        tool,
		Args:        args,
		Description: describeIntent(in),
		WorkflowKey: security.WorkflowKey(in.Action, firstNonEmpty(tool, "direct"), security.ProvenanceOwned),
	}
	if tool == "" {
		proposal.Args = map[string]any{"target": in.Target}
		for k, v := range in.Slots {
			proposal.Args[k] = v
		}
	}

	decision := o.gate.Dispatch(ctx, proposal)
	if decision.Outcome == gate.OutcomeExecuted && decision.Result != nil && decision.Result.ForUser != "" {
		o.emitter.Emit(events.ChatMessage{Text: decision.Result.ForUser})
	}
}

// InvokeSkill routes a skill invocation through the gate. The proposal's
// level is the skill's declared capability ceiling, so the gate treats it
// like any other action of that level.
func (o *Orchestrator) InvokeSkill(ctx context.Context, skillID, action string, args map[string]any) (gate.Decision, error) {
	if o.skills == nil {
		return gate.Decision{}, errors.New("no skill runtime configured")
	}
	level := security.LevelObserve
	found := false
	for _, d := range o.skills.ListSkills() {
		if d.ID == skillID {
			level = d.MaxLevel
			found = true
		}
	}
	if !found {
		return gate.Decision{}, fmt.Errorf("unknown skill %q", skillID)
	}

	kind := security.ActionKind("skill:" + skillID)
	o.mu.Lock()
	activeDoc := o.activeDocID
	o.mu.Unlock()
	proposal := security.ProposedAction{
		ID:     uuid.NewString(),
		Kind:   kind,
		Level:  level,
		Plane:  security.PlaneControl,
		Source: security.ProvenanceOwned,
		Args: map[string]any{
			"skill_id":   skillID,
			"action":     action,
			"skill_args": args,
			"active_doc": activeDoc,
		},
		Description: fmt.Sprintf("Run skill %s: %s", skillID, action),
		WorkflowKey: security.WorkflowKey(kind, skillID, security.ProvenanceOwned),
	}
	return o.gate.Dispatch(ctx, proposal), nil
}

// executeSkill runs an authorized skill proposal through the runtime.
func (o *Orchestrator) executeSkill(ctx context.Context, p security.ProposedAction) (tools.Result, error) {
	skillID := stringArg(p.Args, "skill_id")
	action := stringArg(p.Args, "action")
	args, _ := p.Args["skill_args"].(map[string]any)
	result, err := o.skills.Invoke(ctx, skillID, action, ports.SkillContext{
		ActiveDocID: stringArg(p.Args, "active_doc"),
	}, args)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{
		Tool:       skillID,
		ForModel:   result.ForModel,
		ForUser:    result.ForUser,
		Plane:      result.Plane,
		Provenance: result.Provenance,
		OK:         result.OK,
	}, nil
}

// executeProposal is the gate's executor: registry tools when named,
// otherwise the direct actions the orchestrator owns.
func (o *Orchestrator) executeProposal(ctx context.Context, p security.ProposedAction) (tools.Result, error) {
	if p.Tool != "" {
		return o.registry.Execute(tools.Authorized(ctx), p.Tool, p.Args)
	}
	if stringArg(p.Args, "skill_id") != "" {
		return o.executeSkill(ctx, p)
	}
	target, _ := p.Args["target"].(string)
	switch p.Kind {
	case security.ActionOpen:
		return o.execOpen(ctx, target)
	case security.ActionHistory:
		return o.execHistory(ctx, target)
	case security.ActionRestore:
		return o.execRestore(ctx, target, stringArg(p.Args, "commit"))
	case security.ActionSummarize:
		return o.execSummarizeDocument(ctx, target)
	case security.ActionListModels:
		return o.execListModels()
	case security.ActionSwapModel:
		return o.execSwapModel(ctx, target)
	default:
		return tools.Result{}, fmt.Errorf("no executor for action %s", p.Kind)
	}
}

// =============================================================================
// APPROVAL AND FEEDBACK
// =============================================================================

func (o *Orchestrator) handleApproval(ctx context.Context, a Approval) {
	decision, err := o.gate.Resolve(ctx, a.ID, security.Resolution{Approved: a.Approved, Reason: a.Reason})
	if err != nil {
		o.slog.Warn("approval resolution failed", "id", a.ID, "error", err)
		return
	}

	o.mu.Lock()
	suspended := o.suspended
	o.suspended = nil
	o.mu.Unlock()
	if suspended == nil || suspended.Pending == nil || suspended.Pending.ID != a.ID {
		return
	}

	// Resume the agent loop with the outcome so the model can confirm or
	// apologise naturally.
	outcome := "The user rejected the action."
	if decision.Outcome == gate.OutcomeExecuted && decision.Result != nil {
		outcome = decision.Result.ForModel
	}
	reply, err := o.loop.Resume(ctx, *suspended, outcome, o.workspaceContext(ctx), prompt.ChatOptions{
		Verbosity: o.profile.Verbosity,
		UserName:  o.profile.Name,
	})
	if err != nil {
		o.emitChatError(err)
		return
	}
	if reply.Suspended() {
		o.mu.Lock()
		o.suspended = &reply
		o.mu.Unlock()
	}
}

func (o *Orchestrator) handleFeedback(f Feedback) {
	if f.Accepted {
		o.profile.SuggestionsAccepted++
	}
	if err := o.profile.Save(o.profileDir); err != nil {
		o.slog.Warn("profile save failed", "error", err)
	}
	o.append(sessionlog.KindSuggestionFeedback, map[string]any{
		"id": f.SuggestionID, "accepted": f.Accepted,
	})
	o.emitter.Emit(events.SuggestionFeedback{SuggestionID: f.SuggestionID, Accepted: f.Accepted})
}

// =============================================================================
// DIRECT EXECUTORS
// =============================================================================

func (o *Orchestrator) execOpen(ctx context.Context, target string) (tools.Result, error) {
	doc, err := o.findDocument(ctx, target)
	if err != nil {
		return failure(fmt.Sprintf("Document %q not found.", target)), nil
	}
	o.emitter.Emit(events.DocumentOpened{DocID: doc.ID})
	if o.canvas != nil {
		o.canvas.NavigateTo(doc.ID)
	}
	o.mu.Lock()
	o.activeDocID = doc.ID
	o.mu.Unlock()
	return success(fmt.Sprintf("Opened %q.", doc.Title)), nil
}

func (o *Orchestrator) execHistory(ctx context.Context, target string) (tools.Result, error) {
	doc, err := o.findDocument(ctx, target)
	if err != nil {
		return failure(fmt.Sprintf("Document %q not found.", target)), nil
	}
	commits, err := o.store.ListCommits(ctx, doc.ID)
	if err != nil {
		return tools.Result{}, err
	}
	summaries := make([]events.CommitSummary, 0, len(commits))
	for _, c := range commits {
		summaries = append(summaries, events.CommitSummary{
			ID:        c.ID,
			Message:   c.Message,
			Timestamp: c.Timestamp.Format(time.RFC3339),
		})
	}
	o.emitter.Emit(events.VersionHistory{DocID: doc.ID, Commits: summaries})
	return success(fmt.Sprintf("%q has %d versions.", doc.Title, len(commits))), nil
}

func (o *Orchestrator) execRestore(ctx context.Context, target, commitID string) (tools.Result, error) {
	doc, err := o.findDocument(ctx, target)
	if err != nil {
		return failure(fmt.Sprintf("Document %q not found.", target)), nil
	}
	if commitID == "" {
		// Default to the head's parent: "undo the last change".
		if doc.HeadCommit == "" {
			return failure(fmt.Sprintf("%q has no versions to restore.", doc.Title)), nil
		}
		head, err := o.store.GetCommit(ctx, doc.HeadCommit)
		if err != nil {
			return tools.Result{}, err
		}
		if head.Parent == "" {
			return failure(fmt.Sprintf("%q has no earlier version.", doc.Title)), nil
		}
		commitID = head.Parent
	}
	commit, err := autocommit.Restore(ctx, o.store, doc.ID, commitID)
	if err != nil {
		return tools.Result{}, err
	}
	return success(fmt.Sprintf("Restored %q from %s.", doc.Title, commit.Message)), nil
}

func (o *Orchestrator) execSummarizeDocument(ctx context.Context, target string) (tools.Result, error) {
	doc, err := o.findDocument(ctx, target)
	if err != nil {
		return failure(fmt.Sprintf("Document %q not found.", target)), nil
	}
	summary, err := o.summarize(ctx, doc.Content)
	if err != nil {
		return tools.Result{}, err
	}
	plane := security.PlaneControl
	provenance := security.ProvenanceOwned
	if !doc.Owned {
		plane = security.PlaneData
		provenance = security.ProvenanceExternal
	}
	return tools.Result{
		ForModel:   summary,
		ForUser:    summary,
		Plane:      plane,
		Provenance: provenance,
		OK:         true,
	}, nil
}

func (o *Orchestrator) execListModels() (tools.Result, error) {
	status := o.models.Status()
	var b strings.Builder
	for _, role := range []model.Role{model.RoleRouter, model.RoleReasoning, model.RoleEmbedding} {
		s := status[role]
		if s.Loaded {
			fmt.Fprintf(&b, "- %s: %s (%s, %d MB)\n", role, s.ModelID, s.Family, s.VRAMBytes>>20)
		} else {
			fmt.Fprintf(&b, "- %s: unloaded\n", role)
		}
	}
	return success(b.String()), nil
}

func (o *Orchestrator) execSwapModel(ctx context.Context, target string) (tools.Result, error) {
	if target == "" {
		return failure("Which model should I switch to?"), nil
	}
	if err := o.models.Load(ctx, model.RoleReasoning, target); err != nil {
		return tools.Result{}, err
	}
	return success(fmt.Sprintf("Switched reasoning model to %s.", target)), nil
}

// summarize is the data-plane model path: no tool vocabulary, and the
// summary comes back as a plain string rather than a tools.Summary.
func (o *Orchestrator) summarize(ctx context.Context, text string) (string, error) {
	formatter := formatterFor(o.models.FamilyOf(model.RoleRouter))
	rendered := formatter.RenderSystemUser(prompt.SummarySystemPrompt(), prompt.RenderSummaryRequest(text))
	out, err := o.models.Generate(ctx, model.RoleRouter, rendered, model.SamplingParams{MaxTokens: 256}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) workspaceContext(ctx context.Context) prompt.WorkspaceContext {
	wctx := prompt.WorkspaceContext{}
	if threads, err := o.store.ListThreads(ctx, ports.ThreadFilter{}); err == nil {
		wctx.ThreadCount = len(threads)
		for _, th := range threads {
			wctx.ThreadNames = append(wctx.ThreadNames, th.Name)
		}
	}
	if docs, err := o.store.ListDocuments(ctx, ports.DocumentFilter{}); err == nil {
		wctx.DocumentCount = len(docs)
		for i := len(docs) - 1; i >= 0 && len(wctx.RecentDocTitles) < 5; i-- {
			wctx.RecentDocTitles = append(wctx.RecentDocTitles, docs[i].Title)
		}
	}
	if contacts, err := o.store.ListContacts(ctx); err == nil {
		wctx.ContactCount = len(contacts)
	}
	return wctx
}

func (o *Orchestrator) findDocument(ctx context.Context, target string) (ports.Document, error) {
	docs, err := o.store.ListDocuments(ctx, ports.DocumentFilter{TitleContains: target})
	if err != nil {
		return ports.Document{}, err
	}
	if len(docs) == 0 || target == "" {
		return ports.Document{}, ports.ErrNotFound
	}
	return docs[0], nil
}

func (o *Orchestrator) append(kind sessionlog.Kind, payload any) {
	if err := o.log.Append(kind, payload); err != nil {
		o.slog.Warn("session log append failed", "kind", kind, "error", err)
	}
}

func describeIntent(in intent.Intent) string {
	target := firstNonEmpty(in.Target, "?")
	switch in.Action {
	case security.ActionCreateThread:
		return fmt.Sprintf("Create thread %q", target)
	case security.ActionCreateDocument:
		return fmt.Sprintf("Create document %q", target)
	case security.ActionRenameThread:
		return fmt.Sprintf("Rename thread %q to %q",
			firstNonEmpty(in.Slots["old_name"], target), firstNonEmpty(in.Slots["new_name"], "?"))
	case security.ActionDeleteThread:
		return fmt.Sprintf("Delete thread %q", target)
	case security.ActionDeleteDocument:
		return fmt.Sprintf("Delete document %q", target)
	case security.ActionMoveDocument:
		return fmt.Sprintf("Move %q to %q",
			firstNonEmpty(in.Slots["document"], target), firstNonEmpty(in.Slots["thread"], "?"))
	case security.ActionExport:
		return fmt.Sprintf("Export %q", target)
	default:
		return fmt.Sprintf("%s → %s", in.Action, target)
	}
}

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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func success(text string) tools.Result {
	return tools.Result{
		ForModel: text, ForUser: text,
		Plane: security.PlaneControl, Provenance: security.ProvenanceOwned, OK: true,
	}
}

func failure(text string) tools.Result {
	return tools.Result{
		ForModel: text, ForUser: text,
		Plane: security.PlaneControl, Provenance: security.ProvenanceOwned, OK: false, Err: text,
	}
}
