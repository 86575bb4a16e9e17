// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command sovereign runs the orchestrator core behind a line-oriented
// console: type to talk to the assistant, answer y/n to proposals. The
// spatial canvas and GUI panels live elsewhere; this surface exists for
// development and headless use.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/clenoble/sovereign/internal/config"
	"github.com/clenoble/sovereign/internal/events"
	"github.com/clenoble/sovereign/internal/orchestrator"
	"github.com/clenoble/sovereign/internal/ports"
	"github.com/clenoble/sovereign/internal/skills"
	"github.com/clenoble/sovereign/internal/store"
	"github.com/clenoble/sovereign/internal/util"
	"github.com/clenoble/sovereign/internal/vault"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	proposalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
	injectionStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sovereign:", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, cfgPath, err := config.LoadDefault()
	if err != nil {
		return err
	}
	stateDir, err := util.StateDir()
	if err != nil {
		return err
	}

	graph, err := store.Open(filepath.Join(stateDir, "graph.db"))
	if err != nil {
		return err
	}
	defer graph.Close()

	var keyVault ports.KeyVault
	if cfg.SessionLog.Encrypt {
		passphrase, err := readPassphrase()
		if err != nil {
			return err
		}
		v, err := vault.Open(filepath.Join(stateDir, "vault"), passphrase)
		if err != nil {
			return err
		}
		defer v.Close()
		keyVault = v
	}

	skillRuntime := skills.NewRuntime()
	skills.RegisterBuiltin(skillRuntime, graph)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		StateDir: stateDir,
		Store:    graph,
		Vault:    keyVault,
		Skills:   skillRuntime,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// Live config reload keeps tuning knobs adjustable without restart.
	if watcher, err := config.Watch(cfgPath, logger, func(config.Config) {
		fmt.Println(infoStyle.Render("config changed — restart to apply"))
	}); err == nil {
		defer watcher.Close()
	}

	eventCh := orch.Events()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if compromised, breakAt := orch.LogCompromised(); compromised {
		fmt.Println(warningStyle.Render(fmt.Sprintf(
			"WARNING: session log integrity check failed (entry %d). The old log was quarantined.", breakAt)))
	}

	fmt.Println(promptStyle.Render("Sovereign") + infoStyle.Render("  local-first assistant console"))
	if err := orch.Start(ctx); err != nil {
		fmt.Println(warningStyle.Render("Model backend unavailable: " + err.Error()))
		fmt.Println(infoStyle.Render("Starting anyway; classification degrades to chat."))
	}
	go orch.Run(ctx)

	// Render events concurrently with the input loop.
	pendingID := make(chan string, 4)
	go renderEvents(eventCh, pendingID)

	return inputLoop(orch, stateDir, pendingID, cancel)
}

// =============================================================================
// INPUT LOOP
// =============================================================================

func inputLoop(orch *orchestrator.Orchestrator, stateDir string, pendingID chan string, cancel context.CancelFunc) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	historyFile := filepath.Join(stateDir, "console_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		os.Exit(0)
	}()

	var outstanding string
	for {
		// Collect any proposal id surfaced since the last input.
	drain:
		for {
			select {
			case id := <-pendingID:
				outstanding = id
			default:
				break drain
			}
		}

		text, err := line.Prompt(promptStyle.Render("you> "))
		if err != nil {
			cancel()
			return nil
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		line.AppendHistory(text)

		switch strings.ToLower(text) {
		case "exit", "quit":
			cancel()
			return nil
		case "stop", "wait":
			orch.CancelCurrent()
			continue
		case "y", "yes":
			if outstanding != "" {
				submit(orch.SubmitApproval(outstanding, true, ""))
				outstanding = ""
				continue
			}
		case "n", "no":
			if outstanding != "" {
				submit(orch.SubmitApproval(outstanding, false, "rejected at console"))
				outstanding = ""
				continue
			}
		}
		submit(orch.SubmitQuery(text))
	}
}

func submit(err error) {
	if err != nil {
		fmt.Println(warningStyle.Render("busy — try again in a moment"))
	}
}

// =============================================================================
// EVENT RENDERING
// =============================================================================

func renderEvents(ch <-chan events.Event, pendingID chan string) {
	markdown, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))

	for event := range ch {
		switch e := event.(type) {
		case events.ChatMessage:
			if markdown != nil {
				if out, err := markdown.Render(e.Text); err == nil {
					fmt.Print(out)
					continue
				}
			}
			fmt.Println(e.Text)
		case events.ActionProposed:
			fmt.Println(proposalStyle.Render(fmt.Sprintf(
				"Proposed (%s): %s\nApprove? [y/n]", e.Proposal.Level, e.Proposal.Description)))
			select {
			case pendingID <- e.Proposal.ID:
			default:
			}
		case events.ActionExecuted:
			fmt.Println(infoStyle.Render("✓ " + e.Summary))
		case events.ActionRejected:
			fmt.Println(infoStyle.Render("✗ " + string(e.Action) + ": " + e.Reason))
		case events.InjectionDetected:
			fmt.Println(injectionStyle.Render(
				"Possible prompt injection in " + e.Origin.String() + " content:\n“" + e.Span + "”"))
		case events.Toast:
			fmt.Println(infoStyle.Render(e.Text))
		case events.SuggestionShown:
			fmt.Println(infoStyle.Render("suggestion: " + e.Text))
		case events.VersionHistory:
			for _, c := range e.Commits {
				fmt.Println(infoStyle.Render(fmt.Sprintf("  %s  %s  %s", c.ID[:8], c.Timestamp, c.Message)))
			}
		case events.LogCompromised:
			fmt.Println(warningStyle.Render(fmt.Sprintf("session log compromised at entry %d", e.BreakAt)))
		}
	}
}

// readPassphrase prompts without echo when on a terminal.
func readPassphrase() (string, error) {
	fmt.Print("vault passphrase: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		return string(data), err
	}
	var passphrase string
	_, err := fmt.Scanln(&passphrase)
	return passphrase, err
}
