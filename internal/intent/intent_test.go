// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clenoble/sovereign/internal/model"
	"github.com/clenoble/sovereign/internal/security"
)

// fakeModels scripts responses per role.
type fakeModels struct {
	routerResponse    string
	reasoningResponse string
	routerErr         error
	ensureErr         error
	reasoningCalled   bool
	routerCalls       int
}

func (f *fakeModels) Generate(_ context.Context, role model.Role, _ string, _ model.SamplingParams, _ func(string)) (string, error) {
	if role == model.RoleReasoning {
		f.reasoningCalled = true
		return f.reasoningResponse, nil
	}
	f.routerCalls++
	if f.routerErr != nil {
		return "", f.routerErr
	}
	return f.routerResponse, nil
}

func (f *fakeModels) EnsureLoaded(_ context.Context, _ model.Role, _ string) error {
	return f.ensureErr
}

func (f *fakeModels) FamilyOf(model.Role) model.Family { return model.FamilyChatML }

func newClassifier(f *fakeModels) *Classifier {
	return New(f, Config{RouterModel: "router", ReasoningModel: "reasoning"}, nil)
}

func TestEmptyInputIsUnknownZero(t *testing.T) {
	c := newClassifier(&fakeModels{})
	intent := c.Classify(context.Background(), "   ", Context{})
	assert.Equal(t, security.ActionUnknown, intent.Action)
	assert.Zero(t, intent.Confidence)
}

func TestHeuristicCreateThread(t *testing.T) {
	f := &fakeModels{}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "create a new thread called Prototyping", Context{})
	assert.Equal(t, security.ActionCreateThread, intent.Action)
	assert.GreaterOrEqual(t, intent.Confidence, 0.85)
	assert.Equal(t, "Prototyping", intent.Target)
	assert.Zero(t, f.routerCalls, "heuristic path must not call the model")
}

func TestHeuristicRenameThread(t *testing.T) {
	c := newClassifier(&fakeModels{})
	intent := c.Classify(context.Background(), "rename thread Alpha to Beta", Context{})
	require.Equal(t, security.ActionRenameThread, intent.Action)
	assert.Equal(t, "Alpha", intent.Slots["old_name"])
	assert.Equal(t, "Beta", intent.Slots["new_name"])
}

func TestHeuristicMoveDocument(t *testing.T) {
	c := newClassifier(&fakeModels{})
	intent := c.Classify(context.Background(), "move the API Spec to Development", Context{})
	require.Equal(t, security.ActionMoveDocument, intent.Action)
	assert.Equal(t, "API Spec", intent.Slots["document"])
	assert.Equal(t, "Development", intent.Slots["thread"])
}

func TestHeuristicHistory(t *testing.T) {
	c := newClassifier(&fakeModels{})
	intent := c.Classify(context.Background(), "show history of Project Plan", Context{})
	assert.Equal(t, security.ActionHistory, intent.Action)
	assert.Equal(t, "Project Plan", intent.Target)
}

func TestRouterClassification(t *testing.T) {
	f := &fakeModels{
		routerResponse: `{"action": "search", "target": "meeting notes", "confidence": 0.95, "slots": {}}`,
	}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "where did I put those meeting notes again?", Context{})
	assert.Equal(t, security.ActionSearch, intent.Action)
	assert.Equal(t, "meeting notes", intent.Target)
	assert.False(t, f.reasoningCalled)
}

func TestEscalationOnLowConfidence(t *testing.T) {
	f := &fakeModels{
		routerResponse:    `{"action": "chat", "confidence": 0.4}`,
		reasoningResponse: `{"action": "move_document", "target": "API docs", "confidence": 0.85}`,
	}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "I need to reorganize my API docs into the dev project", Context{})
	assert.True(t, f.reasoningCalled)
	assert.Equal(t, security.ActionMoveDocument, intent.Action)
}

func TestEscalationHappensAtMostOnce(t *testing.T) {
	f := &fakeModels{
		routerResponse:    `{"action": "chat", "confidence": 0.3}`,
		reasoningResponse: `{"action": "chat", "confidence": 0.4}`,
	}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "hmm, do the thing with the stuff", Context{})
	// Low reasoning confidence is accepted as-is, not re-escalated.
	assert.Equal(t, security.ActionChat, intent.Action)
	assert.Equal(t, 1, f.routerCalls)
}

func TestReasoningUnavailableKeepsRouterResult(t *testing.T) {
	f := &fakeModels{
		routerResponse: `{"action": "open", "target": "budget", "confidence": 0.5}`,
		ensureErr:      errors.New("model file missing"),
	}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "maybe open the budget?", Context{})
	assert.Equal(t, security.ActionOpen, intent.Action)
	assert.False(t, f.reasoningCalled)
}

func TestBackendErrorDegradesToUnknown(t *testing.T) {
	f := &fakeModels{routerErr: errors.New("backend down")}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "some ambiguous request", Context{})
	assert.Equal(t, security.ActionUnknown, intent.Action)
	assert.Zero(t, intent.Confidence)
}

func TestGarbageResponseDegradesToUnknown(t *testing.T) {
	f := &fakeModels{routerResponse: "I have no idea, sorry!"}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "some ambiguous request", Context{})
	assert.Equal(t, security.ActionUnknown, intent.Action)
}

func TestUnknownActionNormalisesToChat(t *testing.T) {
	f := &fakeModels{routerResponse: `{"action": "launch_rocket", "confidence": 0.99}`}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "do something weird", Context{})
	assert.Equal(t, security.ActionChat, intent.Action)
}

func TestSynonymCollapses(t *testing.T) {
	f := &fakeModels{routerResponse: `{"action": "find", "target": "notes", "confidence": 0.9}`}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "can you locate my notes", Context{})
	assert.Equal(t, security.ActionSearch, intent.Action)
}

func TestConfidenceClamped(t *testing.T) {
	f := &fakeModels{routerResponse: `{"action": "search", "confidence": 3.5}`}
	c := newClassifier(f)
	intent := c.Classify(context.Background(), "look around please", Context{})
	assert.LessOrEqual(t, intent.Confidence, 1.0)
}
