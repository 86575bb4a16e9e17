// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clenoble/sovereign/internal/security"
)

func TestEmitDeliversToAllSubscribers(t *testing.T) {
	e := NewEmitter()
	a := e.Subscribe()
	b := e.Subscribe()

	e.Emit(ChatMessage{Text: "hello"})

	msgA := (<-a).(ChatMessage)
	msgB := (<-b).(ChatMessage)
	assert.Equal(t, "hello", msgA.Text)
	assert.Equal(t, "hello", msgB.Text)
}

func TestEmitNeverBlocksOnFullSubscriber(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe()

	// Overfill the buffer; Emit must not block and the newest events win.
	for i := 0; i < DefaultBuffer+50; i++ {
		e.Emit(BubbleStateChanged{State: security.BubbleIdle})
	}
	e.Emit(ChatMessage{Text: "latest"})

	found := false
	for {
		select {
		case event := <-ch:
			if m, ok := event.(ChatMessage); ok && m.Text == "latest" {
				found = true
			}
		default:
			require.True(t, found, "newest event must survive buffer pressure")
			return
		}
	}
}

func TestCloseClosesChannels(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe()
	e.Close()
	_, open := <-ch
	assert.False(t, open)
}
