package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/joe/transfer-queue/internal/engine"
)

const bridgeBuffer = 256

// EngineEventMsg wraps an engine.Event for use as a tea.Msg.
type EngineEventMsg struct {
	Event engine.Event
}

// EventBridge adapts engine events to bubble tea messages.
// It implements engine.EventEmitter and never blocks the emitter: when the view falls
// behind, events are dropped and the next refresh catches up from a snapshot.
type EventBridge struct {
	mu     sync.Mutex
	ch     chan tea.Msg
	closed bool
}

// NewEventBridge creates a new event bridge.
func NewEventBridge() *EventBridge {
	return &EventBridge{ch: make(chan tea.Msg, bridgeBuffer)}
}

// Emit implements engine.EventEmitter.
func (b *EventBridge) Emit(event engine.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	select {
	case b.ch <- EngineEventMsg{Event: event}:
	default:
	}
}

// ListenCmd returns a tea.Cmd that blocks until an event is received.
func (b *EventBridge) ListenCmd() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-b.ch
		if !ok {
			return nil
		}

		return msg
	}
}

// Close closes the event channel.
func (b *EventBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
