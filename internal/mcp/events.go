// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CristobalNavarroSchanentgen/olympian-2-sub002/internal/log"
)

// EventType represents the type of MCP server event.
type EventType string

const (
	EventStarting          EventType = "starting"
	EventStarted           EventType = "started"
	EventStopped           EventType = "stopped"
	EventCrashed           EventType = "crashed"
	EventRestarting        EventType = "restarting"
	EventRestartAbandoned  EventType = "restart_abandoned"
	EventToolsDiscovered   EventType = "tools_discovered"
	EventHealthy           EventType = "healthy"
	EventUnhealthy         EventType = "unhealthy"
	EventExecutionFinished EventType = "execution_finished"
)

// Event is a state change of an MCP server or one of its executions.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// ServerName is the name of the server.
	ServerName string `json:"serverName"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Message is an optional human-readable message.
	Message string `json:"message,omitempty"`

	// Details contains additional event-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// EventHandler receives events. Handlers run synchronously on the emitting
// goroutine and must not block or call back into the Manager's lifecycle
// methods.
type EventHandler func(Event)

// EventBus logs events and fans them out to subscribers.
type EventBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

// NewEventBus creates an event bus with no subscribers.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger:   log.WithComponent(logger, "events"),
		handlers: make(map[int]EventHandler),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Emit logs event and delivers it to every subscriber.
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String(log.ServerKey, event.ServerName),
		slog.String(log.EventKey, string(event.Type)),
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	switch event.Type {
	case EventExecutionFinished, EventToolsDiscovered:
		level = slog.LevelDebug
	case EventCrashed, EventUnhealthy, EventRestartAbandoned:
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "MCP server event", attrs...)

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *EventBus) emit(t EventType, server, message string, details map[string]any) {
	b.Emit(Event{
		Type:       t,
		ServerName: server,
		Timestamp:  time.Now(),
		Message:    message,
		Details:    details,
	})
}
