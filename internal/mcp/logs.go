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
	"sync"
	"time"
)

// DefaultRingCapacity is used when a ring buffer is created with capacity <= 0.
const DefaultRingCapacity = 1000

// RingBuffer is a fixed-size circular buffer. Once full, each Add evicts
// the oldest entry.
type RingBuffer[T any] struct {
	mu      sync.RWMutex
	entries []T
	head    int
	tail    int
	size    int
	count   int
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingBuffer[T]{
		entries: make([]T, capacity),
		size:    capacity,
	}
}

// Add adds an entry to the buffer.
func (rb *RingBuffer[T]) Add(entry T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.tail] = entry
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAll returns all entries in the buffer, oldest first.
func (rb *RingBuffer[T]) GetAll() []T {
	return rb.GetLast(-1)
}

// GetLast returns the last n entries, oldest first. n <= 0 returns all.
func (rb *RingBuffer[T]) GetLast(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	result := make([]T, n)
	start := rb.count - n
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(rb.head+start+i)%rb.size]
	}
	return result
}

// Filter returns the entries matching keep, oldest first.
func (rb *RingBuffer[T]) Filter(keep func(T) bool) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []T
	for i := 0; i < rb.count; i++ {
		entry := rb.entries[(rb.head+i)%rb.size]
		if keep(entry) {
			result = append(result, entry)
		}
	}
	return result
}

// Count returns the number of entries in the buffer.
func (rb *RingBuffer[T]) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// Clear removes all entries from the buffer.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	var zero T
	for i := range rb.entries {
		rb.entries[i] = zero
	}
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}

// LogEntry is one line a server wrote to stderr.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogCapture keeps the most recent stderr lines of each server.
type LogCapture struct {
	mu      sync.RWMutex
	buffers map[string]*RingBuffer[LogEntry]
	maxSize int
}

// NewLogCapture creates a log capture holding maxLines per server.
func NewLogCapture(maxLines int) *LogCapture {
	if maxLines <= 0 {
		maxLines = DefaultRingCapacity
	}
	return &LogCapture{
		buffers: make(map[string]*RingBuffer[LogEntry]),
		maxSize: maxLines,
	}
}

func (lc *LogCapture) buffer(serverName string) *RingBuffer[LogEntry] {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if buf, exists := lc.buffers[serverName]; exists {
		return buf
	}
	buf := NewRingBuffer[LogEntry](lc.maxSize)
	lc.buffers[serverName] = buf
	return buf
}

// Add records a stderr line for a server.
func (lc *LogCapture) Add(serverName, line string) {
	lc.buffer(serverName).Add(LogEntry{Timestamp: time.Now(), Message: line})
}

// Get returns up to lines entries for a server, oldest first. A non-zero
// since restricts the result to entries at or after it.
func (lc *LogCapture) Get(serverName string, lines int, since time.Time) []LogEntry {
	lc.mu.RLock()
	buf, exists := lc.buffers[serverName]
	lc.mu.RUnlock()

	if !exists {
		return nil
	}

	if !since.IsZero() {
		entries := buf.Filter(func(e LogEntry) bool { return !e.Timestamp.Before(since) })
		if lines > 0 && len(entries) > lines {
			entries = entries[len(entries)-lines:]
		}
		return entries
	}
	return buf.GetLast(lines)
}

// Clear drops the captured lines of a server.
func (lc *LogCapture) Clear(serverName string) {
	lc.mu.RLock()
	buf, exists := lc.buffers[serverName]
	lc.mu.RUnlock()

	if exists {
		buf.Clear()
	}
}
