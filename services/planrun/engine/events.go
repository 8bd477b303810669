// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a run/inference lifecycle event.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventInferenceStarted  EventType = "inference.started"
	EventInferenceResolved EventType = "inference.resolved"
	EventInferenceFailed   EventType = "inference.failed"
	EventInferenceSkipped  EventType = "inference.skipped"
	EventLoopIteration     EventType = "loop.iteration.completed"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
)

// Event is one lifecycle event. Events are a pure side channel for
// monitors and logs; the engine never consults them for control flow.
type Event struct {
	// Seq orders events within a run.
	Seq uint64 `json:"seq"`

	// Type is the lifecycle event type.
	Type EventType `json:"type"`

	// RunID identifies the run.
	RunID string `json:"run_id"`

	// InferenceID is set for inference-level events.
	InferenceID string `json:"inference_id,omitempty"`

	// ConceptID is the output concept for inference-level events.
	ConceptID string `json:"concept_id,omitempty"`

	// Scope is the iteration scope path ("" at root).
	Scope string `json:"scope,omitempty"`

	// Iteration is the element index for loop.iteration.completed.
	Iteration int `json:"iteration,omitempty"`

	// Error carries the failure reason for failed/skipped events.
	Error string `json:"error,omitempty"`

	// At is the emission time.
	At time.Time `json:"at"`
}

// Emitter publishes lifecycle events to observers.
//
// The feed is append-only; history is retained for the life of the
// run. Subscribers receive events on buffered channels; a slow
// subscriber has events dropped rather than blocking execution, since
// observability must never affect control flow.
//
// Thread Safety: safe for concurrent use.
type Emitter struct {
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	history []Event
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// NewEmitter creates an event emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Emit publishes an event to the history and all subscribers.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.seq++
	ev.Seq = e.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.history = append(e.history, ev)
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than block.
			e.logger.Debug("dropping event for slow subscriber",
				slog.Int("subscriber", id),
				slog.String("type", string(ev.Type)),
			)
		}
	}
	e.mu.Unlock()
}

// Subscribe registers an observer. The returned cancel function must
// be called to release the subscription; it closes the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

// History returns a copy of all events emitted so far.
func (e *Emitter) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.history...)
}

// Close ends the feed and closes all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
