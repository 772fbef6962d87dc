// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package discovery

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Events
// =============================================================================

// EventType names a job lifecycle moment an observer may care about.
type EventType string

const (
	EventEnqueued  EventType = "job_enqueued"
	EventStarted   EventType = "job_started"
	EventRetrying  EventType = "job_retrying"
	EventCompleted EventType = "job_completed"
)

// Event is a fire-and-forget notification of a job transition, delivered to
// admin observers (the /v1/discovery/events WebSocket, the CLI watch view).
// The durable change-stream the workers consume is the BadgerDB Subscribe
// feed, not this.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	Query    string    `json:"query"`
	State    State     `json:"state"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// =============================================================================
// Hub
// =============================================================================

var eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "suplo",
	Subsystem: "discovery",
	Name:      "events_dropped_total",
	Help:      "Hub events dropped because a subscriber was not keeping up.",
})

// subscriberBuffer bounds how far a slow subscriber may lag before its
// events are dropped.
const subscriberBuffer = 64

// Hub is an in-memory fan-out of job events.
//
// # Description
//
// Publish never blocks: each subscriber gets a buffered channel and events
// that do not fit are dropped (counted in the drop metric). Observers are
// best-effort by contract; job correctness never depends on event delivery.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers an observer and returns its event channel plus a
// cancel function. The caller must consume the channel and must call cancel
// when done; cancel closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			eventsDroppedTotal.Inc()
		}
	}
}

// Subscribers reports how many observers are attached.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
