package core

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"swarm/protocol"
)

// Session outcomes, also used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// EventKind tells the HTTP side what to do with an Event.
type EventKind int

const (
	// EventDelta carries one fragment.
	EventDelta EventKind = iota
	// EventDone carries the final fragment; the session is complete.
	EventDone
	// EventFailed means the node went away; the session is closed.
	EventFailed
	// EventExpired means no output arrived within the session timeout.
	EventExpired
)

// Event is one entry of a session's outbound queue.
type Event struct {
	Kind   EventKind
	Output string
	Tokens int
}

// Session is the router-side state of one admitted request. Producers (the
// link reader of its node, the registry) never block on it: events are queued
// and the HTTP handler drains them after a signal on Ready.
type Session struct {
	Request  *InferenceRequest
	NodeID   string
	NodeAddr string
	Created  time.Time

	mu        sync.Mutex
	fragments []string
	trimmed   bool
	tokens    int
	closed    bool
	outcome   string
	lastSeen  time.Time
	pending   []Event
	notify    chan struct{}
}

func newSession(req *InferenceRequest, nodeID, nodeAddr string) *Session {
	now := time.Now()
	return &Session{
		Request:  req,
		NodeID:   nodeID,
		NodeAddr: nodeAddr,
		Created:  now,
		lastSeen: now,
		notify:   make(chan struct{}, 1),
	}
}

// Key returns the session key.
func (s *Session) Key() string { return s.Request.Key }

// deliver appends one output message. It reports false when the session is
// already closed, in which case nothing changes.
func (s *Session) deliver(msg protocol.OutputMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.lastSeen = time.Now()

	out := msg.Output
	if !s.trimmed {
		out = strings.TrimLeftFunc(out, unicode.IsSpace)
		s.trimmed = true
	}
	s.fragments = append(s.fragments, out)

	if msg.Done {
		s.tokens = msg.Tokens
		s.closed = true
		s.outcome = OutcomeCompleted
		s.push(Event{Kind: EventDone, Output: out, Tokens: msg.Tokens})
		return true
	}
	s.push(Event{Kind: EventDelta, Output: out})
	return true
}

// close terminates the session with outcome. Cancellation is initiated by
// the handler itself and is not queued.
func (s *Session) close(outcome string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.outcome = outcome
	switch outcome {
	case OutcomeFailed:
		s.push(Event{Kind: EventFailed})
	case OutcomeExpired:
		s.push(Event{Kind: EventExpired})
	}
	return true
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

func (s *Session) push(ev Event) {
	s.pending = append(s.pending, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Ready is signaled whenever new events are queued.
func (s *Session) Ready() <-chan struct{} { return s.notify }

// Events removes and returns the queued events in arrival order.
func (s *Session) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.pending
	s.pending = nil
	return evs
}

// Content is the concatenation of every fragment received so far.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.fragments, "")
}

// Fragments returns a copy of the accumulator.
func (s *Session) Fragments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fragments...)
}

// Tokens is the count reported by the worker on completion.
func (s *Session) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Closed reports whether the session reached a terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Outcome is empty while the session is live.
func (s *Session) Outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}
