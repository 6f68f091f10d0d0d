// Package eventbus fans out pairing progress to observers keyed by session
// id and keeps the last known state of each session for late subscribers.
package eventbus

import (
	"sync"
	"time"

	"github.com/openclaw/agent-provisioner/internal/model"
)

type EventType string

const (
	EventQR     EventType = "qr"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

type QRPayload struct {
	Code      string    `json:"code"`
	Image     string    `json:"image,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type StatusPayload struct {
	State   model.SessionState `json:"state"`
	Message string             `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event carries exactly one payload matching Type.
type Event struct {
	Type   EventType
	QR     *QRPayload
	Status *StatusPayload
	Error  *ErrorPayload
}

func QR(code, image string, expiresAt time.Time) Event {
	return Event{Type: EventQR, QR: &QRPayload{Code: code, Image: image, ExpiresAt: expiresAt}}
}

func Status(state model.SessionState, message string) Event {
	return Event{Type: EventStatus, Status: &StatusPayload{State: state, Message: message}}
}

func Error(code, message string) Event {
	return Event{Type: EventError, Error: &ErrorPayload{Code: code, Message: message}}
}

// Payload returns the populated payload for serialization.
func (e Event) Payload() any {
	switch e.Type {
	case EventQR:
		return e.QR
	case EventStatus:
		return e.Status
	case EventError:
		return e.Error
	}
	return nil
}

// Snapshot is the last known state of a session.
type Snapshot struct {
	QR     *QRPayload
	Status *StatusPayload
	Error  *ErrorPayload
}

// Terminal reports whether the snapshot has reached a terminal state.
func (s Snapshot) Terminal() bool {
	return s.Status != nil && s.Status.State.IsTerminal()
}

func (s Snapshot) clone() Snapshot {
	var out Snapshot
	if s.QR != nil {
		qr := *s.QR
		out.QR = &qr
	}
	if s.Status != nil {
		st := *s.Status
		out.Status = &st
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// Listener is called synchronously on Emit with the event and the updated
// snapshot. Listeners must not block.
type Listener func(Event, Snapshot)

type Bus struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	listeners map[string]map[uint64]Listener
	nextID    uint64
}

func New() *Bus {
	return &Bus{
		snapshots: make(map[string]*Snapshot),
		listeners: make(map[string]map[uint64]Listener),
	}
}

// Emit folds ev into the session snapshot and notifies current subscribers.
func (b *Bus) Emit(sessionID string, ev Event) {
	b.mu.Lock()
	snap, ok := b.snapshots[sessionID]
	if !ok {
		snap = &Snapshot{}
		b.snapshots[sessionID] = snap
	}
	apply(snap, ev)
	updated := snap.clone()

	listeners := make([]Listener, 0, len(b.listeners[sessionID]))
	for _, l := range b.listeners[sessionID] {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(ev, updated)
	}
}

func apply(snap *Snapshot, ev Event) {
	switch ev.Type {
	case EventQR:
		if ev.QR != nil {
			qr := *ev.QR
			snap.QR = &qr
		}
	case EventStatus:
		if ev.Status != nil {
			st := *ev.Status
			snap.Status = &st
			if st.State == model.SessionStateReady {
				snap.Error = nil
			}
		}
	case EventError:
		if ev.Error != nil {
			e := *ev.Error
			snap.Error = &e
			snap.Status = &StatusPayload{State: model.SessionStateError, Message: e.Message}
		}
	}
}

// Subscribe registers l for sessionID. The returned function removes it and
// is safe to call more than once.
func (b *Bus) Subscribe(sessionID string, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.listeners[sessionID] == nil {
		b.listeners[sessionID] = make(map[uint64]Listener)
	}
	b.listeners[sessionID][id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.listeners[sessionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.listeners, sessionID)
			}
		}
	}
}

// Snapshot returns a copy of the session snapshot, if any event was emitted.
func (b *Bus) Snapshot(sessionID string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.snapshots[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return snap.clone(), true
}

// Forget drops the snapshot of a finished session. Live subscribers stay.
func (b *Bus) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, sessionID)
}

func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[sessionID])
}
