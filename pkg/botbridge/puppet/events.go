// Package puppet – events.go defines the event classes a puppet emits.
package puppet

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is implemented by every event type below. Consumers dispatch with
// a type switch.
type Event interface {
	eventName() string
}

// ScanStatus is the state of a login code scan.
type ScanStatus string

const (
	ScanUnknown   ScanStatus = "unknown"
	ScanCancel    ScanStatus = "cancel"
	ScanWaiting   ScanStatus = "waiting"
	ScanScanned   ScanStatus = "scanned"
	ScanConfirmed ScanStatus = "confirmed"
	ScanTimeout   ScanStatus = "timeout"
)

type (
	// LoginEvent fires once the account is online.
	LoginEvent struct{ User Contact }

	// LogoutEvent fires when the session ends (server or local logout).
	LogoutEvent struct {
		User   Contact
		Reason string
	}

	MessageEvent    struct{ Message Message }
	FriendshipEvent struct{ Friendship Friendship }
	RoomInviteEvent struct{ Invitation RoomInvitation }

	RoomJoinEvent struct {
		Room    Room
		Joiners []Contact
		Inviter Contact
		Date    time.Time
	}

	RoomLeaveEvent struct {
		Room    Room
		Leavers []Contact
		Remover Contact
		Date    time.Time
	}

	RoomTopicEvent struct {
		Room     Room
		Topic    string
		OldTopic string
		Changer  Contact
		Date     time.Time
	}

	// ScanEvent carries a login code (QR payload) and its scan status.
	ScanEvent struct {
		Code   string
		Status ScanStatus
	}

	StartEvent struct{}
	StopEvent  struct{}

	// ErrorEvent reports a backend failure. Fatal marks failures that
	// ended the session; the connection goes offline.
	ErrorEvent struct {
		Err   error
		Fatal bool
	}
)

func (LoginEvent) eventName() string      { return "login" }
func (LogoutEvent) eventName() string     { return "logout" }
func (MessageEvent) eventName() string    { return "message" }
func (FriendshipEvent) eventName() string { return "friendship" }
func (RoomInviteEvent) eventName() string { return "room-invite" }
func (RoomJoinEvent) eventName() string   { return "room-join" }
func (RoomLeaveEvent) eventName() string  { return "room-leave" }
func (RoomTopicEvent) eventName() string  { return "room-topic" }
func (ScanEvent) eventName() string       { return "scan" }
func (StartEvent) eventName() string      { return "start" }
func (StopEvent) eventName() string       { return "stop" }
func (ErrorEvent) eventName() string      { return "error" }

// EventName returns the wire name of an event ("login", "room-join", ...).
func EventName(evt Event) string {
	if evt == nil {
		return ""
	}
	return evt.eventName()
}

// Hub is a subscriber list adapters embed to implement Subscribe.
// Emit calls subscribers synchronously in registration order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]func(Event)
	order  []uint64
	nextID atomic.Uint64
}

// Subscribe registers fn and returns its remover.
func (h *Hub) Subscribe(fn func(Event)) func() {
	id := h.nextID.Add(1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]func(Event))
	}
	h.subs[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers evt to every subscriber.
func (h *Hub) Emit(evt Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
