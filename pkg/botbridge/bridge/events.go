package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// Handlers receive the output of an EventBridge subscription. Any field
// may be nil.
type Handlers struct {
	// Envelope receives one envelope per forwarded event.
	Envelope Sink

	// Status receives the indicator after every lifecycle event.
	Status func(Status)

	// Lifecycle sees every event after state, envelope and status were
	// handled. It runs on the event loop and must not block on the
	// command worker.
	Lifecycle func(puppet.Event)
}

// EventBridge turns puppet events into envelopes and connection state.
// Each attached connection gets its own event loop fed by an unbounded
// queue, so no event class is ever dropped.
type EventBridge struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*Connection]*Subscription
}

func NewEventBridge(logger *slog.Logger) *EventBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBridge{
		logger: logger.With("component", "events"),
		subs:   make(map[*Connection]*Subscription),
	}
}

// Subscription is the handle returned by Attach.
type Subscription struct {
	bridge      *EventBridge
	conn        *Connection
	puppet      puppet.Puppet
	handlers    atomic.Pointer[Handlers]
	queue       *fifo[puppet.Event]
	unsubscribe func()
	done        chan struct{}
	detached    atomic.Bool
	once        sync.Once
}

// Attach subscribes to conn's puppet. While conn already has a live
// subscription on the same puppet only its handlers are replaced: the
// puppet subscription and the queue are kept, so events keep flowing and
// each one reaches exactly one set of handlers. A subscription on an
// older puppet is detached first. The connection's puppet must be set.
func (b *EventBridge) Attach(conn *Connection, h Handlers) *Subscription {
	p := conn.Puppet()

	b.mu.Lock()
	prev := b.subs[conn]
	if prev != nil && prev.puppet == p && !prev.detached.Load() {
		prev.handlers.Store(&h)
		b.mu.Unlock()
		return prev
	}
	b.mu.Unlock()
	if prev != nil {
		prev.Detach()
	}

	s := &Subscription{
		bridge: b,
		conn:   conn,
		puppet: p,
		queue:  newFIFO[puppet.Event](),
		done:   make(chan struct{}),
	}
	s.handlers.Store(&h)
	s.unsubscribe = p.Subscribe(func(evt puppet.Event) {
		s.queue.push(evt)
	})

	b.mu.Lock()
	b.subs[conn] = s
	b.mu.Unlock()

	go s.loop()
	return s
}

// Attached reports whether conn currently has a subscription.
func (b *EventBridge) Attached(conn *Connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[conn]
	return ok
}

// Detach unsubscribes from the puppet, delivers the events already queued
// and waits for the event loop to exit. It is safe to call more than once
// but must not be called from a handler.
func (s *Subscription) Detach() {
	s.once.Do(func() {
		s.detached.Store(true)
		s.unsubscribe()
		s.queue.close()
		<-s.done

		s.bridge.mu.Lock()
		if s.bridge.subs[s.conn] == s {
			delete(s.bridge.subs, s.conn)
		}
		s.bridge.mu.Unlock()
	})
}

func (s *Subscription) loop() {
	defer close(s.done)
	for {
		evt, ok := s.queue.pop()
		if !ok {
			return
		}
		s.handle(evt)
	}
}

func (s *Subscription) handle(evt puppet.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bridge.logger.Warn("event handler panic",
				"identity", s.conn.Identity(), "event", puppet.EventName(evt), "error", r)
		}
	}()

	conn := s.conn
	h := s.handlers.Load()
	lifecycle := false

	switch e := evt.(type) {
	case puppet.LoginEvent:
		conn.loggedIn(e.User)
		lifecycle = true
	case puppet.LogoutEvent:
		conn.loggedOut()
		lifecycle = true
	case puppet.ScanEvent:
		conn.setScan(e.Code, e.Status)
		lifecycle = true
	case puppet.ErrorEvent:
		if e.Fatal {
			conn.loggedOut()
		}
		lifecycle = true
	case puppet.StartEvent, puppet.StopEvent:
		lifecycle = true
	}

	if env, ok := envelopeFor(conn.Identity(), evt); ok && h.Envelope != nil {
		h.Envelope(env)
	}

	if lifecycle {
		online := conn.refresh()
		if h.Status != nil {
			h.Status(statusFor(conn.Identity(), online))
		}
	}

	if h.Lifecycle != nil {
		h.Lifecycle(evt)
	}
}

// envelopeFor maps an event to its envelope. Scan events are forwarded
// only while waiting for a scan.
func envelopeFor(identity string, evt puppet.Event) (Envelope, bool) {
	name := puppet.EventName(evt)
	switch e := evt.(type) {
	case puppet.LoginEvent:
		return newEnvelope(identity, name, e.User), true
	case puppet.LogoutEvent:
		return newEnvelope(identity, name, e.User), true
	case puppet.MessageEvent:
		return newEnvelope(identity, name, e.Message), true
	case puppet.FriendshipEvent:
		return newEnvelope(identity, name, e.Friendship), true
	case puppet.RoomInviteEvent:
		return newEnvelope(identity, name, e.Invitation), true

	case puppet.RoomJoinEvent:
		env := newEnvelope(identity, name, e.Joiners)
		env.Room, env.Inviter, env.Date = roomRef(e.Room), contactRef(e.Inviter), dateRef(e.Date)
		return env, true
	case puppet.RoomLeaveEvent:
		env := newEnvelope(identity, name, e.Leavers)
		env.Room, env.Remover, env.Date = roomRef(e.Room), contactRef(e.Remover), dateRef(e.Date)
		return env, true
	case puppet.RoomTopicEvent:
		env := newEnvelope(identity, name, e.Topic)
		old := e.OldTopic
		env.Room, env.Changer, env.Date, env.Old = roomRef(e.Room), contactRef(e.Changer), dateRef(e.Date), &old
		return env, true

	case puppet.ScanEvent:
		if e.Status != puppet.ScanWaiting {
			return Envelope{}, false
		}
		env := newEnvelope(identity, name, e.Code)
		env.Status = e.Status
		return env, true

	case puppet.StartEvent, puppet.StopEvent:
		return newEnvelope(identity, name, nil), true

	case puppet.ErrorEvent:
		err := newError(ErrConnection, identity, "backend", e.Err)
		return errorEnvelope(identity, err, nil), true
	}
	return Envelope{}, false
}

func roomRef(r puppet.Room) *puppet.Room { return &r }

func contactRef(c puppet.Contact) *puppet.Contact {
	if c == (puppet.Contact{}) {
		return nil
	}
	return &c
}

func dateRef(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
