// Package bridge connects one chat account to its host. A Session owns the
// account's lifecycle: it restores the stored session blob, starts the
// puppet, maps puppet events to envelopes through the EventBridge and
// executes inbound commands through the Router.
//
// All commands and lifecycle tasks of one Session run on a single worker
// goroutine in arrival order. Events are consumed by a separate event
// loop, so neither side can block the other.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

// ReconnectPolicy selects which event makes the session restart the
// puppet on its own.
type ReconnectPolicy string

const (
	// ReconnectOnLogout restarts after a logout event.
	ReconnectOnLogout ReconnectPolicy = "logout"

	// ReconnectOnStop restarts after a stop event the bridge did not ask for.
	ReconnectOnStop ReconnectPolicy = "stop"

	// ReconnectNever never restarts automatically.
	ReconnectNever ReconnectPolicy = "none"
)

// ParseReconnectPolicy parses a policy name. The empty string selects
// ReconnectOnLogout.
func ParseReconnectPolicy(s string) (ReconnectPolicy, error) {
	switch ReconnectPolicy(s) {
	case "":
		return ReconnectOnLogout, nil
	case ReconnectOnLogout, ReconnectOnStop, ReconnectNever:
		return ReconnectPolicy(s), nil
	}
	return "", fmt.Errorf("unknown reconnect policy %q (want logout, stop or none)", s)
}

// ErrSessionStopped is returned for work submitted after teardown.
var ErrSessionStopped = fmt.Errorf("session is stopped")

// Wiring is the host-facing part of a session. It is replaced by Rewire
// when the configuration is reloaded.
type Wiring struct {
	Sink   Sink
	Status func(Status)
	Policy ReconnectPolicy
}

// SessionConfig configures NewSession.
type SessionConfig struct {
	Identity string

	// Puppet names the registered adapter ("whatsapp", "discord", "mock").
	Puppet   string
	Settings map[string]string

	Store  sessionstore.Store
	Events *EventBridge
	Wiring Wiring
	Logger *slog.Logger

	// NewPuppet, when set, replaces the adapter registry lookup.
	NewPuppet puppet.Factory
}

type task struct {
	op   string
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Session orchestrates one account identity.
type Session struct {
	identity string
	cfg      SessionConfig
	conn     *Connection
	events   *EventBridge
	router   *Router
	logger   *slog.Logger

	wiring atomic.Pointer[Wiring]

	subMu sync.Mutex
	sub   *Subscription

	tasks      *fifo[task]
	workerDone chan struct{}
	tearing    atomic.Bool
	restarts   atomic.Int32
}

// NewSession creates a session and its worker. Nothing is loaded or
// started until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("session identity is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session %s: no session store", cfg.Identity)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = NewEventBridge(cfg.Logger)
	}

	s := &Session{
		identity:   cfg.Identity,
		cfg:        cfg,
		conn:       NewConnection(cfg.Identity, nil),
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "session", "identity", cfg.Identity),
		tasks:      newFIFO[task](),
		workerDone: make(chan struct{}),
	}
	s.setWiring(cfg.Wiring)
	s.router = NewRouter(cfg.Identity, s.report, cfg.Logger)

	go s.work()
	return s, nil
}

func (s *Session) Identity() string { return s.identity }

// Puppet returns the adapter name the session was built with.
func (s *Session) Puppet() string { return s.cfg.Puppet }

// Connection returns the live handle.
func (s *Session) Connection() *Connection { return s.conn }

func (s *Session) State() State { return s.conn.State() }

// Status returns the online/offline indicator.
func (s *Session) Status() Status { return s.conn.Status() }

// ScanCode returns the last login code seen and its status.
func (s *Session) ScanCode() (string, puppet.ScanStatus) { return s.conn.ScanCode() }

// Restarts returns how many automatic restarts were attempted.
func (s *Session) Restarts() int { return int(s.restarts.Load()) }

// Policy returns the active reconnect policy.
func (s *Session) Policy() ReconnectPolicy { return s.wiring.Load().Policy }

// ---------- Lifecycle ----------

// Start loads the stored session, builds the puppet, attaches the event
// bridge and starts the connection. A failed start is reported as an
// error envelope and leaves the session offline; calling Start again
// retries with the same puppet.
func (s *Session) Start(ctx context.Context) error {
	return s.run(ctx, "start", s.start)
}

// Rewire replaces the host-facing wiring of a running session. The
// connection keeps running and its event subscription stays in place;
// only the handlers are swapped, so every event reaches exactly one of
// the old or the new sink. Rewire may be called from a Sink.
func (s *Session) Rewire(w Wiring) {
	s.setWiring(w)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub == nil || s.conn.shuttingDown() {
		return
	}
	s.sub = s.events.Attach(s.conn, s.handlers())
	s.logger.Debug("session rewired", "policy", s.Policy())
}

// Checkpoint saves the current session blob without touching the
// connection.
func (s *Session) Checkpoint(ctx context.Context) error {
	return s.run(ctx, "checkpoint", s.persist)
}

// Teardown saves the session, stops the puppet and detaches the event
// bridge. It runs after every command queued before it and waits for the
// worker to exit. ctx bounds only the wait: once queued, the teardown
// runs to completion even if ctx expires first. Done reports when the
// worker has really exited; release the registry slot only after that.
//
// Teardown waits for the event loop to drain, so it must not be called
// from a Sink, a Status callback or a puppet event handler.
func (s *Session) Teardown(ctx context.Context) error {
	if !s.tearing.CompareAndSwap(false, true) {
		return s.awaitWorker(ctx)
	}

	t := task{op: "teardown", ctx: context.WithoutCancel(ctx), run: s.teardown, done: make(chan error, 1)}
	if !s.tasks.pushAndClose(t) {
		return s.awaitWorker(ctx)
	}
	var err error
	select {
	case err = <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if werr := s.awaitWorker(ctx); werr != nil {
		return werr
	}
	return err
}

// Stopping reports whether Teardown has been called.
func (s *Session) Stopping() bool { return s.tearing.Load() }

// Done is closed once the worker has exited, after the teardown task
// completed.
func (s *Session) Done() <-chan struct{} { return s.workerDone }

// ---------- Commands ----------

// Submit validates raw and executes it. Invalid commands produce one error
// envelope echoing raw.
func (s *Session) Submit(ctx context.Context, raw RawCommand) error {
	cmd, err := ParseCommand(raw)
	if err != nil {
		op := raw.Topic
		if op == "" {
			op = "command"
		}
		e := newError(ErrRouting, s.identity, op, err)
		echo := raw
		s.report(e, &echo)
		return e
	}
	return s.Do(ctx, cmd)
}

// Do executes cmd on the worker and waits for it to finish.
func (s *Session) Do(ctx context.Context, cmd Command) error {
	err := s.run(ctx, cmd.Topic(), func(ctx context.Context) error {
		return s.router.Dispatch(ctx, s.conn.Puppet(), cmd)
	})
	if errors.Is(err, ErrSessionStopped) {
		raw := cmd.Raw()
		e := newError(ErrRouting, s.identity, cmd.Topic(), err)
		s.report(e, &raw)
		return e
	}
	return err
}

// ---------- Worker ----------

func (s *Session) work() {
	defer close(s.workerDone)
	for {
		t, ok := s.tasks.pop()
		if !ok {
			return
		}
		err := t.run(t.ctx)
		if t.done != nil {
			t.done <- err
		}
	}
}

// run enqueues fn and waits for it.
func (s *Session) run(ctx context.Context, op string, fn func(context.Context) error) error {
	t := task{op: op, ctx: ctx, run: fn, done: make(chan error, 1)}
	if !s.tasks.push(t) {
		return ErrSessionStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules fn without waiting.
func (s *Session) enqueue(op string, fn func(context.Context) error) bool {
	return s.tasks.push(task{op: op, ctx: context.Background(), run: fn})
}

func (s *Session) awaitWorker(ctx context.Context) error {
	select {
	case <-s.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------- Tasks (worker goroutine only) ----------

func (s *Session) start(ctx context.Context) error {
	switch s.conn.State() {
	case StateStarting, StateOnline:
		return nil
	case StateStopping, StateStopped:
		return ErrSessionStopped
	}

	if s.conn.Puppet() == nil {
		if err := s.construct(ctx); err != nil {
			s.conn.setState(StateOffline)
			e := newError(ErrConnection, s.identity, "start", err)
			s.report(e, nil)
			s.publishStatus(false)
			return e
		}
	}
	return s.startPuppet(ctx, "start")
}

// construct loads the blob, builds the puppet and attaches the event
// bridge. A load failure is reported and the puppet starts without a
// session.
func (s *Session) construct(ctx context.Context) error {
	blob, err := s.cfg.Store.Load(ctx, s.identity)
	if err != nil {
		s.report(newError(ErrPersistence, s.identity, "load", err), nil)
		blob = nil
	}

	opts := puppet.Options{
		Identity: s.identity,
		Session:  blob,
		Settings: s.cfg.Settings,
		Logger:   s.cfg.Logger,
	}
	var p puppet.Puppet
	if s.cfg.NewPuppet != nil {
		p, err = s.cfg.NewPuppet(opts)
	} else {
		p, err = puppet.New(s.cfg.Puppet, opts)
	}
	if err != nil {
		return err
	}
	s.conn.setPuppet(p)

	s.subMu.Lock()
	s.sub = s.events.Attach(s.conn, s.handlers())
	s.subMu.Unlock()

	s.logger.Info("puppet created", "puppet", s.cfg.Puppet, "restored", blob != nil)
	return nil
}

func (s *Session) startPuppet(ctx context.Context, op string) error {
	p := s.conn.Puppet()
	s.conn.setState(StateStarting)
	if err := p.Start(ctx); err != nil {
		s.conn.setState(StateOffline)
		e := newError(ErrConnection, s.identity, op, err)
		s.report(e, nil)
		s.publishStatus(false)
		return e
	}
	online := s.conn.refresh()
	s.logger.Info("puppet started", "op", op, "online", online)
	return nil
}

// persist saves the puppet's current blob. Failures are reported and
// returned but never stop the caller's progress.
func (s *Session) persist(ctx context.Context) error {
	p := s.conn.Puppet()
	if p == nil {
		return nil
	}
	blob, err := p.Session()
	if err != nil {
		e := newError(ErrPersistence, s.identity, "export", err)
		s.report(e, nil)
		return e
	}
	if blob == nil {
		return nil
	}
	if err := s.cfg.Store.Save(ctx, s.identity, blob); err != nil {
		e := newError(ErrPersistence, s.identity, "save", err)
		s.report(e, nil)
		return e
	}
	s.logger.Debug("session saved", "bytes", len(blob))
	return nil
}

func (s *Session) teardown(ctx context.Context) error {
	s.conn.setState(StateStopping)

	var stopErr error
	if p := s.conn.Puppet(); p != nil {
		s.persist(ctx)
		if err := p.Stop(ctx); err != nil {
			stopErr = newError(ErrConnection, s.identity, "stop", err)
			s.report(stopErr, nil)
		}
	}

	s.subMu.Lock()
	sub := s.sub
	s.sub = nil
	s.subMu.Unlock()
	if sub != nil {
		sub.Detach()
	}

	s.conn.setState(StateStopped)
	s.publishStatus(false)
	s.logger.Info("session stopped")
	return stopErr
}

// ---------- Events ----------

func (s *Session) handlers() Handlers {
	w := s.wiring.Load()
	return Handlers{
		Envelope:  w.Sink,
		Status:    w.Status,
		Lifecycle: s.onEvent,
	}
}

// onEvent runs on the event loop. It only schedules work.
func (s *Session) onEvent(evt puppet.Event) {
	switch e := evt.(type) {
	case puppet.LogoutEvent:
		s.sessionEnded("logout", ReconnectOnLogout)
	case puppet.StopEvent:
		if s.Policy() == ReconnectOnStop {
			s.sessionEnded("stop", ReconnectOnStop)
		}
	case puppet.ErrorEvent:
		// A fatal error is not a logout; save the blob but do not restart.
		if e.Fatal && !s.tearing.Load() {
			s.enqueue("persist", s.persist)
		}
	}
}

// sessionEnded saves the blob, then restarts once if trigger matches the
// policy and no teardown was requested in between.
func (s *Session) sessionEnded(reason string, trigger ReconnectPolicy) {
	if s.tearing.Load() {
		return
	}
	s.enqueue("reconnect", func(ctx context.Context) error {
		s.persist(ctx)
		if s.tearing.Load() || s.Policy() != trigger || s.conn.shuttingDown() {
			return nil
		}
		s.restarts.Add(1)
		s.logger.Info("restarting puppet", "reason", reason)
		return s.startPuppet(ctx, "restart")
	})
}

// ---------- Reporting ----------

func (s *Session) report(err error, cmd *RawCommand) {
	s.logger.Warn("bridge error", "kind", KindName(err), "error", err)
	if sink := s.wiring.Load().Sink; sink != nil {
		sink(errorEnvelope(s.identity, err, cmd))
	}
}

func (s *Session) publishStatus(online bool) {
	if fn := s.wiring.Load().Status; fn != nil {
		fn(statusFor(s.identity, online))
	}
}

func (s *Session) setWiring(w Wiring) {
	if w.Policy == "" {
		w.Policy = ReconnectOnLogout
	}
	s.wiring.Store(&w)
}
