// Package manager runs the configured bots. It reconciles the bot list
// against the live sessions (start, rewire, stop), routes commands by
// identity, fans envelopes out to host listeners and checkpoints
// sessions on a cron schedule.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
	"github.com/jholhewres/botbridge/pkg/botbridge/config"
	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
	"github.com/jholhewres/botbridge/pkg/botbridge/registry"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

// ErrUnknownBot is returned for an identity that is not running.
var ErrUnknownBot = fmt.Errorf("unknown bot")

// ErrStillStopping is returned by Apply for an identity whose previous
// connection has not finished its teardown yet.
var ErrStillStopping = fmt.Errorf("previous connection is still stopping")

// Options configure a Manager.
type Options struct {
	Store  sessionstore.Store
	Logger *slog.Logger

	// CheckpointSchedule is a cron spec; empty disables checkpoints.
	CheckpointSchedule string

	// NewPuppet, when set, replaces the adapter registry lookup.
	NewPuppet puppet.Factory
}

// Manager owns the sessions of all configured bots.
type Manager struct {
	store     sessionstore.Store
	logger    *slog.Logger
	events    *bridge.EventBridge
	sessions  *registry.Registry[*bridge.Session]
	bus       Bus
	newPuppet puppet.Factory

	// mu serializes Apply and Shutdown.
	mu     sync.Mutex
	bots   map[string]config.BotConfig
	leases map[string]registry.Lease
	// failed holds bots whose initial start failed.
	failed map[string]bool
	closed bool

	// draining tracks sessions whose teardown outlived the caller's ctx.
	draining sync.WaitGroup

	cron *cron.Cron
}

// New creates a manager. The checkpoint schedule starts immediately.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("manager: session store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     opts.Store,
		logger:    logger.With("component", "manager"),
		events:    bridge.NewEventBridge(logger),
		sessions:  registry.New[*bridge.Session](),
		newPuppet: opts.NewPuppet,
		bots:      make(map[string]config.BotConfig),
		leases:    make(map[string]registry.Lease),
		failed:    make(map[string]bool),
	}
	if opts.CheckpointSchedule != "" {
		if err := m.startCheckpoints(opts.CheckpointSchedule); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Apply reconciles the running bots with bots. New identities are
// created and started, unchanged ones are rewired in place, ones whose
// adapter or options changed are restarted and missing ones are torn
// down. Failures are collected; the remaining bots are still applied.
func (m *Manager) Apply(ctx context.Context, bots []config.BotConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("manager is shut down")
	}

	desired := make(map[string]config.BotConfig, len(bots))
	for _, b := range bots {
		desired[b.ID] = b
	}

	var errs []error
	for id := range m.bots {
		if _, keep := desired[id]; !keep {
			if err := m.remove(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, b := range bots {
		prev, running := m.bots[b.ID]
		switch {
		case !running:
			errs = append(errs, m.add(ctx, b))
		case prev.Puppet != b.Puppet || !maps.Equal(prev.Options, b.Options):
			m.logger.Info("bot adapter settings changed, restarting", "bot", b.ID)
			if err := m.remove(ctx, b.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			errs = append(errs, m.add(ctx, b))
		case !m.sessions.Holds(m.leases[b.ID]):
			// The slot was released behind our back; recreate it.
			delete(m.bots, b.ID)
			errs = append(errs, m.add(ctx, b))
		default:
			errs = append(errs, m.rewire(ctx, b))
		}
	}

	m.logger.Info("bots applied", "running", m.sessions.Len())
	return errors.Join(errs...)
}

func (m *Manager) add(ctx context.Context, b config.BotConfig) error {
	s, lease, created, err := m.sessions.Acquire(b.ID, func() (*bridge.Session, error) {
		return bridge.NewSession(bridge.SessionConfig{
			Identity:  b.ID,
			Puppet:    b.Puppet,
			Settings:  b.Options,
			Store:     m.store,
			Events:    m.events,
			Wiring:    m.wiring(b),
			Logger:    m.logger,
			NewPuppet: m.newPuppet,
		})
	})
	if err != nil {
		return fmt.Errorf("bot %s: %w", b.ID, err)
	}
	if !created && s.Stopping() {
		return fmt.Errorf("bot %s: %w", b.ID, ErrStillStopping)
	}
	m.bots[b.ID] = b
	m.leases[b.ID] = lease
	if !created {
		s.Rewire(m.wiring(b))
		return nil
	}

	m.logger.Info("starting bot", "bot", b.ID, "puppet", b.Puppet, "reconnect", b.Policy())
	return m.start(ctx, s)
}

// start starts s. A failed session stays registered offline and the next
// Apply retries it.
func (m *Manager) start(ctx context.Context, s *bridge.Session) error {
	if err := s.Start(ctx); err != nil {
		m.failed[s.Identity()] = true
		return fmt.Errorf("bot %s: %w", s.Identity(), err)
	}
	delete(m.failed, s.Identity())
	return nil
}

func (m *Manager) rewire(ctx context.Context, b config.BotConfig) error {
	s, ok := m.sessions.Get(b.ID)
	if !ok {
		return nil
	}
	if lease, ok := m.sessions.Renew(b.ID); ok {
		m.leases[b.ID] = lease
	}
	m.bots[b.ID] = b
	s.Rewire(m.wiring(b))
	if m.failed[b.ID] {
		m.logger.Info("retrying bot start", "bot", b.ID)
		return m.start(ctx, s)
	}
	return nil
}

func (m *Manager) remove(ctx context.Context, id string) error {
	defer func() {
		delete(m.bots, id)
		delete(m.leases, id)
		delete(m.failed, id)
	}()
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil
	}
	m.logger.Info("stopping bot", "bot", id)
	err := s.Teardown(ctx)
	select {
	case <-s.Done():
		m.sessions.Release(id)
	default:
		// The teardown is still queued or running. Keep the slot so the
		// identity cannot be started twice.
		m.logger.Warn("bot still stopping, slot kept until it exits", "bot", id)
		m.draining.Add(1)
		go m.releaseWhenDone(id, s)
	}
	if err != nil {
		return fmt.Errorf("bot %s: teardown: %w", id, err)
	}
	return nil
}

func (m *Manager) releaseWhenDone(id string, s *bridge.Session) {
	defer m.draining.Done()
	<-s.Done()
	if cur, ok := m.sessions.Get(id); ok && cur == s {
		m.sessions.Release(id)
		m.logger.Info("bot stopped, slot released", "bot", id)
	}
}

func (m *Manager) wiring(b config.BotConfig) bridge.Wiring {
	return bridge.Wiring{
		Sink:   m.bus.Emit,
		Status: m.onStatus,
		Policy: b.Policy(),
	}
}

func (m *Manager) onStatus(st bridge.Status) {
	m.logger.Debug("bot status", "bot", st.Identity, "state", st.State, "text", st.Text)
}

// Dispatch submits a command to the bot with the given identity.
func (m *Manager) Dispatch(ctx context.Context, identity string, raw bridge.RawCommand) error {
	s, ok := m.sessions.Get(identity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBot, identity)
	}
	return s.Submit(ctx, raw)
}

// Session returns the live session for identity.
func (m *Manager) Session(identity string) (*bridge.Session, bool) {
	return m.sessions.Get(identity)
}

// Identities returns the running bot identities, sorted.
func (m *Manager) Identities() []string {
	return m.sessions.Identities()
}

// Statuses returns the status of every running bot, sorted by identity.
func (m *Manager) Statuses() []bridge.Status {
	ids := m.sessions.Identities()
	out := make([]bridge.Status, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions.Get(id); ok {
			out = append(out, s.Status())
		}
	}
	return out
}

// Subscribe registers fn for every envelope of every bot.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Checkpoint saves the session of every running bot.
func (m *Manager) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, id := range m.sessions.Identities() {
		s, ok := m.sessions.Get(id)
		if !ok {
			continue
		}
		if err := s.Checkpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bot %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startCheckpoints(schedule string) error {
	m.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := m.cron.AddFunc(schedule, m.runCheckpoint); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", schedule, err)
	}
	m.cron.Start()
	m.logger.Info("session checkpoints scheduled", "schedule", schedule)
	return nil
}

func (m *Manager) runCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := m.Checkpoint(ctx); err != nil {
		m.logger.Warn("session checkpoint failed", "error", err)
		return
	}
	m.logger.Debug("sessions checkpointed", "bots", m.sessions.Len())
}

// Shutdown stops the checkpoint schedule, tears down every bot and waits
// for teardowns still running from earlier Apply calls.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for id := range m.bots {
		if err := m.remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	drained := make(chan struct{})
	go func() {
		m.draining.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for bots to stop: %w", ctx.Err()))
	}
	m.logger.Info("manager stopped")
	return errors.Join(errs...)
}
