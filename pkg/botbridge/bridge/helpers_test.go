package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
	"github.com/jholhewres/botbridge/pkg/botbridge/puppet/mock"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// journal records the order of saves, starts and envelopes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(s string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == s {
			n++
		}
	}
	return n
}

// lastIndex returns the index of the last occurrence of s, or -1.
func (j *journal) lastIndex(s string) int {
	entries := j.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i] == s {
			return i
		}
	}
	return -1
}

// recorder collects envelopes and status updates.
type recorder struct {
	mu       sync.Mutex
	envs     []Envelope
	statuses []Status
	journal  *journal
}

func (r *recorder) sink(env Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	if r.journal != nil {
		r.journal.add("env:" + env.Topic)
	}
}

func (r *recorder) status(st Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recorder) wiring(policy ReconnectPolicy) Wiring {
	return Wiring{Sink: r.sink, Status: r.status, Policy: policy}
}

func (r *recorder) topic(topic string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.envs {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) lastStatus() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

// journalStore wraps a store and journals saves.
type journalStore struct {
	sessionstore.Store
	journal *journal
}

func (s *journalStore) Save(ctx context.Context, identity string, blob []byte) error {
	s.journal.add("save")
	return s.Store.Save(ctx, identity, blob)
}

// failingStore fails every operation.
type failingStore struct{}

var errDisk = errors.New("disk on fire")

func (failingStore) Load(context.Context, string) ([]byte, error) { return nil, errDisk }
func (failingStore) Save(context.Context, string, []byte) error   { return errDisk }
func (failingStore) Delete(context.Context, string) error         { return errDisk }
func (failingStore) Close() error                                 { return nil }

// journalPuppet journals starts.
type journalPuppet struct {
	*mock.Mock
	journal *journal
}

func (p *journalPuppet) Start(ctx context.Context) error {
	p.journal.add("start")
	return p.Mock.Start(ctx)
}

// fixture is a session on a mock puppet.
type fixture struct {
	session *Session
	mock    *mock.Mock
	rec     *recorder
	store   *sessionstore.MemoryStore
	journal *journal

	mu       sync.Mutex
	restored []byte
}

type fixtureOpts struct {
	policy    ReconnectPolicy
	autoLogin bool
	store     sessionstore.Store
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	j := &journal{}
	f := &fixture{
		rec:     &recorder{journal: j},
		store:   sessionstore.NewMemoryStore(),
		journal: j,
	}

	var store sessionstore.Store = &journalStore{Store: f.store, journal: j}
	if o.store != nil {
		store = o.store
	}

	settings := map[string]string{"self_id": "self", "self_name": "Me"}
	if o.autoLogin {
		settings["auto_login"] = "true"
	}

	s, err := NewSession(SessionConfig{
		Identity: "bot-1",
		Puppet:   "mock",
		Settings: settings,
		Store:    store,
		Wiring:   f.rec.wiring(o.policy),
		Logger:   quietLogger(),
		NewPuppet: func(opts puppet.Options) (puppet.Puppet, error) {
			f.mu.Lock()
			f.restored = opts.Session
			f.mock = mock.New(opts)
			f.mu.Unlock()
			return &journalPuppet{Mock: f.mock, journal: j}, nil
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	f.session = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Teardown(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// barrier waits until every task queued so far has run.
func (f *fixture) barrier(t *testing.T) {
	t.Helper()
	f.session.run(context.Background(), "barrier", func(context.Context) error { return nil })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var (
	alice = puppet.Contact{ID: "u-alice", Name: "Alice", Alias: "Al", Friend: true}
	bob   = puppet.Contact{ID: "u-bob", Name: "Bob", Friend: true}
	carol = puppet.Contact{ID: "u-carol", Name: "Carol", Friend: false}
	me    = puppet.Contact{ID: "self", Name: "Me", Friend: true}
)
