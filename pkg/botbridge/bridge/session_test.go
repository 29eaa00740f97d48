package bridge

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
	"github.com/jholhewres/botbridge/pkg/botbridge/sessionstore"
)

func TestSessionStart(t *testing.T) {
	t.Run("fresh login waits for scan", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.start(t)

		waitFor(t, "scan envelope", func() bool { return len(f.rec.topic("scan")) == 1 })
		scan := f.rec.topic("scan")[0]
		if scan.Payload != "mock://bot-1" || scan.Status != puppet.ScanWaiting {
			t.Errorf("unexpected scan envelope %+v", scan)
		}
		if got := f.session.State(); got != StateStarting {
			t.Errorf("expected starting, got %s", got)
		}
		if got := f.session.Connection().LoginState(); got != LoginStarting {
			t.Errorf("expected login state starting, got %s", got)
		}
		if code, _ := f.session.ScanCode(); code != "mock://bot-1" {
			t.Errorf("expected stored scan code, got %q", code)
		}

		f.mock.Login()
		waitFor(t, "login envelope", func() bool { return len(f.rec.topic("login")) == 1 })
		if got := f.session.State(); got != StateOnline {
			t.Errorf("expected online, got %s", got)
		}
		if code, _ := f.session.ScanCode(); code != "" {
			t.Errorf("expected scan code cleared on login, got %q", code)
		}
		if self := f.session.Connection().Self(); self == nil || self.ID != "self" {
			t.Errorf("expected self profile while online, got %+v", self)
		}
		waitFor(t, "online status", func() bool {
			st, ok := f.rec.lastStatus()
			return ok && st.State == "online" && st.Fill == "green" && st.Shape == "dot"
		})
		if len(f.rec.topic("scan")) != 1 {
			t.Error("confirmed scan must not be forwarded")
		}
	})

	t.Run("restored blob is handed to the factory byte for byte", func(t *testing.T) {
		blob := []byte{0x00, 0x01, 0xfe, '{', '}', 0xff}
		store := sessionstore.NewMemoryStore()
		store.Save(context.Background(), "bot-1", blob)

		f := newFixture(t, fixtureOpts{store: store})
		f.start(t)

		f.mu.Lock()
		restored := f.restored
		f.mu.Unlock()
		if !bytes.Equal(restored, blob) {
			t.Fatalf("factory got %x, want %x", restored, blob)
		}
		if f.session.State() != StateOnline {
			t.Errorf("expected restored session to be online, got %s", f.session.State())
		}
	})

	t.Run("start failure reports and allows retry", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		boom := errors.New("network unreachable")
		wrapPuppet(f, func(p puppet.Puppet) puppet.Puppet {
			f.mock.FailStart(boom)
			return p
		})

		err := f.session.Start(context.Background())
		if !errors.Is(err, ErrConnection) || !errors.Is(err, boom) {
			t.Fatalf("expected connection error wrapping boom, got %v", err)
		}
		if f.session.State() != StateOffline {
			t.Errorf("expected offline after failed start, got %s", f.session.State())
		}
		errs := f.rec.topic(TopicError)
		if len(errs) != 1 {
			t.Fatalf("expected one error envelope, got %d", len(errs))
		}
		if p := errs[0].Payload.(ErrorPayload); p.Kind != "connection" {
			t.Errorf("expected connection kind, got %q", p.Kind)
		}

		f.mock.FailStart(nil)
		if err := f.session.Start(context.Background()); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if f.mock.Starts() != 2 {
			t.Errorf("expected 2 starts, got %d", f.mock.Starts())
		}
		if f.session.State() != StateOnline {
			t.Errorf("expected online after retry, got %s", f.session.State())
		}
	})

	t.Run("start is a no-op while online", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)
		f.start(t)
		if f.mock.Starts() != 1 {
			t.Errorf("expected 1 start, got %d", f.mock.Starts())
		}
	})

	t.Run("load failure is reported but not fatal", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true, store: failingStore{}})
		f.start(t)
		errs := f.rec.topic(TopicError)
		if len(errs) == 0 || errs[0].Payload.(ErrorPayload).Kind != "persistence" {
			t.Fatalf("expected persistence error envelope, got %+v", errs)
		}
		if f.session.State() != StateOnline {
			t.Errorf("expected online despite load failure, got %s", f.session.State())
		}
	})
}

// wrapPuppet decorates the puppet the fixture factory builds. It must be
// called before the first Start.
func wrapPuppet(f *fixture, wrap func(puppet.Puppet) puppet.Puppet) {
	orig := f.session.cfg.NewPuppet
	f.session.cfg.NewPuppet = func(opts puppet.Options) (puppet.Puppet, error) {
		p, err := orig(opts)
		if err != nil {
			return nil, err
		}
		return wrap(p), nil
	}
}

// logoutOnStop reports a logout while stopping, as backends do when the
// connection is closed under them.
type logoutOnStop struct {
	puppet.Puppet
	emit func(puppet.Event)
}

func (p *logoutOnStop) Stop(ctx context.Context) error {
	p.emit(puppet.LogoutEvent{Reason: "connection closed"})
	return p.Puppet.Stop(ctx)
}

func TestReconnectPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("logout saves then restarts exactly once", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true, policy: ReconnectOnLogout})
		f.start(t)
		savesBefore := f.journal.count("save")

		f.mock.DropSession("kicked by server")
		waitFor(t, "restart", func() bool { return f.mock.Starts() == 2 })
		f.barrier(t)

		logout := f.journal.lastIndex("env:logout")
		save := f.journal.lastIndex("save")
		start := f.journal.lastIndex("start")
		if !(logout >= 0 && logout < save && save < start) {
			t.Errorf("expected logout < save < start, got journal %v", f.journal.snapshot())
		}
		if f.journal.count("save") != savesBefore+1 {
			t.Errorf("expected exactly one save after logout, journal %v", f.journal.snapshot())
		}

		time.Sleep(50 * time.Millisecond)
		f.barrier(t)
		if f.mock.Starts() != 2 || f.session.Restarts() != 1 {
			t.Errorf("expected a single restart, got starts=%d restarts=%d", f.mock.Starts(), f.session.Restarts())
		}
		if f.session.State() != StateOnline {
			t.Errorf("expected online after restart, got %s", f.session.State())
		}
	})

	t.Run("logout command triggers the same path", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)
		if err := f.session.Submit(ctx, RawCommand{Topic: TopicLogout}); err != nil {
			t.Fatalf("logout: %v", err)
		}
		waitFor(t, "restart", func() bool { return f.session.Restarts() == 1 })
		if len(f.rec.topic(TopicError)) != 0 {
			t.Errorf("logout must not reply, got errors %+v", f.rec.topic(TopicError))
		}
	})

	t.Run("stop policy ignores logout and restarts on stop", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true, policy: ReconnectOnStop})
		f.start(t)

		f.mock.DropSession("kicked")
		waitFor(t, "save after logout", func() bool { return f.store.Saves() == 1 })
		f.barrier(t)
		if f.mock.Starts() != 1 {
			t.Errorf("stop policy must not restart on logout, starts=%d", f.mock.Starts())
		}
		if f.session.State() != StateOffline {
			t.Errorf("expected offline, got %s", f.session.State())
		}

		f.mock.Emit(puppet.StopEvent{})
		waitFor(t, "restart on stop", func() bool { return f.mock.Starts() == 2 })
		f.barrier(t)
		if f.session.Restarts() != 1 {
			t.Errorf("expected 1 restart, got %d", f.session.Restarts())
		}
	})

	t.Run("none policy never restarts", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true, policy: ReconnectNever})
		f.start(t)

		f.mock.DropSession("kicked")
		f.mock.Emit(puppet.StopEvent{})
		waitFor(t, "save after logout", func() bool { return f.store.Saves() == 1 })
		time.Sleep(20 * time.Millisecond)
		f.barrier(t)
		if f.mock.Starts() != 1 || f.session.Restarts() != 0 {
			t.Errorf("expected no restart, starts=%d restarts=%d", f.mock.Starts(), f.session.Restarts())
		}
	})

	t.Run("no restart after teardown", func(t *testing.T) {
		for _, policy := range []ReconnectPolicy{ReconnectOnLogout, ReconnectOnStop} {
			t.Run(string(policy), func(t *testing.T) {
				f := newFixture(t, fixtureOpts{autoLogin: true, policy: policy})
				wrapPuppet(f, func(p puppet.Puppet) puppet.Puppet {
					return &logoutOnStop{Puppet: p, emit: f.mock.Emit}
				})
				f.start(t)

				if err := f.session.Teardown(ctx); err != nil {
					t.Fatalf("teardown: %v", err)
				}
				if len(f.rec.topic("logout")) != 1 || len(f.rec.topic("stop")) != 1 {
					t.Fatalf("expected logout and stop during teardown, journal %v", f.journal.snapshot())
				}
				if f.mock.Starts() != 1 || f.session.Restarts() != 0 {
					t.Errorf("restart after teardown: starts=%d restarts=%d", f.mock.Starts(), f.session.Restarts())
				}
				if f.session.State() != StateStopped {
					t.Errorf("expected stopped, got %s", f.session.State())
				}
			})
		}
	})
}

func TestSessionTeardown(t *testing.T) {
	ctx := context.Background()

	t.Run("saves the blob for the next startup", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)
		minted, _ := f.mock.Session()

		if err := f.session.Teardown(ctx); err != nil {
			t.Fatalf("teardown: %v", err)
		}
		stored, _ := f.store.Load(ctx, "bot-1")
		if !bytes.Equal(stored, minted) {
			t.Fatalf("stored blob %q differs from puppet blob %q", stored, minted)
		}
		if f.mock.Stops() != 1 {
			t.Errorf("expected puppet stopped once, got %d", f.mock.Stops())
		}
		if len(f.rec.topic("stop")) != 1 {
			t.Error("expected the stop envelope to be delivered before detach")
		}
		if st, _ := f.rec.lastStatus(); st.State != "offline" {
			t.Errorf("expected offline status, got %+v", st)
		}

		next := newFixture(t, fixtureOpts{store: f.store})
		next.start(t)
		next.mu.Lock()
		restored := next.restored
		next.mu.Unlock()
		if !bytes.Equal(restored, minted) {
			t.Errorf("next startup got %q, want %q", restored, minted)
		}
	})

	t.Run("save failure does not block shutdown", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true, store: failingStore{}})
		f.start(t)
		if err := f.session.Teardown(ctx); err != nil {
			t.Fatalf("teardown: %v", err)
		}
		if f.session.State() != StateStopped {
			t.Errorf("expected stopped, got %s", f.session.State())
		}
		var kinds []string
		for _, e := range f.rec.topic(TopicError) {
			kinds = append(kinds, e.Payload.(ErrorPayload).Kind)
		}
		if !strings.Contains(strings.Join(kinds, ","), "persistence") {
			t.Errorf("expected a persistence error envelope, got %v", kinds)
		}
	})

	t.Run("waits for in-flight commands", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)

		started := make(chan struct{})
		release := make(chan struct{})
		var finished atomic.Bool
		go f.session.Do(ctx, FunctionCommand{Action: func(ctx context.Context, p puppet.Puppet) error {
			close(started)
			<-release
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		}})
		<-started

		done := make(chan struct{})
		go func() {
			f.session.Teardown(ctx)
			close(done)
		}()
		close(release)
		<-done
		if !finished.Load() {
			t.Error("teardown finished before the in-flight command")
		}
	})

	t.Run("commands after teardown are rejected", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)
		f.session.Teardown(ctx)

		err := f.session.Submit(ctx, RawCommand{Topic: TopicMessage, Payload: "hi"})
		if !errors.Is(err, ErrRouting) || !errors.Is(err, ErrSessionStopped) {
			t.Errorf("expected routing error for stopped session, got %v", err)
		}
		if err := f.session.Teardown(ctx); err != nil {
			t.Errorf("second teardown: %v", err)
		}
	})
}

func TestSessionCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("offline command yields one error and no send", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.start(t)
		f.mock.SetContacts(alice)

		err := f.session.Submit(ctx, RawCommand{Topic: TopicMessage, Payload: "hello", To: "Alice"})
		if !errors.Is(err, ErrRouting) || !errors.Is(err, ErrNotLoggedIn) {
			t.Fatalf("expected not-logged-in routing error, got %v", err)
		}
		errs := f.rec.topic(TopicError)
		if len(errs) != 1 {
			t.Fatalf("expected exactly one error envelope, got %d", len(errs))
		}
		p := errs[0].Payload.(ErrorPayload)
		if p.Kind != "routing" || !strings.Contains(p.Message, "not logged in") {
			t.Errorf("unexpected payload %+v", p)
		}
		if p.Command == nil || p.Command.Topic != TopicMessage || p.Command.To != "Alice" {
			t.Errorf("expected the command to be echoed, got %+v", p.Command)
		}
		if sent := f.mock.Sent(); len(sent) != 0 {
			t.Errorf("expected no send attempt, got %+v", sent)
		}
	})

	t.Run("unknown topic is echoed", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)

		err := f.session.Submit(ctx, RawCommand{Topic: "dance", Payload: "now"})
		if !errors.Is(err, ErrRouting) {
			t.Fatalf("expected routing error, got %v", err)
		}
		errs := f.rec.topic(TopicError)
		if len(errs) != 1 {
			t.Fatalf("expected one error envelope, got %d", len(errs))
		}
		if cmd := errs[0].Payload.(ErrorPayload).Command; cmd == nil || cmd.Topic != "dance" {
			t.Errorf("expected echo of the dance command, got %+v", cmd)
		}
	})

	t.Run("message to self without room or to", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)
		if err := f.session.Submit(ctx, RawCommand{Topic: TopicMessage, Payload: "note"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		sent := f.mock.Sent()
		if len(sent) != 1 || sent[0].Kind != "self" || sent[0].Text != "note" {
			t.Errorf("unexpected sends %+v", sent)
		}
	})

	t.Run("send failure on one contact does not stop the others", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)
		f.mock.SetContacts(alice, bob)

		wrapped := &failOnce{Puppet: f.session.Connection().Puppet(), failID: alice.ID}
		f.session.Connection().setPuppet(wrapped)

		err := f.session.Submit(ctx, RawCommand{Topic: TopicMessage, Payload: "hi", To: "Alice,Bob"})
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("expected connection error, got %v", err)
		}
		sent := f.mock.Sent()
		if len(sent) != 1 || sent[0].To != bob.ID {
			t.Errorf("expected bob to still receive the message, got %+v", sent)
		}
		if len(f.rec.topic(TopicError)) != 1 {
			t.Errorf("expected one error envelope, got %d", len(f.rec.topic(TopicError)))
		}
	})

	t.Run("function command is awaited", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)

		var got puppet.Puppet
		err := f.session.Submit(ctx, RawCommand{
			Topic: TopicFunction,
			Action: func(ctx context.Context, p puppet.Puppet) error {
				time.Sleep(10 * time.Millisecond)
				got = p
				return nil
			},
		})
		if err != nil {
			t.Fatalf("function: %v", err)
		}
		if got == nil || got.Self() == nil {
			t.Error("expected the action to run against the live puppet before returning")
		}
	})

	t.Run("commands never overlap", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{autoLogin: true})
		f.start(t)

		var active, maxActive atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.session.Do(ctx, FunctionCommand{Action: func(context.Context, puppet.Puppet) error {
					n := active.Add(1)
					if n > maxActive.Load() {
						maxActive.Store(n)
					}
					time.Sleep(2 * time.Millisecond)
					active.Add(-1)
					return nil
				}})
			}()
		}
		wg.Wait()
		if maxActive.Load() != 1 {
			t.Errorf("expected serial execution, saw %d concurrent commands", maxActive.Load())
		}
	})
}

func TestRewire(t *testing.T) {
	f := newFixture(t, fixtureOpts{autoLogin: true})
	f.start(t)

	next := &recorder{}
	f.session.Rewire(next.wiring(ReconnectNever))
	f.session.Rewire(next.wiring(ReconnectNever))

	f.mock.Emit(puppet.MessageEvent{Message: puppet.Message{ID: "m1", From: alice, Text: "hey"}})
	waitFor(t, "message on new sink", func() bool { return len(next.topic("message")) == 1 })
	f.barrier(t)
	time.Sleep(20 * time.Millisecond)

	if n := len(next.topic("message")); n != 1 {
		t.Errorf("expected exactly one delivery after rewiring twice, got %d", n)
	}
	if n := len(f.rec.topic("message")); n != 0 {
		t.Errorf("old sink still receives events: %d", n)
	}
	if f.session.Policy() != ReconnectNever {
		t.Errorf("expected policy none, got %s", f.session.Policy())
	}
	if f.mock.Starts() != 1 || f.mock.Stops() != 0 {
		t.Error("rewire must not restart the connection")
	}
}

func TestRewireWhileEventsFlow(t *testing.T) {
	f := newFixture(t, fixtureOpts{autoLogin: true})
	f.start(t)
	waitFor(t, "online", func() bool { return f.session.State() == StateOnline })

	sinks := []*recorder{{}, {}}
	messages := func(r *recorder) []Envelope { return r.topic("message") }

	const n = 500
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < n; i++ {
			f.mock.Emit(puppet.MessageEvent{Message: puppet.Message{ID: "m" + strconv.Itoa(i), From: alice}})
		}
	}()
	for i := 0; ; i++ {
		select {
		case <-emitted:
		default:
			f.session.Rewire(sinks[i%2].wiring(ReconnectOnLogout))
			continue
		}
		break
	}
	f.session.Rewire(sinks[0].wiring(ReconnectOnLogout))

	total := func() int { return len(messages(f.rec)) + len(messages(sinks[0])) + len(messages(sinks[1])) }
	waitFor(t, "every message delivered", func() bool { return total() >= n })
	f.barrier(t)
	time.Sleep(20 * time.Millisecond)

	seen := make(map[string]int)
	for _, r := range []*recorder{f.rec, sinks[0], sinks[1]} {
		for _, env := range messages(r) {
			seen[env.Payload.(puppet.Message).ID]++
		}
	}
	if len(seen) != n || total() != n {
		t.Fatalf("expected %d distinct deliveries, got %d distinct of %d", n, len(seen), total())
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("%s delivered %d times", id, c)
		}
	}
	if f.mock.Len() != 1 {
		t.Errorf("expected one puppet subscription, got %d", f.mock.Len())
	}
}

func TestRewireFromSink(t *testing.T) {
	f := newFixture(t, fixtureOpts{autoLogin: true})
	f.start(t)

	next := &recorder{}
	done := make(chan struct{})
	var once sync.Once
	f.session.Rewire(Wiring{Sink: func(env Envelope) {
		if env.Topic == "message" {
			once.Do(func() {
				f.session.Rewire(next.wiring(ReconnectOnLogout))
				close(done)
			})
		}
	}})

	f.mock.Emit(puppet.MessageEvent{Message: puppet.Message{ID: "m1", From: alice}})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rewire from a sink deadlocked")
	}
	f.mock.Emit(puppet.MessageEvent{Message: puppet.Message{ID: "m2", From: alice}})
	waitFor(t, "delivery after rewire", func() bool { return len(next.topic("message")) == 1 })
}

func TestFatalErrorEndsStart(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.start(t)
	waitFor(t, "scan envelope", func() bool { return len(f.rec.topic("scan")) == 1 })
	if f.session.State() != StateStarting {
		t.Fatalf("expected starting, got %s", f.session.State())
	}

	f.mock.Emit(puppet.ErrorEvent{Err: errors.New("pairing rejected")})
	waitFor(t, "error envelope", func() bool { return len(f.rec.topic(TopicError)) == 1 })
	if f.session.State() != StateStarting {
		t.Errorf("a non-fatal error must not end the start, got %s", f.session.State())
	}

	f.mock.Emit(puppet.ErrorEvent{Err: errors.New("connect failure"), Fatal: true})
	waitFor(t, "offline", func() bool { return f.session.State() == StateOffline })
	waitFor(t, "offline status", func() bool {
		st, ok := f.rec.lastStatus()
		return ok && st.State == "offline"
	})
}

func TestFatalErrorWhileOnline(t *testing.T) {
	f := newFixture(t, fixtureOpts{autoLogin: true})
	f.start(t)
	waitFor(t, "online", func() bool { return f.session.State() == StateOnline })
	f.barrier(t)

	saves := f.journal.count("save")
	f.mock.Break(errors.New("stream error: 503"))
	waitFor(t, "offline", func() bool { return f.session.State() == StateOffline })
	waitFor(t, "blob saved", func() bool { return f.journal.count("save") > saves })
	f.barrier(t)

	if f.mock.Starts() != 1 {
		t.Errorf("a fatal error must not restart the puppet, got %d starts", f.mock.Starts())
	}
	errs := f.rec.topic(TopicError)
	if len(errs) != 1 || errs[0].Payload.(ErrorPayload).Kind != "connection" {
		t.Errorf("expected one connection error envelope, got %+v", errs)
	}
}

func TestParseReconnectPolicy(t *testing.T) {
	tests := map[string]ReconnectPolicy{
		"":       ReconnectOnLogout,
		"logout": ReconnectOnLogout,
		"stop":   ReconnectOnStop,
		"none":   ReconnectNever,
	}
	for in, want := range tests {
		got, err := ParseReconnectPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseReconnectPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseReconnectPolicy("always"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// failOnce fails SayContact for one contact id.
type failOnce struct {
	puppet.Puppet
	failID string
}

func (p *failOnce) SayContact(ctx context.Context, id, text string) error {
	if id == p.failID {
		return errors.New("rate limited")
	}
	return p.Puppet.SayContact(ctx, id, text)
}
