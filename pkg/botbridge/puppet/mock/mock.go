// Package mock implements an in-memory puppet. It performs no network I/O:
// contacts and rooms are seeded by the caller, sends are recorded and
// events are emitted on demand. Select it with `puppet: mock` for dry
// runs; tests use it to drive the bridge deterministically.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

func init() {
	puppet.Register("mock", func(opts puppet.Options) (puppet.Puppet, error) {
		return New(opts), nil
	})
}

// Sent records one outgoing message.
type Sent struct {
	Kind     string // "contact", "room", "self", "reply" or "forward"
	To       string
	Text     string
	Mentions []string

	// Ref is the received message a reply or forward refers to.
	Ref string
}

// sessionState is what the mock persists as its session blob.
type sessionState struct {
	User puppet.Contact `json:"user"`
}

// Mock is a scriptable puppet.
type Mock struct {
	puppet.Hub

	identity  string
	logger    *slog.Logger
	autoLogin bool

	loggedIn atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32

	mu       sync.Mutex
	self     puppet.Contact
	session  []byte
	contacts []puppet.Contact
	rooms    []puppet.Room
	members  map[string][]puppet.Contact
	sent     []Sent
	received *puppet.Recent[puppet.Message]
	startErr error
	sendErr  error
}

// New creates a mock puppet. Recognised settings: self_id, self_name,
// auto_login ("true" logs in on Start without a session).
func New(opts puppet.Options) *Mock {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mock{
		identity:  opts.Identity,
		logger:    logger.With("component", "puppet-mock", "identity", opts.Identity),
		autoLogin: opts.Setting("auto_login", "false") == "true",
		members:   make(map[string][]puppet.Contact),
		received:  puppet.NewRecent[puppet.Message](puppet.DefaultRecentSize),
		self: puppet.Contact{
			ID:   opts.Setting("self_id", "self"),
			Name: opts.Setting("self_name", opts.Identity),
		},
	}
	if len(opts.Session) > 0 {
		m.session = append([]byte(nil), opts.Session...)
		var st sessionState
		if err := json.Unmarshal(opts.Session, &st); err == nil && st.User.ID != "" {
			m.self = st.User
		}
	}
	return m
}

// ---------- Puppet interface ----------

func (m *Mock) Start(ctx context.Context) error {
	m.starts.Add(1)

	m.mu.Lock()
	err := m.startErr
	hasSession := len(m.session) > 0
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.Emit(puppet.StartEvent{})
	if hasSession || m.autoLogin {
		m.Login()
		return nil
	}
	m.Emit(puppet.ScanEvent{Code: "mock://" + m.identity, Status: puppet.ScanWaiting})
	return nil
}

func (m *Mock) Stop(ctx context.Context) error {
	m.stops.Add(1)
	m.loggedIn.Store(false)
	m.Emit(puppet.StopEvent{})
	return nil
}

func (m *Mock) Logout(ctx context.Context) error {
	if !m.loggedIn.CompareAndSwap(true, false) {
		return puppet.ErrNotLoggedIn
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	m.Emit(puppet.LogoutEvent{User: self, Reason: "logout requested"})
	return nil
}

func (m *Mock) IsLoggedIn() bool { return m.loggedIn.Load() }

func (m *Mock) Self() *puppet.Contact {
	if !m.loggedIn.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	self := m.self
	return &self
}

func (m *Mock) Contacts(ctx context.Context) ([]puppet.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]puppet.Contact(nil), m.contacts...), nil
}

func (m *Mock) Rooms(ctx context.Context) ([]puppet.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]puppet.Room(nil), m.rooms...), nil
}

func (m *Mock) RoomMembers(ctx context.Context, roomID string) ([]puppet.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", puppet.ErrUnknownRoom, roomID)
	}
	return append([]puppet.Contact(nil), members...), nil
}

func (m *Mock) SayContact(ctx context.Context, contactID, text string) error {
	return m.record(Sent{Kind: "contact", To: contactID, Text: text})
}

func (m *Mock) SayRoom(ctx context.Context, roomID, text string, mentions []puppet.Contact) error {
	ids := make([]string, 0, len(mentions))
	for _, c := range mentions {
		ids = append(ids, c.ID)
	}
	return m.record(Sent{Kind: "room", To: roomID, Text: text, Mentions: ids})
}

func (m *Mock) SaySelf(ctx context.Context, text string) error {
	m.mu.Lock()
	self := m.self.ID
	m.mu.Unlock()
	return m.record(Sent{Kind: "self", To: self, Text: text})
}

// Reply answers a received message in its room, or privately to its
// sender.
func (m *Mock) Reply(ctx context.Context, messageID, text string) error {
	msg, ok := m.received.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownMessage, messageID)
	}
	to := msg.From.ID
	switch {
	case msg.Room != nil:
		to = msg.Room.ID
	case msg.Self && msg.To != nil:
		to = msg.To.ID
	}
	return m.record(Sent{Kind: "reply", To: to, Text: text, Ref: messageID})
}

func (m *Mock) Forward(ctx context.Context, messageID, contactID string) error {
	msg, ok := m.received.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownMessage, messageID)
	}
	return m.record(Sent{Kind: "forward", To: contactID, Text: msg.Text, Ref: messageID})
}

// Emit delivers evt to subscribers. Message events are remembered so
// they can be replied to and forwarded.
func (m *Mock) Emit(evt puppet.Event) {
	if e, ok := evt.(puppet.MessageEvent); ok && e.Message.ID != "" {
		m.received.Put(e.Message.ID, e.Message)
	}
	m.Hub.Emit(evt)
}

// Session returns the blob handed to New verbatim, or the blob minted at
// the last login.
func (m *Mock) Session() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	return append([]byte(nil), m.session...), nil
}

// ---------- Scripting ----------

// Login marks the account online, mints a session if none exists and
// emits a LoginEvent.
func (m *Mock) Login() {
	m.mu.Lock()
	if m.session == nil {
		m.session, _ = json.Marshal(sessionState{User: m.self})
	}
	self := m.self
	m.mu.Unlock()

	m.loggedIn.Store(true)
	m.Emit(puppet.ScanEvent{Status: puppet.ScanConfirmed})
	m.Emit(puppet.LoginEvent{User: self})
	m.logger.Debug("mock login", "user", self.ID)
}

// DropSession simulates the server invalidating the session: the account
// goes offline and a LogoutEvent is emitted.
func (m *Mock) DropSession(reason string) {
	m.loggedIn.Store(false)
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	m.Emit(puppet.LogoutEvent{User: self, Reason: reason})
}

// Break simulates a backend failure that ends the connection without a
// logout: the account goes offline and a fatal ErrorEvent is emitted.
func (m *Mock) Break(err error) {
	m.loggedIn.Store(false)
	m.Emit(puppet.ErrorEvent{Err: err, Fatal: true})
}

// SetContacts replaces the contact directory.
func (m *Mock) SetContacts(contacts ...puppet.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = append([]puppet.Contact(nil), contacts...)
}

// AddRoom adds a room with its members.
func (m *Mock) AddRoom(room puppet.Room, members ...puppet.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = append(m.rooms, room)
	m.members[room.ID] = append([]puppet.Contact(nil), members...)
}

// FailStart makes subsequent Start calls return err (nil clears it).
func (m *Mock) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// FailSend makes subsequent sends return err (nil clears it).
func (m *Mock) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of the recorded sends.
func (m *Mock) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Starts returns how many times Start was called.
func (m *Mock) Starts() int { return int(m.starts.Load()) }

// Stops returns how many times Stop was called.
func (m *Mock) Stops() int { return int(m.stops.Load()) }

func (m *Mock) record(s Sent) error {
	if !m.loggedIn.Load() {
		return puppet.ErrNotLoggedIn
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, s)
	m.logger.Debug("mock send", "kind", s.Kind, "to", s.To, "text", truncate(s.Text, 40))
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
