// Package whatsapp implements a puppet on top of whatsmeow (WhatsApp Web
// multi-device protocol). Each identity gets its own SQLite device store;
// the session blob handed to the bridge is a consistent snapshot of that
// database, so a session can be moved between hosts or storage backends.
//
// Features:
//   - QR code login surfaced as scan events
//   - Contacts from the device address book
//   - Groups as rooms with join, leave and subject events
//   - Mentions via ContextInfo.MentionedJID
//   - Quoted replies and forwards of recently received messages
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

func init() {
	puppet.Register("whatsapp", func(opts puppet.Options) (puppet.Puppet, error) {
		return New(opts)
	})
}

// Config holds WhatsApp puppet settings.
type Config struct {
	// DataDir holds the per-identity device databases.
	DataDir string

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string

	// RequestTimeout bounds directory queries (groups, members).
	RequestTimeout time.Duration
}

// ConfigFromOptions reads the recognised settings: data_dir, device_name
// and request_timeout.
func ConfigFromOptions(opts puppet.Options) (Config, error) {
	cfg := Config{
		DataDir:        opts.Setting("data_dir", "./data/whatsapp"),
		DeviceName:     opts.Setting("device_name", "BotBridge"),
		RequestTimeout: 30 * time.Second,
	}
	if v := opts.Setting("request_timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid request_timeout %q: %w", v, err)
		}
		cfg.RequestTimeout = d
	}
	return cfg, nil
}

// WhatsApp is a whatsmeow-backed puppet.
type WhatsApp struct {
	puppet.Hub

	cfg      Config
	identity string
	dbPath   string
	logger   *slog.Logger

	// restore is the blob written back before the device store first opens.
	restore []byte

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	cancelQR  context.CancelFunc

	// live mirrors client for event handlers and senders, which must not
	// wait on mu while Start or Stop talk to the network.
	live     atomic.Pointer[whatsmeow.Client]
	loggedIn atomic.Bool
	selfMu   sync.Mutex
	self     puppet.Contact

	topicsMu sync.Mutex
	topics   map[types.JID]string

	// received holds recent incoming messages for Reply and Forward.
	received *puppet.Recent[*events.Message]
}

// New creates a WhatsApp puppet. No I/O happens until Start.
func New(opts puppet.Options) (*WhatsApp, error) {
	cfg, err := ConfigFromOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validIdentity(opts.Identity); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:      cfg,
		identity: opts.Identity,
		dbPath:   filepath.Join(cfg.DataDir, opts.Identity+".whatsapp.db"),
		logger:   logger.With("component", "puppet-whatsapp", "identity", opts.Identity),
		restore:  opts.Session,
		topics:   make(map[types.JID]string),
		received: puppet.NewRecent[*events.Message](puppet.DefaultRecentSize),
	}, nil
}

func validIdentity(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("whatsapp: invalid identity %q", id)
	}
	return nil
}

// Start opens the device store and connects. Without a paired device a
// QR login runs in the background and emits scan events.
func (w *WhatsApp) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.container == nil {
		if w.restore != nil {
			if err := restoreSnapshot(w.dbPath, w.restore); err != nil {
				return fmt.Errorf("restoring session: %w", err)
			}
			w.restore = nil
		}
		if err := os.MkdirAll(filepath.Dir(w.dbPath), 0o700); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		container, err := sqlstore.New(ctx, "sqlite3",
			fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.dbPath),
			newLogger(w.logger, "store"))
		if err != nil {
			return fmt.Errorf("creating session store: %w", err)
		}
		w.container = container
	}

	device, err := w.getDevice(ctx)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}
	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	if w.client != nil {
		w.client.Disconnect()
	}
	w.client = whatsmeow.NewClient(device, newLogger(w.logger, "client"))
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.live.Store(w.client)

	w.Emit(puppet.StartEvent{})

	if w.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		w.cancelQR = cancel
		client := w.client
		w.logger.Info("whatsapp: no paired device, waiting for QR scan")
		go func() {
			if err := w.loginWithQR(qrCtx, client); err != nil {
				w.logger.Warn("whatsapp: QR login ended", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// getDevice returns the first stored device or a fresh one.
func (w *WhatsApp) getDevice(ctx context.Context) (*store.Device, error) {
	devices, err := w.container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return w.container.NewDevice(), nil
}

// loginWithQR drives the pairing flow for client.
func (w *WhatsApp) loginWithQR(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		w.Emit(puppet.ErrorEvent{Err: fmt.Errorf("connecting for QR: %w", err)})
		return err
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			w.Emit(puppet.ScanEvent{Code: evt.Code, Status: puppet.ScanWaiting})
		case "success":
			w.Emit(puppet.ScanEvent{Status: puppet.ScanConfirmed})
			return nil
		case "timeout":
			w.Emit(puppet.ScanEvent{Status: puppet.ScanTimeout})
			return fmt.Errorf("QR code expired")
		default:
			w.Emit(puppet.ScanEvent{Status: puppet.ScanCancel})
			if evt.Error != nil {
				w.Emit(puppet.ErrorEvent{Err: fmt.Errorf("QR login: %w", evt.Error), Fatal: true})
				return evt.Error
			}
			return fmt.Errorf("QR login: %s", evt.Event)
		}
	}
	return nil
}

// Stop disconnects and closes the device store.
func (w *WhatsApp) Stop(_ context.Context) error {
	w.mu.Lock()
	if w.cancelQR != nil {
		w.cancelQR()
		w.cancelQR = nil
	}
	if w.client != nil {
		w.client.Disconnect()
		w.client = nil
	}
	w.live.Store(nil)
	var err error
	if w.container != nil {
		err = w.container.Close()
		w.container = nil
	}
	w.mu.Unlock()

	w.loggedIn.Store(false)
	w.Emit(puppet.StopEvent{})
	if err != nil {
		return fmt.Errorf("closing session store: %w", err)
	}
	return nil
}

// Logout unlinks the device. whatsmeow deletes the device on success; on
// failure the local device is removed anyway.
func (w *WhatsApp) Logout(ctx context.Context) error {
	client := w.currentClient()
	if client == nil {
		return puppet.ErrNotLoggedIn
	}
	user := w.Self()

	if err := client.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		client.Disconnect()
		if client.Store != nil {
			if delErr := client.Store.Delete(ctx); delErr != nil {
				w.logger.Warn("whatsapp: failed to delete device", "error", delErr)
			}
		}
	}

	w.loggedIn.Store(false)
	evt := puppet.LogoutEvent{Reason: "logout"}
	if user != nil {
		evt.User = *user
	}
	w.Emit(evt)
	return nil
}

func (w *WhatsApp) IsLoggedIn() bool { return w.loggedIn.Load() }

// Self returns the paired account while logged in.
func (w *WhatsApp) Self() *puppet.Contact {
	if !w.loggedIn.Load() {
		return nil
	}
	w.selfMu.Lock()
	defer w.selfMu.Unlock()
	c := w.self
	return &c
}

func (w *WhatsApp) currentClient() *whatsmeow.Client {
	return w.live.Load()
}

// online returns the client when logged in, or ErrNotLoggedIn.
func (w *WhatsApp) online() (*whatsmeow.Client, error) {
	client := w.currentClient()
	if client == nil || !w.loggedIn.Load() {
		return nil, puppet.ErrNotLoggedIn
	}
	return client, nil
}

// Contacts returns the device address book. Entries saved on the phone
// count as friends.
func (w *WhatsApp) Contacts(ctx context.Context) ([]puppet.Contact, error) {
	client, err := w.online()
	if err != nil {
		return nil, err
	}
	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	out := make([]puppet.Contact, 0, len(all))
	for jid, info := range all {
		out = append(out, contactFromInfo(jid, info))
	}
	return out, nil
}

// Rooms returns the joined groups.
func (w *WhatsApp) Rooms(ctx context.Context) ([]puppet.Room, error) {
	client, err := w.online()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	out := make([]puppet.Room, 0, len(groups))
	for _, g := range groups {
		w.rememberTopic(g.JID, g.Name)
		out = append(out, puppet.Room{ID: g.JID.String(), Topic: g.Name})
	}
	return out, nil
}

// RoomMembers returns the participants of a group.
func (w *WhatsApp) RoomMembers(ctx context.Context, roomID string) ([]puppet.Contact, error) {
	client, err := w.online()
	if err != nil {
		return nil, err
	}
	jid, err := parseJID(roomID)
	if err != nil || jid.Server != types.GroupServer {
		return nil, fmt.Errorf("%w: %s", puppet.ErrUnknownRoom, roomID)
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	info, err := client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("group info: %w", err)
	}
	w.rememberTopic(info.JID, info.Name)

	out := make([]puppet.Contact, 0, len(info.Participants))
	for _, p := range info.Participants {
		out = append(out, w.lookupContact(ctx, client, p.JID, p.DisplayName))
	}
	return out, nil
}

// SayContact sends a plain text message to a user.
func (w *WhatsApp) SayContact(ctx context.Context, contactID, text string) error {
	client, err := w.online()
	if err != nil {
		return err
	}
	jid, err := parseJID(contactID)
	if err != nil {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownContact, contactID)
	}
	return w.send(ctx, client, jid, buildTextMessage(text, nil))
}

// SayRoom sends to a group, mentioning the given members.
func (w *WhatsApp) SayRoom(ctx context.Context, roomID, text string, mentions []puppet.Contact) error {
	client, err := w.online()
	if err != nil {
		return err
	}
	jid, err := parseJID(roomID)
	if err != nil {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownRoom, roomID)
	}
	var mentioned []types.JID
	for _, c := range mentions {
		if m, err := parseJID(c.ID); err == nil {
			mentioned = append(mentioned, m)
		}
	}
	return w.send(ctx, client, jid, buildTextMessage(text, mentioned))
}

// SaySelf writes to the account's own chat.
func (w *WhatsApp) SaySelf(ctx context.Context, text string) error {
	client, err := w.online()
	if err != nil {
		return err
	}
	if client.Store.ID == nil {
		return puppet.ErrNotLoggedIn
	}
	return w.send(ctx, client, client.Store.ID.ToNonAD(), buildTextMessage(text, nil))
}

// Reply quotes a received message in the chat it came from.
func (w *WhatsApp) Reply(ctx context.Context, messageID, text string) error {
	client, err := w.online()
	if err != nil {
		return err
	}
	orig, ok := w.received.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownMessage, messageID)
	}
	return w.send(ctx, client, orig.Info.Chat, buildReplyMessage(text, orig))
}

// Forward re-sends a received message to a user, flagged as forwarded.
func (w *WhatsApp) Forward(ctx context.Context, messageID, contactID string) error {
	client, err := w.online()
	if err != nil {
		return err
	}
	orig, ok := w.received.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownMessage, messageID)
	}
	jid, err := parseJID(contactID)
	if err != nil {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownContact, contactID)
	}
	return w.send(ctx, client, jid, buildForwardMessage(orig.Message))
}

func (w *WhatsApp) send(ctx context.Context, client *whatsmeow.Client, to types.JID, msg *waE2E.Message) error {
	resp, err := client.SendMessage(ctx, to, msg)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	w.logger.Debug("whatsapp: message sent", "to", to.String(), "id", resp.ID)
	return nil
}

// Session snapshots the device database. It returns nil before the
// database exists.
func (w *WhatsApp) Session() ([]byte, error) {
	w.mu.Lock()
	pending := w.restore
	w.mu.Unlock()
	if pending != nil {
		return append([]byte(nil), pending...), nil
	}
	return snapshot(w.dbPath)
}

// buildTextMessage renders text, prefixing an @user token for each
// mention as WhatsApp clients expect.
func buildTextMessage(text string, mentions []types.JID) *waE2E.Message {
	if len(mentions) == 0 {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	var b strings.Builder
	ids := make([]string, 0, len(mentions))
	for _, m := range mentions {
		b.WriteString("@" + m.User + " ")
		ids = append(ids, m.String())
	}
	b.WriteString(text)
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(b.String()),
			ContextInfo: &waE2E.ContextInfo{MentionedJID: ids},
		},
	}
}

// buildReplyMessage renders text quoting orig.
func buildReplyMessage(text string, orig *events.Message) *waE2E.Message {
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(orig.Info.ID),
				Participant:   proto.String(orig.Info.Sender.ToNonAD().String()),
				QuotedMessage: orig.Message,
			},
		},
	}
}

// buildForwardMessage copies orig with the forwarded flag set. Text is
// re-sent as an extended text message; media keeps its payload.
func buildForwardMessage(orig *waE2E.Message) *waE2E.Message {
	fwd := &waE2E.ContextInfo{IsForwarded: proto.Bool(true), ForwardingScore: proto.Uint32(1)}
	if orig.Conversation != nil || orig.ExtendedTextMessage != nil {
		return &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(messageText(orig)),
				ContextInfo: fwd,
			},
		}
	}
	out := proto.Clone(orig).(*waE2E.Message)
	switch {
	case out.ImageMessage != nil:
		out.ImageMessage.ContextInfo = fwd
	case out.VideoMessage != nil:
		out.VideoMessage.ContextInfo = fwd
	case out.DocumentMessage != nil:
		out.DocumentMessage.ContextInfo = fwd
	case out.AudioMessage != nil:
		out.AudioMessage.ContextInfo = fwd
	}
	return out
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() < 10 {
		return types.JID{}, fmt.Errorf("invalid phone number: %q", s)
	}
	return types.NewJID(digits.String(), types.DefaultUserServer), nil
}

// contactFromInfo maps an address book entry. FullName is the name saved
// on the phone, PushName the one the user chose.
func contactFromInfo(jid types.JID, info types.ContactInfo) puppet.Contact {
	name := info.PushName
	if name == "" {
		name = info.BusinessName
	}
	if name == "" {
		name = info.FullName
	}
	if name == "" {
		name = jid.User
	}
	return puppet.Contact{
		ID:     jid.ToNonAD().String(),
		Name:   name,
		Alias:  info.FullName,
		Friend: info.Found,
	}
}

// lookupContact resolves jid against the address book, falling back to
// the given display name.
func (w *WhatsApp) lookupContact(ctx context.Context, client *whatsmeow.Client, jid types.JID, fallback string) puppet.Contact {
	info, err := client.Store.Contacts.GetContact(ctx, jid)
	if err == nil && info.Found {
		return contactFromInfo(jid, info)
	}
	name := fallback
	if name == "" {
		name = jid.User
	}
	return puppet.Contact{ID: jid.ToNonAD().String(), Name: name}
}

func (w *WhatsApp) rememberTopic(jid types.JID, topic string) {
	w.topicsMu.Lock()
	w.topics[jid] = topic
	w.topicsMu.Unlock()
}

// swapTopic stores topic and returns the previous one.
func (w *WhatsApp) swapTopic(jid types.JID, topic string) string {
	w.topicsMu.Lock()
	defer w.topicsMu.Unlock()
	old := w.topics[jid]
	w.topics[jid] = topic
	return old
}

func (w *WhatsApp) topic(jid types.JID) string {
	w.topicsMu.Lock()
	defer w.topicsMu.Unlock()
	return w.topics[jid]
}
