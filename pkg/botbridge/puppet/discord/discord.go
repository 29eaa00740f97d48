// Package discord implements a puppet for a Discord bot account using
// discordgo.
//
// Rooms are guild text channels; contacts are guild members. Bot tokens
// cannot be revoked from the gateway, so Logout closes the connection
// and reports a logout. The session blob is the last known profile as
// JSON; the token itself always comes from configuration.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

func init() {
	puppet.Register("discord", func(opts puppet.Options) (puppet.Puppet, error) {
		return New(opts)
	})
}

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord puppet settings.
type Config struct {
	// Token is the bot token.
	Token string

	// AllowedGuilds restricts rooms and contacts to these guild IDs.
	// Empty means every guild the bot is in.
	AllowedGuilds []string

	// SelfChannel receives note-to-self messages. Bots cannot DM
	// themselves, so SaySelf fails without it.
	SelfChannel string
}

// ConfigFromOptions reads the recognised settings: token, guilds (comma
// separated) and self_channel.
func ConfigFromOptions(opts puppet.Options) (Config, error) {
	cfg := Config{
		Token:       opts.Setting("token", ""),
		SelfChannel: opts.Setting("self_channel", ""),
	}
	if cfg.Token == "" {
		return cfg, fmt.Errorf("discord: bot token is required")
	}
	for _, g := range strings.Split(opts.Setting("guilds", ""), ",") {
		if g = strings.TrimSpace(g); g != "" {
			cfg.AllowedGuilds = append(cfg.AllowedGuilds, g)
		}
	}
	return cfg, nil
}

// profile is the persisted session blob.
type profile struct {
	User      puppet.Contact `json:"user"`
	SessionID string         `json:"session_id,omitempty"`
	SavedAt   time.Time      `json:"saved_at"`
}

// Discord is a discordgo-backed puppet.
type Discord struct {
	puppet.Hub

	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	session  *discordgo.Session
	removers []func()
	profile  profile
	// knownGuilds holds guilds seen in READY; later GUILD_CREATEs for
	// other guilds mean the bot was added.
	knownGuilds map[string]bool

	// received holds recent incoming messages for Reply and Forward.
	received *puppet.Recent[*discordgo.Message]

	loggedIn atomic.Bool
}

// New creates a Discord puppet. The gateway opens in Start.
func New(opts puppet.Options) (*Discord, error) {
	cfg, err := ConfigFromOptions(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		cfg:         cfg,
		logger:      logger.With("component", "puppet-discord", "identity", opts.Identity),
		knownGuilds: make(map[string]bool),
		received:    puppet.NewRecent[*discordgo.Message](puppet.DefaultRecentSize),
	}
	if len(opts.Session) > 0 {
		if err := json.Unmarshal(opts.Session, &d.profile); err != nil {
			d.logger.Warn("discord: ignoring unreadable session blob", "error", err)
		}
	}
	return d, nil
}

// Start opens the gateway. Login is reported when READY arrives.
func (d *Discord) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.closeLocked()
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// Reconnects are driven by the bridge's reconnect policy.
	session.ShouldReconnectOnError = false

	d.removers = []func(){
		session.AddHandler(d.onReady),
		session.AddHandler(d.onDisconnect),
		session.AddHandler(d.onMessageCreate),
		session.AddHandler(d.onGuildCreate),
		session.AddHandler(d.onGuildMemberAdd),
		session.AddHandler(d.onGuildMemberRemove),
		session.AddHandler(d.onChannelUpdate),
	}
	d.session = session
	d.Emit(puppet.StartEvent{})

	if err := session.Open(); err != nil {
		d.closeLocked()
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	return nil
}

// closeLocked detaches handlers before closing so the close itself is
// not reported as a disconnect.
func (d *Discord) closeLocked() {
	for _, remove := range d.removers {
		remove()
	}
	d.removers = nil
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.logger.Debug("discord: close", "error", err)
		}
		d.session = nil
	}
}

// Stop closes the gateway.
func (d *Discord) Stop(_ context.Context) error {
	d.mu.Lock()
	d.closeLocked()
	d.mu.Unlock()

	d.loggedIn.Store(false)
	d.Emit(puppet.StopEvent{})
	d.logger.Info("discord: disconnected")
	return nil
}

// Logout closes the gateway and reports the session as ended.
func (d *Discord) Logout(_ context.Context) error {
	if !d.loggedIn.Load() {
		return puppet.ErrNotLoggedIn
	}
	user := d.Self()

	d.mu.Lock()
	d.closeLocked()
	d.mu.Unlock()

	d.loggedIn.Store(false)
	evt := puppet.LogoutEvent{Reason: "logout"}
	if user != nil {
		evt.User = *user
	}
	d.Emit(evt)
	return nil
}

func (d *Discord) IsLoggedIn() bool { return d.loggedIn.Load() }

// Self returns the bot user while logged in.
func (d *Discord) Self() *puppet.Contact {
	if !d.loggedIn.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.profile.User
	return &c
}

// Session returns the last known profile.
func (d *Discord) Session() ([]byte, error) {
	d.mu.Lock()
	p := d.profile
	d.mu.Unlock()
	if p.User.ID == "" {
		return nil, nil
	}
	p.SavedAt = time.Now().UTC()
	return json.Marshal(p)
}

// online returns the live session, or ErrNotLoggedIn.
func (d *Discord) online() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || !d.loggedIn.Load() {
		return nil, puppet.ErrNotLoggedIn
	}
	return d.session, nil
}

func (d *Discord) guildAllowed(guildID string) bool {
	if len(d.cfg.AllowedGuilds) == 0 {
		return true
	}
	for _, g := range d.cfg.AllowedGuilds {
		if g == guildID {
			return true
		}
	}
	return false
}

// Rooms lists the text channels of every allowed guild.
func (d *Discord) Rooms(_ context.Context) ([]puppet.Room, error) {
	s, err := d.online()
	if err != nil {
		return nil, err
	}
	s.State.RLock()
	defer s.State.RUnlock()

	var out []puppet.Room
	for _, g := range s.State.Guilds {
		if !d.guildAllowed(g.ID) {
			continue
		}
		for _, ch := range g.Channels {
			if ch.Type == discordgo.ChannelTypeGuildText {
				out = append(out, roomFromChannel(ch))
			}
		}
	}
	return out, nil
}

// RoomMembers lists the members of the guild owning the channel.
func (d *Discord) RoomMembers(ctx context.Context, roomID string) ([]puppet.Contact, error) {
	s, err := d.online()
	if err != nil {
		return nil, err
	}
	ch, err := s.State.Channel(roomID)
	if err != nil || ch.GuildID == "" || !d.guildAllowed(ch.GuildID) {
		return nil, fmt.Errorf("%w: %s", puppet.ErrUnknownRoom, roomID)
	}
	return d.guildMembers(ctx, s, ch.GuildID)
}

// Contacts lists the members of every allowed guild, deduplicated.
func (d *Discord) Contacts(ctx context.Context) ([]puppet.Contact, error) {
	s, err := d.online()
	if err != nil {
		return nil, err
	}
	s.State.RLock()
	guilds := make([]string, 0, len(s.State.Guilds))
	for _, g := range s.State.Guilds {
		if d.guildAllowed(g.ID) {
			guilds = append(guilds, g.ID)
		}
	}
	s.State.RUnlock()

	seen := make(map[string]bool)
	var out []puppet.Contact
	for _, gid := range guilds {
		members, err := d.guildMembers(ctx, s, gid)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// guildMembers pages through the member list via REST.
func (d *Discord) guildMembers(ctx context.Context, s *discordgo.Session, guildID string) ([]puppet.Contact, error) {
	var out []puppet.Contact
	after := ""
	for {
		page, err := s.GuildMembers(guildID, after, 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord: listing members of %s: %w", guildID, err)
		}
		for _, m := range page {
			if m.User != nil {
				out = append(out, contactFromMember(m))
			}
		}
		if len(page) < 1000 {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// SayContact opens (or reuses) a DM channel and sends text.
func (d *Discord) SayContact(ctx context.Context, contactID, text string) error {
	s, err := d.online()
	if err != nil {
		return err
	}
	ch, err := s.UserChannelCreate(contactID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", puppet.ErrUnknownContact, contactID, err)
	}
	return d.send(ctx, s, ch.ID, text, nil)
}

// SayRoom sends to a text channel, mentioning the given members.
func (d *Discord) SayRoom(ctx context.Context, roomID, text string, mentions []puppet.Contact) error {
	s, err := d.online()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(mentions))
	for _, c := range mentions {
		ids = append(ids, c.ID)
	}
	return d.send(ctx, s, roomID, text, ids)
}

// SaySelf sends to the configured self channel.
func (d *Discord) SaySelf(ctx context.Context, text string) error {
	s, err := d.online()
	if err != nil {
		return err
	}
	if d.cfg.SelfChannel == "" {
		return fmt.Errorf("discord: self_channel not configured: %w", puppet.ErrNotSupported)
	}
	return d.send(ctx, s, d.cfg.SelfChannel, text, nil)
}

// Reply answers a received message in its channel as a Discord reply.
func (d *Discord) Reply(ctx context.Context, messageID, text string) error {
	s, err := d.online()
	if err != nil {
		return err
	}
	orig, ok := d.received.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownMessage, messageID)
	}
	for i, msg := range buildReply(text, orig) {
		if _, err := s.ChannelMessageSendComplex(orig.ChannelID, msg, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: sending reply chunk %d to %s: %w", i+1, orig.ChannelID, err)
		}
	}
	return nil
}

// Forward sends a native forward of a received message to a user's DM.
func (d *Discord) Forward(ctx context.Context, messageID, contactID string) error {
	s, err := d.online()
	if err != nil {
		return err
	}
	orig, ok := d.received.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", puppet.ErrUnknownMessage, messageID)
	}
	ch, err := s.UserChannelCreate(contactID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", puppet.ErrUnknownContact, contactID, err)
	}
	if _, err := s.ChannelMessageSendComplex(ch.ID, &discordgo.MessageSend{Reference: orig.Forward()}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: forwarding %s to %s: %w", messageID, contactID, err)
	}
	return nil
}

func (d *Discord) send(ctx context.Context, s *discordgo.Session, channelID, text string, mentions []string) error {
	for i, msg := range buildMessages(text, mentions) {
		if _, err := s.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: sending chunk %d to %s: %w", i+1, channelID, err)
		}
	}
	return nil
}

// buildMessages renders text with a mention prefix, split to the message
// limit. Only the listed users may be pinged.
func buildMessages(text string, mentions []string) []*discordgo.MessageSend {
	content := text
	if len(mentions) > 0 {
		var b strings.Builder
		for _, id := range mentions {
			b.WriteString("<@" + id + "> ")
		}
		content = b.String() + text
	}

	chunks := splitMessage(content, maxMessageLen)
	out := make([]*discordgo.MessageSend, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, &discordgo.MessageSend{
			Content: chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Users: mentions,
			},
		})
	}
	return out
}

// buildReply renders text as chunks; the first one references orig and
// does not ping its author.
func buildReply(text string, orig *discordgo.Message) []*discordgo.MessageSend {
	out := buildMessages(text, nil)
	if len(out) > 0 {
		out[0].Reference = orig.SoftReference()
		out[0].AllowedMentions.RepliedUser = false
	}
	return out
}

// splitMessage splits text into chunks of at most maxLen bytes,
// preferring newline boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func roomFromChannel(ch *discordgo.Channel) puppet.Room {
	return puppet.Room{ID: ch.ID, Topic: ch.Name}
}

func contactFromUser(u *discordgo.User) puppet.Contact {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return puppet.Contact{ID: u.ID, Name: name, Friend: !u.Bot}
}

// contactFromMember maps a guild member. Human co-members count as
// friends; the guild nickname is the alias.
func contactFromMember(m *discordgo.Member) puppet.Contact {
	c := contactFromUser(m.User)
	c.Alias = m.Nick
	return c
}
