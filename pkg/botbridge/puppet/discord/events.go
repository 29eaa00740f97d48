package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	self := contactFromUser(r.User)
	self.Friend = true

	d.mu.Lock()
	d.profile.User = self
	d.profile.SessionID = r.SessionID
	for _, g := range r.Guilds {
		d.knownGuilds[g.ID] = true
	}
	d.mu.Unlock()

	d.loggedIn.Store(true)
	d.logger.Info("discord: connected", "bot", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
	d.Emit(puppet.LoginEvent{User: self})
}

// onDisconnect reports a dropped gateway as a logout so the bridge's
// reconnect policy decides what happens next.
func (d *Discord) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if !d.loggedIn.Swap(false) {
		return
	}
	d.mu.Lock()
	user := d.profile.User
	d.mu.Unlock()

	d.logger.Warn("discord: gateway disconnected")
	d.Emit(puppet.LogoutEvent{User: user, Reason: "gateway disconnected"})
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	if m.GuildID != "" && !d.guildAllowed(m.GuildID) {
		return
	}

	d.mu.Lock()
	selfID := d.profile.User.ID
	self := d.profile.User
	d.mu.Unlock()

	d.received.Put(m.ID, m.Message)
	msg := puppet.Message{
		ID:     m.ID,
		From:   contactFromUser(m.Author),
		Text:   m.Content,
		Self:   m.Author.ID == selfID,
		SentAt: m.Timestamp,
	}
	if m.Member != nil {
		msg.From.Alias = m.Member.Nick
	}
	if m.GuildID != "" {
		room := puppet.Room{ID: m.ChannelID}
		if ch, err := s.State.Channel(m.ChannelID); err == nil {
			room.Topic = ch.Name
		}
		msg.Room = &room
	} else if !msg.Self {
		msg.To = &self
	}
	d.Emit(puppet.MessageEvent{Message: msg})
}

// onGuildCreate reports guilds the bot was added to after READY as room
// invitations.
func (d *Discord) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || !d.guildAllowed(g.ID) {
		return
	}
	d.mu.Lock()
	known := d.knownGuilds[g.ID]
	d.knownGuilds[g.ID] = true
	d.mu.Unlock()
	if known {
		return
	}
	d.Emit(puppet.RoomInviteEvent{Invitation: puppet.RoomInvitation{ID: g.ID, Topic: g.Name}})
}

func (d *Discord) onGuildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	room, ok := d.systemRoom(s, m.GuildID)
	if !ok {
		return
	}
	date := m.JoinedAt
	if date.IsZero() {
		date = time.Now()
	}
	d.Emit(puppet.RoomJoinEvent{
		Room:    room,
		Joiners: []puppet.Contact{contactFromMember(m.Member)},
		Date:    date,
	})
}

func (d *Discord) onGuildMemberRemove(s *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	room, ok := d.systemRoom(s, m.GuildID)
	if !ok {
		return
	}
	d.Emit(puppet.RoomLeaveEvent{
		Room:    room,
		Leavers: []puppet.Contact{contactFromMember(m.Member)},
		Date:    time.Now(),
	})
}

// onChannelUpdate maps channel renames to topic changes.
func (d *Discord) onChannelUpdate(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
	if c.Channel == nil || c.BeforeUpdate == nil || c.Type != discordgo.ChannelTypeGuildText {
		return
	}
	if c.Name == c.BeforeUpdate.Name || !d.guildAllowed(c.GuildID) {
		return
	}
	d.Emit(puppet.RoomTopicEvent{
		Room:     roomFromChannel(c.Channel),
		Topic:    c.Name,
		OldTopic: c.BeforeUpdate.Name,
		Date:     time.Now(),
	})
}

// systemRoom returns the guild's system channel, where Discord posts
// member join notices. Guild membership changes are reported there.
func (d *Discord) systemRoom(s *discordgo.Session, guildID string) (puppet.Room, bool) {
	if !d.guildAllowed(guildID) {
		return puppet.Room{}, false
	}
	g, err := s.State.Guild(guildID)
	if err != nil || g.SystemChannelID == "" {
		return puppet.Room{}, false
	}
	ch, err := s.State.Channel(g.SystemChannelID)
	if err != nil {
		return puppet.Room{ID: g.SystemChannelID}, true
	}
	return roomFromChannel(ch), true
}
