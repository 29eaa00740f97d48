// Package whatsapp – events.go converts whatsmeow events into puppet events.
package whatsapp

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("whatsapp: panic in event handler", "panic", r)
		}
	}()

	switch evt := rawEvt.(type) {
	case *events.Connected:
		w.handleConnected()

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID.String(), "platform", evt.Platform)

	case *events.Disconnected:
		w.logger.Warn("whatsapp: disconnected, auto-reconnect pending")

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.ConnectFailure:
		// whatsmeow does not reconnect after a connect failure.
		w.loggedIn.Store(false)
		w.Emit(puppet.ErrorEvent{Err: fmt.Errorf("connect failure: %s %s", evt.Reason, evt.Message), Fatal: true})

	case *events.StreamError:
		w.loggedIn.Store(false)
		w.Emit(puppet.ErrorEvent{Err: fmt.Errorf("stream error: %s", evt.Code), Fatal: true})

	case *events.Message:
		w.handleMessage(evt)

	case *events.GroupInfo:
		w.handleGroupInfo(evt)

	case *events.JoinedGroup:
		w.handleJoinedGroup(evt)
	}
}

func (w *WhatsApp) handleConnected() {
	client := w.currentClient()
	if client == nil || client.Store.ID == nil {
		return
	}
	self := puppet.Contact{
		ID:     client.Store.ID.ToNonAD().String(),
		Name:   client.Store.PushName,
		Friend: true,
	}
	if self.Name == "" {
		self.Name = client.Store.ID.User
	}

	w.selfMu.Lock()
	w.self = self
	w.selfMu.Unlock()
	w.loggedIn.Store(true)

	w.logger.Info("whatsapp: connected", "jid", self.ID)
	w.Emit(puppet.LoginEvent{User: self})
}

// handleLoggedOut fires when the phone unlinks the device. whatsmeow has
// already removed the device from the store.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	user := w.Self()
	w.loggedIn.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	w.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)

	out := puppet.LogoutEvent{Reason: reason}
	if user != nil {
		out.User = *user
	}
	w.Emit(out)
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	text := messageText(evt.Message)
	if text == "" {
		return
	}
	client := w.currentClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info := evt.Info
	w.received.Put(info.ID, evt)
	msg := puppet.Message{
		ID:     info.ID,
		From:   w.lookupContact(ctx, client, info.Sender, info.PushName),
		Text:   text,
		Self:   info.IsFromMe,
		SentAt: info.Timestamp,
	}
	if info.IsGroup {
		msg.Room = &puppet.Room{ID: info.Chat.String(), Topic: w.topic(info.Chat)}
	} else if info.IsFromMe {
		to := w.lookupContact(ctx, client, info.Chat, "")
		msg.To = &to
	} else if self := w.Self(); self != nil {
		msg.To = self
	}
	w.Emit(puppet.MessageEvent{Message: msg})
}

// handleGroupInfo maps participant and subject changes.
func (w *WhatsApp) handleGroupInfo(evt *events.GroupInfo) {
	client := w.currentClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var actor puppet.Contact
	if evt.Sender != nil {
		actor = w.lookupContact(ctx, client, *evt.Sender, evt.Notify)
	}

	if evt.Name != nil {
		old := w.swapTopic(evt.JID, evt.Name.Name)
		w.Emit(puppet.RoomTopicEvent{
			Room:     puppet.Room{ID: evt.JID.String(), Topic: evt.Name.Name},
			Topic:    evt.Name.Name,
			OldTopic: old,
			Changer:  actor,
			Date:     evt.Timestamp,
		})
	}

	room := puppet.Room{ID: evt.JID.String(), Topic: w.topic(evt.JID)}
	if len(evt.Join) > 0 {
		w.Emit(puppet.RoomJoinEvent{
			Room:    room,
			Joiners: w.contacts(ctx, client, evt.Join),
			Inviter: actor,
			Date:    evt.Timestamp,
		})
	}
	if len(evt.Leave) > 0 {
		w.Emit(puppet.RoomLeaveEvent{
			Room:    room,
			Leavers: w.contacts(ctx, client, evt.Leave),
			Remover: actor,
			Date:    evt.Timestamp,
		})
	}
}

// handleJoinedGroup reports the account being added to a group.
func (w *WhatsApp) handleJoinedGroup(evt *events.JoinedGroup) {
	client := w.currentClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.rememberTopic(evt.JID, evt.Name)
	inv := puppet.RoomInvitation{ID: evt.JID.String(), Topic: evt.Name}
	if evt.Sender != nil {
		inv.Inviter = w.lookupContact(ctx, client, *evt.Sender, evt.Notify)
	}
	w.Emit(puppet.RoomInviteEvent{Invitation: inv})
}

func (w *WhatsApp) contacts(ctx context.Context, client *whatsmeow.Client, jids []types.JID) []puppet.Contact {
	out := make([]puppet.Contact, 0, len(jids))
	for _, j := range jids {
		out = append(out, w.lookupContact(ctx, client, j, ""))
	}
	return out
}

// messageText extracts the text body of plain and extended messages.
func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if m.Conversation != nil {
		return m.GetConversation()
	}
	if ext := m.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := m.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := m.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	return ""
}
