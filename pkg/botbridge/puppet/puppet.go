// Package puppet defines the backend transport adapter contract used by the
// bridge. A Puppet owns the network I/O for one chat account: it logs in,
// streams events, exposes the contact and room directories and performs
// sends. The bridge never talks to a chat protocol directly.
//
// Adapters register themselves by name (see Register) so a configuration
// can select one with a plain string such as "whatsapp" or "discord".
package puppet

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Contact is a person (or bot account) known to the puppet.
type Contact struct {
	// ID is the stable protocol identifier (JID, snowflake, ...).
	ID string `json:"id"`

	// Name is the display name chosen by the contact.
	Name string `json:"name"`

	// Alias is the name the account owner assigned to the contact.
	Alias string `json:"alias,omitempty"`

	// Friend is true for mutual contacts.
	Friend bool `json:"friend"`
}

// Room is a multi-party conversation (group, guild channel).
type Room struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// Message is an incoming chat message.
type Message struct {
	ID     string    `json:"id"`
	From   Contact   `json:"from"`
	To     *Contact  `json:"to,omitempty"`
	Room   *Room     `json:"room,omitempty"`
	Text   string    `json:"text"`
	Self   bool      `json:"self"`
	SentAt time.Time `json:"sent_at"`
}

// Friendship is a contact request or confirmation.
type Friendship struct {
	Contact Contact `json:"contact"`
	Hello   string  `json:"hello,omitempty"`
	Type    string  `json:"type"`
}

// RoomInvitation is an invitation for the account to join a room.
type RoomInvitation struct {
	ID      string  `json:"id"`
	Inviter Contact `json:"inviter"`
	Topic   string  `json:"topic"`
}

// Puppet is a live connection to one chat account.
type Puppet interface {
	// Start connects the account. If no usable session exists the puppet
	// emits ScanEvents until the account is linked.
	Start(ctx context.Context) error

	// Stop disconnects without invalidating the session.
	Stop(ctx context.Context) error

	// Logout invalidates the session on the server side.
	Logout(ctx context.Context) error

	// IsLoggedIn reports the live login flag.
	IsLoggedIn() bool

	// Self returns the logged-in account, or nil.
	Self() *Contact

	// Subscribe registers fn for every event and returns a function that
	// removes the registration.
	Subscribe(fn func(Event)) (unsubscribe func())

	Contacts(ctx context.Context) ([]Contact, error)
	Rooms(ctx context.Context) ([]Room, error)
	RoomMembers(ctx context.Context, roomID string) ([]Contact, error)

	SayContact(ctx context.Context, contactID, text string) error
	SayRoom(ctx context.Context, roomID, text string, mentions []Contact) error

	// SaySelf sends to the account itself (note-to-self chat).
	SaySelf(ctx context.Context, text string) error

	// Reply answers a received message in the conversation it came from,
	// quoting it where the protocol allows. Only messages received during
	// this connection are known.
	Reply(ctx context.Context, messageID, text string) error

	// Forward sends a copy of a received message to a contact.
	Forward(ctx context.Context, messageID, contactID string) error

	// Session exports the opaque credential state.
	Session() ([]byte, error)
}

// Options are handed to a Factory.
type Options struct {
	// Identity names the bot configuration owning this puppet.
	Identity string

	// Session is the blob previously returned by Puppet.Session, or nil.
	Session []byte

	// Settings are adapter specific key/value options (e.g. "token").
	Settings map[string]string

	Logger *slog.Logger
}

// Setting returns Settings[key] or def when unset.
func (o Options) Setting(key, def string) string {
	if v, ok := o.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// Errors.
var (
	ErrNotLoggedIn    = fmt.Errorf("puppet is not logged in")
	ErrNotSupported   = fmt.Errorf("operation not supported by this puppet")
	ErrUnknownPuppet  = fmt.Errorf("unknown puppet")
	ErrUnknownContact = fmt.Errorf("unknown contact")
	ErrUnknownRoom    = fmt.Errorf("unknown room")
	ErrUnknownMessage = fmt.Errorf("unknown message")
)
