package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// Command topics.
const (
	TopicMessage  = "message"
	TopicForward  = "forward"
	TopicLogout   = "logout"
	TopicFunction = "function"
)

// Action is an opaque operation run against the live puppet.
type Action func(ctx context.Context, p puppet.Puppet) error

// RawCommand is the wire form of an inbound command.
type RawCommand struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	To      string `json:"to,omitempty"`
	Room    string `json:"room,omitempty"`

	// ReplyTo is the id of a received message a "message" command
	// answers.
	ReplyTo string `json:"reply_to,omitempty"`

	// Action carries the function for "function" commands built in Go.
	// It never crosses the wire.
	Action Action `json:"-"`
}

// Command is a validated inbound command: MessageCommand, ForwardCommand,
// LogoutCommand or FunctionCommand.
type Command interface {
	Topic() string

	// Raw returns the wire form, used when a command is echoed back in an
	// error envelope.
	Raw() RawCommand
}

// MessageCommand sends Text. Room and To are comma-separated recipient
// specs; see Router for how they combine. A non-empty ReplyTo overrides
// both: the text answers that message in its own conversation.
type MessageCommand struct {
	Text    string
	To      string
	Room    string
	ReplyTo string
}

// ForwardCommand forwards the received message MessageID to every contact
// matched by the To spec.
type ForwardCommand struct {
	MessageID string
	To        string
}

// LogoutCommand logs the account out.
type LogoutCommand struct{}

// FunctionCommand runs Action against the puppet.
type FunctionCommand struct {
	Action Action
}

func (MessageCommand) Topic() string  { return TopicMessage }
func (ForwardCommand) Topic() string  { return TopicForward }
func (LogoutCommand) Topic() string   { return TopicLogout }
func (FunctionCommand) Topic() string { return TopicFunction }

func (c MessageCommand) Raw() RawCommand {
	return RawCommand{Topic: TopicMessage, Payload: c.Text, To: c.To, Room: c.Room, ReplyTo: c.ReplyTo}
}

func (c ForwardCommand) Raw() RawCommand {
	return RawCommand{Topic: TopicForward, Payload: c.MessageID, To: c.To}
}

func (LogoutCommand) Raw() RawCommand   { return RawCommand{Topic: TopicLogout} }
func (FunctionCommand) Raw() RawCommand { return RawCommand{Topic: TopicFunction} }

// ParseCommand validates raw and returns the matching Command. Failures
// wrap ErrRouting.
func ParseCommand(raw RawCommand) (Command, error) {
	switch raw.Topic {
	case TopicMessage:
		text, err := payloadText(raw.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRouting, err)
		}
		return MessageCommand{Text: text, To: raw.To, Room: raw.Room, ReplyTo: strings.TrimSpace(raw.ReplyTo)}, nil

	case TopicForward:
		id, err := payloadText(raw.Payload)
		if err != nil || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: forward command needs the message id as payload", ErrRouting)
		}
		if len(SplitSpec(raw.To)) == 0 {
			return nil, fmt.Errorf("%w: forward command without recipients", ErrRouting)
		}
		return ForwardCommand{MessageID: strings.TrimSpace(id), To: raw.To}, nil

	case TopicLogout:
		return LogoutCommand{}, nil

	case TopicFunction:
		action := raw.Action
		if action == nil {
			switch fn := raw.Payload.(type) {
			case Action:
				action = fn
			case func(context.Context, puppet.Puppet) error:
				action = fn
			}
		}
		if action == nil {
			return nil, fmt.Errorf("%w: function command without an action", ErrRouting)
		}
		return FunctionCommand{Action: action}, nil

	default:
		return nil, fmt.Errorf("%w: unknown topic %q", ErrRouting, raw.Topic)
	}
}

func payloadText(p any) (string, error) {
	switch v := p.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case float64, int, int64, bool:
		return fmt.Sprint(v), nil
	case nil:
		return "", fmt.Errorf("message command without payload")
	default:
		return "", fmt.Errorf("message payload must be text, got %T", p)
	}
}

// SplitSpec splits a comma-separated recipient spec. Entries are trimmed
// and empty entries dropped.
func SplitSpec(spec string) []string {
	var out []string
	for _, part := range strings.Split(spec, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
