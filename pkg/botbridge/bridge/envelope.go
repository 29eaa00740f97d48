package bridge

import (
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// Envelope is one outbound notification delivered to the host.
type Envelope struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Topic    string `json:"topic"`
	Payload  any    `json:"payload"`

	Room    *puppet.Room    `json:"room,omitempty"`
	Inviter *puppet.Contact `json:"inviter,omitempty"`
	Remover *puppet.Contact `json:"remover,omitempty"`
	Changer *puppet.Contact `json:"changer,omitempty"`
	Date    *time.Time      `json:"date,omitempty"`

	// Old is the previous room topic on room-topic envelopes.
	Old *string `json:"old,omitempty"`

	// Status is the scan status on scan envelopes.
	Status puppet.ScanStatus `json:"status,omitempty"`
}

// ErrorPayload is the payload of every "error" envelope.
type ErrorPayload struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Command *RawCommand `json:"command,omitempty"`
}

// Sink receives envelopes. It is called from the event loop and from the
// command worker, so implementations must be safe for concurrent use.
type Sink func(Envelope)

// Topic names of envelopes that do not come from a puppet event class.
const TopicError = "error"

func newEnvelope(identity, topic string, payload any) Envelope {
	return Envelope{
		ID:       uuid.NewString(),
		Identity: identity,
		Topic:    topic,
		Payload:  payload,
	}
}

// errorEnvelope builds the "error" envelope for err, echoing cmd if set.
func errorEnvelope(identity string, err error, cmd *RawCommand) Envelope {
	return newEnvelope(identity, TopicError, ErrorPayload{
		Kind:    KindName(err),
		Message: err.Error(),
		Command: cmd,
	})
}
