package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// Router executes validated commands against a puppet.
//
// For a message command:
//   - with a reply target, the text answers that message in its own
//     conversation and the recipient specs are ignored;
//   - with a room spec, every matching room receives the text, mentioning
//     the room members matched by the to spec;
//   - otherwise, with a to spec, every matching contact receives it;
//   - otherwise the text goes to the account itself.
//
// A forward command sends the referenced message to every contact
// matched by its to spec.
//
// Each failure is handed to report as it happens; Dispatch returns them
// joined. One failing recipient never stops the others.
type Router struct {
	identity string
	report   func(err error, cmd *RawCommand)
	logger   *slog.Logger
}

// NewRouter creates a router. report receives every error Dispatch
// produces, with the offending command when it should be echoed.
func NewRouter(identity string, report func(error, *RawCommand), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if report == nil {
		report = func(error, *RawCommand) {}
	}
	return &Router{
		identity: identity,
		report:   report,
		logger:   logger.With("component", "router", "identity", identity),
	}
}

// Dispatch runs cmd to completion. A nil or logged-out puppet yields one
// routing error and no send attempt.
func (r *Router) Dispatch(ctx context.Context, p puppet.Puppet, cmd Command) error {
	if p == nil || !p.IsLoggedIn() {
		raw := cmd.Raw()
		err := newError(ErrRouting, r.identity, cmd.Topic(), ErrNotLoggedIn)
		r.report(err, &raw)
		return err
	}

	switch c := cmd.(type) {
	case LogoutCommand:
		if err := p.Logout(ctx); err != nil {
			return r.fail(ErrConnection, "logout", err)
		}
		return nil

	case FunctionCommand:
		if err := c.Action(ctx, p); err != nil {
			return r.fail(ErrConnection, "function", err)
		}
		return nil

	case MessageCommand:
		return r.message(ctx, p, c)

	case ForwardCommand:
		return r.forward(ctx, p, c)

	default:
		raw := cmd.Raw()
		err := newError(ErrRouting, r.identity, cmd.Topic(), fmt.Errorf("unsupported command %T", cmd))
		r.report(err, &raw)
		return err
	}
}

func (r *Router) message(ctx context.Context, p puppet.Puppet, c MessageCommand) error {
	if c.ReplyTo != "" {
		if err := p.Reply(ctx, c.ReplyTo, c.Text); err != nil {
			return r.fail(ErrConnection, "reply", fmt.Errorf("%s: %w", c.ReplyTo, err))
		}
		r.logger.Debug("replied", "message", c.ReplyTo)
		return nil
	}

	res := NewResolver(p)

	if strings.TrimSpace(c.Room) != "" {
		rooms, err := res.ResolveRooms(ctx, SplitSpec(c.Room))
		if err != nil {
			return r.fail(ErrConnection, "resolve-rooms", err)
		}
		mentionSpecs := SplitSpec(c.To)

		var errs []error
		for _, room := range rooms {
			mentions, err := res.ResolveMentions(ctx, room.ID, mentionSpecs)
			if err != nil {
				// The room still gets the text, just without mentions.
				errs = append(errs, r.fail(ErrConnection, "resolve-mentions", err))
				mentions = nil
			}
			if err := p.SayRoom(ctx, room.ID, c.Text, mentions); err != nil {
				errs = append(errs, r.fail(ErrConnection, "say-room", fmt.Errorf("%s: %w", room.ID, err)))
				continue
			}
			r.logger.Debug("sent to room", "room", room.ID, "mentions", len(mentions))
		}
		return errors.Join(errs...)
	}

	if strings.TrimSpace(c.To) != "" {
		contacts, err := res.ResolveContacts(ctx, SplitSpec(c.To))
		if err != nil {
			return r.fail(ErrConnection, "resolve-contacts", err)
		}
		var errs []error
		for _, contact := range contacts {
			if err := p.SayContact(ctx, contact.ID, c.Text); err != nil {
				errs = append(errs, r.fail(ErrConnection, "say-contact", fmt.Errorf("%s: %w", contact.ID, err)))
				continue
			}
			r.logger.Debug("sent to contact", "contact", contact.ID)
		}
		return errors.Join(errs...)
	}

	if err := p.SaySelf(ctx, c.Text); err != nil {
		return r.fail(ErrConnection, "say-self", err)
	}
	return nil
}

func (r *Router) forward(ctx context.Context, p puppet.Puppet, c ForwardCommand) error {
	contacts, err := NewResolver(p).ResolveContacts(ctx, SplitSpec(c.To))
	if err != nil {
		return r.fail(ErrConnection, "resolve-contacts", err)
	}
	var errs []error
	for _, contact := range contacts {
		if err := p.Forward(ctx, c.MessageID, contact.ID); err != nil {
			errs = append(errs, r.fail(ErrConnection, "forward", fmt.Errorf("%s to %s: %w", c.MessageID, contact.ID, err)))
			continue
		}
		r.logger.Debug("forwarded", "message", c.MessageID, "contact", contact.ID)
	}
	return errors.Join(errs...)
}

func (r *Router) fail(kind error, op string, cause error) error {
	err := newError(kind, r.identity, op, cause)
	r.report(err, nil)
	return err
}
