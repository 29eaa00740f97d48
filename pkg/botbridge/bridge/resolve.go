package bridge

import (
	"context"
	"slices"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// Resolver turns recipient specs into contacts and rooms known to a
// puppet. Matching is exact and case-sensitive. A spec matching nothing
// yields an empty result, not an error.
type Resolver struct {
	p puppet.Puppet
}

func NewResolver(p puppet.Puppet) *Resolver {
	return &Resolver{p: p}
}

// ResolveContacts returns the mutual contacts, other than the account
// itself, whose id, name or alias appears in specs.
func (r *Resolver) ResolveContacts(ctx context.Context, specs []string) ([]puppet.Contact, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	all, err := r.p.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	selfID := r.selfID()

	var out []puppet.Contact
	for _, c := range all {
		if !c.Friend || c.ID == selfID {
			continue
		}
		if matchContact(c, specs) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ResolveRooms returns the rooms whose id or topic appears in specs.
func (r *Resolver) ResolveRooms(ctx context.Context, specs []string) ([]puppet.Room, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	all, err := r.p.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	var out []puppet.Room
	for _, room := range all {
		if slices.Contains(specs, room.ID) || slices.Contains(specs, room.Topic) {
			out = append(out, room)
		}
	}
	return out, nil
}

// ResolveMentions returns the members of roomID, other than the account
// itself, whose name, id or alias appears in specs.
func (r *Resolver) ResolveMentions(ctx context.Context, roomID string, specs []string) ([]puppet.Contact, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	members, err := r.p.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	selfID := r.selfID()

	var out []puppet.Contact
	for _, m := range members {
		if m.ID == selfID {
			continue
		}
		if matchContact(m, specs) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Resolver) selfID() string {
	if self := r.p.Self(); self != nil {
		return self.ID
	}
	return ""
}

func matchContact(c puppet.Contact, specs []string) bool {
	for _, s := range specs {
		if s == c.ID || s == c.Name || (c.Alias != "" && s == c.Alias) {
			return true
		}
	}
	return false
}
