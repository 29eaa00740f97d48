package bridge

import (
	"context"
	"reflect"
	"testing"

	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
	"github.com/jholhewres/botbridge/pkg/botbridge/puppet/mock"
)

func loggedInMock() *mock.Mock {
	m := mock.New(puppet.Options{
		Identity: "bot-1",
		Settings: map[string]string{"self_id": me.ID, "self_name": me.Name},
	})
	m.Login()
	return m
}

func contactIDs(cs []puppet.Contact) []string {
	var ids []string
	for _, c := range cs {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestResolveContacts(t *testing.T) {
	ctx := context.Background()
	m := loggedInMock()
	impostor := puppet.Contact{ID: "u-x", Name: "Alice", Friend: false}
	m.SetContacts(alice, bob, carol, me, impostor)
	r := NewResolver(m)

	tests := []struct {
		name  string
		specs []string
		want  []string
	}{
		{"by name", []string{"Alice"}, []string{alice.ID}},
		{"by alias", []string{"Al"}, []string{alice.ID}},
		{"by id", []string{"u-bob"}, []string{bob.ID}},
		{"any of several", []string{"Al", "Bob"}, []string{alice.ID, bob.ID}},
		{"non-friend excluded even on exact match", []string{"Carol"}, nil},
		{"self excluded", []string{"Me", "self"}, nil},
		{"case sensitive", []string{"alice"}, nil},
		{"no match", []string{"Zed"}, nil},
		{"empty specs", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveContacts(ctx, tt.specs)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if ids := contactIDs(got); !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("got %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestResolveRooms(t *testing.T) {
	ctx := context.Background()
	m := loggedInMock()
	m.AddRoom(puppet.Room{ID: "r1", Topic: "General"})
	m.AddRoom(puppet.Room{ID: "General", Topic: "Lobby"})
	m.AddRoom(puppet.Room{ID: "r3", Topic: "Random"})
	r := NewResolver(m)

	got, err := r.ResolveRooms(ctx, []string{"General"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "General" {
		t.Errorf("expected rooms matched by topic and id, got %+v", got)
	}

	if got, _ := r.ResolveRooms(ctx, []string{"general"}); len(got) != 0 {
		t.Errorf("expected case-sensitive match, got %+v", got)
	}
}

func TestResolveMentions(t *testing.T) {
	ctx := context.Background()
	m := loggedInMock()
	stranger := puppet.Contact{ID: "u-s", Name: "Stranger", Friend: false}
	m.AddRoom(puppet.Room{ID: "r1", Topic: "General"}, alice, bob, me, stranger)
	r := NewResolver(m)

	got, err := r.ResolveMentions(ctx, "r1", []string{"Alice", "Me", "Stranger"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ids := contactIDs(got); !reflect.DeepEqual(ids, []string{alice.ID, "u-s"}) {
		t.Errorf("expected alice and stranger (members need not be friends), got %v", ids)
	}

	if _, err := r.ResolveMentions(ctx, "nope", []string{"Alice"}); err == nil {
		t.Error("expected error for unknown room")
	}
}

func TestSplitSpec(t *testing.T) {
	tests := map[string][]string{
		"":             nil,
		"Alice":        {"Alice"},
		"Alice,Bob":    {"Alice", "Bob"},
		" Alice , Bob": {"Alice", "Bob"},
		"a,,b, ,":      {"a", "b"},
	}
	for in, want := range tests {
		if got := SplitSpec(in); !reflect.DeepEqual(got, want) {
			t.Errorf("SplitSpec(%q) = %q, want %q", in, got, want)
		}
	}
}
