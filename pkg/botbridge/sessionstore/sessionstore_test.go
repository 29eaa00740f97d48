package sessionstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// blob contains bytes that a text round trip would mangle.
var blob = []byte{0x00, 0xff, '{', '"', 'k', '"', ':', 0x0a, 0xc3, 0x28, 0x00}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlite, err := OpenSQLite(ctx, SQLiteConfig{Path: filepath.Join(t.TempDir(), "sessions.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	file, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	stores := map[string]Store{
		"sqlite": sqlite,
		"file":   file,
		"memory": NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Load(ctx, "bot-1")
			if err != nil {
				t.Fatalf("load missing: %v", err)
			}
			if got != nil {
				t.Fatalf("expected nil blob for missing identity, got %q", got)
			}

			if err := store.Save(ctx, "bot-1", blob); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err = store.Load(ctx, "bot-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !bytes.Equal(got, blob) {
				t.Errorf("blob changed in round trip: %x != %x", got, blob)
			}

			updated := []byte("second")
			if err := store.Save(ctx, "bot-1", updated); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = store.Load(ctx, "bot-1")
			if !bytes.Equal(got, updated) {
				t.Errorf("expected overwrite, got %q", got)
			}

			if other, _ := store.Load(ctx, "bot-2"); other != nil {
				t.Errorf("identities leaked into each other: %q", other)
			}

			if err := store.Delete(ctx, "bot-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if got, _ := store.Load(ctx, "bot-1"); got != nil {
				t.Errorf("expected nil after delete, got %q", got)
			}
			if err := store.Delete(ctx, "bot-1"); err != nil {
				t.Errorf("deleting twice should not fail: %v", err)
			}
		})
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	t.Run("uses memory-card file names", func(t *testing.T) {
		if err := store.Save(ctx, "node-7", []byte("{}")); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "node-7.memory-card.json")); err != nil {
			t.Errorf("expected memory-card file: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "node-7.memory-card.json.tmp")); !os.IsNotExist(err) {
			t.Error("temp file left behind")
		}
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		for _, id := range []string{"", "..", "a/b", `a\b`} {
			if err := store.Save(ctx, id, []byte("x")); err == nil {
				t.Errorf("expected error for identity %q", id)
			}
		}
	})
}

func TestEncrypted(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	enc := NewEncrypted(inner, "correct horse")

	if err := enc.Save(ctx, "bot-1", blob); err != nil {
		t.Fatalf("save: %v", err)
	}

	t.Run("stored bytes are sealed", func(t *testing.T) {
		raw, _ := inner.Load(ctx, "bot-1")
		if bytes.Contains(raw, blob) {
			t.Error("plaintext visible in the inner store")
		}
		if !bytes.HasPrefix(raw, sealedMagic) {
			t.Error("missing header")
		}
	})

	t.Run("round trip", func(t *testing.T) {
		got, err := enc.Load(ctx, "bot-1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !bytes.Equal(got, blob) {
			t.Errorf("blob changed: %x", got)
		}
	})

	t.Run("fresh wrapper with same passphrase opens it", func(t *testing.T) {
		got, err := NewEncrypted(inner, "correct horse").Load(ctx, "bot-1")
		if err != nil || !bytes.Equal(got, blob) {
			t.Errorf("expected round trip across instances, got %x err=%v", got, err)
		}
	})

	t.Run("wrong passphrase fails", func(t *testing.T) {
		_, err := NewEncrypted(inner, "wrong").Load(ctx, "bot-1")
		if !errors.Is(err, ErrDecrypt) {
			t.Errorf("expected ErrDecrypt, got %v", err)
		}
	})

	t.Run("missing identity stays nil", func(t *testing.T) {
		got, err := enc.Load(ctx, "ghost")
		if err != nil || got != nil {
			t.Errorf("expected nil, nil; got %q, %v", got, err)
		}
	})

	t.Run("unsealed data is rejected", func(t *testing.T) {
		inner.Save(ctx, "plain", []byte("not sealed"))
		if _, err := enc.Load(ctx, "plain"); !errors.Is(err, ErrDecrypt) {
			t.Errorf("expected ErrDecrypt, got %v", err)
		}
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(ctx, Config{Backend: "redis"}, nil)
		if !errors.Is(err, ErrUnknownBackend) {
			t.Errorf("expected ErrUnknownBackend, got %v", err)
		}
	})

	t.Run("encryption requires passphrase", func(t *testing.T) {
		_, err := Open(ctx, Config{Backend: "memory", Encryption: EncryptionConfig{Enabled: true}}, nil)
		if err == nil {
			t.Error("expected error without passphrase")
		}
	})

	t.Run("memory with encryption", func(t *testing.T) {
		s, err := Open(ctx, Config{
			Backend:    "memory",
			Encryption: EncryptionConfig{Enabled: true, Passphrase: "pw"},
		}, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*Encrypted); !ok {
			t.Errorf("expected *Encrypted, got %T", s)
		}
	})

	t.Run("file backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = "file"
		cfg.File.Dir = t.TempDir()
		s, err := Open(ctx, cfg, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*FileStore); !ok {
			t.Errorf("expected *FileStore, got %T", s)
		}
	})
}
