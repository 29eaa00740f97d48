package whatsapp

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteMagic starts every SQLite database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// snapshot copies the database at path into memory with VACUUM INTO,
// which yields a consistent image even while whatsmeow holds the
// database open in WAL mode. A missing database yields nil.
func snapshot(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	tmp, err := os.MkdirTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	out := filepath.Join(tmp, "session.db")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("VACUUM INTO ?", out); err != nil {
		return nil, fmt.Errorf("snapshotting device store: %w", err)
	}
	return os.ReadFile(out)
}

// restoreSnapshot writes blob to path, replacing any database and its
// WAL side files.
func restoreSnapshot(path string, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	if !bytes.HasPrefix(blob, sqliteMagic) {
		return fmt.Errorf("session blob is not a device store snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
