package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	// DSN, when set, is used verbatim and the fields below are ignored.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bot_sessions (
	identity   TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgreSQLStore keeps session blobs in a PostgreSQL table, for
// deployments where several hosts share one session database.
type PostgreSQLStore struct {
	db *sql.DB
}

// OpenPostgreSQL connects to the database and applies the schema.
func OpenPostgreSQL(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("pgx", buildPostgreSQLDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgreSQLStore{db: db}, nil
}

func buildPostgreSQLDSN(cfg PostgreSQLConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

func (s *PostgreSQLStore) Load(ctx context.Context, identity string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM bot_sessions WHERE identity = $1`, identity).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", identity, err)
	}
	return blob, nil
}

func (s *PostgreSQLStore) Save(ctx context.Context, identity string, blob []byte) error {
	if blob == nil {
		blob = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions (identity, blob, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		identity, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save session %q: %w", identity, err)
	}
	return nil
}

func (s *PostgreSQLStore) Delete(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bot_sessions WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("delete session %q: %w", identity, err)
	}
	return nil
}

func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
