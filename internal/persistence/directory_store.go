package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentrt/agentrt/internal/common/config"
	"github.com/agentrt/agentrt/internal/common/database"
)

// DirectoryStore is the optional control-plane store recording where each
// agent instance's embedded database lives and whether it is currently
// hibernated. It exists only when config.Database.Driver == "postgres"; a
// single-host deployment has no need for it, since the in-process registry
// is authoritative on its own.
type DirectoryStore struct {
	db *database.DB
}

// OpenDirectoryStore connects to the configured Postgres control-plane
// database and ensures the instance directory table exists.
func OpenDirectoryStore(ctx context.Context, cfg config.DatabaseConfig) (*DirectoryStore, error) {
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory store: %w", err)
	}

	s := &DirectoryStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DirectoryStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_instances (
			class TEXT NOT NULL,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			hibernated BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (class, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create agent_instances table: %w", err)
	}
	return nil
}

// Register records (or re-homes) an instance's owning host, clearing any
// hibernated flag — a connection addressed to it is about to be served.
func (s *DirectoryStore) Register(ctx context.Context, class, name, host string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_instances (class, name, host, hibernated, last_seen_at)
		VALUES ($1, $2, $3, false, now())
		ON CONFLICT (class, name) DO UPDATE
		SET host = EXCLUDED.host, hibernated = false, last_seen_at = now()
	`, class, name, host)
	if err != nil {
		return fmt.Errorf("failed to register instance %s/%s: %w", class, name, err)
	}
	return nil
}

// MarkHibernated flags an instance as evicted from its host's memory. The
// row (and its embedded database) are untouched; only the in-memory actor
// is gone until the next address revives it.
func (s *DirectoryStore) MarkHibernated(ctx context.Context, class, name string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE agent_instances SET hibernated = true, last_seen_at = now()
		WHERE class = $1 AND name = $2
	`, class, name)
	if err != nil {
		return fmt.Errorf("failed to mark instance %s/%s hibernated: %w", class, name, err)
	}
	return nil
}

// Location describes a directory entry for one agent instance.
type Location struct {
	Class      string
	Name       string
	Host       string
	Hibernated bool
	LastSeenAt time.Time
}

// Lookup returns the current directory entry for an instance, or
// (Location{}, false, nil) if it has never been registered.
func (s *DirectoryStore) Lookup(ctx context.Context, class, name string) (Location, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT class, name, host, hibernated, last_seen_at
		FROM agent_instances WHERE class = $1 AND name = $2
	`, class, name)

	var loc Location
	if err := row.Scan(&loc.Class, &loc.Name, &loc.Host, &loc.Hibernated, &loc.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, false, nil
		}
		return Location{}, false, fmt.Errorf("failed to look up instance %s/%s: %w", class, name, err)
	}
	return loc, true, nil
}

// Close releases the underlying connection pool.
func (s *DirectoryStore) Close() {
	s.db.Close()
}
