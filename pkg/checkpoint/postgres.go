package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/c-h-/orgloop-sub002/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is a Store backed by a checkpoints table. Useful when
// the host's filesystem is ephemeral but a database is at hand.
// Per-key writes are atomic via a single-row upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection, pings it, and applies
// pending migrations. Migration files are embedded in the binary.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (useful for
// tests). Migrations are still applied.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, sourceID string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM checkpoints WHERE source_id = $1`, sourceID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying checkpoint for %s: %w", sourceID, err)
	}
	return value, true, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, sourceID, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (source_id, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (source_id) DO UPDATE
		 SET value = EXCLUDED.value, updated_at = now()`,
		sourceID, value)
	if err != nil {
		return fmt.Errorf("storing checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// Remove implements Store.
func (s *PostgresStore) Remove(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("removing checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
