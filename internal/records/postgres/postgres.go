// Package postgres stores attachment records in PostgreSQL through pgx and
// applies its schema with golang-migrate.
package postgres

import (
	"context"
	"embed"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tflow/attachstore/internal/records"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a connection pool and pings the server.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		"host", poolCfg.ConnConfig.Host,
		"port", poolCfg.ConnConfig.Port,
		"database", poolCfg.ConnConfig.Database)
	return pool, nil
}

// MigrationURL rewrites a postgres:// DSN into the pgx5:// form the migrate
// driver registers.
func MigrationURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Migrate applies all pending schema migrations.
func Migrate(dsn string, logger *slog.Logger) error {
	dbURL, err := MigrationURL(dsn)
	if err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Migrations applied", "version", version, "dirty", dirty)
	return nil
}

// Store implements records.Store.
type Store struct {
	db DBTX
}

// NewStore creates a store over db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

var _ records.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, id string) (*records.Record, error) {
	query := `
		SELECT id, file_name, original_name, content_type, size, tier,
			compressed, remote_path, created_at, updated_at
		FROM attachments
		WHERE id = $1`

	var r records.Record
	var tier string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.FileName, &r.OriginalName, &r.ContentType, &r.Size, &tier,
		&r.Compressed, &r.RemotePath, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, records.NotFound(id)
		}
		return nil, dbError(err, "get")
	}

	r.Tier, err = types.ParseTier(tier)
	if err != nil {
		return nil, dbError(err, "get")
	}
	return &r, nil
}

func (s *Store) Create(ctx context.Context, r *records.Record) error {
	query := `
		INSERT INTO attachments (id, file_name, original_name, content_type, size,
			tier, compressed, remote_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		r.ID, r.FileName, r.OriginalName, r.ContentType, r.Size,
		string(r.Tier), r.Compressed, r.RemotePath,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewError(errors.ErrCodeValidationFailed, "record already exists").
				WithComponent("records").
				WithDetail("id", r.ID).
				WithCause(err)
		}
		return dbError(err, "create")
	}
	return nil
}

func (s *Store) UpdateLocation(ctx context.Context, id, remotePath string, tier types.Tier) error {
	query := `
		UPDATE attachments
		SET remote_path = $2, tier = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, remotePath, string(tier))
	if err != nil {
		return dbError(err, "update_location")
	}
	if tag.RowsAffected() == 0 {
		return records.NotFound(id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id); err != nil {
		return dbError(err, "delete")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func dbError(err error, op string) error {
	return errors.NewError(errors.ErrCodeInternalError, "record store query failed").
		WithComponent("records").
		WithOperation(op).
		WithCause(err)
}
