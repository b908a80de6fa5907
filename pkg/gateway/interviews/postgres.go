package interviews

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads interviews from the hiring service database.
type Postgres struct {
	q querier
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{q: pool}
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]*goose.MigrationResult, error) {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) ([]*goose.MigrationResult, error) {
	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return results, fmt.Errorf("apply migrations: %w", err)
	}
	return results, nil
}

const selectInterview = `SELECT id, candidate_id, job_id, recruiter_id, type, status, scheduled_at, started_at
FROM interviews WHERE id = $1`

func (p *Postgres) GetInterview(ctx context.Context, id string) (Interview, error) {
	var iv Interview
	var status string
	err := p.q.QueryRow(ctx, selectInterview, id).Scan(
		&iv.ID, &iv.CandidateID, &iv.JobID, &iv.RecruiterID, &iv.Type, &status, &iv.ScheduledAt, &iv.StartedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Interview{}, ErrNotFound
		}
		return Interview{}, fmt.Errorf("query interview: %w", err)
	}
	iv.Status = Status(status)
	return iv, nil
}

const markStarted = `UPDATE interviews
SET status = 'IN_PROGRESS', started_at = COALESCE(started_at, $2), updated_at = now()
WHERE id = $1 AND status = 'SCHEDULED'`

func (p *Postgres) MarkStarted(ctx context.Context, id string, at time.Time) error {
	if _, err := p.q.Exec(ctx, markStarted, id, at); err != nil {
		return fmt.Errorf("mark interview started: %w", err)
	}
	return nil
}
