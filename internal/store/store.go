package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the slice of pgxpool.Pool the repositories use. Tests supply a
// scripted implementation to pin down the SQL each repository emits.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Users          UserRepository
	Integrations   IntegrationRepository
	Courses        CourseRepository
	CourseWork     CourseWorkRepository
	Submissions    SubmissionRepository
	Calendars      CalendarRepository
	CalendarEvents CalendarEventRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:           pool,
		Users:          &userRepo{pool: pool},
		Integrations:   &integrationRepo{pool: pool},
		Courses:        &courseRepo{pool: pool},
		CourseWork:     &courseWorkRepo{pool: pool},
		Submissions:    &submissionRepo{pool: pool},
		Calendars:      &calendarRepo{pool: pool},
		CalendarEvents: &calendarEventRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
