package store

import (
	"context"
	"time"
)

// UserRepository reads principals created by the surrounding account system.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// IntegrationRepository is the durable registry of OAuth integrations.
// Missing rows are reported as (nil, nil), not as errors.
type IntegrationRepository interface {
	GetActive(ctx context.Context, userID int64, service Service) (*Integration, error)
	// Upsert deactivates any currently active row for (user, service) and
	// inserts the given integration as the single active one, atomically.
	Upsert(ctx context.Context, integ Integration) (*Integration, error)
	// UpdateTokens stores a rotated credential pair after a refresh.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt *time.Time) error
	// Deactivate marks the active row inactive. Idempotent.
	Deactivate(ctx context.Context, userID int64, service Service) error
}

// CourseRepository reconciles Classroom courses by natural key.
type CourseRepository interface {
	// Upsert inserts or updates by external_id and reports whether a new
	// row was created. Ownership is not reassigned on update.
	Upsert(ctx context.Context, course Course) (*Course, bool, error)
	GetByExternalID(ctx context.Context, externalID string) (*Course, error)
}

// CourseWorkRepository reconciles coursework items under a local course.
type CourseWorkRepository interface {
	Upsert(ctx context.Context, work CourseWork) (*CourseWork, bool, error)
	ListForCourse(ctx context.Context, courseID int64) ([]CourseWork, error)
}

// SubmissionRepository reconciles per-student submissions.
type SubmissionRepository interface {
	Upsert(ctx context.Context, sub Submission) (*Submission, bool, error)
	ListForUser(ctx context.Context, userID int64) ([]Submission, error)
}

// CalendarRepository reconciles calendar-list entries by natural key.
type CalendarRepository interface {
	Upsert(ctx context.Context, cal Calendar) (*Calendar, bool, error)
	GetByExternalID(ctx context.Context, externalID string) (*Calendar, error)
}

// CalendarEventRepository reconciles events under a local calendar.
type CalendarEventRepository interface {
	Upsert(ctx context.Context, event CalendarEvent) (*CalendarEvent, bool, error)
	ListForCalendar(ctx context.Context, calendarID int64) ([]CalendarEvent, error)
}
