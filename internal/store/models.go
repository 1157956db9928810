package store

import (
	"fmt"
	"time"
)

// Service identifies a Google API surface an integration can be connected to.
type Service string

const (
	ServiceClassroom Service = "classroom"
	ServiceCalendar  Service = "calendar"
)

// ParseService validates a service name supplied by a caller.
func ParseService(s string) (Service, error) {
	switch Service(s) {
	case ServiceClassroom, ServiceCalendar:
		return Service(s), nil
	}
	return "", fmt.Errorf("unknown service %q", s)
}

// Roles assigned by the surrounding account system. The sync engine only
// reads them to resolve integration ownership.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
	RoleAdmin   = "admin"
)

// User is an internal principal. Created and maintained by the account
// system; immutable from the sync engine's perspective.
type User struct {
	ID        int64
	Email     string
	Role      string
	CreatedAt time.Time
}

// Integration holds one OAuth credential pair for a (user, service)
// combination. Token columns are sealed by the vault before they reach the
// store and opened on the way out by the token manager.
type Integration struct {
	ID              int64
	UserID          int64
	Service         Service
	AccessToken     string
	RefreshToken    string
	TokenExpiresAt  *time.Time
	Scope           []string
	ProviderSubject string
	ProviderEmail   string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Course mirrors a Google Classroom course. Keyed by the provider's id
// regardless of which principal's sync first discovered it.
type Course struct {
	ID            int64
	ExternalID    string
	OwnerUserID   int64
	Name          string
	Section       string
	CourseState   string
	AlternateLink string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSyncedAt  time.Time
}

// CourseWork is a coursework item belonging to exactly one local course.
type CourseWork struct {
	ID            int64
	CourseID      int64
	ExternalID    string
	Title         string
	Description   string
	WorkType      string
	WorkState     string
	AlternateLink string
	MaxPoints     *float64
	DueAt         *time.Time
	LastSyncedAt  time.Time
}

// Submission is a per-student submission under a coursework item, scoped to
// the local principal it belongs to.
type Submission struct {
	ID              int64
	CourseWorkID    int64
	ExternalID      string
	UserID          int64
	SubmissionState string
	AssignedGrade   *float64
	Late            bool
	AlternateLink   string
	LastSyncedAt    time.Time
}

// Calendar mirrors an entry of a principal's Google calendar list.
type Calendar struct {
	ID           int64
	ExternalID   string
	OwnerUserID  int64
	Summary      string
	TimeZone     string
	IsPrimary    bool
	LastSyncedAt time.Time
}

// CalendarEvent is an event belonging to exactly one local calendar.
type CalendarEvent struct {
	ID           int64
	CalendarID   int64
	ExternalID   string
	Summary      string
	Description  string
	EventStatus  string
	HTMLLink     string
	StartsAt     *time.Time
	EndsAt       *time.Time
	LastSyncedAt time.Time
}
