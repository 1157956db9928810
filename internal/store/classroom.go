package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// All entity writes are upserts keyed by the provider's id (scoped by the
// local parent where the id is not globally unique). ON CONFLICT collapses
// concurrent first-sight inserts of the same natural key into the update
// path, so a lost create race never surfaces a duplicate-key error.
//
// `(xmax = 0)` distinguishes a fresh insert from a conflict-update on the
// returned row.

// courseRepo implements CourseRepository.
type courseRepo struct {
	pool querier
}

const courseColumns = `id, external_id, owner_user_id, name, section,
	course_state, alternate_link, created_at, updated_at, last_synced_at`

func (r *courseRepo) Upsert(ctx context.Context, course Course) (*Course, bool, error) {
	defer observeDB(ctx, "courses.upsert")()

	// owner_user_id is intentionally absent from the update list: the first
	// principal to discover a course keeps it.
	row := r.pool.QueryRow(ctx,
		`INSERT INTO courses
		 (external_id, owner_user_id, name, section, course_state, alternate_link)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (external_id) DO UPDATE SET
		   name=EXCLUDED.name,
		   section=EXCLUDED.section,
		   course_state=EXCLUDED.course_state,
		   alternate_link=EXCLUDED.alternate_link,
		   updated_at=NOW(),
		   last_synced_at=NOW()
		 RETURNING `+courseColumns+`, (xmax = 0)`,
		course.ExternalID, course.OwnerUserID, course.Name, course.Section,
		course.CourseState, course.AlternateLink)

	var c Course
	var inserted bool
	if err := row.Scan(&c.ID, &c.ExternalID, &c.OwnerUserID, &c.Name, &c.Section,
		&c.CourseState, &c.AlternateLink, &c.CreatedAt, &c.UpdatedAt,
		&c.LastSyncedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert course %s: %w", course.ExternalID, err)
	}
	return &c, inserted, nil
}

func (r *courseRepo) GetByExternalID(ctx context.Context, externalID string) (*Course, error) {
	defer observeDB(ctx, "courses.get_by_external_id")()

	row := r.pool.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE external_id=$1`, externalID)

	var c Course
	if err := row.Scan(&c.ID, &c.ExternalID, &c.OwnerUserID, &c.Name, &c.Section,
		&c.CourseState, &c.AlternateLink, &c.CreatedAt, &c.UpdatedAt, &c.LastSyncedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get course %s: %w", externalID, err)
	}
	return &c, nil
}

// courseWorkRepo implements CourseWorkRepository.
type courseWorkRepo struct {
	pool querier
}

const courseWorkColumns = `id, course_id, external_id, title, description,
	work_type, work_state, alternate_link, max_points, due_at, last_synced_at`

func (r *courseWorkRepo) Upsert(ctx context.Context, work CourseWork) (*CourseWork, bool, error) {
	defer observeDB(ctx, "course_work.upsert")()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO course_work
		 (course_id, external_id, title, description, work_type, work_state,
		  alternate_link, max_points, due_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (course_id, external_id) DO UPDATE SET
		   title=EXCLUDED.title,
		   description=EXCLUDED.description,
		   work_type=EXCLUDED.work_type,
		   work_state=EXCLUDED.work_state,
		   alternate_link=EXCLUDED.alternate_link,
		   max_points=EXCLUDED.max_points,
		   due_at=EXCLUDED.due_at,
		   last_synced_at=NOW()
		 RETURNING `+courseWorkColumns+`, (xmax = 0)`,
		work.CourseID, work.ExternalID, work.Title, work.Description,
		work.WorkType, work.WorkState, work.AlternateLink, work.MaxPoints, work.DueAt)

	var w CourseWork
	var inserted bool
	if err := row.Scan(&w.ID, &w.CourseID, &w.ExternalID, &w.Title, &w.Description,
		&w.WorkType, &w.WorkState, &w.AlternateLink, &w.MaxPoints, &w.DueAt,
		&w.LastSyncedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert course work %s: %w", work.ExternalID, err)
	}
	return &w, inserted, nil
}

func (r *courseWorkRepo) ListForCourse(ctx context.Context, courseID int64) ([]CourseWork, error) {
	defer observeDB(ctx, "course_work.list_for_course")()

	rows, err := r.pool.Query(ctx,
		`SELECT `+courseWorkColumns+` FROM course_work WHERE course_id=$1 ORDER BY id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list course work: %w", err)
	}
	defer rows.Close()

	var items []CourseWork
	for rows.Next() {
		var w CourseWork
		if err := rows.Scan(&w.ID, &w.CourseID, &w.ExternalID, &w.Title, &w.Description,
			&w.WorkType, &w.WorkState, &w.AlternateLink, &w.MaxPoints, &w.DueAt,
			&w.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan course work: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// submissionRepo implements SubmissionRepository.
type submissionRepo struct {
	pool querier
}

const submissionColumns = `id, course_work_id, external_id, user_id,
	submission_state, assigned_grade, late, alternate_link, last_synced_at`

func (r *submissionRepo) Upsert(ctx context.Context, sub Submission) (*Submission, bool, error) {
	defer observeDB(ctx, "submissions.upsert")()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO submissions
		 (course_work_id, external_id, user_id, submission_state,
		  assigned_grade, late, alternate_link)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (course_work_id, external_id) DO UPDATE SET
		   submission_state=EXCLUDED.submission_state,
		   assigned_grade=EXCLUDED.assigned_grade,
		   late=EXCLUDED.late,
		   alternate_link=EXCLUDED.alternate_link,
		   last_synced_at=NOW()
		 RETURNING `+submissionColumns+`, (xmax = 0)`,
		sub.CourseWorkID, sub.ExternalID, sub.UserID, sub.SubmissionState,
		sub.AssignedGrade, sub.Late, sub.AlternateLink)

	var s Submission
	var inserted bool
	if err := row.Scan(&s.ID, &s.CourseWorkID, &s.ExternalID, &s.UserID,
		&s.SubmissionState, &s.AssignedGrade, &s.Late, &s.AlternateLink,
		&s.LastSyncedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert submission %s: %w", sub.ExternalID, err)
	}
	return &s, inserted, nil
}

func (r *submissionRepo) ListForUser(ctx context.Context, userID int64) ([]Submission, error) {
	defer observeDB(ctx, "submissions.list_for_user")()

	rows, err := r.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var items []Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(&s.ID, &s.CourseWorkID, &s.ExternalID, &s.UserID,
			&s.SubmissionState, &s.AssignedGrade, &s.Late, &s.AlternateLink,
			&s.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
