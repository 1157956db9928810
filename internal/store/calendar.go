package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	pool querier
}

const calendarColumns = `id, external_id, owner_user_id, summary, time_zone,
	is_primary, last_synced_at`

func (r *calendarRepo) Upsert(ctx context.Context, cal Calendar) (*Calendar, bool, error) {
	defer observeDB(ctx, "calendars.upsert")()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO calendars
		 (external_id, owner_user_id, summary, time_zone, is_primary)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (external_id) DO UPDATE SET
		   summary=EXCLUDED.summary,
		   time_zone=EXCLUDED.time_zone,
		   is_primary=EXCLUDED.is_primary,
		   last_synced_at=NOW()
		 RETURNING `+calendarColumns+`, (xmax = 0)`,
		cal.ExternalID, cal.OwnerUserID, cal.Summary, cal.TimeZone, cal.IsPrimary)

	var c Calendar
	var inserted bool
	if err := row.Scan(&c.ID, &c.ExternalID, &c.OwnerUserID, &c.Summary,
		&c.TimeZone, &c.IsPrimary, &c.LastSyncedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert calendar %s: %w", cal.ExternalID, err)
	}
	return &c, inserted, nil
}

func (r *calendarRepo) GetByExternalID(ctx context.Context, externalID string) (*Calendar, error) {
	defer observeDB(ctx, "calendars.get_by_external_id")()

	row := r.pool.QueryRow(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE external_id=$1`, externalID)

	var c Calendar
	if err := row.Scan(&c.ID, &c.ExternalID, &c.OwnerUserID, &c.Summary,
		&c.TimeZone, &c.IsPrimary, &c.LastSyncedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get calendar %s: %w", externalID, err)
	}
	return &c, nil
}

// calendarEventRepo implements CalendarEventRepository.
type calendarEventRepo struct {
	pool querier
}

const calendarEventColumns = `id, calendar_id, external_id, summary, description,
	event_status, html_link, starts_at, ends_at, last_synced_at`

func (r *calendarEventRepo) Upsert(ctx context.Context, event CalendarEvent) (*CalendarEvent, bool, error) {
	defer observeDB(ctx, "calendar_events.upsert")()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO calendar_events
		 (calendar_id, external_id, summary, description, event_status,
		  html_link, starts_at, ends_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (calendar_id, external_id) DO UPDATE SET
		   summary=EXCLUDED.summary,
		   description=EXCLUDED.description,
		   event_status=EXCLUDED.event_status,
		   html_link=EXCLUDED.html_link,
		   starts_at=EXCLUDED.starts_at,
		   ends_at=EXCLUDED.ends_at,
		   last_synced_at=NOW()
		 RETURNING `+calendarEventColumns+`, (xmax = 0)`,
		event.CalendarID, event.ExternalID, event.Summary, event.Description,
		event.EventStatus, event.HTMLLink, event.StartsAt, event.EndsAt)

	var e CalendarEvent
	var inserted bool
	if err := row.Scan(&e.ID, &e.CalendarID, &e.ExternalID, &e.Summary,
		&e.Description, &e.EventStatus, &e.HTMLLink, &e.StartsAt, &e.EndsAt,
		&e.LastSyncedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert calendar event %s: %w", event.ExternalID, err)
	}
	return &e, inserted, nil
}

func (r *calendarEventRepo) ListForCalendar(ctx context.Context, calendarID int64) ([]CalendarEvent, error) {
	defer observeDB(ctx, "calendar_events.list_for_calendar")()

	rows, err := r.pool.Query(ctx,
		`SELECT `+calendarEventColumns+` FROM calendar_events WHERE calendar_id=$1 ORDER BY id`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	defer rows.Close()

	var items []CalendarEvent
	for rows.Next() {
		var e CalendarEvent
		if err := rows.Scan(&e.ID, &e.CalendarID, &e.ExternalID, &e.Summary,
			&e.Description, &e.EventStatus, &e.HTMLLink, &e.StartsAt, &e.EndsAt,
			&e.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
