// Package sync walks the remote resource hierarchy for one principal and
// service (courses → coursework → submissions; calendars → events) and
// reconciles it into the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/classync/internal/google"
	"gitea.jw6.us/james/classync/internal/metrics"
	"gitea.jw6.us/james/classync/internal/store"
	"gitea.jw6.us/james/classync/internal/token"
)

// ErrNotConnected reports a sync request for a principal with no active
// integration.
var ErrNotConnected = errors.New("service not connected")

// ErrCollectionNotVisible reports a narrow re-sync of a collection the
// principal cannot see upstream.
var ErrCollectionNotVisible = errors.New("collection not visible to principal")

// TokenSource is the slice of the token manager the engine needs.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, integ *store.Integration) (string, error)
	ForceRefresh(ctx context.Context, integ *store.Integration) (string, error)
}

// Provider is the slice of the Google API client the engine needs.
type Provider interface {
	ListCourses(ctx context.Context, token, pageToken string) ([]google.Course, string, error)
	ListCourseWork(ctx context.Context, token, courseID, pageToken string) ([]google.CourseWork, string, error)
	ListStudentSubmissions(ctx context.Context, token, courseID, courseWorkID, pageToken string) ([]google.StudentSubmission, string, error)
	ListCalendars(ctx context.Context, token, pageToken string) ([]google.CalendarListEntry, string, error)
	ListEvents(ctx context.Context, token, calendarID, pageToken string) ([]google.Event, string, error)
}

// ItemError records one contained per-item failure.
type ItemError struct {
	Collection string `json:"collection"`
	Item       string `json:"item,omitempty"`
	Error      string `json:"error"`
}

// Summary is the result of one sync run.
type Summary struct {
	CollectionsSeen     int         `json:"collectionsSeen"`
	ItemsUpserted       int         `json:"itemsUpserted"`
	SubEntitiesUpserted int         `json:"subEntitiesUpserted"`
	ItemErrors          []ItemError `json:"perItemErrors"`
}

// Engine is the sync orchestrator. One Engine serves all principals; each
// run is independent and safe to execute concurrently with others.
type Engine struct {
	store   *store.Store
	tokens  TokenSource
	api     Provider
	workers int
}

func NewEngine(st *store.Store, tokens TokenSource, api Provider, workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{store: st, tokens: tokens, api: api, workers: workers}
}

// Sync reconciles every collection visible to the principal.
func (e *Engine) Sync(ctx context.Context, user *store.User, service store.Service) (*Summary, error) {
	return e.observe(ctx, user, service, "")
}

// SyncCollection reconciles a single collection identified by its provider
// id, for narrow re-syncs.
func (e *Engine) SyncCollection(ctx context.Context, user *store.User, service store.Service, externalID string) (*Summary, error) {
	if externalID == "" {
		return nil, fmt.Errorf("collection id is required")
	}
	return e.observe(ctx, user, service, externalID)
}

func (e *Engine) observe(ctx context.Context, user *store.User, service store.Service, onlyExternalID string) (*Summary, error) {
	start := time.Now()
	summary, err := e.sync(ctx, user, service, onlyExternalID)
	switch {
	case err != nil:
		metrics.ObserveSyncRun(string(service), "error", start)
	case len(summary.ItemErrors) > 0:
		metrics.ObserveSyncRun(string(service), "partial", start)
	default:
		metrics.ObserveSyncRun(string(service), "ok", start)
	}
	if summary != nil {
		metrics.AddSyncItems(string(service), "collection", summary.CollectionsSeen)
		metrics.AddSyncItems(string(service), "item", summary.ItemsUpserted)
		metrics.AddSyncItems(string(service), "sub_entity", summary.SubEntitiesUpserted)
	}
	return summary, err
}

func (e *Engine) sync(ctx context.Context, user *store.User, service store.Service, onlyExternalID string) (*Summary, error) {
	integ, err := e.store.Integrations.GetActive(ctx, user.ID, service)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, fmt.Errorf("user %d service %s: %w", user.ID, service, ErrNotConnected)
	}

	accessToken, err := e.tokens.GetValidAccessToken(ctx, integ)
	if err != nil {
		return nil, err
	}

	r := &run{
		engine:  e,
		user:    user,
		integ:   integ,
		service: service,
		token:   accessToken,
	}

	switch service {
	case store.ServiceClassroom:
		err = e.syncClassroom(ctx, r, onlyExternalID)
	case store.ServiceCalendar:
		err = e.syncCalendar(ctx, r, onlyExternalID)
	default:
		err = fmt.Errorf("unknown service %q", service)
	}
	if err != nil {
		// A token rejected even after the forced refresh means consent is
		// gone; everything else bubbles up unchanged.
		if errors.Is(err, google.ErrUnauthorized) {
			return nil, fmt.Errorf("provider rejected refreshed token: %w", token.ErrReauthorizationRequired)
		}
		return nil, err
	}
	return &r.summary, nil
}

func (e *Engine) syncClassroom(ctx context.Context, r *run, onlyExternalID string) error {
	courses, err := r.listCourses(ctx, onlyExternalID)
	if err != nil {
		return err
	}

	// Reconcile every parent first: a course row must exist before any of
	// its coursework is written.
	type parent struct {
		local  *store.Course
		remote google.Course
	}
	parents := make([]parent, 0, len(courses))
	for _, c := range courses {
		local, _, err := e.store.Courses.Upsert(ctx, store.Course{
			ExternalID:    c.ID,
			OwnerUserID:   r.user.ID,
			Name:          c.Name,
			Section:       c.Section,
			CourseState:   c.CourseState,
			AlternateLink: c.AlternateLink,
		})
		if err != nil {
			return fmt.Errorf("reconcile course %s: %w", c.ID, err)
		}
		r.summary.CollectionsSeen++
		parents = append(parents, parent{local: local, remote: c})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, p := range parents {
		p := p
		g.Go(func() error {
			return e.syncCourseChildren(gctx, r, p.local, p.remote.ID)
		})
	}
	return g.Wait()
}

// syncCourseChildren pages through one course's coursework and the syncing
// principal's submissions beneath it. Failures are contained at the item
// boundary; only errors that doom the whole run propagate.
func (e *Engine) syncCourseChildren(ctx context.Context, r *run, course *store.Course, courseExternalID string) error {
	cursor := ""
	for {
		var items []google.CourseWork
		var next string
		err := r.call(ctx, func(tok string) error {
			var cerr error
			items, next, cerr = e.api.ListCourseWork(ctx, tok, courseExternalID, cursor)
			return cerr
		})
		if err != nil {
			if fatal(err) {
				return err
			}
			r.recordError(courseExternalID, "", err)
			return nil
		}

		for _, item := range items {
			if err := e.syncCourseWorkItem(ctx, r, course, courseExternalID, item); err != nil {
				if fatal(err) {
					return err
				}
				r.recordError(courseExternalID, item.ID, err)
			}
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (e *Engine) syncCourseWorkItem(ctx context.Context, r *run, course *store.Course, courseExternalID string, item google.CourseWork) error {
	work, _, err := e.store.CourseWork.Upsert(ctx, store.CourseWork{
		CourseID:      course.ID,
		ExternalID:    item.ID,
		Title:         item.Title,
		Description:   item.Description,
		WorkType:      item.WorkType,
		WorkState:     item.State,
		AlternateLink: item.AlternateLink,
		MaxPoints:     item.MaxPoints,
		DueAt:         item.DueAt(),
	})
	if err != nil {
		return err
	}
	r.addItem()

	cursor := ""
	for {
		var subs []google.StudentSubmission
		var next string
		err := r.call(ctx, func(tok string) error {
			var cerr error
			subs, next, cerr = e.api.ListStudentSubmissions(ctx, tok, courseExternalID, item.ID, cursor)
			return cerr
		})
		if err != nil {
			return err
		}

		for _, sub := range subs {
			// The provider already scopes the list to the authenticated
			// account (userId=me); the payload's owner field is only data
			// and is cross-checked, never trusted for authorization.
			if sub.UserID != "" && r.integ.ProviderSubject != "" && sub.UserID != r.integ.ProviderSubject {
				log.Printf("[WARN] dropping submission %s: payload owner %s does not match integration subject", sub.ID, sub.UserID)
				continue
			}
			if _, _, err := e.store.Submissions.Upsert(ctx, store.Submission{
				CourseWorkID:    work.ID,
				ExternalID:      sub.ID,
				UserID:          r.user.ID,
				SubmissionState: sub.State,
				AssignedGrade:   sub.AssignedGrade,
				Late:            sub.Late,
				AlternateLink:   sub.AlternateLink,
			}); err != nil {
				return err
			}
			r.addSubEntity()
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (e *Engine) syncCalendar(ctx context.Context, r *run, onlyExternalID string) error {
	entries, err := r.listCalendars(ctx, onlyExternalID)
	if err != nil {
		return err
	}

	type parent struct {
		local      *store.Calendar
		externalID string
	}
	parents := make([]parent, 0, len(entries))
	for _, entry := range entries {
		local, _, err := e.store.Calendars.Upsert(ctx, store.Calendar{
			ExternalID:  entry.ID,
			OwnerUserID: r.user.ID,
			Summary:     entry.Summary,
			TimeZone:    entry.TimeZone,
			IsPrimary:   entry.Primary,
		})
		if err != nil {
			return fmt.Errorf("reconcile calendar %s: %w", entry.ID, err)
		}
		r.summary.CollectionsSeen++
		parents = append(parents, parent{local: local, externalID: entry.ID})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, p := range parents {
		p := p
		g.Go(func() error {
			return e.syncCalendarEvents(gctx, r, p.local, p.externalID)
		})
	}
	return g.Wait()
}

func (e *Engine) syncCalendarEvents(ctx context.Context, r *run, cal *store.Calendar, calendarExternalID string) error {
	cursor := ""
	for {
		var events []google.Event
		var next string
		err := r.call(ctx, func(tok string) error {
			var cerr error
			events, next, cerr = e.api.ListEvents(ctx, tok, calendarExternalID, cursor)
			return cerr
		})
		if err != nil {
			if fatal(err) {
				return err
			}
			r.recordError(calendarExternalID, "", err)
			return nil
		}

		for _, ev := range events {
			if _, _, err := e.store.CalendarEvents.Upsert(ctx, store.CalendarEvent{
				CalendarID:  cal.ID,
				ExternalID:  ev.ID,
				Summary:     ev.Summary,
				Description: ev.Description,
				EventStatus: ev.Status,
				HTMLLink:    ev.HTMLLink,
				StartsAt:    ev.Start.Time(),
				EndsAt:      ev.End.Time(),
			}); err != nil {
				if fatal(err) {
					return err
				}
				r.recordError(calendarExternalID, ev.ID, err)
				continue
			}
			r.addItem()
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}

// fatal reports errors that prevent any further progress in the run, as
// opposed to per-item failures that are contained and recorded.
func fatal(err error) bool {
	return errors.Is(err, token.ErrReauthorizationRequired) ||
		errors.Is(err, google.ErrUnauthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
