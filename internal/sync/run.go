package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"gitea.jw6.us/james/classync/internal/google"
	"gitea.jw6.us/james/classync/internal/store"
)

// run carries the per-execution state of one sync: the access token shared
// by all workers, the refresh-once latch, and the accumulating summary.
type run struct {
	engine  *Engine
	user    *store.User
	integ   *store.Integration
	service store.Service

	mu        sync.Mutex
	token     string
	refreshed bool
	summary   Summary
}

// call invokes fn with the run's current access token. If the provider
// rejects the token, the run performs a single forced refresh and retries
// fn once; concurrent workers share that one refresh. A second rejection
// propagates as google.ErrUnauthorized for the engine to translate.
func (r *run) call(ctx context.Context, fn func(tok string) error) error {
	r.mu.Lock()
	tok := r.token
	r.mu.Unlock()

	err := fn(tok)
	if err == nil || !errors.Is(err, google.ErrUnauthorized) {
		return err
	}

	r.mu.Lock()
	if r.token == tok {
		if r.refreshed {
			r.mu.Unlock()
			return err
		}
		log.Printf("[WARN] sync user=%d service=%s: access token rejected, refreshing", r.user.ID, r.service)
		fresh, rerr := r.engine.tokens.ForceRefresh(ctx, r.integ)
		if rerr != nil {
			r.mu.Unlock()
			return rerr
		}
		r.token = fresh
		r.refreshed = true
	}
	tok = r.token
	r.mu.Unlock()

	return fn(tok)
}

func (r *run) addItem() {
	r.mu.Lock()
	r.summary.ItemsUpserted++
	r.mu.Unlock()
}

func (r *run) addSubEntity() {
	r.mu.Lock()
	r.summary.SubEntitiesUpserted++
	r.mu.Unlock()
}

func (r *run) recordError(collection, item string, err error) {
	log.Printf("[WARN] sync user=%d service=%s collection=%s item=%s: %v", r.user.ID, r.service, collection, item, err)
	r.mu.Lock()
	r.summary.ItemErrors = append(r.summary.ItemErrors, ItemError{
		Collection: collection,
		Item:       item,
		Error:      err.Error(),
	})
	r.mu.Unlock()
}

// listCourses pages the full course list, optionally narrowed to a single
// external id.
func (r *run) listCourses(ctx context.Context, onlyExternalID string) ([]google.Course, error) {
	var out []google.Course
	cursor := ""
	for {
		var page []google.Course
		var next string
		err := r.call(ctx, func(tok string) error {
			var cerr error
			page, next, cerr = r.engine.api.ListCourses(ctx, tok, cursor)
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("list courses: %w", err)
		}
		for _, c := range page {
			if onlyExternalID == "" || c.ID == onlyExternalID {
				out = append(out, c)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if onlyExternalID != "" && len(out) == 0 {
		return nil, fmt.Errorf("course %s: %w", onlyExternalID, ErrCollectionNotVisible)
	}
	return out, nil
}

// listCalendars pages the calendar list, optionally narrowed to a single
// external id.
func (r *run) listCalendars(ctx context.Context, onlyExternalID string) ([]google.CalendarListEntry, error) {
	var out []google.CalendarListEntry
	cursor := ""
	for {
		var page []google.CalendarListEntry
		var next string
		err := r.call(ctx, func(tok string) error {
			var cerr error
			page, next, cerr = r.engine.api.ListCalendars(ctx, tok, cursor)
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("list calendars: %w", err)
		}
		for _, entry := range page {
			if onlyExternalID == "" || entry.ID == onlyExternalID {
				out = append(out, entry)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if onlyExternalID != "" && len(out) == 0 {
		return nil, fmt.Errorf("calendar %s: %w", onlyExternalID, ErrCollectionNotVisible)
	}
	return out, nil
}
