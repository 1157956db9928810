package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		ClassroomBaseURL: srv.URL,
		CalendarBaseURL:  srv.URL,
		HTTPClient:       srv.Client(),
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
}

func TestListCoursesPagination(t *testing.T) {
	var gotTokens []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/courses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("unexpected auth header %q", auth)
		}
		gotTokens = append(gotTokens, r.URL.Query().Get("pageToken"))
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"courses":[{"id":"c1","name":"Algebra"}],"nextPageToken":"p2"}`)
			return
		}
		fmt.Fprint(w, `{"courses":[{"id":"c2","name":"Biology"}]}`)
	}))

	page1, next, err := c.ListCourses(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page1) != 1 || page1[0].ID != "c1" || next != "p2" {
		t.Fatalf("unexpected first page: %+v next=%q", page1, next)
	}

	page2, next, err := c.ListCourses(context.Background(), "tok", next)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != "c2" || next != "" {
		t.Fatalf("unexpected second page: %+v next=%q", page2, next)
	}
	if len(gotTokens) != 2 || gotTokens[1] != "p2" {
		t.Fatalf("unexpected page tokens requested: %v", gotTokens)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, `{"error":{"message":"backend"}}`, http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"cal1","summary":"Primary","primary":true}]}`)
	}))

	entries, _, err := c.ListCalendars(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(entries) != 1 || !entries[0].Primary {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))

	_, _, err := c.ListCourses(context.Background(), "tok", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestTooManyRequestsIsRetried(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"courses":[]}`)
	}))

	_, _, err := c.ListCourses(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

	if got := p.delay(1, "2"); got != 2*time.Second {
		t.Errorf("Retry-After hint: expected 2s, got %v", got)
	}
	if got := p.delay(1, "30"); got != p.MaxDelay {
		t.Errorf("Retry-After above cap: expected %v, got %v", p.MaxDelay, got)
	}
	if got := p.delay(1, ""); got != 100*time.Millisecond {
		t.Errorf("first retry: expected base delay, got %v", got)
	}
	if got := p.delay(3, ""); got != 400*time.Millisecond {
		t.Errorf("third retry: expected 400ms, got %v", got)
	}
	if got := p.delay(10, "garbage"); got != p.MaxDelay {
		t.Errorf("deep retry: expected cap %v, got %v", p.MaxDelay, got)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":{"message":"invalid credentials"}}`, http.StatusUnauthorized)
	}))

	_, _, err := c.ListCourseWork(context.Background(), "tok", "c1", "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":{"message":"course not found"}}`, http.StatusNotFound)
	}))

	_, _, err := c.ListCourseWork(context.Background(), "tok", "missing", "")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("404 should not map to a retry sentinel: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestSubmissionsRequestedForSelf(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("userId"); got != "me" {
			t.Errorf("expected userId=me, got %q", got)
		}
		fmt.Fprint(w, `{"studentSubmissions":[{"id":"s1","userId":"sub-1","state":"TURNED_IN"}]}`)
	}))

	subs, _, err := c.ListStudentSubmissions(context.Background(), "tok", "c1", "w1", "")
	if err != nil {
		t.Fatalf("list submissions: %v", err)
	}
	if len(subs) != 1 || subs[0].State != "TURNED_IN" {
		t.Fatalf("unexpected submissions: %+v", subs)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusInternalServerError)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.ListCourses(ctx, "tok", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
