// Package google is a thin, retrying client for the Google Classroom and
// Calendar REST APIs. It only implements the paginated list calls the sync
// engine needs; authentication is the caller's problem (a bearer token is
// passed per call).
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gitea.jw6.us/james/classync/internal/metrics"
)

const (
	defaultClassroomBaseURL = "https://classroom.googleapis.com"
	defaultCalendarBaseURL  = "https://www.googleapis.com/calendar/v3"

	pageSize = 50
)

// ErrUnauthorized reports a 401/403 from the provider. It is never retried
// here: the orchestrator reacts by refreshing the token and retrying the
// call exactly once.
var ErrUnauthorized = errors.New("google: request not authorized")

// ErrUnavailable reports a transient provider failure that survived the full
// retry budget.
var ErrUnavailable = errors.New("google: upstream unavailable")

// Options configures a Client. Zero values select production defaults; tests
// point the base URLs at an httptest server.
type Options struct {
	ClassroomBaseURL string
	CalendarBaseURL  string
	HTTPClient       *http.Client
	Retry            RetryPolicy
}

// Client performs paginated reads against the provider.
type Client struct {
	classroomBaseURL string
	calendarBaseURL  string
	httpClient       *http.Client
	retry            RetryPolicy
}

func NewClient(opts Options) *Client {
	classroomBaseURL := strings.TrimRight(strings.TrimSpace(opts.ClassroomBaseURL), "/")
	if classroomBaseURL == "" {
		classroomBaseURL = defaultClassroomBaseURL
	}
	calendarBaseURL := strings.TrimRight(strings.TrimSpace(opts.CalendarBaseURL), "/")
	if calendarBaseURL == "" {
		calendarBaseURL = defaultCalendarBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		classroomBaseURL: classroomBaseURL,
		calendarBaseURL:  calendarBaseURL,
		httpClient:       httpClient,
		retry:            opts.Retry.normalized(),
	}
}

// ListCourses pages through the courses visible to the token's principal.
func (c *Client) ListCourses(ctx context.Context, token, pageToken string) ([]Course, string, error) {
	q := listQuery(pageToken)
	var out courseListResponse
	if err := c.get(ctx, "courses.list", token,
		c.classroomBaseURL+"/v1/courses?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.Courses, out.NextPageToken, nil
}

// ListCourseWork pages through coursework items of one course.
func (c *Client) ListCourseWork(ctx context.Context, token, courseID, pageToken string) ([]CourseWork, string, error) {
	q := listQuery(pageToken)
	var out courseWorkListResponse
	if err := c.get(ctx, "courseWork.list", token,
		c.classroomBaseURL+"/v1/courses/"+url.PathEscape(courseID)+"/courseWork?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.CourseWork, out.NextPageToken, nil
}

// ListStudentSubmissions pages through the calling principal's own
// submissions for one coursework item. The userId=me filter makes the
// provider scope the result server-side.
func (c *Client) ListStudentSubmissions(ctx context.Context, token, courseID, courseWorkID, pageToken string) ([]StudentSubmission, string, error) {
	q := listQuery(pageToken)
	q.Set("userId", "me")
	var out submissionListResponse
	if err := c.get(ctx, "studentSubmissions.list", token,
		c.classroomBaseURL+"/v1/courses/"+url.PathEscape(courseID)+
			"/courseWork/"+url.PathEscape(courseWorkID)+"/studentSubmissions?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.StudentSubmissions, out.NextPageToken, nil
}

// ListCalendars pages through the principal's calendar list.
func (c *Client) ListCalendars(ctx context.Context, token, pageToken string) ([]CalendarListEntry, string, error) {
	q := listQuery(pageToken)
	var out calendarListResponse
	if err := c.get(ctx, "calendarList.list", token,
		c.calendarBaseURL+"/users/me/calendarList?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextPageToken, nil
}

// ListEvents pages through events of one calendar.
func (c *Client) ListEvents(ctx context.Context, token, calendarID, pageToken string) ([]Event, string, error) {
	q := listQuery(pageToken)
	q.Set("singleEvents", "true")
	var out eventListResponse
	if err := c.get(ctx, "events.list", token,
		c.calendarBaseURL+"/calendars/"+url.PathEscape(calendarID)+"/events?"+q.Encode(), &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextPageToken, nil
}

func listQuery(pageToken string) url.Values {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	return q
}

// get performs one GET with the unified retry policy: transient failures
// (network errors, 5xx, 429) are retried with backoff, auth failures and
// other 4xx are not.
func (c *Client) get(ctx context.Context, endpoint, token, rawURL string, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.retry.delay(attempt, retryAfterOf(lastErr))); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.IncProviderRequest(endpoint, "network_error")
			lastErr = &transientError{err: err}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			metrics.IncProviderRequest(endpoint, "read_error")
			lastErr = &transientError{err: readErr}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			metrics.IncProviderRequest(endpoint, "ok")
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s response: %w", endpoint, err)
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			metrics.IncProviderRequest(endpoint, "unauthorized")
			return fmt.Errorf("%s: status=%d: %w", endpoint, resp.StatusCode, ErrUnauthorized)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			metrics.IncProviderRequest(endpoint, "transient")
			lastErr = &transientError{
				err:        fmt.Errorf("%s: status=%d message=%s", endpoint, resp.StatusCode, errMessage(body)),
				retryAfter: resp.Header.Get("Retry-After"),
			}
			continue

		default:
			metrics.IncProviderRequest(endpoint, "client_error")
			return fmt.Errorf("%s: status=%d message=%s", endpoint, resp.StatusCode, errMessage(body))
		}
	}
	return fmt.Errorf("%s after %d attempts: %v: %w", endpoint, c.retry.MaxAttempts, lastErr, ErrUnavailable)
}

type transientError struct {
	err        error
	retryAfter string
}

func (e *transientError) Error() string { return e.err.Error() }

func retryAfterOf(err error) string {
	var te *transientError
	if errors.As(err, &te) {
		return te.retryAfter
	}
	return ""
}

func errMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
