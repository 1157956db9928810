package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gitea.jw6.us/james/classync/internal/config"
	"gitea.jw6.us/james/classync/internal/google"
	"gitea.jw6.us/james/classync/internal/store"
	"gitea.jw6.us/james/classync/internal/sync"
	"gitea.jw6.us/james/classync/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubUsers struct {
	byEmail map[string]*store.User
}

func (s *stubUsers) GetByID(_ context.Context, id int64) (*store.User, error) {
	for _, u := range s.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (s *stubUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	if u, ok := s.byEmail[strings.ToLower(email)]; ok {
		return u, nil
	}
	return nil, nil
}

type stubIntegrations struct {
	active *store.Integration
}

func (s *stubIntegrations) GetActive(_ context.Context, userID int64, service store.Service) (*store.Integration, error) {
	if s.active != nil && s.active.UserID == userID && s.active.Service == service {
		return s.active, nil
	}
	return nil, nil
}

func (s *stubIntegrations) Upsert(_ context.Context, integ store.Integration) (*store.Integration, error) {
	return &integ, nil
}

func (s *stubIntegrations) UpdateTokens(_ context.Context, _ int64, _, _ string, _ *time.Time) error {
	return nil
}

func (s *stubIntegrations) Deactivate(_ context.Context, _ int64, _ store.Service) error {
	s.active = nil
	return nil
}

type stubTokens struct {
	exchangeErr error
	exchanged   *store.Integration
	exchanges   int
	revokes     int
}

func (s *stubTokens) AuthorizeURL(service store.Service, admin bool, state string) string {
	return fmt.Sprintf("https://provider.example/auth?service=%s&admin=%t&state=%s", service, admin, state)
}

func (s *stubTokens) ExchangeCode(_ context.Context, code string, user *store.User, service store.Service, _ bool) (*store.Integration, error) {
	s.exchanges++
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	if s.exchanged != nil {
		return s.exchanged, nil
	}
	return &store.Integration{UserID: user.ID, Service: service, IsActive: true}, nil
}

func (s *stubTokens) Revoke(_ context.Context, _ int64, _ store.Service) error {
	s.revokes++
	return nil
}

type stubSyncer struct {
	summary    *sync.Summary
	err        error
	collection string
}

func (s *stubSyncer) Sync(_ context.Context, _ *store.User, _ store.Service) (*sync.Summary, error) {
	return s.summary, s.err
}

func (s *stubSyncer) SyncCollection(_ context.Context, _ *store.User, _ store.Service, externalID string) (*sync.Summary, error) {
	s.collection = externalID
	return s.summary, s.err
}

type apiFixture struct {
	router       http.Handler
	tokens       *stubTokens
	syncer       *stubSyncer
	integrations *stubIntegrations
	states       *StateCodec
}

func newAPIFixture() *apiFixture {
	users := &stubUsers{byEmail: map[string]*store.User{
		"student@example.com": {ID: 1, Email: "student@example.com", Role: store.RoleStudent},
		"admin@example.com":   {ID: 2, Email: "admin@example.com", Role: store.RoleAdmin},
	}}
	integrations := &stubIntegrations{}
	tokens := &stubTokens{}
	syncer := &stubSyncer{summary: &sync.Summary{CollectionsSeen: 2, ItemsUpserted: 4}}

	cfg := &config.Config{StateSecret: testSecret}
	st := &store.Store{Users: users, Integrations: integrations}

	return &apiFixture{
		router:       NewRouter(cfg, st, tokens, syncer),
		tokens:       tokens,
		syncer:       syncer,
		integrations: integrations,
		states:       NewStateCodec(testSecret),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAuthorizeURLEndpoint(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/api/classroom/authorize-url?email=student@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if !strings.Contains(resp["url"], "service=classroom") {
		t.Fatalf("unexpected authorize url: %s", resp["url"])
	}
}

func TestAuthorizeURLUnknownPrincipal(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/api/classroom/authorize-url?email=ghost@example.com", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAuthorizeURLAdminScopeNeedsAdminRole(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/api/classroom/authorize-url?email=student@example.com&admin=true", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/classroom/authorize-url?email=admin@example.com&admin=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestUnknownServiceIs404(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/api/drive/authorize-url?email=student@example.com", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %d", rec.Code)
	}
}

func TestCallbackCompletesExchange(t *testing.T) {
	f := newAPIFixture()
	state, err := f.states.Encode("student@example.com", store.ServiceClassroom, false)
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}

	body := fmt.Sprintf(`{"code":"code-1","state":%q,"email":"student@example.com"}`, state)
	rec := f.do(t, http.MethodPost, "/api/classroom/callback", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if f.tokens.exchanges != 1 {
		t.Fatalf("expected 1 exchange, got %d", f.tokens.exchanges)
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["status"] != "connected" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestCallbackRejectsTamperedState(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/api/classroom/callback",
		`{"code":"code-1","state":"not-a-real-state"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if f.tokens.exchanges != 0 {
		t.Fatal("tampered state must not reach the exchange")
	}
}

func TestCallbackRejectsServiceMismatch(t *testing.T) {
	f := newAPIFixture()
	state, err := f.states.Encode("student@example.com", store.ServiceCalendar, false)
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}

	body := fmt.Sprintf(`{"code":"code-1","state":%q}`, state)
	rec := f.do(t, http.MethodPost, "/api/classroom/callback", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCallbackErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{token.ErrCodeInvalidOrExpired, http.StatusBadRequest},
		{token.ErrReauthorizationRequired, http.StatusUnauthorized},
		{token.ErrPermissionDenied, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newAPIFixture()
		f.tokens.exchangeErr = tc.err
		state, err := f.states.Encode("student@example.com", store.ServiceClassroom, false)
		if err != nil {
			t.Fatalf("encode state: %v", err)
		}

		body := fmt.Sprintf(`{"code":"code-1","state":%q}`, state)
		rec := f.do(t, http.MethodPost, "/api/classroom/callback", body)
		if rec.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestSyncReturnsSummary(t *testing.T) {
	f := newAPIFixture()
	f.syncer.summary = &sync.Summary{CollectionsSeen: 2, ItemsUpserted: 4, SubEntitiesUpserted: 1}

	rec := f.do(t, http.MethodPost, "/api/classroom/sync", `{"email":"student@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var summary sync.Summary
	decodeJSON(t, rec, &summary)
	if summary.CollectionsSeen != 2 || summary.ItemsUpserted != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.ItemErrors == nil {
		t.Fatal("perItemErrors must serialize as an empty array, not null")
	}
}

func TestSyncErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{sync.ErrNotConnected, http.StatusConflict},
		{token.ErrReauthorizationRequired, http.StatusUnauthorized},
		{google.ErrUnavailable, http.StatusBadGateway},
		{sync.ErrCollectionNotVisible, http.StatusNotFound},
	}
	for _, tc := range cases {
		f := newAPIFixture()
		f.syncer.err = fmt.Errorf("sync: %w", tc.err)

		rec := f.do(t, http.MethodPost, "/api/classroom/sync", `{"email":"student@example.com"}`)
		if rec.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestSyncCollectionPassesExternalID(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/api/classroom/sync/course-42", `{"email":"student@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if f.syncer.collection != "course-42" {
		t.Fatalf("expected collection course-42, got %q", f.syncer.collection)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture()
	expiry := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	f.integrations.active = &store.Integration{
		UserID:         1,
		Service:        store.ServiceCalendar,
		TokenExpiresAt: &expiry,
		IsActive:       true,
	}

	rec := f.do(t, http.MethodGet, "/api/calendar/status?email=student@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Connected bool       `json:"connected"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	decodeJSON(t, rec, &resp)
	if !resp.Connected || resp.ExpiresAt == nil || !resp.ExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected status: %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/classroom/status?email=student@example.com", "")
	decodeJSON(t, rec, &resp)
	if resp.Connected {
		t.Fatal("classroom is not connected for this principal")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newAPIFixture()

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/calendar/disconnect", `{"email":"student@example.com"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status %d body %s", i, rec.Code, rec.Body.String())
		}
	}
	if f.tokens.revokes != 2 {
		t.Fatalf("expected 2 revoke calls, got %d", f.tokens.revokes)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}
