// Package httpapi exposes the connection and sync operations over a JSON
// HTTP interface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gitea.jw6.us/james/classync/internal/google"
	"gitea.jw6.us/james/classync/internal/store"
	"gitea.jw6.us/james/classync/internal/sync"
	"gitea.jw6.us/james/classync/internal/token"
)

// TokenManager is the slice of the token lifecycle manager the handlers use.
type TokenManager interface {
	AuthorizeURL(service store.Service, admin bool, state string) string
	ExchangeCode(ctx context.Context, code string, user *store.User, service store.Service, admin bool) (*store.Integration, error)
	Revoke(ctx context.Context, userID int64, service store.Service) error
}

// Syncer is the slice of the sync engine the handlers use.
type Syncer interface {
	Sync(ctx context.Context, user *store.User, service store.Service) (*sync.Summary, error)
	SyncCollection(ctx context.Context, user *store.User, service store.Service, externalID string) (*sync.Summary, error)
}

// Handler serves the /api routes.
type Handler struct {
	store  *store.Store
	tokens TokenManager
	syncer Syncer
	states *StateCodec
}

func NewHandler(st *store.Store, tokens TokenManager, syncer Syncer, states *StateCodec) *Handler {
	return &Handler{store: st, tokens: tokens, syncer: syncer, states: states}
}

// AuthorizeURL returns the provider consent URL for a principal and service,
// with the flow context sealed into the state parameter.
func (h *Handler) AuthorizeURL(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}
	admin := r.URL.Query().Get("admin") == "true"

	user, ok := h.resolveUser(w, r, email)
	if !ok {
		return
	}
	if admin && user.Role != store.RoleAdmin {
		writeJSONError(w, http.StatusForbidden, "admin scope requires the admin role")
		return
	}

	state, err := h.states.Encode(user.Email, service, admin)
	if err != nil {
		h.internalError(w, r, err, "seal oauth state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url": h.tokens.AuthorizeURL(service, admin, state),
	})
}

type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
	Email string `json:"email"`
}

// Callback completes the OAuth flow: it validates the sealed state, resolves
// the principal, and exchanges the authorization code.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	var req callbackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	payload, err := h.states.Decode(req.State)
	if err != nil {
		logWarn(r, "oauth state rejected", err)
		writeJSONError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	if payload.Service != service {
		writeJSONError(w, http.StatusBadRequest, "state was issued for a different service")
		return
	}
	if req.Email != "" && !strings.EqualFold(req.Email, payload.Email) {
		writeJSONError(w, http.StatusBadRequest, "state was issued for a different principal")
		return
	}

	user, ok := h.resolveUser(w, r, payload.Email)
	if !ok {
		return
	}

	integ, err := h.tokens.ExchangeCode(r.Context(), req.Code, user, service, payload.Admin)
	if err != nil {
		h.writeDomainError(w, r, err, "code exchange")
		return
	}
	logInfo(r, "integration connected", "user", user.Email, "service", string(integ.Service))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "connected",
		"message": "integration is active",
	})
}

type principalRequest struct {
	Email string `json:"email"`
}

// Sync runs a full hierarchy sync for the principal.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, "")
}

// SyncCollection re-syncs a single collection by its provider id.
func (h *Handler) SyncCollection(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	h.runSync(w, r, collectionID)
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request, collectionID string) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	var req principalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := h.resolveUser(w, r, req.Email)
	if !ok {
		return
	}

	var summary *sync.Summary
	var err error
	if collectionID == "" {
		summary, err = h.syncer.Sync(r.Context(), user, service)
	} else {
		summary, err = h.syncer.SyncCollection(r.Context(), user, service, collectionID)
	}
	if err != nil {
		h.writeDomainError(w, r, err, "sync run")
		return
	}
	if summary.ItemErrors == nil {
		summary.ItemErrors = []sync.ItemError{}
	}
	writeJSON(w, http.StatusOK, summary)
}

// Status reports whether the principal has an active integration for the
// service and when its access token expires.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}
	user, ok := h.resolveUser(w, r, email)
	if !ok {
		return
	}

	integ, err := h.store.Integrations.GetActive(r.Context(), user.ID, service)
	if err != nil {
		h.internalError(w, r, err, "load integration")
		return
	}

	resp := struct {
		Connected bool       `json:"connected"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}{}
	if integ != nil {
		resp.Connected = true
		resp.ExpiresAt = integ.TokenExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Disconnect deactivates the principal's integration. Idempotent.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	var req principalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := h.resolveUser(w, r, req.Email)
	if !ok {
		return
	}

	if err := h.tokens.Revoke(r.Context(), user.ID, service); err != nil {
		h.internalError(w, r, err, "revoke integration")
		return
	}
	logInfo(r, "integration disconnected", "user", user.Email, "service", string(service))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) service(w http.ResponseWriter, r *http.Request) (store.Service, bool) {
	service, err := store.ParseService(chi.URLParam(r, "service"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown service")
		return "", false
	}
	return service, true
}

func (h *Handler) resolveUser(w http.ResponseWriter, r *http.Request, email string) (*store.User, bool) {
	email = strings.TrimSpace(email)
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, "email is required")
		return nil, false
	}
	user, err := h.store.Users.GetByEmail(r.Context(), email)
	if err != nil {
		h.internalError(w, r, err, "resolve principal")
		return nil, false
	}
	if user == nil {
		writeJSONError(w, http.StatusNotFound, "unknown principal")
		return nil, false
	}
	return user, true
}

// writeDomainError maps domain sentinels to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, token.ErrCodeInvalidOrExpired):
		logWarn(r, op, err)
		writeJSONError(w, http.StatusBadRequest, "authorization code invalid or expired, restart the connection flow")
	case errors.Is(err, token.ErrReauthorizationRequired):
		logWarn(r, op, err)
		writeJSONError(w, http.StatusUnauthorized, "authorization has been revoked, reconnect the service")
	case errors.Is(err, token.ErrPermissionDenied):
		logWarn(r, op, err)
		writeJSONError(w, http.StatusForbidden, "insufficient role for the requested scope")
	case errors.Is(err, sync.ErrNotConnected):
		writeJSONError(w, http.StatusConflict, "service is not connected for this principal")
	case errors.Is(err, sync.ErrCollectionNotVisible):
		writeJSONError(w, http.StatusNotFound, "collection not found")
	case errors.Is(err, google.ErrUnavailable):
		logWarn(r, op, err)
		writeJSONError(w, http.StatusBadGateway, "upstream provider unavailable, retry later")
	default:
		h.internalError(w, r, err, op)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

func logWarn(r *http.Request, message string, err error) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf("[WARN] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[WARN] %s: %v", message, err)
	}
}

func logInfo(r *http.Request, message string, kv ...string) {
	var b strings.Builder
	b.WriteString(message)
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(kv[i])
		b.WriteString("=")
		b.WriteString(kv[i+1])
	}
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		log.Printf("[INFO] RequestID=%s: %s", requestID, b.String())
	} else {
		log.Printf("[INFO] %s", b.String())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
