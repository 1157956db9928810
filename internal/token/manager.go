// Package token owns the lifecycle of one OAuth credential pair per
// (principal, service): authorization-code exchange, single-flight refresh,
// and revocation.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"gitea.jw6.us/james/classync/internal/config"
	"gitea.jw6.us/james/classync/internal/metrics"
	"gitea.jw6.us/james/classync/internal/store"
	"gitea.jw6.us/james/classync/internal/vault"
)

// State of a credential pair. Refreshing is implicit: it is the window in
// which a singleflight refresh call is in flight for the integration.
type State string

const (
	StateValid    State = "valid"
	StateExpiring State = "expiring"
	StateRevoked  State = "revoked"
)

// expirySkew treats tokens inside this window as already expired, so a sync
// run never starts with a token about to lapse mid-run.
const expirySkew = 2 * time.Minute

// duplicateWindow bounds the idempotency check for resubmitted authorization
// codes: an active integration updated this recently is assumed to be the
// result of the first submission of the same code.
const duplicateWindow = 2 * time.Minute

var baseScopes = []string{oidc.ScopeOpenID, "email"}

var serviceScopes = map[store.Service][]string{
	store.ServiceClassroom: {
		"https://www.googleapis.com/auth/classroom.courses.readonly",
		"https://www.googleapis.com/auth/classroom.coursework.me.readonly",
	},
	store.ServiceCalendar: {
		"https://www.googleapis.com/auth/calendar.readonly",
	},
}

// adminScopes are only grantable to principals holding the admin role; the
// role is re-checked at exchange time, not trusted from the authorize step.
var adminScopes = map[store.Service][]string{
	store.ServiceClassroom: {
		"https://www.googleapis.com/auth/classroom.rosters.readonly",
	},
}

// Manager implements the token lifecycle for all integrations.
type Manager struct {
	store    *store.Store
	vault    *vault.Vault
	verifier Verifier

	clientID     string
	clientSecret string
	redirectURL  string
	endpoint     oauth2.Endpoint

	refreshes singleflight.Group
	now       func() time.Time
}

// Options wires a Manager. Endpoint and Verifier are injectable so tests can
// run against an httptest token endpoint without OIDC discovery.
type Options struct {
	Store        *store.Store
	Vault        *vault.Vault
	Verifier     Verifier
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	Now          func() time.Time
}

func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:        opts.Store,
		vault:        opts.Vault,
		verifier:     opts.Verifier,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		redirectURL:  opts.RedirectURL,
		endpoint:     opts.Endpoint,
		now:          now,
	}
}

// NewManagerFromDiscovery builds a production Manager whose endpoints and
// id_token verifier come from the issuer's OIDC discovery document.
func NewManagerFromDiscovery(ctx context.Context, cfg *config.Config, st *store.Store, v *vault.Vault) (*Manager, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Google.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Google.IssuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.Google.ClientID})
	return NewManager(Options{
		Store:        st,
		Vault:        v,
		Verifier:     NewOIDCVerifier(verifier),
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Endpoint:     provider.Endpoint(),
	}), nil
}

// config builds the per-service oauth2 configuration.
func (m *Manager) config(service store.Service, admin bool) *oauth2.Config {
	scopes := append([]string{}, baseScopes...)
	scopes = append(scopes, serviceScopes[service]...)
	if admin {
		scopes = append(scopes, adminScopes[service]...)
	}
	return &oauth2.Config{
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		RedirectURL:  m.redirectURL,
		Endpoint:     m.endpoint,
		Scopes:       scopes,
	}
}

// AuthorizeURL returns the provider consent URL for a service. Offline
// access requests a refresh token; forced approval makes Google return one
// even on repeat consent.
func (m *Manager) AuthorizeURL(service store.Service, admin bool, state string) string {
	return m.config(service, admin).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode performs one authorization-code-for-token exchange and
// registers the resulting integration.
//
// Authorization codes are single-use, so a duplicate submission (client
// retry, browser back-navigation) must not surface a hard failure: an active
// integration updated within the duplicate window short-circuits the
// exchange, and a provider invalid_grant falls back to the existing active
// integration when one exists.
func (m *Manager) ExchangeCode(ctx context.Context, code string, user *store.User, service store.Service, admin bool) (*store.Integration, error) {
	if code == "" {
		return nil, fmt.Errorf("empty code: %w", ErrCodeInvalidOrExpired)
	}

	existing, err := m.store.Integrations.GetActive(ctx, user.ID, service)
	if err != nil {
		return nil, err
	}
	if existing != nil && m.now().Sub(existing.UpdatedAt) < duplicateWindow {
		log.Printf("[INFO] duplicate code submission for user=%d service=%s, returning existing integration", user.ID, service)
		return existing, nil
	}

	if admin {
		// Re-check the role at call time; the authorize step may be stale.
		fresh, err := m.store.Users.GetByID(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if fresh == nil || fresh.Role != store.RoleAdmin {
			return nil, fmt.Errorf("admin integration scope for user %d: %w", user.ID, ErrPermissionDenied)
		}
	}

	cfg := m.config(service, admin)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		if isCodeRejected(err) {
			// The code was already consumed. If the first submission got
			// through, the integration exists and this is a no-op. Re-read
			// the registry: the first submission may have completed after
			// our lookup above.
			current, lookupErr := m.store.Integrations.GetActive(ctx, user.ID, service)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if current != nil {
				return current, nil
			}
			return nil, fmt.Errorf("code exchange rejected: %w", ErrCodeInvalidOrExpired)
		}
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	var identity Identity
	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" && m.verifier != nil {
		verified, err := m.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, err
		}
		identity = *verified
	}

	refreshToken := tok.RefreshToken
	sealedRefresh := ""
	if refreshToken != "" {
		if sealedRefresh, err = m.vault.Seal(refreshToken); err != nil {
			return nil, err
		}
	} else if existing != nil {
		// Google omits the refresh token on repeat consent; keep the one we
		// already hold (still sealed).
		sealedRefresh = existing.RefreshToken
	}
	sealedAccess, err := m.vault.Seal(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	integ := store.Integration{
		UserID:          user.ID,
		Service:         service,
		AccessToken:     sealedAccess,
		RefreshToken:    sealedRefresh,
		TokenExpiresAt:  expiryPtr(tok.Expiry),
		Scope:           cfg.Scopes,
		ProviderSubject: identity.Subject,
		ProviderEmail:   identity.Email,
	}
	return m.store.Integrations.Upsert(ctx, integ)
}

// StateOf reports the lifecycle state of an integration's credential pair.
func (m *Manager) StateOf(integ *store.Integration) State {
	if integ == nil || !integ.IsActive {
		return StateRevoked
	}
	if integ.TokenExpiresAt == nil {
		return StateValid
	}
	if m.now().Before(integ.TokenExpiresAt.Add(-expirySkew)) {
		return StateValid
	}
	return StateExpiring
}

// GetValidAccessToken returns a usable plaintext access token, refreshing it
// when expired or inside the skew window. Concurrent callers for the same
// integration share a single upstream refresh.
func (m *Manager) GetValidAccessToken(ctx context.Context, integ *store.Integration) (string, error) {
	switch m.StateOf(integ) {
	case StateRevoked:
		return "", ErrReauthorizationRequired
	case StateValid:
		return m.vault.Open(integ.AccessToken)
	}
	return m.refresh(ctx, integ, false)
}

// ForceRefresh rotates the access token even if it looks unexpired, used
// after the provider rejected it with a 401. Callers invoke this at most
// once per failed call.
func (m *Manager) ForceRefresh(ctx context.Context, integ *store.Integration) (string, error) {
	if m.StateOf(integ) == StateRevoked {
		return "", ErrReauthorizationRequired
	}
	return m.refresh(ctx, integ, true)
}

// refresh performs the single-flight refresh. The integration row is re-read
// inside the flight: a concurrent caller (or another process) may have
// rotated the token between our staleness check and lock acquisition.
func (m *Manager) refresh(ctx context.Context, integ *store.Integration, force bool) (string, error) {
	key := strconv.FormatInt(integ.ID, 10)
	result, err, _ := m.refreshes.Do(key, func() (any, error) {
		fresh, err := m.store.Integrations.GetActive(ctx, integ.UserID, integ.Service)
		if err != nil {
			return "", err
		}
		if fresh == nil || fresh.ID != integ.ID {
			return "", ErrReauthorizationRequired
		}

		if !force && m.StateOf(fresh) == StateValid {
			// Someone refreshed while we waited for the flight.
			return m.vault.Open(fresh.AccessToken)
		}
		if force && fresh.AccessToken != integ.AccessToken {
			// The rejected token has already been rotated.
			return m.vault.Open(fresh.AccessToken)
		}

		if fresh.RefreshToken == "" {
			_ = m.store.Integrations.Deactivate(ctx, fresh.UserID, fresh.Service)
			metrics.IncTokenRefresh("revoked")
			return "", fmt.Errorf("no refresh token on file: %w", ErrReauthorizationRequired)
		}
		refreshToken, err := m.vault.Open(fresh.RefreshToken)
		if err != nil {
			return "", err
		}

		cfg := m.config(fresh.Service, false)
		newTok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			if isInvalidGrant(err) {
				// The user revoked access (or the refresh token expired).
				// Deactivate and require new consent; retrying cannot help.
				if derr := m.store.Integrations.Deactivate(ctx, fresh.UserID, fresh.Service); derr != nil {
					log.Printf("[ERROR] deactivate integration %d after refresh rejection: %v", fresh.ID, derr)
				}
				metrics.IncTokenRefresh("revoked")
				return "", fmt.Errorf("refresh token rejected: %w", ErrReauthorizationRequired)
			}
			metrics.IncTokenRefresh("error")
			return "", fmt.Errorf("refresh token: %w", err)
		}

		sealedAccess, err := m.vault.Seal(newTok.AccessToken)
		if err != nil {
			return "", err
		}
		sealedRefresh := fresh.RefreshToken
		if newTok.RefreshToken != "" && newTok.RefreshToken != refreshToken {
			if sealedRefresh, err = m.vault.Seal(newTok.RefreshToken); err != nil {
				return "", err
			}
		}
		if err := m.store.Integrations.UpdateTokens(ctx, fresh.ID, sealedAccess, sealedRefresh, expiryPtr(newTok.Expiry)); err != nil {
			return "", err
		}
		metrics.IncTokenRefresh("ok")
		return newTok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Revoke marks the active integration inactive. Idempotent.
func (m *Manager) Revoke(ctx context.Context, userID int64, service store.Service) error {
	return m.store.Integrations.Deactivate(ctx, userID, service)
}

// isInvalidGrant matches only the structured invalid_grant error. Refresh
// failures deactivate the integration, so an unstructured 400 (proxy error,
// malformed request) must not count: a retry may still succeed, losing the
// integration over one cannot be undone without new consent.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	return retrieveErr.ErrorCode == "invalid_grant"
}

// isCodeRejected is the looser match used only on the exchange path, where
// the worst outcome of a false positive is a retryable error to the caller.
// Some providers omit the structured error field when rejecting a consumed
// authorization code.
func isCodeRejected(err error) bool {
	if isInvalidGrant(err) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	return retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 400 && retrieveErr.ErrorCode == ""
}

func expiryPtr(expiry time.Time) *time.Time {
	if expiry.IsZero() {
		return nil
	}
	return &expiry
}
