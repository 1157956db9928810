package token

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Identity is the provider-side identity bound to an integration, extracted
// from the id_token returned alongside the code exchange.
type Identity struct {
	Subject string
	Email   string
}

// Verifier validates a raw id_token and extracts the identity it asserts.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*Identity, error)
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier wraps a go-oidc verifier for the configured issuer.
func NewOIDCVerifier(verifier *oidc.IDTokenVerifier) Verifier {
	return &oidcVerifier{verifier: verifier}
}

func (o *oidcVerifier) Verify(ctx context.Context, rawIDToken string) (*Identity, error) {
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	return &Identity{Subject: idToken.Subject, Email: claims.Email}, nil
}
