package httpapi

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"

	"gitea.jw6.us/james/classync/internal/store"
)

const stateName = "oauth_state"
const stateTTL = 10 * time.Minute

// StatePayload is the signed, encrypted OAuth state round-tripped through
// the provider. It binds the callback to the principal and service that
// started the flow.
type StatePayload struct {
	Email   string        `json:"email"`
	Service store.Service `json:"service"`
	Admin   bool          `json:"admin"`
	Exp     int64         `json:"exp"`
}

// StateCodec seals and opens OAuth state parameters.
type StateCodec struct {
	codec *securecookie.SecureCookie
	now   func() time.Time
}

func NewStateCodec(secret string) *StateCodec {
	hash := sha256.Sum256([]byte(secret))
	sc := securecookie.New(hash[:], hash[:])
	sc.MaxAge(int(stateTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &StateCodec{codec: sc, now: time.Now}
}

func (s *StateCodec) Encode(email string, service store.Service, admin bool) (string, error) {
	payload := StatePayload{
		Email:   email,
		Service: service,
		Admin:   admin,
		Exp:     s.now().Add(stateTTL).Unix(),
	}
	encoded, err := s.codec.Encode(stateName, payload)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return encoded, nil
}

// Decode opens a state parameter, rejecting tampered or expired values.
func (s *StateCodec) Decode(state string) (*StatePayload, error) {
	var payload StatePayload
	if err := s.codec.Decode(stateName, state, &payload); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if time.Unix(payload.Exp, 0).Before(s.now()) {
		return nil, fmt.Errorf("state expired")
	}
	return &payload, nil
}
