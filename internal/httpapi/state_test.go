package httpapi

import (
	"strings"
	"testing"
	"time"

	"gitea.jw6.us/james/classync/internal/store"
)

func TestStateCodecRoundtrip(t *testing.T) {
	codec := NewStateCodec("0123456789abcdef0123456789abcdef")

	state, err := codec.Encode("student@example.com", store.ServiceClassroom, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(state, "student@example.com") {
		t.Fatal("state must not leak the email in cleartext")
	}

	payload, err := codec.Decode(state)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Email != "student@example.com" || payload.Service != store.ServiceClassroom || !payload.Admin {
		t.Fatalf("roundtrip mismatch: %+v", payload)
	}
}

func TestStateCodecRejectsTampering(t *testing.T) {
	codec := NewStateCodec("0123456789abcdef0123456789abcdef")

	state, err := codec.Encode("student@example.com", store.ServiceCalendar, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tampered := state[:len(state)-2] + "zz"
	if _, err := codec.Decode(tampered); err == nil {
		t.Fatal("tampered state must be rejected")
	}
}

func TestStateCodecRejectsForeignKey(t *testing.T) {
	codec := NewStateCodec("0123456789abcdef0123456789abcdef")
	other := NewStateCodec("ffffffffffffffffffffffffffffffff")

	state, err := other.Encode("student@example.com", store.ServiceCalendar, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := codec.Decode(state); err == nil {
		t.Fatal("state sealed under a different secret must be rejected")
	}
}

func TestStateCodecRejectsExpired(t *testing.T) {
	codec := NewStateCodec("0123456789abcdef0123456789abcdef")
	codec.now = func() time.Time { return time.Now().Add(-time.Hour) }

	state, err := codec.Encode("student@example.com", store.ServiceClassroom, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	codec.now = time.Now
	if _, err := codec.Decode(state); err == nil {
		t.Fatal("expired state must be rejected")
	}
}
