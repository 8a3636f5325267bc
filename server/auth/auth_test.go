package auth

import (
	"encoding/json"
	"testing"

	types "github.com/lattice-db/lattice/server/store/types"
)

func newTestHandler(t *testing.T) *Handler {
	h, err := NewHandler(json.RawMessage(`{"secret": "test-secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestIssueDecodeRoundtrip(t *testing.T) {
	h := newTestHandler(t)
	pair, err := h.Issue(types.User{ID: 42, Username: "alice", Email: "a@example.com", Admin: true})
	if err != nil {
		t.Fatal(err)
	}
	if pair.Token == "" || pair.RefreshToken == "" {
		t.Fatal("empty token pair")
	}

	user, err := h.Decode(pair.Token)
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != 42 || user.Username != "alice" || user.Email != "a@example.com" || !user.Admin {
		t.Errorf("claims lost in roundtrip: %+v", user)
	}
}

func TestRefreshTokenRejectedAsSession(t *testing.T) {
	h := newTestHandler(t)
	pair, err := h.Issue(types.User{ID: 1, Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = h.Decode(pair.RefreshToken); err != ErrTokenInvalid {
		t.Errorf("got %v, want ErrTokenInvalid", err)
	}
}

func TestSessionTokenRejectedAsRefresh(t *testing.T) {
	h := newTestHandler(t)
	pair, err := h.Issue(types.User{ID: 1, Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = h.Refresh(pair.Token); err != ErrNotRefreshToken {
		t.Errorf("got %v, want ErrNotRefreshToken", err)
	}
}

func TestRefreshIssuesNewPair(t *testing.T) {
	h := newTestHandler(t)
	pair, err := h.Issue(types.User{ID: 7, Username: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := h.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	user, err := h.Decode(fresh.Token)
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != 7 || user.Username != "carol" {
		t.Errorf("identity lost across refresh: %+v", user)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	h := newTestHandler(t)
	pair, err := h.Issue(types.User{ID: 1, Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewHandler(json.RawMessage(`{"secret": "other-secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = other.Decode(pair.Token); err != ErrTokenInvalid {
		t.Errorf("got %v, want ErrTokenInvalid", err)
	}
}

func TestParseBearer(t *testing.T) {
	if got := ParseBearer("Bearer abc.def.ghi"); got != "abc.def.ghi" {
		t.Errorf("got %q", got)
	}
	if got := ParseBearer("Basic dXNlcjpwYXNz"); got != "" {
		t.Errorf("non-bearer header must yield empty token, got %q", got)
	}
	if got := ParseBearer(""); got != "" {
		t.Errorf("empty header must yield empty token, got %q", got)
	}
}

func TestMissingSecretRejected(t *testing.T) {
	if _, err := NewHandler(json.RawMessage(`{}`)); err == nil {
		t.Error("config without a secret must be rejected")
	}
}
