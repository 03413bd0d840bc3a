package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cardiosim/voice/internal/clock"
	"cardiosim/voice/internal/types"
)

func TestGenerateAndValidateToken(t *testing.T) {
	sec := "secret123"
	c := Claims{SessionID: "case.1", UserID: "alice@example.com", Role: "participant", ExpUnix: time.Now().Add(5 * time.Minute).Unix()}

	tok, err := GenerateToken(sec, c)
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	got, err := ValidateToken(sec, tok, "case.1", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got != c {
		t.Fatalf("mismatch: %+v vs %+v", got, c)
	}
}

func TestValidateRejects(t *testing.T) {
	sec := "secret123"
	now := time.Now()
	tok, _ := GenerateToken(sec, Claims{SessionID: "s1", UserID: "u1", Role: "participant", ExpUnix: now.Unix()})

	if _, err := ValidateToken("other", tok, "", now, 0); !errors.Is(err, ErrTokenSig) {
		t.Fatalf("wrong secret: %v", err)
	}
	if _, err := ValidateToken(sec, tok, "s2", now, 0); !errors.Is(err, ErrTokenSID) {
		t.Fatalf("wrong session: %v", err)
	}
	if _, err := ValidateToken(sec, tok, "s1", now.Add(2*time.Minute), time.Minute); !errors.Is(err, ErrTokenExp) {
		t.Fatalf("expired: %v", err)
	}
	if _, err := ValidateToken(sec, tok, "s1", now.Add(30*time.Second), time.Minute); err != nil {
		t.Fatalf("within skew: %v", err)
	}
	if _, err := ValidateToken(sec, "!!!", "", now, 0); !errors.Is(err, ErrTokenFormat) {
		t.Fatalf("garbage: %v", err)
	}
}

func TestSigningRefresher(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	r := SigningRefresher{
		Secret:   "s3cret",
		Identity: types.SessionIdentity{SessionID: "case-3", UserID: "u9", Role: types.RolePresenter},
		TTL:      10 * time.Minute,
		Clock:    clk,
	}
	tok, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	c, err := ValidateToken("s3cret", tok, "case-3", clk.Now(), 0)
	if err != nil || c.Role != "presenter" || c.ExpUnix != clk.Now().Add(10*time.Minute).Unix() {
		t.Fatalf("unexpected claims %+v err=%v", c, err)
	}
}

func TestHTTPRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer session-cookie" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"fresh-token"}`))
	}))
	defer srv.Close()

	ok := HTTPRefresher{URL: srv.URL, Header: http.Header{"Authorization": {"Bearer session-cookie"}}}
	tok, err := ok.Refresh(context.Background())
	if err != nil || tok != "fresh-token" {
		t.Fatalf("refresh: %q err=%v", tok, err)
	}

	denied := HTTPRefresher{URL: srv.URL}
	if _, err := denied.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error on 401")
	}
}
