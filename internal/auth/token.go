// Package auth mints and checks the HMAC tokens participants present in
// their join frame, and provides token refreshers for the gateway client.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired")
	ErrTokenSID    = errors.New("session id mismatch")
)

// Claims identify the seat a token was issued for.
type Claims struct {
	SessionID string
	UserID    string
	Role      string
	ExpUnix   int64
}

func field(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func unfield(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateToken builds a participant token.
// Format: base64url(b64(session) "." b64(user) "." b64(role) "." exp "." hex(hmac_sha256(secret, preceding)))
func GenerateToken(secret string, c Claims) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	msg := strings.Join([]string{field(c.SessionID), field(c.UserID), field(c.Role), strconv.FormatInt(c.ExpUnix, 10)}, ".")
	raw := msg + "." + sign(secret, msg)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// ValidateToken parses token and checks signature, session and expiry.
// skew extends the expiry to tolerate clock drift between machines.
func ValidateToken(secret, token, expectSessionID string, now time.Time, skew time.Duration) (Claims, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	parts := strings.Split(string(b), ".")
	if len(parts) != 5 {
		return Claims{}, ErrTokenFormat
	}
	msg := strings.Join(parts[:4], ".")
	got, err := hex.DecodeString(parts[4])
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	want, _ := hex.DecodeString(sign(secret, msg))
	if !hmac.Equal(want, got) {
		return Claims{}, ErrTokenSig
	}

	var c Claims
	if c.SessionID, err = unfield(parts[0]); err != nil {
		return Claims{}, ErrTokenFormat
	}
	if c.UserID, err = unfield(parts[1]); err != nil {
		return Claims{}, ErrTokenFormat
	}
	if c.Role, err = unfield(parts[2]); err != nil {
		return Claims{}, ErrTokenFormat
	}
	if c.ExpUnix, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
		return Claims{}, ErrTokenFormat
	}
	if expectSessionID != "" && c.SessionID != expectSessionID {
		return Claims{}, ErrTokenSID
	}
	if now.Unix() > c.ExpUnix+int64(skew.Seconds()) {
		return Claims{}, ErrTokenExp
	}
	return c, nil
}
