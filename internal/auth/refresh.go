package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/clock"
	"cardiosim/voice/internal/types"
)

// SigningRefresher mints tokens locally from a shared secret. Meant for dev
// setups where the client and gateway share VOICE_TOKEN_SECRET.
type SigningRefresher struct {
	Secret   string
	Identity types.SessionIdentity
	TTL      time.Duration
	Clock    clock.Clock
}

func (s SigningRefresher) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return GenerateToken(s.Secret, Claims{
		SessionID: s.Identity.SessionID,
		UserID:    s.Identity.UserID,
		Role:      string(s.Identity.Role),
		ExpUnix:   clk.Now().Add(ttl).Unix(),
	})
}

// HTTPRefresher fetches a token from an auth endpoint that answers
// {"token": "..."}.
type HTTPRefresher struct {
	URL    string
	Client *http.Client
	Header http.Header
}

func (h HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, nil)
	if err != nil {
		return "", err
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().Str("module", "auth").Int("status", resp.StatusCode).Str("body", string(b)).Msg("token refresh rejected")
		return "", fmt.Errorf("token endpoint: status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("token endpoint: empty token")
	}
	return body.Token, nil
}
