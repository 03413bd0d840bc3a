package gateway

import (
	"errors"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/protocol"
	"cardiosim/voice/internal/types"
)

var errNoRefresher = errors.New("no token refresher registered")

// onServerError handles server error frames. Only unauthorized_token is
// acted on here; every error frame still reaches other router subscribers.
func (c *Client) onServerError(e protocol.ServerError) {
	if e.Message != protocol.ErrUnauthorizedToken {
		metricServerErrors.Inc()
		log.Warn().Str("module", "gateway").Str("message", e.Message).Msg("server error")
		return
	}

	c.mu.Lock()
	if c.intentional || c.identity == nil {
		c.unlock()
		return
	}
	if c.authRetrying {
		c.failUnauthorizedLocked()
		c.unlock()
		log.Error().Str("module", "gateway").Msg("token rejected again after refresh")
		return
	}
	c.authRetrying = true
	c.authRefreshing = true
	c.sched.Reset()
	epoch := c.epoch
	ident := *c.identity
	c.unlock()

	log.Warn().Str("module", "gateway").Msg("token rejected, refreshing once")
	go c.retryAuth(epoch, ident)
}

// retryAuth runs the single refresh-and-reconnect cycle allowed per
// unauthorized signal.
func (c *Client) retryAuth(epoch uint64, ident types.SessionIdentity) {
	var (
		tok string
		err error
	)
	if c.opts.RefreshToken == nil {
		err = errNoRefresher
	} else {
		tok, err = c.refresh(c.ctx)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.intentional || !c.authRetrying {
		c.unlock()
		return
	}
	c.authRefreshing = false
	if err != nil || tok == "" {
		c.failUnauthorizedLocked()
		c.unlock()
		log.Error().Err(err).Str("module", "gateway").Msg("token refresh failed")
		return
	}
	ident.AuthToken = tok
	if c.identity != nil {
		c.identity.AuthToken = tok
	}
	c.dropConnLocked("token refresh")
	c.sched.Reset()
	c.opening = true
	c.setStatusLocked(types.StateConnecting, "")
	c.unlock()

	_ = c.establish(c.ctx, epoch, ident)
}

func (c *Client) onJoined(j protocol.Joined) {
	c.mu.Lock()
	c.authRetrying = false
	c.unlock()
	if j.InsecureMode {
		log.Warn().Str("module", "gateway").Msg("gateway running in insecure mode")
	}
}

// failUnauthorizedLocked is the terminal end of the auth retry path.
func (c *Client) failUnauthorizedLocked() {
	metricAuthFailures.Inc()
	c.authRetrying = false
	c.authRefreshing = false
	c.intentional = true
	c.epoch++
	c.sched.Reset()
	c.dropConnLocked("unauthorized")
	c.identity = nil
	c.setStatusLocked(types.StateError, types.ReasonUnauthorized)
}

// AuthRetrying reports whether a refresh-and-reconnect cycle is in progress.
func (c *Client) AuthRetrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authRetrying
}
