// Package gateway owns the single bidirectional connection between a
// classroom client and the voice backend: connection state, session
// identity, heartbeat, reconnect scheduling and the one-shot auth retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/clock"
	"cardiosim/voice/internal/heartbeat"
	"cardiosim/voice/internal/protocol"
	"cardiosim/voice/internal/reconnect"
	"cardiosim/voice/internal/types"
)

var (
	// ErrNotOpen is returned by sends while no socket is open. Nothing is queued.
	ErrNotOpen      = errors.New("gateway: not connected")
	ErrUnauthorized = errors.New("gateway: unauthorized")
	ErrCancelled    = errors.New("gateway: connect superseded")
)

// TokenRefresher fetches a fresh auth token for the current user.
type TokenRefresher func(ctx context.Context) (string, error)

// Options configures a Client. Zero durations and an empty Backoff take the
// package defaults.
type Options struct {
	URL    string
	Dialer Dialer
	Clock  clock.Clock

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Backoff           []time.Duration
	MaxAttempts       int

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RefreshTimeout time.Duration

	RefreshToken TokenRefresher
}

// Client is the connection manager. Build one per participant process with New.
type Client struct {
	opts   Options
	clock  clock.Clock
	router *protocol.Router
	hb     *heartbeat.Monitor
	sched  *reconnect.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	status         types.ConnectionStatus
	identity       *types.SessionIdentity
	conn           Conn
	connCancel     context.CancelFunc
	opening        bool
	epoch          uint64
	intentional    bool
	authRetrying   bool
	authRefreshing bool // retryAuth awaiting the refresher; backoff reconnects stand down
	pending        []func()

	subMu         sync.Mutex
	nextSub       uint64
	statusSubs    map[uint64]func(types.ConnectionStatus)
	reconnectSubs map[uint64]func(attempt int, delay time.Duration)

	internal []protocol.Disposer
}

// New builds a disconnected Client; nothing is dialled until Connect.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:          opts,
		clock:         opts.Clock,
		router:        protocol.NewRouter(),
		sched:         reconnect.New(opts.Clock, opts.Backoff, opts.MaxAttempts),
		ctx:           ctx,
		cancel:        cancel,
		status:        types.ConnectionStatus{State: types.StateDisconnected, LastChangedAt: opts.Clock.Now()},
		statusSubs:    make(map[uint64]func(types.ConnectionStatus)),
		reconnectSubs: make(map[uint64]func(int, time.Duration)),
	}
	c.hb = heartbeat.New(opts.Clock, opts.HeartbeatInterval, opts.HeartbeatTimeout, c.sendPing, c.onHeartbeatTimeout)
	c.internal = []protocol.Disposer{
		c.router.OnPong(func(protocol.Pong) { c.hb.Pong() }),
		c.router.OnJoined(c.onJoined),
		c.router.OnError(c.onServerError),
	}
	return c
}

// Router exposes inbound message subscriptions.
func (c *Client) Router() *protocol.Router { return c.router }

func (c *Client) Status() types.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Identity returns the current session identity, if connected or connecting.
func (c *Client) Identity() (types.SessionIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.SessionIdentity{}, false
	}
	return *c.identity, true
}

// ReconnectAttempts reports consecutive failed attempts since the last open.
func (c *Client) ReconnectAttempts() int { return c.sched.Attempts() }

// OnStatus subscribes to every connection state transition.
func (c *Client) OnStatus(fn func(types.ConnectionStatus)) protocol.Disposer {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.statusSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.statusSubs, id)
		c.subMu.Unlock()
	}
}

// OnReconnectScheduled subscribes to armed reconnect attempts.
func (c *Client) OnReconnectScheduled(fn func(attempt int, delay time.Duration)) protocol.Disposer {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.reconnectSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.reconnectSubs, id)
		c.subMu.Unlock()
	}
}

// Connect opens a connection for id. It is a no-op when an open or opening
// socket already serves the same session, user and role; otherwise any
// existing connection is torn down first. Without a token, a registered
// refresher is awaited and its failure ends in error(unauthorized) without
// opening a socket.
func (c *Client) Connect(ctx context.Context, id types.SessionIdentity) error {
	c.mu.Lock()
	if c.identity != nil && (c.conn != nil || c.opening) && c.identity.SameSeat(id) {
		c.unlock()
		log.Info().Str("module", "gateway").Str("session", id.SessionID).Str("user", id.UserID).Msg("already connected, ignoring connect")
		return nil
	}
	c.dropConnLocked("reconnecting with new identity")
	c.epoch++
	epoch := c.epoch
	c.intentional = false
	c.authRetrying = false
	c.authRefreshing = false
	c.sched.Reset()
	ident := id
	c.identity = &ident
	c.opening = true
	c.setStatusLocked(types.StateConnecting, "")
	c.unlock()

	if ident.AuthToken == "" && c.opts.RefreshToken != nil {
		tok, err := c.refresh(ctx)
		if err != nil || tok == "" {
			c.mu.Lock()
			if c.epoch == epoch {
				c.opening = false
				c.setStatusLocked(types.StateError, types.ReasonUnauthorized)
			}
			c.unlock()
			metricAuthFailures.Inc()
			log.Error().Err(err).Str("module", "gateway").Msg("no auth token, not connecting")
			if err == nil {
				err = errors.New("empty token")
			}
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		ident.AuthToken = tok
		c.mu.Lock()
		if c.epoch == epoch && c.identity != nil {
			c.identity.AuthToken = tok
		}
		c.unlock()
	}
	return c.establish(ctx, epoch, ident)
}

// Disconnect tears the connection down on purpose. Pending reconnects and
// auth retries are cancelled and the client will not revive itself.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.epoch++
	c.sched.Reset()
	c.authRetrying = false
	c.authRefreshing = false
	c.dropConnLocked("client disconnect")
	c.identity = nil
	c.setStatusLocked(types.StateDisconnected, "")
	c.unlock()
	log.Info().Str("module", "gateway").Msg("disconnected")
}

// Close disconnects and releases the client's background context.
func (c *Client) Close() {
	c.Disconnect()
	c.cancel()
	for _, d := range c.internal {
		d()
	}
}

// establish dials and, on success, sends join, moves to ready, resets the
// reconnect counter and starts the heartbeat.
func (c *Client) establish(ctx context.Context, epoch uint64, ident types.SessionIdentity) error {
	dialer := c.opts.Dialer
	var (
		conn Conn
		err  error
	)
	start := time.Now()
	if dialer == nil {
		err = ErrUnsupported
	} else {
		dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err = dialer.Dial(dctx, c.opts.URL)
		cancel()
	}

	c.mu.Lock()
	if c.epoch != epoch || c.intentional {
		c.unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		return ErrCancelled
	}
	if err != nil {
		c.opening = false
		if errors.Is(err, ErrUnsupported) {
			metricDials.WithLabelValues("unsupported").Inc()
			c.setStatusLocked(types.StateError, types.ReasonUnsupported)
			c.unlock()
			log.Error().Err(err).Str("module", "gateway").Msg("websocket unsupported, giving up")
			return err
		}
		metricDials.WithLabelValues("error").Inc()
		c.setStatusLocked(types.StateError, types.ReasonSocketError)
		c.scheduleReconnectLocked(epoch)
		c.unlock()
		log.Warn().Err(err).Str("module", "gateway").Str("url", c.opts.URL).Msg("connect error")
		return fmt.Errorf("dial gateway: %w", err)
	}
	c.conn = conn
	rctx, rcancel := context.WithCancel(c.ctx)
	c.connCancel = rcancel
	c.unlock()

	metricDials.WithLabelValues("ok").Inc()
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))

	join := protocol.Join{
		SessionID:   ident.SessionID,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		Role:        string(ident.Role),
		AuthToken:   ident.AuthToken,
	}
	// join goes out before the ready state would normally gate sends
	if err := c.write(conn, join); err != nil {
		c.onConnLost(conn, err)
		return fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	if c.conn != conn {
		c.unlock()
		return ErrCancelled
	}
	c.opening = false
	c.sched.Reset()
	c.setStatusLocked(types.StateReady, "")
	c.hb.Start()
	c.unlock()

	go c.readLoop(rctx, conn)
	log.Info().Str("module", "gateway").Str("session", ident.SessionID).Str("user", ident.UserID).Str("role", string(ident.Role)).Msg("connected")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.onConnLost(conn, err)
			return
		}
		c.router.Dispatch(data)
	}
}

// onConnLost handles an unexpected close or transport error on conn.
func (c *Client) onConnLost(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.unlock()
		return
	}
	c.dropConnLocked("")
	state, reason := types.StateError, types.ReasonSocketError
	if errors.Is(err, ErrClosed) {
		state, reason = types.StateDisconnected, types.ReasonClosed
	}
	c.setStatusLocked(state, reason)
	c.scheduleReconnectLocked(c.epoch)
	c.unlock()
	log.Warn().Err(err).Str("module", "gateway").Str("reason", reason).Msg("connection lost")
}

func (c *Client) onHeartbeatTimeout() {
	c.mu.Lock()
	if c.conn == nil {
		c.unlock()
		return
	}
	c.dropConnLocked(types.ReasonHeartbeatTimeout)
	c.setStatusLocked(types.StateDisconnected, types.ReasonHeartbeatTimeout)
	c.scheduleReconnectLocked(c.epoch)
	c.unlock()
}

func (c *Client) scheduleReconnectLocked(epoch uint64) {
	if c.intentional || c.identity == nil || c.authRefreshing {
		return
	}
	attempt := c.sched.Attempts() + 1
	delay, ok := c.sched.Schedule(func() { c.reconnect(epoch) })
	if !ok {
		c.setStatusLocked(types.StateError, types.ReasonMaxRetries)
		log.Error().Str("module", "gateway").Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
		return
	}
	c.pending = append(c.pending, func() { c.emitReconnect(attempt, delay) })
	log.Info().Str("module", "gateway").Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.intentional || c.identity == nil || c.conn != nil || c.opening || c.authRefreshing {
		c.unlock()
		return
	}
	ident := *c.identity
	c.opening = true
	c.setStatusLocked(types.StateConnecting, "")
	c.unlock()

	if c.opts.RefreshToken != nil {
		// best effort: a failed refresh keeps the previous token
		tok, err := c.refresh(c.ctx)
		if err != nil || tok == "" {
			log.Warn().Err(err).Str("module", "gateway").Msg("token refresh failed, reusing previous token")
		} else {
			ident.AuthToken = tok
			c.mu.Lock()
			if c.epoch == epoch && c.identity != nil {
				c.identity.AuthToken = tok
			}
			c.unlock()
		}
	}
	_ = c.establish(c.ctx, epoch, ident)
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	metricTokenRefreshes.Inc()
	rctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()
	return c.opts.RefreshToken(rctx)
}

// dropConnLocked stops the heartbeat and closes the current socket once the
// lock is released.
func (c *Client) dropConnLocked(reason string) {
	c.hb.Stop()
	c.opening = false
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	c.pending = append(c.pending, func() { _ = conn.Close(reason) })
}

func (c *Client) setStatusLocked(state types.State, reason string) {
	if c.status.State == state && c.status.Reason == reason {
		return
	}
	metricTransitions.WithLabelValues(string(c.status.State), string(state)).Inc()
	c.status = types.ConnectionStatus{State: state, Reason: reason, LastChangedAt: c.clock.Now()}
	st := c.status
	c.pending = append(c.pending, func() { c.emitStatus(st) })
}

// unlock releases mu and then runs the notifications queued while it was held.
func (c *Client) unlock() {
	fns := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) emitStatus(st types.ConnectionStatus) {
	c.subMu.Lock()
	subs := make([]func(types.ConnectionStatus), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (c *Client) emitReconnect(attempt int, delay time.Duration) {
	c.subMu.Lock()
	subs := make([]func(int, time.Duration), 0, len(c.reconnectSubs))
	for _, fn := range c.reconnectSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(attempt, delay)
	}
}
