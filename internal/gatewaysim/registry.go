package gatewaysim

import (
	"context"
	"encoding/json"
	"sync"

	ws "nhooyr.io/websocket"
)

// Registry keeps at most one connection per seat (session + user) and lets
// the simulator broadcast to everyone in a session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*ws.Conn
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]*ws.Conn)}
}

// Replace seats c and closes the previous connection for the same user.
func (r *Registry) Replace(sessionID, userID string, c *ws.Conn) (prevClosed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seats := r.sessions[sessionID]
	if seats == nil {
		seats = make(map[string]*ws.Conn)
		r.sessions[sessionID] = seats
	}
	if old, ok := seats[userID]; ok && old != nil && old != c {
		_ = old.Close(ws.StatusNormalClosure, "replaced")
		prevClosed = true
	}
	seats[userID] = c
	return
}

// Remove unseats c if it still owns the seat.
func (r *Registry) Remove(sessionID, userID string, c *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seats := r.sessions[sessionID]
	if seats[userID] != c {
		return
	}
	delete(seats, userID)
	if len(seats) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Count returns the number of seated connections in a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}

// Broadcast writes v to every connection in the session. Write errors are
// ignored; the reader loop notices dead sockets.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.mu.Lock()
	conns := make([]*ws.Conn, 0, len(r.sessions[sessionID]))
	for _, c := range r.sessions[sessionID] {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Write(ctx, ws.MessageText, b)
	}
}
