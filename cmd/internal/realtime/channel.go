package realtime

import (
	"log/slog"
	"sync"

	v1 "workkap/shared/contracts/messaging/v1"
)

// Channel is the in-memory fanout primitive for one user. A user may hold
// several connections (multiple tabs, devices); all of them are members of
// the same channel.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Channel struct {
	log    *slog.Logger
	UserID string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewChannel constructs a channel for one user.
func NewChannel(log *slog.Logger, userID string) *Channel {
	return &Channel{
		log:     log,
		UserID:  userID,
		members: make(map[string]*Client),
	}
}

// Join adds a connection to membership.
func (c *Channel) Join(client *Client) {
	if c == nil || client == nil || client.ConnID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.ConnID] = client
	c.mu.Unlock()

	c.log.Info("channel.member.join", "user_id", c.UserID, "conn_id", client.ConnID)
}

// Leave removes a connection from membership and signals shutdown for that client.
func (c *Channel) Leave(connID string) {
	if c == nil || connID == "" {
		return
	}

	var cl *Client

	c.mu.Lock()
	cl = c.members[connID]
	delete(c.members, connID)
	c.mu.Unlock()

	// Signal client shutdown after removing from membership.
	// This ordering avoids race windows where a broadcaster still holds a pointer
	// while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	c.log.Info("channel.member.leave", "user_id", c.UserID, "conn_id", connID)
}

// Broadcast fanouts an envelope to every connection of this user.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (c *Channel) Broadcast(env v1.Envelope) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole channel.
		}
	}
}
