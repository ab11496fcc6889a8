package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the per-user channels and provides stable channel handles.
// It is intentionally minimal: persistence lives behind the messaging service.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// GetOrCreateChannel returns a stable in-memory channel handle for a user.
func (h *Hub) GetOrCreateChannel(userID string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.channels[userID]; ok {
		return c
	}

	c := NewChannel(h.log, userID)
	h.channels[userID] = c
	return c
}

// Channel returns the user's channel when one exists.
func (h *Hub) Channel(userID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.channels[userID]
	return c, ok
}
