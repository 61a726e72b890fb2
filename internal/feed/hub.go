// Package feed fans relayed lines out to live observers such as the status server's websocket.
package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// All is the route key that receives lines from every bridge.
const All = "*"

const bufferSize = 32

// Line is one relayed or replied line.
type Line struct {
	Bridge string    `json:"bridge,omitempty"`
	Origin string    `json:"origin,omitempty"`
	Target string    `json:"target"`
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Hub is a pub/sub hub keyed by bridge name.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan Line
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[string]map[string]chan Line{},
	}
}

// Subscribe registers a stream for a bridge name, or All, and returns its id, the receive channel and a cancel
// function that unsubscribes and closes the channel.
func (h *Hub) Subscribe(routeKey string) (string, <-chan Line, func()) {
	if routeKey == "" {
		routeKey = All
	}
	streamID := uuid.NewString()
	ch := make(chan Line, bufferSize)

	h.mu.Lock()
	streams, ok := h.streams[routeKey]
	if !ok {
		streams = map[string]chan Line{}
		h.streams[routeKey] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			streams := h.streams[routeKey]
			if streams == nil {
				return
			}
			if current, ok := streams[streamID]; ok {
				delete(streams, streamID)
				close(current)
			}
			if len(streams) == 0 {
				delete(h.streams, routeKey)
			}
		})
	}
	return streamID, ch, cancel
}

// Publish delivers line to the subscribers of its bridge and of All. Slow receivers miss the line.
func (h *Hub) Publish(line Line) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := []string{All}
	if line.Bridge != "" && line.Bridge != All {
		keys = append(keys, line.Bridge)
	}
	for _, key := range keys {
		for _, ch := range h.streams[key] {
			select {
			case ch <- line:
			default:
			}
		}
	}
}

// Subscribers returns the number of open streams.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, streams := range h.streams {
		n += len(streams)
	}
	return n
}
