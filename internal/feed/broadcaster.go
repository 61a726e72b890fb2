package feed

import (
	"context"
	"time"

	"github.com/nsnw/yahk/internal/bridge"
)

// Broadcaster implements bridge.Observer by publishing every delivery to a Hub.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a broadcaster that publishes to hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// OnDelivery implements bridge.Observer.
func (b *Broadcaster) OnDelivery(_ context.Context, d bridge.Delivery) {
	if b == nil || b.hub == nil || d.Target == nil {
		return
	}
	line := Line{
		Bridge: d.Bridge,
		Target: d.Target.String(),
		Text:   d.Text,
		Time:   b.now().UTC(),
	}
	if d.Origin != nil {
		line.Origin = d.Origin.String()
	}
	if d.Err != nil {
		line.Error = d.Err.Error()
	}
	b.hub.Publish(line)
}
