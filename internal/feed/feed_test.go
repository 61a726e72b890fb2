package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsnw/yahk/internal/bridge"
	"github.com/nsnw/yahk/internal/entity"
)

func chat(kind entity.Kind, service, name string) *entity.Chat {
	return &entity.Chat{Service: &entity.Service{Kind: kind, Name: service}, Identifier: name}
}

func TestPublishRoutesByBridge(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	_, general, cancelGeneral := hub.Subscribe("general")
	defer cancelGeneral()
	_, all, cancelAll := hub.Subscribe("")
	defer cancelAll()
	_, other, cancelOther := hub.Subscribe("other")
	defer cancelOther()
	require.Equal(t, 3, hub.Subscribers())

	hub.Publish(Line{Bridge: "general", Target: "Slack/work/#general", Text: "<alice@#lobby> hello"})

	require.Equal(t, "<alice@#lobby> hello", (<-general).Text)
	require.Equal(t, "general", (<-all).Bridge)
	select {
	case <-other:
		t.Fatal("line leaked to another bridge")
	default:
	}
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	_, ch, cancel := hub.Subscribe(All)
	defer cancel()
	for i := 0; i < bufferSize+10; i++ {
		hub.Publish(Line{Text: "x"})
	}
	require.Len(t, ch, bufferSize)
}

func TestCancelClosesOnce(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	_, ch, cancel := hub.Subscribe("general")
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, hub.Subscribers())
	hub.Publish(Line{Bridge: "general"})
}

func TestBroadcasterPublishesDeliveries(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	_, ch, cancel := hub.Subscribe("general")
	defer cancel()

	b := NewBroadcaster(hub)
	b.OnDelivery(context.Background(), bridge.Delivery{
		Bridge: "general",
		Origin: chat(entity.KindIRC, "libera", "#lobby"),
		Target: chat(entity.KindSlack, "work", "#general"),
		Text:   "<alice@#lobby> hello",
		Err:    errors.New("rate limited"),
	})

	line := <-ch
	require.Equal(t, "IRC/libera/#lobby", line.Origin)
	require.Equal(t, "Slack/work/#general", line.Target)
	require.Equal(t, "rate limited", line.Error)
	require.False(t, line.Time.IsZero())

	b.OnDelivery(context.Background(), bridge.Delivery{Bridge: "general"})
	require.Empty(t, ch)

	var nilBroadcaster *Broadcaster
	nilBroadcaster.OnDelivery(context.Background(), bridge.Delivery{})
}
