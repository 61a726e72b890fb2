package handlers

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nsnw/yahk/internal/feed"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// FeedHandler streams relayed lines over a websocket.
type FeedHandler struct {
	hub      *feed.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewFeedHandler creates a feed handler subscribing to hub.
func NewFeedHandler(log *slog.Logger, hub *feed.Hub) *FeedHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FeedHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.With(slog.String("handler", "feed")),
	}
}

// Register mounts GET /api/feed.
func (h *FeedHandler) Register(e *echo.Echo) {
	e.GET("/api/feed", h.Stream)
}

// Stream upgrades the request and writes every line of the requested bridge (query "bridge", default all)
// as a JSON text frame until the client goes away.
func (h *FeedHandler) Stream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer func() { _ = conn.Close() }()

	route := c.QueryParam("bridge")
	streamID, lines, cancel := h.hub.Subscribe(route)
	defer cancel()
	log := h.logger.With(slog.String("stream", streamID))
	log.Info("feed subscribed", slog.String("bridge", route), slog.String("remote_ip", c.RealIP()))

	// The read loop only services control frames; it ends when the client closes.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Info("feed closed")
			return nil
		case <-c.Request().Context().Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(line); err != nil {
				log.Warn("feed write failed", slog.Any("error", err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return nil
			}
		}
	}
}
