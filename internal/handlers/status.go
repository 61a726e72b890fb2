package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nsnw/yahk/internal/console"
)

// StatusSource reports live service and bridge state. The bot core implements it.
type StatusSource interface {
	ServiceStatuses(ctx context.Context) ([]console.ServiceStatus, error)
	BridgeInfos(ctx context.Context) ([]console.BridgeInfo, error)
}

// StatusHandler serves the read-only status API.
type StatusHandler struct {
	source StatusSource
	logger *slog.Logger
}

// NewStatusHandler creates a status handler reading from source.
func NewStatusHandler(log *slog.Logger, source StatusSource) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{source: source, logger: log.With(slog.String("handler", "status"))}
}

// Register mounts GET /api/services and GET /api/bridges.
func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/api/services", h.ListServices)
	e.GET("/api/bridges", h.ListBridges)
}

// ServiceResponse is one configured service.
type ServiceResponse struct {
	Identifier string `json:"identifier"`
	Enabled    bool   `json:"enabled"`
	Running    bool   `json:"running"`
}

// ListServicesResponse is the body of GET /api/services.
type ListServicesResponse struct {
	Items []ServiceResponse `json:"items"`
}

// ChatResponse is one chat of a bridge.
type ChatResponse struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

// BridgeResponse is one bridge and its routable chats.
type BridgeResponse struct {
	Name  string         `json:"name"`
	Chats []ChatResponse `json:"chats"`
}

// ListBridgesResponse is the body of GET /api/bridges.
type ListBridgesResponse struct {
	Items []BridgeResponse `json:"items"`
}

// ListServices returns every service with its enabled and running state.
func (h *StatusHandler) ListServices(c echo.Context) error {
	services, err := h.source.ServiceStatuses(c.Request().Context())
	if err != nil {
		h.logger.Error("list services failed", slog.Any("error", err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: err.Error()})
	}
	resp := ListServicesResponse{Items: make([]ServiceResponse, 0, len(services))}
	for _, svc := range services {
		resp.Items = append(resp.Items, ServiceResponse{Identifier: svc.Identifier, Enabled: svc.Enabled, Running: svc.Running})
	}
	return c.JSON(http.StatusOK, resp)
}

// ListBridges returns every bridge with its routable chats.
func (h *StatusHandler) ListBridges(c echo.Context) error {
	bridges, err := h.source.BridgeInfos(c.Request().Context())
	if err != nil {
		h.logger.Error("list bridges failed", slog.Any("error", err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: err.Error()})
	}
	resp := ListBridgesResponse{Items: make([]BridgeResponse, 0, len(bridges))}
	for _, b := range bridges {
		item := BridgeResponse{Name: b.Name, Chats: make([]ChatResponse, 0, len(b.Chats))}
		for _, chat := range b.Chats {
			item.Chats = append(item.Chats, ChatResponse{Name: chat.Name, Identifier: chat.Identifier})
		}
		resp.Items = append(resp.Items, item)
	}
	return c.JSON(http.StatusOK, resp)
}
