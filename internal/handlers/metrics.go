package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the Prometheus registry.
type MetricsHandler struct{}

// NewMetricsHandler creates a metrics handler.
func NewMetricsHandler() *MetricsHandler { return &MetricsHandler{} }

// Register mounts GET /metrics.
func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
