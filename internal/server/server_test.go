package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nsnw/yahk/internal/metrics"
)

type routes struct{}

func (routes) Register(e *echo.Echo) {
	e.GET("/api/items/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.GET("/boom", func(echo.Context) error {
		panic("boom")
	})
}

func TestServerCountsByRoutePattern(t *testing.T) {
	srv := NewServer(nil, "", routes{}, nil)
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/items/:id", "200")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/"+id, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != id {
			t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Fatalf("expected 2 counted requests, got %v", got)
	}
}

func TestServerRecoversPanics(t *testing.T) {
	srv := NewServer(nil, "", routes{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestServerUnknownRoute(t *testing.T) {
	srv := NewServer(nil, "", routes{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
