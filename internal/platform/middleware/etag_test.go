package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func etagServer(body string, status int) *echo.Echo {
	e := echo.New()
	e.Use(ETag())
	e.GET("/api/v1/hospitals", func(c echo.Context) error {
		return c.String(status, body)
	})
	e.POST("/api/v1/waitlist", func(c echo.Context) error {
		return c.String(http.StatusCreated, body)
	})
	return e
}

func TestETag_SetsHeader(t *testing.T) {
	e := etagServer(`[{"name":"Napa"}]`, http.StatusOK)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `[{"name":"Napa"}]` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("expected ETag header")
	}
	if rec.Header().Get("Cache-Control") != "private, no-cache" {
		t.Errorf("unexpected Cache-Control %q", rec.Header().Get("Cache-Control"))
	}
}

func TestETag_NotModified(t *testing.T) {
	e := etagServer(`[{"name":"Napa"}]`, http.StatusOK)
	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil))
	etag := first.Header().Get("ETag")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestETag_ChangedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil)
	req.Header.Set("If-None-Match", computeETag([]byte(`[]`)))
	rec := httptest.NewRecorder()
	etagServer(`[{"name":"Napa"}]`, http.StatusOK).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for stale etag, got %d", rec.Code)
	}
}

func TestETag_SkipsWritesAndErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	etagServer(`{}`, http.StatusOK).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/waitlist", nil))
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag on POST")
	}

	rec = httptest.NewRecorder()
	etagServer(`oops`, http.StatusInternalServerError).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil))
	if rec.Code != http.StatusInternalServerError || rec.Header().Get("ETag") != "" {
		t.Errorf("expected 500 without ETag, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}
}

func TestETagMatch(t *testing.T) {
	if !etagMatch("*", `W/"abc"`) {
		t.Error("expected wildcard to match")
	}
	if !etagMatch(`"x", "abc"`, `W/"abc"`) {
		t.Error("expected weak comparison in a list to match")
	}
	if etagMatch(`"x"`, `W/"abc"`) {
		t.Error("expected mismatch")
	}
}

func TestETag_SkipsWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	etagServer(`[]`, http.StatusOK).ServeHTTP(rec, req)

	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag on an upgrade request")
	}
}
