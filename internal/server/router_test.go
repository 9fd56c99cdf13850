package server

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/mdnet/mdhome/internal/logging"
	"github.com/mdnet/mdhome/internal/stats"
	"github.com/mdnet/mdhome/internal/version"
)

func newTestApp(t *testing.T, s *stats.Stats) *fiber.App {
	t.Helper()
	app, err := NewApp(AppOptions{
		Logger: logging.Discard(),
		Stats:  s,
		Routes: RouteRegistrarFunc(func(r fiber.Router) {
			r.Get("/ok", func(c fiber.Ctx) error {
				return c.SendString("image")
			})
			r.Get("/notmodified", func(c fiber.Ctx) error {
				return c.SendStatus(fiber.StatusNotModified)
			})
			r.Get("/forbidden", func(c fiber.Ctx) error {
				return c.SendStatus(fiber.StatusForbidden)
			})
			r.Get("/boom", func(c fiber.Ctx) error {
				return errors.New("disk exploded at /var/cache")
			})
			r.Get("/panic", func(c fiber.Ctx) error {
				panic("unexpected")
			})
		}),
		MaxConnections: 16,
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	return app
}

func TestAppSetsCommonHeaders(t *testing.T) {
	s := stats.New()
	app := newTestApp(t, s)

	resp, err := app.Test(httptest.NewRequest("GET", "/ok", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	expect := map[string]string{
		"Server":                       version.ServerHeader(),
		"Access-Control-Allow-Origin":  "https://mangadex.org",
		"Access-Control-Allow-Headers": "*",
		"Access-Control-Allow-Methods": "GET",
		"Timing-Allow-Origin":          "https://mangadex.org",
		"Cache-Control":                "public, max-age=1209600",
	}
	for key, want := range expect {
		if got := resp.Header.Get(key); got != want {
			t.Fatalf("header %s: expected %q, got %q", key, want, got)
		}
	}
	for _, key := range []string{"Expires", "X-Time-Taken", "X-Request-ID"} {
		if resp.Header.Get(key) == "" {
			t.Fatalf("expected %s header", key)
		}
	}
	if !s.Handled() {
		t.Fatalf("request should mark the handled flag")
	}
}

func TestAppCachesNotModifiedButNotErrors(t *testing.T) {
	app := newTestApp(t, stats.New())

	resp, err := app.Test(httptest.NewRequest("GET", "/notmodified", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get("Cache-Control") == "" {
		t.Fatalf("304 should carry Cache-Control")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/forbidden", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "" || resp.Header.Get("Expires") != "" {
		t.Fatalf("403 must not be cacheable")
	}
}

func TestAppHidesInternalErrors(t *testing.T) {
	app := newTestApp(t, stats.New())

	for _, path := range []string{"/boom", "/panic"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if len(body) != 0 {
			t.Fatalf("%s: expected empty body, got %q", path, body)
		}
	}
}

func TestAppUnknownRouteKeepsStatus(t *testing.T) {
	app := newTestApp(t, stats.New())

	resp, err := app.Test(httptest.NewRequest("GET", "/nothing/here", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Stats: stats.New()}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logging.Discard(), Stats: stats.New()}); err == nil {
		t.Fatalf("expected error without routes")
	}
}
