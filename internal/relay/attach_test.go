package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/interviewkit/transcript-relay/internal/transcriber/transcribertest"
)

func TestAttachIsIdempotent(t *testing.T) {
	app := fiber.New()
	first := New(transcribertest.NewFakeProvider(), DefaultConfig())
	second := New(transcribertest.NewFakeProvider(), DefaultConfig())

	if got := Attach(app, "/api/socket", first); got != first {
		t.Fatal("first Attach did not return the attached relay")
	}
	if got := Attach(app, "/api/socket", second); got != first {
		t.Error("second Attach replaced the existing relay")
	}

	handlers := 0
	for _, route := range app.GetRoutes(true) {
		if route.Method == fiber.MethodGet && route.Path == "/api/socket" {
			handlers++
		}
	}
	if handlers != 1 {
		t.Errorf("found %d GET handlers for /api/socket, want 1", handlers)
	}

	if r, ok := Attached(app); !ok || r != first {
		t.Errorf("Attached() = %p, %v", r, ok)
	}
	if _, ok := Attached(fiber.New()); ok {
		t.Error("Attached() reported a relay on a fresh app")
	}
}

func TestAttachRejectsPlainHTTP(t *testing.T) {
	app := fiber.New()
	Attach(app, "/api/socket", New(transcribertest.NewFakeProvider(), DefaultConfig()))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/socket", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUpgradeRequired)
	}
}
