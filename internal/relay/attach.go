package relay

import (
	"context"
	"log"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

var (
	attachMu sync.Mutex
	attached = make(map[*fiber.App]*Relay)
)

// Attach mounts r as the websocket endpoint at path on app. Each app carries
// at most one relay: attaching again is a no-op that returns the relay
// mounted first.
func Attach(app *fiber.App, path string, r *Relay) *Relay {
	attachMu.Lock()
	defer attachMu.Unlock()

	if existing, ok := attached[app]; ok {
		log.Printf("Relay already attached, reusing existing instance")
		return existing
	}

	app.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(path, websocket.New(func(conn *websocket.Conn) {
		r.Serve(context.Background(), conn)
	}))

	attached[app] = r
	log.Printf("Relay attached at %s (provider: %s)", path, r.provider.Name())
	return r
}

// Attached returns the relay mounted on app, if any.
func Attached(app *fiber.App) (*Relay, bool) {
	attachMu.Lock()
	defer attachMu.Unlock()
	r, ok := attached[app]
	return r, ok
}
