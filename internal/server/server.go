// Package server exposes the relay over HTTP and, optionally, over
// AudioSocket for phone calls.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/gofiber/fiber/v2"

	"github.com/interviewkit/transcript-relay/internal/relay"
)

type Config struct {
	Host       string
	Port       int
	SocketPath string

	// AudioSocket is nil when phone ingress is disabled.
	AudioSocket *AudioSocketConfig
}

// HistoryStore serves stored transcript segments.
type HistoryStore interface {
	History(ctx context.Context, connID string) ([]relay.Segment, error)
}

type Server struct {
	config  Config
	app     *fiber.App
	relay   *relay.Relay
	history HistoryStore
	phone   *AudioSocket
}

// New builds the HTTP application around r. history may be nil, in which
// case the transcript endpoint answers 404.
func New(config Config, r *relay.Relay, history HistoryStore) *Server {
	if config.SocketPath == "" {
		config.SocketPath = "/api/socket"
	}

	s := &Server{
		config:  config,
		relay:   r,
		history: history,
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "transcript-relay",
		}),
	}
	if config.AudioSocket != nil {
		s.phone = NewAudioSocket(*config.AudioSocket, r)
	}

	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/api/connections", s.handleConnections)
	s.app.Get("/api/transcripts/:id", s.handleTranscript)
	relay.Attach(s.app, config.SocketPath, r)
	return s
}

// App returns the underlying Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves HTTP on the configured address until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln, starting the AudioSocket listener first when it
// is enabled.
func (s *Server) Serve(ln net.Listener) error {
	if s.phone != nil {
		go func() {
			if err := s.phone.Start(); err != nil {
				log.Printf("AudioSocket listener stopped: %v", err)
			}
		}()
	}
	log.Printf("Relay listening on %s (socket %s)", ln.Addr(), s.config.SocketPath)
	return s.app.Listener(ln)
}

// Stop disconnects every client, closing their provider sessions, then stops
// the listeners.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.phone != nil {
		s.phone.Stop()
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"connections": s.relay.Active(),
	})
}

func (s *Server) handleConnections(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connections": s.relay.Connections(),
	})
}

func (s *Server) handleTranscript(c *fiber.Ctx) error {
	if s.history == nil {
		return fiber.NewError(fiber.StatusNotFound, "transcript store disabled")
	}
	id := c.Params("id")
	segments, err := s.history.History(c.UserContext(), id)
	if err != nil {
		log.Printf("Session %s: failed to load transcript: %v", id, err)
		return fiber.NewError(fiber.StatusBadGateway, "transcript store unavailable")
	}
	if len(segments) == 0 {
		return fiber.NewError(fiber.StatusNotFound, "no transcript for connection")
	}
	return c.JSON(fiber.Map{
		"connection_id": id,
		"segments":      segments,
	})
}
