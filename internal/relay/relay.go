// Package relay bridges client audio connections to streaming transcription
// sessions. Every client connection owns exactly one provider session; audio
// flows upstream and finalized transcripts flow back to the same client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interviewkit/transcript-relay/internal/metrics"
	"github.com/interviewkit/transcript-relay/internal/sessionlog"
	"github.com/interviewkit/transcript-relay/internal/transcriber"
)

// ErrShuttingDown is reported to connections that arrive after Shutdown.
var ErrShuttingDown = errors.New("relay is shutting down")

// Conn is one client channel. gofiber and gorilla websocket connections
// satisfy it, as does the AudioSocket adapter.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Segment is a forwarded transcript handed to the TranscriptSink.
type Segment struct {
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id"`
	Text         string    `json:"text"`
	Final        bool      `json:"final"`
	At           time.Time `json:"at"`
}

// TranscriptSink receives every segment forwarded to a client.
type TranscriptSink interface {
	Publish(ctx context.Context, seg Segment) error
}

type Config struct {
	// SampleRate and FormatTurns are passed to every provider session.
	SampleRate  int
	FormatTurns bool
	// OpenTimeout bounds the provider handshake.
	OpenTimeout time.Duration
	// MaxPendingAudio caps the bytes buffered while the provider session opens.
	MaxPendingAudio int
	// ForwardPartials also relays unformatted, in-progress turns.
	ForwardPartials bool

	OutputDir       string
	SessionLogs     bool
	SaveTranscripts bool
}

func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FormatTurns:     true,
		OpenTimeout:     10 * time.Second,
		MaxPendingAudio: 1 << 20,
	}
}

type Relay struct {
	provider    transcriber.Provider
	cfg         Config
	sink        TranscriptSink
	sinkTimeout time.Duration
	segments    chan Segment
	sinkStop    chan struct{}
	sinkDone    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conns        map[uuid.UUID]*connection
	closed       bool
	wg           sync.WaitGroup
	stopSinkOnce sync.Once
}

// sinkQueueSize bounds the segments waiting for the sink across all
// connections.
const sinkQueueSize = 256

type Option func(*Relay)

// WithSink publishes forwarded segments to sink.
func WithSink(sink TranscriptSink) Option {
	return func(r *Relay) { r.sink = sink }
}

func New(provider transcriber.Provider, cfg Config, opts ...Option) *Relay {
	defaults := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if cfg.MaxPendingAudio <= 0 {
		cfg.MaxPendingAudio = defaults.MaxPendingAudio
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		provider:    provider,
		cfg:         cfg,
		sinkTimeout: 500 * time.Millisecond,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[uuid.UUID]*connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink != nil {
		r.segments = make(chan Segment, sinkQueueSize)
		r.sinkStop = make(chan struct{})
		r.sinkDone = make(chan struct{})
		go r.runSink()
	}
	return r
}

// Serve runs conn under a fresh connection id until the client disconnects.
func (r *Relay) Serve(ctx context.Context, conn Conn) {
	r.ServeConn(ctx, uuid.New(), conn)
}

// ServeConn runs one client connection to completion. It returns once the
// client is gone and its provider session has been closed.
func (r *Relay) ServeConn(ctx context.Context, id uuid.UUID, conn Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	c := r.newConnection(id, conn)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Printf("Session %s: rejected: %v", id, ErrShuttingDown)
		c.notify(EventStreamError, ErrShuttingDown.Error())
		if c.log != nil {
			c.log.Close()
		}
		conn.Close()
		return
	}
	r.conns[id] = c
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, id)
		r.mu.Unlock()
		r.wg.Done()
	}()

	c.run(ctx)
}

func (r *Relay) newConnection(id uuid.UUID, conn Conn) *connection {
	remote := "unknown"
	if addr, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && addr.RemoteAddr() != nil {
		remote = addr.RemoteAddr().String()
	}

	c := &connection{
		id:      id,
		relay:   r,
		conn:    conn,
		remote:  remote,
		started: time.Now(),
		st:      StateConnected,
		metrics: metrics.NewSessionMetrics(r.provider.Name(), id.String()),
	}

	if r.cfg.SessionLogs {
		logger, err := sessionlog.New(r.cfg.OutputDir, id.String(), c.started)
		if err != nil {
			log.Printf("Session %s: failed to open session log: %v", id, err)
		} else {
			c.log = logger
		}
	}
	return c
}

// Active reports the number of live client connections.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Remote    string    `json:"remote"`
	Started   time.Time `json:"started"`
}

// Connections lists live connections, oldest first.
func (r *Relay) Connections() []ConnectionInfo {
	r.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.info())
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Started.Before(infos[j].Started) })
	return infos
}

// Shutdown disconnects every client and waits for their provider sessions to
// close, or for ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}

	if r.sink == nil {
		return nil
	}
	r.stopSinkOnce.Do(func() { close(r.sinkStop) })
	select {
	case <-r.sinkDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: flushing transcripts: %w", ctx.Err())
	}
}

// publish queues seg for the sink without blocking the caller. Segments are
// dropped, and logged, while the queue is full.
func (r *Relay) publish(seg Segment) {
	if r.sink == nil {
		return
	}
	select {
	case r.segments <- seg:
	default:
		log.Printf("Session %s: transcript sink backlogged, dropping segment", seg.ConnectionID)
	}
}

func (r *Relay) runSink() {
	defer close(r.sinkDone)
	for {
		select {
		case seg := <-r.segments:
			r.deliver(seg)
		case <-r.sinkStop:
			for {
				select {
				case seg := <-r.segments:
					r.deliver(seg)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) deliver(seg Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
	defer cancel()
	if err := r.sink.Publish(ctx, seg); err != nil {
		log.Printf("Session %s: failed to publish transcript: %v", seg.ConnectionID, err)
	}
}
