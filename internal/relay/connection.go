package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/interviewkit/transcript-relay/internal/metrics"
	"github.com/interviewkit/transcript-relay/internal/sessionlog"
	"github.com/interviewkit/transcript-relay/internal/transcriber"
)

// State is the lifecycle state of a client connection.
type State int

const (
	StateConnected State = iota
	StateStreamOpening
	StateStreaming
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateStreamOpening:
		return "STREAM_OPENING"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type openResult struct {
	session transcriber.Session
	err     error
}

// connection is owned by the goroutine running run. Only st and sessionID are
// read from elsewhere, under mu.
type connection struct {
	id      uuid.UUID
	relay   *Relay
	conn    Conn
	remote  string
	started time.Time

	mu        sync.Mutex
	st        State
	sessionID string

	session       transcriber.Session
	sessionClosed bool

	pending          [][]byte
	pendingBytes     int
	overflowReported bool
	dropReported     bool

	transcript strings.Builder
	metrics    *metrics.SessionMetrics
	log        *sessionlog.Logger
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
}

func (c *connection) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *connection) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:        c.id.String(),
		State:     c.st.String(),
		SessionID: c.sessionID,
		Remote:    c.remote,
		Started:   c.started,
	}
}

// run is the connection's dispatch loop. Every state change, client write and
// provider call for this connection happens on this goroutine.
func (c *connection) run(ctx context.Context) {
	log.Printf("Session %s: client connected from %s", c.id, c.remote)
	if c.log != nil {
		c.log.LogConnected(c.id.String(), c.remote)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go c.readClient(frames, readErr)

	openCtx, cancelOpen := context.WithTimeout(ctx, c.relay.cfg.OpenTimeout)
	defer cancelOpen()

	opened := make(chan openResult, 1)
	c.setState(StateStreamOpening)
	go func() {
		session, err := c.relay.provider.Open(openCtx, transcriber.StreamConfig{
			SampleRate:  c.relay.cfg.SampleRate,
			FormatTurns: c.relay.cfg.FormatTurns,
		})
		opened <- openResult{session: session, err: err}
	}()

	var events <-chan transcriber.Event
	done := ctx.Done()

	for {
		select {
		case res := <-opened:
			opened = nil
			cancelOpen()
			events = c.handleOpen(res)

		case ev, ok := <-events:
			if !ok {
				events = nil
				if c.state() == StateStreaming {
					c.endStream(StateClosed, EventStreamClosed, "transcription stream ended")
				}
				continue
			}
			if c.handleEvent(ev) {
				events = nil
			}

		case frame := <-frames:
			c.handleAudio(frame)

		case err := <-readErr:
			cancelOpen()
			c.teardown(err, opened)
			return

		case <-done:
			done = nil
			log.Printf("Session %s: relay shutting down, closing client", c.id)
			c.disconnect()
		}
	}
}

// disconnect ends the client side of the connection. Hijacked fasthttp
// connections ignore Close, so the pending read is also cut short with an
// expired deadline.
func (c *connection) disconnect() {
	if wc, ok := c.conn.(interface {
		WriteControl(messageType int, data []byte, deadline time.Time) error
	}); ok {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
		if err := wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.Printf("Session %s: failed to send close frame: %v", c.id, err)
		}
	}
	if rd, ok := c.conn.(interface{ SetReadDeadline(t time.Time) error }); ok {
		rd.SetReadDeadline(time.Now())
	}
	c.conn.Close()
}

func (c *connection) readClient(frames chan<- []byte, readErr chan<- error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		audio, ok, err := decodeClientFrame(messageType, data)
		if err != nil {
			log.Printf("Session %s: ignoring client frame: %v", c.id, err)
			continue
		}
		if ok {
			frames <- audio
		}
	}
}

func (c *connection) handleOpen(res openResult) <-chan transcriber.Event {
	provider := c.relay.provider.Name()
	if res.err != nil {
		c.setState(StateError)
		log.Printf("Session %s: failed to open %s stream: %v", c.id, provider, res.err)
		if len(c.pending) > 0 {
			log.Printf("Session %s: discarding %d buffered audio bytes", c.id, c.pendingBytes)
			for range c.pending {
				c.metrics.AddDropped()
			}
		}
		c.pending, c.pendingBytes = nil, 0
		c.notify(EventStreamError, "transcription service unavailable")
		if c.log != nil {
			c.log.LogStreamError(c.id.String(), "", res.err.Error())
		}
		return nil
	}

	c.session = res.session
	c.mu.Lock()
	c.sessionID = res.session.ID()
	c.st = StateStreaming
	c.mu.Unlock()

	log.Printf("Session %s: %s stream %s open", c.id, provider, res.session.ID())
	if c.log != nil {
		c.log.LogStreamOpen(c.id.String(), res.session.ID(), provider)
	}

	if len(c.pending) > 0 {
		log.Printf("Session %s: flushing %d buffered audio bytes", c.id, c.pendingBytes)
		for _, chunk := range c.pending {
			c.forward(chunk)
		}
		c.pending, c.pendingBytes = nil, 0
	}
	return res.session.Events()
}

func (c *connection) handleAudio(chunk []byte) {
	switch c.state() {
	case StateStreamOpening:
		if c.pendingBytes+len(chunk) > c.relay.cfg.MaxPendingAudio {
			c.metrics.AddDropped()
			if !c.overflowReported {
				c.overflowReported = true
				log.Printf("Session %s: audio buffer full (%d bytes) while stream opens, dropping audio", c.id, c.pendingBytes)
				c.notify(EventStreamError, "audio buffer full")
			}
			return
		}
		c.pending = append(c.pending, chunk)
		c.pendingBytes += len(chunk)

	case StateStreaming:
		c.forward(chunk)

	default:
		c.metrics.AddDropped()
		if !c.dropReported {
			c.dropReported = true
			log.Printf("Session %s: stream is %s, dropping audio", c.id, c.state())
		}
	}
}

func (c *connection) forward(chunk []byte) {
	if err := c.session.SendAudio(chunk); err != nil {
		c.metrics.AddDropped()
		log.Printf("Session %s: failed to forward audio: %v", c.id, err)
		return
	}
	c.metrics.AddForwarded(len(chunk))
}

// handleEvent applies one provider event and reports whether it was terminal.
func (c *connection) handleEvent(ev transcriber.Event) bool {
	switch ev.Kind {
	case transcriber.EventTranscript:
		if strings.TrimSpace(ev.Text) == "" {
			return false
		}
		if !ev.Final && !c.relay.cfg.ForwardPartials {
			return false
		}

		event := EventTranscription
		if !ev.Final {
			event = EventPartialTranscription
		}
		c.notify(event, ev.Text)
		c.metrics.AddTranscriptResult(ev.Final)

		sessionID := c.session.ID()
		if ev.Final {
			log.Printf("Session %s: Final: %s", c.id, ev.Text)
			if c.transcript.Len() > 0 {
				c.transcript.WriteString(" ")
			}
			c.transcript.WriteString(strings.TrimSpace(ev.Text))
		}
		if c.log != nil {
			c.log.LogTranscript(c.id.String(), sessionID, ev.Text, ev.Final)
		}
		c.relay.publish(Segment{
			ConnectionID: c.id.String(),
			SessionID:    sessionID,
			Text:         ev.Text,
			Final:        ev.Final,
			At:           time.Now(),
		})
		return false

	case transcriber.EventError:
		log.Printf("Session %s: %s stream error: %v", c.id, c.relay.provider.Name(), ev.Err)
		c.endStream(StateError, EventStreamError, "transcription stream failed")
		return true

	case transcriber.EventClosed:
		log.Printf("Session %s: %s stream closed: %s", c.id, c.relay.provider.Name(), ev.Reason)
		c.endStream(StateClosed, EventStreamClosed, ev.Reason)
		return true
	}
	return false
}

// endStream handles an upstream-initiated end. The client stays connected.
func (c *connection) endStream(state State, event, reason string) {
	c.setState(state)
	c.closeSession()
	c.notify(event, reason)
	if c.log != nil {
		if state == StateError {
			c.log.LogStreamError(c.id.String(), c.session.ID(), reason)
		} else {
			c.log.LogStreamClosed(c.id.String(), c.session.ID(), reason)
		}
	}
}

func (c *connection) closeSession() {
	if c.session == nil || c.sessionClosed {
		return
	}
	c.sessionClosed = true
	if err := c.session.Close(); err != nil {
		log.Printf("Session %s: error closing %s stream: %v", c.id, c.relay.provider.Name(), err)
	}
}

func (c *connection) teardown(readErr error, opened <-chan openResult) {
	if errors.Is(readErr, io.EOF) || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("Session %s: client disconnected", c.id)
	} else {
		log.Printf("Session %s: client connection ended: %v", c.id, readErr)
	}
	c.setState(StateClosed)

	if opened != nil {
		// The open was cancelled above; a session it still produced must not
		// outlive the client.
		if res := <-opened; res.err == nil {
			c.session = res.session
		}
	}
	c.closeSession()
	c.conn.Close()

	c.metrics.Finalize()
	summary := c.metrics.Summary()
	log.Printf("Session %s: ended (%s)", c.id, summary)

	if c.relay.cfg.SaveTranscripts {
		sessionID := ""
		if c.session != nil {
			sessionID = c.session.ID()
		}
		name, err := sessionlog.SaveTranscript(c.relay.cfg.OutputDir, sessionlog.TranscriptInfo{
			ConnectionID: c.id.String(),
			SessionID:    sessionID,
			Provider:     c.relay.provider.Name(),
			StartTime:    c.started,
			Duration:     time.Since(c.started),
			SampleRate:   c.relay.cfg.SampleRate,
		}, c.transcript.String())
		if err != nil {
			log.Printf("Session %s: %v", c.id, err)
		} else if name != "" {
			log.Printf("Session %s: Transcript saved to %s", c.id, name)
		}
	}

	if c.log != nil {
		c.log.LogDisconnected(c.id.String(), summary)
		c.log.Close()
	}
}

func (c *connection) notify(event, data string) {
	payload, err := encodeServerMessage(event, data)
	if err != nil {
		log.Printf("Session %s: failed to encode %s: %v", c.id, event, err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("Session %s: failed to send %s: %v", c.id, event, err)
	}
}
