// Package client streams microphone audio to a transcript relay and collects
// the transcript it sends back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interviewkit/transcript-relay/internal/relay"
)

var ErrAlreadyStarted = errors.New("client already started")

// Microphone is an audio source producing 16 kHz 16-bit mono PCM frames. The
// frame channel is closed when capture ends.
type Microphone interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() error
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithTranscriptHandler is called for every transcript event, in receipt
// order, from the receiving goroutine.
func WithTranscriptHandler(fn func(text string, final bool)) Option {
	return func(c *Client) { c.onTranscript = fn }
}

type Client struct {
	url          string
	mic          Microphone
	dialer       *websocket.Dialer
	header       http.Header
	onTranscript func(text string, final bool)

	mu         sync.Mutex
	status     Status
	detail     string
	transcript []string
	conn       *websocket.Conn
	started    bool
	stopped    bool

	writeMu     sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	captureDone chan struct{}
	captureOnce sync.Once
}

func New(url string, mic Microphone, opts ...Option) *Client {
	c := &Client{
		url:         url,
		mic:         mic,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		captureDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start acquires the microphone, connects to the relay and begins streaming.
// ctx bounds the connection attempt only; streaming runs until Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.status = StatusConnecting
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	frames, err := c.mic.Start(runCtx)
	if err != nil {
		cancel()
		c.endCapture()
		c.setStatus(StatusMicDenied, err.Error())
		return fmt.Errorf("microphone: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		cancel()
		if stopErr := c.mic.Stop(); stopErr != nil {
			log.Printf("Failed to release microphone: %v", stopErr)
		}
		c.endCapture()
		c.setStatus(StatusConnectFailed, err.Error())
		return fmt.Errorf("connect to %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.status = StatusStreaming
	c.detail = ""
	c.mu.Unlock()

	c.wg.Add(2)
	go c.streamAudio(runCtx, conn, frames)
	go c.receive(conn)
	return nil
}

func (c *Client) streamAudio(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) {
	defer c.wg.Done()
	defer c.endCapture()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, frame)
			c.writeMu.Unlock()
			if err != nil {
				if !c.isStopped() {
					log.Printf("Failed to send audio: %v", err)
				}
				return
			}
		}
	}
}

func (c *Client) receive(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isStopped() {
				log.Printf("Relay connection ended: %v", err)
				c.setStatus(StatusDisconnected, err.Error())
			}
			return
		}

		msg, err := relay.DecodeServerMessage(data)
		if err != nil {
			log.Printf("Ignoring relay message: %v", err)
			continue
		}

		switch msg.Event {
		case relay.EventTranscription:
			c.mu.Lock()
			c.transcript = append(c.transcript, msg.Data)
			c.mu.Unlock()
			if c.onTranscript != nil {
				c.onTranscript(msg.Data, true)
			}
		case relay.EventPartialTranscription:
			if c.onTranscript != nil {
				c.onTranscript(msg.Data, false)
			}
		case relay.EventStreamClosed:
			c.setStatus(StatusStreamClosed, msg.Data)
		case relay.EventStreamError:
			c.setStatus(StatusStreamError, msg.Data)
		default:
			log.Printf("Ignoring relay event %q", msg.Event)
		}
	}
}

// Stop closes the connection and releases the microphone. It is safe to call
// more than once, and before or after a failed Start.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	closeErr := conn.Close()

	cancel()
	micErr := c.mic.Stop()
	c.wg.Wait()

	c.setStatus(StatusStopped, "")
	if micErr != nil {
		return fmt.Errorf("release microphone: %w", micErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close relay connection: %w", closeErr)
	}
	return nil
}

// CaptureDone is closed once no more audio will be sent: the microphone ran
// dry, the client stopped, or Start failed.
func (c *Client) CaptureDone() <-chan struct{} {
	return c.captureDone
}

func (c *Client) endCapture() {
	c.captureOnce.Do(func() { close(c.captureDone) })
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Detail is the reason attached to the current status, if any.
func (c *Client) Detail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detail
}

// Transcript returns the final segments received so far, in order.
func (c *Client) Transcript() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transcript...)
}

func (c *Client) setStatus(s Status, detail string) {
	c.mu.Lock()
	c.status = s
	c.detail = detail
	c.mu.Unlock()
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
