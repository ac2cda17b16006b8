package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/interviewkit/transcript-relay/internal/audio"
	"github.com/interviewkit/transcript-relay/internal/relay"
)

type AudioSocketConfig struct {
	Host string
	Port int
	// SampleRate is the line rate of the slin audio Asterisk sends, 8000 or
	// 16000.
	SampleRate int
}

// AudioSocket accepts Asterisk AudioSocket calls and relays each one as a
// client connection.
type AudioSocket struct {
	config AudioSocketConfig
	relay  *relay.Relay

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

func NewAudioSocket(config AudioSocketConfig, r *relay.Relay) *AudioSocket {
	return &AudioSocket{
		config:   config,
		relay:    r,
		shutdown: make(chan struct{}),
	}
}

func (a *AudioSocket) Start() error {
	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return a.Serve(listener)
}

// Serve accepts calls on listener until Stop is called.
func (a *AudioSocket) Serve(listener net.Listener) error {
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	select {
	case <-a.shutdown:
		listener.Close()
		return nil
	default:
	}

	log.Printf("AudioSocket server listening on %s (%d Hz)", listener.Addr(), a.config.SampleRate)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		a.wg.Add(1)
		go a.handleConnection(conn)
	}
}

// Stop closes the listener and waits for in-flight calls to finish.
func (a *AudioSocket) Stop() {
	a.stopOnce.Do(func() {
		close(a.shutdown)
		a.mu.Lock()
		if a.listener != nil {
			a.listener.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
}

func (a *AudioSocket) handleConnection(conn net.Conn) {
	defer a.wg.Done()
	defer conn.Close()

	log.Printf("New connection from %s", conn.RemoteAddr())

	id, err := audiosocket.GetID(conn)
	if err != nil {
		log.Printf("Failed to get ID: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	a.relay.ServeConn(ctx, id, newPhoneConn(id, conn, conn.RemoteAddr(), a.config.SampleRate))
}

// phoneConn presents an AudioSocket call as a relay connection. Phone audio
// arrives as binary frames at 16 kHz; transcript events are logged since the
// caller has no screen to show them on.
type phoneConn struct {
	id       uuid.UUID
	rw       io.ReadWriteCloser
	remote   net.Addr
	upsample bool

	closeOnce sync.Once
}

func newPhoneConn(id uuid.UUID, rw io.ReadWriteCloser, remote net.Addr, sampleRate int) *phoneConn {
	return &phoneConn{
		id:       id,
		rw:       rw,
		remote:   remote,
		upsample: sampleRate == 8000,
	}
}

func (p *phoneConn) ReadMessage() (int, []byte, error) {
	for {
		msg, err := audiosocket.NextMessage(p.rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil, io.EOF
			}
			return 0, nil, fmt.Errorf("failed to read message: %w", err)
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			payload := msg.Payload()
			if len(payload) == 0 {
				continue
			}
			if p.upsample {
				payload = audio.Resample8to16(payload)
			}
			return websocket.BinaryMessage, payload, nil

		case audiosocket.KindHangup:
			log.Printf("Session %s: Received hangup", p.id)
			return 0, nil, io.EOF

		case audiosocket.KindDTMF:
			if len(msg.Payload()) > 0 {
				log.Printf("Session %s: DTMF digit: %c", p.id, msg.Payload()[0])
			}

		case audiosocket.KindSilence:
			log.Printf("Session %s: Silence detected", p.id)

		case audiosocket.KindError:
			return 0, nil, fmt.Errorf("received error code: %d", msg.ErrorCode())
		}
	}
}

func (p *phoneConn) WriteMessage(messageType int, data []byte) error {
	msg, err := relay.DecodeServerMessage(data)
	if err != nil {
		return err
	}
	log.Printf("Session %s: [%s] %s", p.id, msg.Event, msg.Data)
	return nil
}

// Close hangs up the call.
func (p *phoneConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if d, ok := p.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
			d.SetWriteDeadline(time.Now().Add(time.Second))
		}
		p.rw.Write(audiosocket.HangupMessage())
		err = p.rw.Close()
	})
	return err
}

func (p *phoneConn) RemoteAddr() net.Addr {
	return p.remote
}
