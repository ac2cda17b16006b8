package transcriber

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultCloseTimeout bounds how long Close waits for the provider to flush
// its last results after the terminate message.
const DefaultCloseTimeout = 2 * time.Second

// decodeFunc turns one provider message into zero or more events. terminal
// reports that the provider has ended the stream.
type decodeFunc func(message []byte) (events []Event, terminal bool)

// wsSession is the websocket plumbing shared by the streaming providers: one
// reader goroutine feeding Events, serialized writes, and a drain-then-close
// shutdown.
type wsSession struct {
	provider     string
	id           string
	conn         *websocket.Conn
	decode       decodeFunc
	terminate    []byte
	closeTimeout time.Duration

	events     chan Event
	done       chan struct{}
	readerDone chan struct{}
	ended      atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSSession(provider, id string, conn *websocket.Conn, decode decodeFunc, terminate []byte, closeTimeout time.Duration) *wsSession {
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	s := &wsSession{
		provider:     provider,
		id:           id,
		conn:         conn,
		decode:       decode,
		terminate:    terminate,
		closeTimeout: closeTimeout,
		events:       make(chan Event, 100),
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) SendAudio(audio []byte) error {
	if s.ended.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to send audio to %s: %w", s.provider, err)
	}
	return nil
}

func (s *wsSession) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.ended.Store(true)
			select {
			case <-s.done:
				// Local Close; the caller is no longer listening.
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(Closed(fmt.Sprintf("%s closed the stream", s.provider)))
			} else {
				s.emit(Errored(fmt.Errorf("%s stream: %w", s.provider, err)))
			}
			return
		}

		events, terminal := s.decode(message)
		for _, ev := range events {
			s.emit(ev)
		}
		if terminal {
			s.ended.Store(true)
			return
		}
	}
}

func (s *wsSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close asks the provider to finish, waits up to closeTimeout for it to do so
// and then closes the socket. It is safe to call more than once.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.ended.Swap(true) && s.terminate != nil {
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, s.terminate)
			s.writeMu.Unlock()
			if err == nil {
				select {
				case <-s.readerDone:
				case <-time.After(s.closeTimeout):
					log.Printf("%s session %s: no termination after %v", s.provider, s.id, s.closeTimeout)
				}
			}
		}
		s.closeErr = s.conn.Close()
		<-s.readerDone
	})
	return s.closeErr
}
