// Package transcribertest provides an in-memory transcription provider for
// tests.
package transcribertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/interviewkit/transcript-relay/internal/transcriber"
)

// FakeProvider hands out FakeSessions. Set OpenErr to make every Open fail,
// Block to hold Open until its context is done, or Gate to hold Open until the
// gate is closed.
type FakeProvider struct {
	mu       sync.Mutex
	OpenErr  error
	Block    bool
	Gate     chan struct{}
	sessions []*FakeSession
	configs  []transcriber.StreamConfig
	opened   chan *FakeSession
	attempts int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{opened: make(chan *FakeSession, 64)}
}

func (p *FakeProvider) Name() string { return "fake" }

func (p *FakeProvider) Open(ctx context.Context, cfg transcriber.StreamConfig) (transcriber.Session, error) {
	p.mu.Lock()
	p.attempts++
	p.configs = append(p.configs, cfg)
	openErr, block, gate := p.OpenErr, p.Block, p.Gate
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	p.mu.Lock()
	s := newFakeSession(fmt.Sprintf("fake-%d", len(p.sessions)+1))
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	p.opened <- s
	return s, nil
}

// Opened delivers sessions in the order they were opened.
func (p *FakeProvider) Opened() <-chan *FakeSession { return p.opened }

func (p *FakeProvider) Sessions() []*FakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeSession(nil), p.sessions...)
}

func (p *FakeProvider) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *FakeProvider) Configs() []transcriber.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transcriber.StreamConfig(nil), p.configs...)
}

// FakeSession records audio and Close calls; tests push events with Emit.
type FakeSession struct {
	id     string
	events chan transcriber.Event

	mu         sync.Mutex
	audio      [][]byte
	closeCalls int
	ended      bool
	done       chan struct{}
	audioCh    chan []byte
}

func newFakeSession(id string) *FakeSession {
	return &FakeSession{
		id:      id,
		events:  make(chan transcriber.Event, 64),
		done:    make(chan struct{}),
		audioCh: make(chan []byte, 256),
	}
}

func (s *FakeSession) ID() string { return s.id }

func (s *FakeSession) Events() <-chan transcriber.Event { return s.events }

func (s *FakeSession) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return transcriber.ErrSessionClosed
	}
	chunk := append([]byte(nil), audio...)
	s.audio = append(s.audio, chunk)
	select {
	case s.audioCh <- chunk:
	default:
	}
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.ended = true
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

// Emit delivers ev to the relay unless the session has been closed.
func (s *FakeSession) Emit(ev transcriber.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// End marks the session as ended by the provider, so later SendAudio calls
// fail the way a real upstream would.
func (s *FakeSession) End(ev transcriber.Event) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.Emit(ev)
}

// AudioReceived delivers each chunk as SendAudio accepts it.
func (s *FakeSession) AudioReceived() <-chan []byte { return s.audioCh }

func (s *FakeSession) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *FakeSession) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Done is closed on the first Close call.
func (s *FakeSession) Done() <-chan struct{} { return s.done }
