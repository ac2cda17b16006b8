package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/interviewkit/transcript-relay/internal/transcriber"
	"github.com/interviewkit/transcript-relay/internal/transcriber/transcribertest"
)

const waitTimeout = 2 * time.Second

type frame struct {
	messageType int
	data        []byte
}

// pipeConn is an in-memory client connection. The test plays the browser:
// it pushes frames into in and reads decoded events from out.
type pipeConn struct {
	in        chan frame
	out       chan ServerMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan frame, 256),
		out:    make(chan ServerMessage, 256),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.messageType, f.data, nil
	case <-p.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (p *pipeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-p.closed:
		return errors.New("connection closed")
	default:
	}
	msg, err := DecodeServerMessage(data)
	if err != nil {
		return err
	}
	p.out <- msg
	return nil
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeConn) sendAudio(data []byte) {
	p.in <- frame{messageType: websocket.BinaryMessage, data: data}
}

func (p *pipeConn) disconnect() { close(p.in) }

func (p *pipeConn) next(t *testing.T) ServerMessage {
	t.Helper()
	select {
	case msg := <-p.out:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a relay event")
	}
	return ServerMessage{}
}

func (p *pipeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case msg := <-p.out:
		t.Errorf("unexpected relay event %+v", msg)
	default:
	}
}

func serve(r *Relay) (*pipeConn, <-chan struct{}) {
	conn := newPipeConn()
	done := make(chan struct{})
	go func() {
		r.Serve(context.Background(), conn)
		close(done)
	}()
	return conn, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("connection did not tear down")
	}
}

func waitSession(t *testing.T, p *transcribertest.FakeProvider) *transcribertest.FakeSession {
	t.Helper()
	select {
	case s := <-p.Opened():
		return s
	case <-time.After(waitTimeout):
		t.Fatal("provider session never opened")
	}
	return nil
}

func waitAudio(t *testing.T, s *transcribertest.FakeSession, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.AudioReceived():
		case <-time.After(waitTimeout):
			t.Fatalf("provider received %d of %d chunks", i, n)
		}
	}
}

func waitState(t *testing.T, r *Relay, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		conns := r.Connections()
		if len(conns) == 1 && conns[0].State == want.String() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection never reached %s: %+v", want, r.Connections())
}

func TestRelayForwardsAudioAndTranscript(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	session := waitSession(t, provider)

	chunks := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	for _, chunk := range chunks {
		conn.sendAudio(chunk)
	}
	waitAudio(t, session, len(chunks))

	session.Emit(transcriber.Transcript("hello world", true))
	if msg := conn.next(t); msg != (ServerMessage{Event: EventTranscription, Data: "hello world"}) {
		t.Errorf("client received %+v", msg)
	}

	conn.disconnect()
	waitDone(t, done)

	got := session.Audio()
	if len(got) != len(chunks) {
		t.Fatalf("provider received %d chunks, want %d", len(got), len(chunks))
	}
	for i := range chunks {
		if !bytes.Equal(got[i], chunks[i]) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], chunks[i])
		}
	}
	if calls := session.CloseCalls(); calls != 1 {
		t.Errorf("provider Close called %d times, want 1", calls)
	}
	conn.expectNothing(t)

	cfgs := provider.Configs()
	if len(cfgs) != 1 || cfgs[0] != (transcriber.StreamConfig{SampleRate: 16000, FormatTurns: true}) {
		t.Errorf("stream configs = %+v", cfgs)
	}
	if r.Active() != 0 {
		t.Errorf("Active() = %d after teardown", r.Active())
	}
}

func TestRelayOpenFailure(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	provider.OpenErr = errors.New("upstream unavailable")
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	if msg := conn.next(t); msg.Event != EventStreamError {
		t.Fatalf("client received %+v, want %s", msg, EventStreamError)
	}
	waitState(t, r, StateError)

	conn.sendAudio([]byte{1})
	conn.sendAudio([]byte{2})
	conn.disconnect()
	waitDone(t, done)

	if sessions := provider.Sessions(); len(sessions) != 0 {
		t.Errorf("provider opened %d sessions after a failed open", len(sessions))
	}
	if attempts := provider.Attempts(); attempts != 1 {
		t.Errorf("provider Open called %d times, want no retries", attempts)
	}
	conn.expectNothing(t)
}

func TestRelayOpenTimeout(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	provider.Block = true
	cfg := DefaultConfig()
	cfg.OpenTimeout = 50 * time.Millisecond
	r := New(provider, cfg)

	conn, done := serve(r)
	if msg := conn.next(t); msg.Event != EventStreamError {
		t.Fatalf("client received %+v, want %s", msg, EventStreamError)
	}
	waitState(t, r, StateError)
	conn.disconnect()
	waitDone(t, done)
}

func TestRelayDisconnectDuringOpen(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	provider.Block = true
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	waitState(t, r, StateStreamOpening)
	conn.disconnect()
	waitDone(t, done)
}

func TestRelayFiltersEmptyTranscripts(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	session := waitSession(t, provider)

	for _, text := range []string{"", "   ", "\n\t "} {
		session.Emit(transcriber.Transcript(text, true))
	}
	session.Emit(transcriber.Transcript(" spaced answer ", true))

	if msg := conn.next(t); msg.Data != " spaced answer " {
		t.Errorf("client received %+v, want the first non-empty transcript verbatim", msg)
	}
	conn.disconnect()
	waitDone(t, done)
	conn.expectNothing(t)
}

func TestRelayPartials(t *testing.T) {
	testCases := []struct {
		description     string
		forwardPartials bool
		want            []ServerMessage
	}{
		{
			description: "partials dropped by default",
			want:        []ServerMessage{{Event: EventTranscription, Data: "Hello there."}},
		},
		{
			description:     "partials forwarded when enabled",
			forwardPartials: true,
			want: []ServerMessage{
				{Event: EventPartialTranscription, Data: "hello"},
				{Event: EventTranscription, Data: "Hello there."},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			provider := transcribertest.NewFakeProvider()
			cfg := DefaultConfig()
			cfg.ForwardPartials = tc.forwardPartials
			r := New(provider, cfg)

			conn, done := serve(r)
			session := waitSession(t, provider)
			session.Emit(transcriber.Transcript("hello", false))
			session.Emit(transcriber.Transcript("Hello there.", true))

			for _, want := range tc.want {
				if got := conn.next(t); got != want {
					t.Errorf("client received %+v, want %+v", got, want)
				}
			}
			conn.disconnect()
			waitDone(t, done)
			conn.expectNothing(t)
		})
	}
}

func TestRelayPreservesOrder(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	session := waitSession(t, provider)

	const n = 100
	for i := 0; i < n; i++ {
		conn.sendAudio([]byte{byte(i), byte(i >> 8)})
	}
	waitAudio(t, session, n)
	for i, chunk := range session.Audio() {
		if chunk[0] != byte(i) {
			t.Fatalf("chunk %d arrived out of order: %v", i, chunk)
		}
	}

	for i := 0; i < 20; i++ {
		session.Emit(transcriber.Transcript(fmt.Sprintf("segment %d", i), true))
	}
	for i := 0; i < 20; i++ {
		if msg := conn.next(t); msg.Data != fmt.Sprintf("segment %d", i) {
			t.Fatalf("transcript %d = %q", i, msg.Data)
		}
	}

	conn.disconnect()
	waitDone(t, done)
}

func TestRelayIsolatesConnections(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	connA, doneA := serve(r)
	sessionA := waitSession(t, provider)
	connB, doneB := serve(r)
	sessionB := waitSession(t, provider)

	connA.sendAudio([]byte{0xA})
	connB.sendAudio([]byte{0xB})
	waitAudio(t, sessionA, 1)
	waitAudio(t, sessionB, 1)

	var wg sync.WaitGroup
	for _, pair := range []struct {
		session *transcribertest.FakeSession
		prefix  string
	}{{sessionA, "a"}, {sessionB, "b"}} {
		wg.Add(1)
		go func(s *transcribertest.FakeSession, prefix string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				s.Emit(transcriber.Transcript(fmt.Sprintf("%s-%d", prefix, i), true))
			}
		}(pair.session, pair.prefix)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if msg := connA.next(t); msg.Data != fmt.Sprintf("a-%d", i) {
			t.Errorf("client A received %q", msg.Data)
		}
		if msg := connB.next(t); msg.Data != fmt.Sprintf("b-%d", i) {
			t.Errorf("client B received %q", msg.Data)
		}
	}

	if got := sessionA.Audio(); len(got) != 1 || got[0][0] != 0xA {
		t.Errorf("session A audio = %v", got)
	}
	if got := sessionB.Audio(); len(got) != 1 || got[0][0] != 0xB {
		t.Errorf("session B audio = %v", got)
	}

	connA.disconnect()
	connB.disconnect()
	waitDone(t, doneA)
	waitDone(t, doneB)
	connA.expectNothing(t)
	connB.expectNothing(t)
}

func TestRelayUpstreamClosed(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	session := waitSession(t, provider)

	conn.sendAudio([]byte{1})
	waitAudio(t, session, 1)

	session.End(transcriber.Closed("session terminated"))
	if msg := conn.next(t); msg != (ServerMessage{Event: EventStreamClosed, Data: "session terminated"}) {
		t.Fatalf("client received %+v", msg)
	}
	waitState(t, r, StateClosed)
	if conn.isClosed() {
		t.Error("client connection dropped after upstream close")
	}

	conn.sendAudio([]byte{2})
	conn.sendAudio([]byte{3})
	conn.disconnect()
	waitDone(t, done)

	if got := session.Audio(); len(got) != 1 {
		t.Errorf("provider received %d chunks, want only the one sent before close", len(got))
	}
	if calls := session.CloseCalls(); calls != 1 {
		t.Errorf("provider Close called %d times, want 1", calls)
	}
}

func TestRelayUpstreamError(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	session := waitSession(t, provider)

	session.End(transcriber.Errored(errors.New("socket reset")))
	if msg := conn.next(t); msg.Event != EventStreamError {
		t.Fatalf("client received %+v, want %s", msg, EventStreamError)
	}
	waitState(t, r, StateError)

	session.Emit(transcriber.Transcript("late", true))
	conn.disconnect()
	waitDone(t, done)
	conn.expectNothing(t)
	if calls := session.CloseCalls(); calls != 1 {
		t.Errorf("provider Close called %d times, want 1", calls)
	}
}

func TestRelayBuffersWhileOpening(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	provider.Gate = make(chan struct{})
	cfg := DefaultConfig()
	cfg.MaxPendingAudio = 4
	r := New(provider, cfg)

	conn, done := serve(r)
	waitState(t, r, StateStreamOpening)

	conn.sendAudio([]byte{1, 1})
	conn.sendAudio([]byte{2, 2})
	conn.sendAudio([]byte{3, 3})

	// The third chunk does not fit; the client is told rather than left guessing.
	if msg := conn.next(t); msg != (ServerMessage{Event: EventStreamError, Data: "audio buffer full"}) {
		t.Fatalf("client received %+v", msg)
	}

	close(provider.Gate)
	session := waitSession(t, provider)
	waitAudio(t, session, 2)

	conn.sendAudio([]byte{4, 4})
	waitAudio(t, session, 1)

	conn.disconnect()
	waitDone(t, done)

	want := [][]byte{{1, 1}, {2, 2}, {4, 4}}
	got := session.Audio()
	if len(got) != len(want) {
		t.Fatalf("provider received %v, want %v", got, want)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRelayAcceptsJSONAudio(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn, done := serve(r)
	session := waitSession(t, provider)

	conn.in <- frame{messageType: websocket.TextMessage, data: []byte(`{"event":"audio-chunk","data":"AQID"}`)}
	conn.in <- frame{messageType: websocket.TextMessage, data: []byte(`{"event":"something-else"}`)}
	conn.in <- frame{messageType: websocket.TextMessage, data: []byte(`not json`)}
	conn.sendAudio([]byte{4})
	waitAudio(t, session, 2)

	conn.disconnect()
	waitDone(t, done)

	got := session.Audio()
	if len(got) != 2 || !bytes.Equal(got[0], []byte{1, 2, 3}) || !bytes.Equal(got[1], []byte{4}) {
		t.Errorf("provider received %v", got)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	segments []Segment
}

func (s *recordingSink) Publish(ctx context.Context, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	return nil
}

func TestRelayPublishesToSink(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	sink := &recordingSink{}
	r := New(provider, DefaultConfig(), WithSink(sink))

	conn, done := serve(r)
	session := waitSession(t, provider)
	connID := r.Connections()[0].ID

	session.Emit(transcriber.Transcript("", true))
	session.Emit(transcriber.Transcript("I led the migration.", true))
	conn.next(t)
	conn.disconnect()
	waitDone(t, done)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.segments) != 1 {
		t.Fatalf("sink received %d segments, want 1", len(sink.segments))
	}
	seg := sink.segments[0]
	if seg.ConnectionID != connID || seg.SessionID != session.ID() || seg.Text != "I led the migration." || !seg.Final {
		t.Errorf("segment = %+v", seg)
	}
}

// stalledSink holds every Publish until release is closed.
type stalledSink struct {
	release chan struct{}
	calls   chan Segment
}

func (s *stalledSink) Publish(ctx context.Context, seg Segment) error {
	s.calls <- seg
	<-s.release
	return nil
}

func TestRelaySlowSinkDoesNotStallForwarding(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	sink := &stalledSink{release: make(chan struct{}), calls: make(chan Segment, 16)}
	r := New(provider, DefaultConfig(), WithSink(sink))

	conn, done := serve(r)
	session := waitSession(t, provider)

	session.Emit(transcriber.Transcript("first", true))
	conn.next(t)
	select {
	case <-sink.calls:
	case <-time.After(waitTimeout):
		t.Fatal("sink never called")
	}

	// The sink is now stuck on the first segment.
	session.Emit(transcriber.Transcript("second", true))
	if msg := conn.next(t); msg.Data != "second" {
		t.Errorf("client received %+v", msg)
	}
	conn.sendAudio([]byte{1, 2})
	waitAudio(t, session, 1)

	conn.disconnect()
	waitDone(t, done)
	close(sink.release)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case seg := <-sink.calls:
		if seg.Text != "second" {
			t.Errorf("second sink call carried %q", seg.Text)
		}
	default:
		t.Error("queued segment was not flushed on Shutdown")
	}
}

func TestRelayWritesSessionFiles(t *testing.T) {
	dir := t.TempDir()
	provider := transcribertest.NewFakeProvider()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.SessionLogs = true
	cfg.SaveTranscripts = true
	r := New(provider, cfg)

	conn, done := serve(r)
	session := waitSession(t, provider)
	session.Emit(transcriber.Transcript("First answer.", true))
	session.Emit(transcriber.Transcript("Second answer.", true))
	conn.next(t)
	conn.next(t)
	conn.disconnect()
	waitDone(t, done)

	logs, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(logs) != 1 {
		t.Fatalf("found %d session logs, want 1", len(logs))
	}
	transcripts, _ := filepath.Glob(filepath.Join(dir, "*.txt"))
	if len(transcripts) != 1 {
		t.Fatalf("found %d transcripts, want 1", len(transcripts))
	}
	data, err := os.ReadFile(transcripts[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "First answer. Second answer.") {
		t.Errorf("transcript file missing joined text:\n%s", data)
	}
}

func TestRelayShutdown(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	_, doneA := serve(r)
	sessionA := waitSession(t, provider)
	_, doneB := serve(r)
	sessionB := waitSession(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitDone(t, doneA)
	waitDone(t, doneB)

	for _, s := range []*transcribertest.FakeSession{sessionA, sessionB} {
		if calls := s.CloseCalls(); calls != 1 {
			t.Errorf("session %s closed %d times, want 1", s.ID(), calls)
		}
	}
	if r.Active() != 0 {
		t.Errorf("Active() = %d after Shutdown", r.Active())
	}

	late, lateDone := serve(r)
	waitDone(t, lateDone)
	if msg := late.next(t); msg != (ServerMessage{Event: EventStreamError, Data: ErrShuttingDown.Error()}) {
		t.Errorf("late client received %+v", msg)
	}
	if provider.Attempts() != 2 {
		t.Errorf("provider Open called %d times, want 2", provider.Attempts())
	}
}

// hijackedConn behaves like a fasthttp hijacked connection: Close does
// nothing, and only a read deadline unblocks ReadMessage.
type hijackedConn struct {
	*pipeConn
	deadlineOnce sync.Once
	expired      chan struct{}
	control      chan []byte
}

func newHijackedConn() *hijackedConn {
	return &hijackedConn{
		pipeConn: newPipeConn(),
		expired:  make(chan struct{}),
		control:  make(chan []byte, 1),
	}
}

func (h *hijackedConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-h.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.messageType, f.data, nil
	case <-h.expired:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (h *hijackedConn) Close() error { return nil }

func (h *hijackedConn) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		h.deadlineOnce.Do(func() { close(h.expired) })
	}
	return nil
}

func (h *hijackedConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.CloseMessage {
		h.control <- data
	}
	return nil
}

func TestRelayShutdownWithoutWorkingClose(t *testing.T) {
	provider := transcribertest.NewFakeProvider()
	r := New(provider, DefaultConfig())

	conn := newHijackedConn()
	done := make(chan struct{})
	go func() {
		r.Serve(context.Background(), conn)
		close(done)
	}()
	session := waitSession(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitDone(t, done)

	if calls := session.CloseCalls(); calls != 1 {
		t.Errorf("provider Close called %d times, want 1", calls)
	}
	select {
	case data := <-conn.control:
		want := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
		if !bytes.Equal(data, want) {
			t.Errorf("close frame = %q, want %q", data, want)
		}
	default:
		t.Error("client was not sent a close frame")
	}
}

func TestStateString(t *testing.T) {
	testCases := map[State]string{
		StateConnected:     "CONNECTED",
		StateStreamOpening: "STREAM_OPENING",
		StateStreaming:     "STREAMING",
		StateClosed:        "CLOSED",
		StateError:         "ERROR",
		State(42):          "UNKNOWN",
	}
	for state, want := range testCases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
