package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	AssemblyAIWebSocketURL = "wss://streaming.assemblyai.com/v3/ws"
	// AssemblyAI requires chunks between 50ms and 1000ms
	MinChunkDurationMs = 50
	MaxChunkDurationMs = 1000
)

// AssemblyAI message types
type AssemblyAIMessage struct {
	Type               string  `json:"type"`
	ID                 string  `json:"id,omitempty"`
	ExpiresAt          int64   `json:"expires_at,omitempty"`
	Transcript         string  `json:"transcript,omitempty"`
	EndOfTurn          bool    `json:"end_of_turn,omitempty"`
	TurnIsFormatted    bool    `json:"turn_is_formatted,omitempty"`
	AudioDurationSec   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSec float64 `json:"session_duration_seconds,omitempty"`
	Error              string  `json:"error,omitempty"`
}

// AssemblyAI opens sessions against the AssemblyAI v3 streaming API.
type AssemblyAI struct {
	apiKey       string
	url          string
	dialer       *websocket.Dialer
	closeTimeout time.Duration
}

type AssemblyAIOption func(*AssemblyAI)

// WithAssemblyAIURL points the provider at a different endpoint.
func WithAssemblyAIURL(url string) AssemblyAIOption {
	return func(p *AssemblyAI) { p.url = url }
}

func WithAssemblyAICloseTimeout(d time.Duration) AssemblyAIOption {
	return func(p *AssemblyAI) { p.closeTimeout = d }
}

func NewAssemblyAI(apiKey string, opts ...AssemblyAIOption) (*AssemblyAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("AssemblyAI API key is required")
	}
	p := &AssemblyAI{
		apiKey:       apiKey,
		url:          AssemblyAIWebSocketURL,
		dialer:       websocket.DefaultDialer,
		closeTimeout: DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *AssemblyAI) Name() string { return "assemblyai" }

// Open dials the streaming endpoint and waits for the Begin message that
// carries the session id.
func (p *AssemblyAI) Open(ctx context.Context, cfg StreamConfig) (Session, error) {
	url := fmt.Sprintf("%s?sample_rate=%d&format_turns=%t", p.url, cfg.SampleRate, cfg.FormatTurns)

	header := http.Header{}
	header.Add("Authorization", p.apiKey)

	conn, _, err := p.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	// Unblocks the handshake read when ctx ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	id, err := awaitBegin(conn)
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("AssemblyAI handshake: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("AssemblyAI session started: %s", id)

	terminate, err := json.Marshal(AssemblyAIMessage{Type: "Terminate"})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode terminate message: %w", err)
	}
	decode := func(message []byte) ([]Event, bool) {
		return decodeAssemblyAI(message, cfg.FormatTurns)
	}
	return newWSSession(p.Name(), id, conn, decode, terminate, p.closeTimeout), nil
}

func awaitBegin(conn *websocket.Conn) (string, error) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("AssemblyAI rejected session: %w", err)
		}

		var msg AssemblyAIMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse AssemblyAI message: %v", err)
			continue
		}

		switch msg.Type {
		case "Begin":
			if msg.ID == "" {
				return "", fmt.Errorf("AssemblyAI Begin message without session id")
			}
			return msg.ID, nil
		case "Error":
			return "", fmt.Errorf("AssemblyAI error: %s", msg.Error)
		}
	}
}

func decodeAssemblyAI(message []byte, formatTurns bool) ([]Event, bool) {
	var msg AssemblyAIMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("Failed to parse AssemblyAI message: %v", err)
		return nil, false
	}

	switch msg.Type {
	case "Turn":
		// With format_turns the finalized segment is the formatted copy of the
		// turn; without it the end-of-turn message is the last word.
		final := msg.TurnIsFormatted
		if !formatTurns {
			final = msg.EndOfTurn
		}
		return []Event{Transcript(msg.Transcript, final)}, false

	case "Termination":
		log.Printf("AssemblyAI session terminated. Audio duration: %.2fs, Session duration: %.2fs",
			msg.AudioDurationSec, msg.SessionDurationSec)
		return []Event{Closed("session terminated")}, true

	case "Error":
		return []Event{Errored(fmt.Errorf("AssemblyAI error: %s", msg.Error))}, true
	}
	return nil, false
}
