package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type VoskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial string `json:"partial"`
}

// Vosk opens sessions against a self-hosted Vosk websocket server. Vosk has
// no session handshake, so the id is generated locally.
type Vosk struct {
	serverURL    string
	dialer       *websocket.Dialer
	closeTimeout time.Duration
}

func NewVosk(serverURL string, closeTimeout time.Duration) (*Vosk, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("Vosk server URL is required")
	}
	return &Vosk{
		serverURL:    serverURL,
		dialer:       websocket.DefaultDialer,
		closeTimeout: closeTimeout,
	}, nil
}

func (p *Vosk) Name() string { return "vosk" }

func (p *Vosk) Open(ctx context.Context, cfg StreamConfig) (Session, error) {
	url := fmt.Sprintf("%s/ws?sample_rate=%d", p.serverURL, cfg.SampleRate)
	conn, _, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Vosk server: %w", err)
	}

	id := uuid.NewString()
	log.Printf("Vosk session started: %s", id)
	return newWSSession(p.Name(), id, conn, decodeVosk, []byte(`{"eof": 1}`), p.closeTimeout), nil
}

func decodeVosk(message []byte) ([]Event, bool) {
	var result VoskResult
	if err := json.Unmarshal(message, &result); err != nil {
		log.Printf("Failed to parse Vosk result: %v", err)
		return nil, false
	}

	var events []Event
	if result.Partial != "" {
		events = append(events, Transcript(result.Partial, false))
	}
	if result.Text != "" {
		events = append(events, Transcript(result.Text, true))
	}
	return events, false
}
