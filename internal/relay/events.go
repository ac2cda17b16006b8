package relay

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Event names carried in text frames. Audio normally travels as bare binary
// frames; the JSON form of audio-chunk exists for clients that cannot send
// binary.
const (
	EventAudioChunk           = "audio-chunk"
	EventTranscription        = "transcription"
	EventPartialTranscription = "partial-transcription"
	EventStreamClosed         = "stream-closed"
	EventStreamError          = "stream-error"
)

// ServerMessage is a server to client event.
type ServerMessage struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// ClientMessage is the JSON form of a client to server event. Data is base64
// on the wire.
type ClientMessage struct {
	Event string `json:"event"`
	Data  []byte `json:"data"`
}

func encodeServerMessage(event, data string) ([]byte, error) {
	return json.Marshal(ServerMessage{Event: event, Data: data})
}

// DecodeServerMessage parses a text frame sent by the relay.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode relay message: %w", err)
	}
	return msg, nil
}

// decodeClientFrame extracts the audio carried by one client frame. ok is
// false for frames that carry no audio.
func decodeClientFrame(messageType int, data []byte) (audio []byte, ok bool, err error) {
	switch messageType {
	case websocket.BinaryMessage:
		return data, len(data) > 0, nil
	case websocket.TextMessage:
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, false, fmt.Errorf("decode client message: %w", err)
		}
		if msg.Event != EventAudioChunk {
			return nil, false, fmt.Errorf("unknown client event %q", msg.Event)
		}
		return msg.Data, len(msg.Data) > 0, nil
	default:
		return nil, false, nil
	}
}
