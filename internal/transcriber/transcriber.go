package transcriber

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio once a session has been closed,
// either locally or by the provider.
var ErrSessionClosed = errors.New("transcription session closed")

// Provider opens streaming transcription sessions against one speech-to-text
// backend.
type Provider interface {
	Name() string
	// Open blocks until the provider has acknowledged the session or ctx is done.
	// A nil error means the session is open and ready for audio.
	Open(ctx context.Context, cfg StreamConfig) (Session, error)
}

// Session is one upstream streaming session. SendAudio and Close must not be
// called concurrently with each other.
type Session interface {
	ID() string
	SendAudio(audio []byte) error
	// Events yields transcripts until a terminal EventError or EventClosed,
	// after which the channel is closed.
	Events() <-chan Event
	Close() error
}

// StreamConfig is fixed for the lifetime of a session.
type StreamConfig struct {
	SampleRate int
	// FormatTurns asks the provider for finalized, punctuated turns.
	FormatTurns bool
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventTranscript EventKind = iota
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single item of a session's result stream.
type Event struct {
	Kind EventKind
	// Text and Final are set for EventTranscript.
	Text  string
	Final bool
	// Err is set for EventError.
	Err error
	// Reason is set for EventClosed.
	Reason string
}

func Transcript(text string, final bool) Event {
	return Event{Kind: EventTranscript, Text: text, Final: final}
}

func Errored(err error) Event {
	return Event{Kind: EventError, Err: err}
}

func Closed(reason string) Event {
	return Event{Kind: EventClosed, Reason: reason}
}
