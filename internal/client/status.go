package client

// Status is the client's connection state as shown to the candidate.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
	StatusStreamClosed
	StatusStreamError
	StatusMicDenied
	StatusConnectFailed
	StatusDisconnected
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Not started"
	case StatusConnecting:
		return "Connecting to the transcription service"
	case StatusStreaming:
		return "Listening"
	case StatusStreamClosed:
		return "Transcription has ended for this session"
	case StatusStreamError:
		return "Transcription is unavailable right now"
	case StatusMicDenied:
		return "Microphone access was denied"
	case StatusConnectFailed:
		return "Could not connect to the transcription service"
	case StatusDisconnected:
		return "Connection to the transcription service was lost"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown status"
	}
}
