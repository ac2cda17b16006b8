// Package sessionlog writes per-connection JSONL event logs and finished
// transcripts to disk.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes structured JSONL session logs to a file
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
	now  func() time.Time
}

type Record struct {
	Timestamp    string            `json:"ts"`
	Event        string            `json:"event"`
	ConnectionID string            `json:"connection_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Text         string            `json:"text,omitempty"`
	Final        bool              `json:"final,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// New creates a logger under outputDir. Filename is timestamp + connection id.
func New(outputDir, connectionID string, started time.Time) (*Logger, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID(connectionID)))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, path: filename, now: time.Now}, nil
}

func (l *Logger) Path() string { return l.path }

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) write(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	rec.Timestamp = l.now().Format(time.RFC3339Nano)
	_ = json.NewEncoder(l.file).Encode(rec)
}

func (l *Logger) LogConnected(connectionID, remote string) {
	l.write(Record{Event: "connected", ConnectionID: connectionID, Details: map[string]string{"remote": remote}})
}

func (l *Logger) LogStreamOpen(connectionID, sessionID, provider string) {
	l.write(Record{Event: "stream_open", ConnectionID: connectionID, SessionID: sessionID, Details: map[string]string{"provider": provider}})
}

func (l *Logger) LogTranscript(connectionID, sessionID, text string, final bool) {
	l.write(Record{Event: "transcript", ConnectionID: connectionID, SessionID: sessionID, Text: strings.TrimSpace(text), Final: final})
}

func (l *Logger) LogStreamError(connectionID, sessionID, reason string) {
	l.write(Record{Event: "stream_error", ConnectionID: connectionID, SessionID: sessionID, Details: map[string]string{"reason": reason}})
}

func (l *Logger) LogStreamClosed(connectionID, sessionID, reason string) {
	l.write(Record{Event: "stream_closed", ConnectionID: connectionID, SessionID: sessionID, Details: map[string]string{"reason": reason}})
}

func (l *Logger) LogDisconnected(connectionID, summary string) {
	l.write(Record{Event: "disconnected", ConnectionID: connectionID, Details: map[string]string{"metrics": summary}})
}
