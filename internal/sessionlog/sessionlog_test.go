package sessionlog

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesRecords(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	logger, err := New(dir, "0123456789abcdef", started)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasSuffix(logger.Path(), "20260304_050607_session_01234567.jsonl") {
		t.Errorf("unexpected log path %s", logger.Path())
	}

	logger.LogConnected("0123456789abcdef", "127.0.0.1:5000")
	logger.LogStreamOpen("0123456789abcdef", "sess-1", "assemblyai")
	logger.LogTranscript("0123456789abcdef", "sess-1", "  hello world ", true)
	logger.LogStreamClosed("0123456789abcdef", "sess-1", "client disconnected")
	logger.LogDisconnected("0123456789abcdef", "final=1")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes after Close are dropped.
	logger.LogConnected("0123456789abcdef", "late")

	f, err := os.Open(logger.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad record %q: %v", scanner.Text(), err)
		}
		if rec.Timestamp == "" {
			t.Error("record without timestamp")
		}
		if rec.Event == "transcript" && (rec.Text != "hello world" || !rec.Final) {
			t.Errorf("transcript record = %+v", rec)
		}
		events = append(events, rec.Event)
	}

	want := []string{"connected", "stream_open", "transcript", "stream_closed", "disconnected"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestSaveTranscript(t *testing.T) {
	dir := t.TempDir()
	info := TranscriptInfo{
		ConnectionID: "abcdef0123456789",
		SessionID:    "sess-9",
		Provider:     "assemblyai",
		StartTime:    time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Duration:     90 * time.Second,
		SampleRate:   16000,
	}

	name, err := SaveTranscript(dir, info, "Tell me about yourself. I am a backend engineer.")
	if err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if !strings.HasSuffix(name, "20260304_050607_assemblyai_abcdef01.txt") {
		t.Errorf("unexpected file name %s", name)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"Session ID: sess-9", "Sample Rate: 16000Hz", "---TRANSCRIPT---", "backend engineer"} {
		if !strings.Contains(content, want) {
			t.Errorf("transcript file missing %q", want)
		}
	}

	name, err = SaveTranscript(dir, info, "")
	if err != nil || name != "" {
		t.Errorf("empty transcript: name=%q err=%v, want nothing written", name, err)
	}
}
