package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TranscriptInfo is the metadata header of a saved transcript.
type TranscriptInfo struct {
	ConnectionID string
	SessionID    string
	Provider     string
	StartTime    time.Time
	Duration     time.Duration
	SampleRate   int
}

// SaveTranscript writes the full transcript with a metadata header and
// returns the file name. Empty transcripts are not written.
func SaveTranscript(outputDir string, info TranscriptInfo, transcript string) (string, error) {
	if transcript == "" {
		return "", nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	metadata := fmt.Sprintf("Connection ID: %s\nSession ID: %s\nProvider: %s\nStart Time: %s\nDuration: %v\nSample Rate: %dHz\n\n---TRANSCRIPT---\n\n",
		info.ConnectionID,
		info.SessionID,
		info.Provider,
		info.StartTime.Format("2006-01-02 15:04:05"),
		info.Duration,
		info.SampleRate,
	)

	filename := filepath.Join(
		outputDir,
		fmt.Sprintf("%s_%s_%s.txt",
			info.StartTime.Format("20060102_150405"),
			info.Provider,
			shortID(info.ConnectionID),
		),
	)

	if err := os.WriteFile(filename, []byte(metadata+transcript+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %w", err)
	}
	return filename, nil
}
