package metrics

import (
	"fmt"
	"sync"
	"time"
)

// bytesPerSecond of 16kHz 16-bit mono audio.
const bytesPerSecond = 16000 * 2

type SessionMetrics struct {
	Provider        string
	ConnectionID    string
	StartTime       time.Time
	EndTime         time.Time
	AudioBytes      int
	ChunksForwarded int
	ChunksDropped   int
	PartialCount    int
	FinalCount      int
	FirstResultTime *time.Time
	mu              sync.Mutex
	now             func() time.Time
}

func NewSessionMetrics(provider, connectionID string) *SessionMetrics {
	return newSessionMetrics(provider, connectionID, time.Now)
}

func newSessionMetrics(provider, connectionID string, now func() time.Time) *SessionMetrics {
	return &SessionMetrics{
		Provider:     provider,
		ConnectionID: connectionID,
		StartTime:    now(),
		now:          now,
	}
}

func (m *SessionMetrics) AddForwarded(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
	m.ChunksForwarded++
}

func (m *SessionMetrics) AddDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksDropped++
}

func (m *SessionMetrics) AddTranscriptResult(isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := m.now()
		m.FirstResultTime = &now
	}

	if isFinal {
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = m.now()
}

// Dropped reports how many audio chunks were not forwarded.
func (m *SessionMetrics) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChunksDropped
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = m.now()
	}
	duration := end.Sub(m.StartTime)

	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	audioDuration := float64(m.AudioBytes) / bytesPerSecond

	return fmt.Sprintf(
		"provider=%s connection=%s duration=%v audio=%.2fs bytes=%d forwarded=%d dropped=%d partial=%d final=%d first_result=%v",
		m.Provider,
		m.ConnectionID,
		duration,
		audioDuration,
		m.AudioBytes,
		m.ChunksForwarded,
		m.ChunksDropped,
		m.PartialCount,
		m.FinalCount,
		latency,
	)
}
