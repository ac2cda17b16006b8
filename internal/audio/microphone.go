package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TargetSampleRate is the rate the relay expects from every client.
const TargetSampleRate = 16000

// FileMicrophone replays a WAV or raw PCM file as if it were live capture.
// Path "-" reads raw PCM from stdin.
type FileMicrophone struct {
	path       string
	rawRate    int
	frame      time.Duration
	realtime   bool
	openReader func(path string) (io.ReadCloser, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type MicrophoneOption func(*FileMicrophone)

// WithFrameDuration sets how much audio each captured frame carries.
func WithFrameDuration(d time.Duration) MicrophoneOption {
	return func(m *FileMicrophone) { m.frame = d }
}

// WithRawSampleRate sets the rate assumed for headerless PCM input.
func WithRawSampleRate(rate int) MicrophoneOption {
	return func(m *FileMicrophone) { m.rawRate = rate }
}

// WithRealtime controls whether frames are paced at capture speed.
func WithRealtime(realtime bool) MicrophoneOption {
	return func(m *FileMicrophone) { m.realtime = realtime }
}

func NewFileMicrophone(path string, opts ...MicrophoneOption) *FileMicrophone {
	m := &FileMicrophone{
		path:     path,
		rawRate:  TargetSampleRate,
		frame:    100 * time.Millisecond,
		realtime: true,
		openReader: func(path string) (io.ReadCloser, error) {
			if path == "-" {
				return io.NopCloser(os.Stdin), nil
			}
			return os.Open(path)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens the source and begins emitting 16kHz 16-bit mono frames. The
// channel is closed when the source is exhausted or Stop is called.
func (m *FileMicrophone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, errors.New("microphone already started")
	}

	src, err := m.openReader(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio source %s: %w", m.path, err)
	}

	rate := m.rawRate
	if strings.EqualFold(filepath.Ext(m.path), ".wav") {
		format, err := ReadWAVHeader(src)
		if err != nil {
			src.Close()
			return nil, err
		}
		if format.Channels != 1 || format.BitsPerSample != 16 {
			src.Close()
			return nil, fmt.Errorf("unsupported WAV layout: %d channels, %d bits", format.Channels, format.BitsPerSample)
		}
		rate = format.SampleRate
	}
	if rate != TargetSampleRate && rate != 8000 {
		src.Close()
		return nil, fmt.Errorf("unsupported sample rate %d, want 8000 or %d", rate, TargetSampleRate)
	}

	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan []byte)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.capture(ctx, src, rate, frames)
	return frames, nil
}

func (m *FileMicrophone) capture(ctx context.Context, src io.ReadCloser, rate int, frames chan<- []byte) {
	defer close(m.done)
	defer close(frames)
	defer src.Close()

	frameBytes := int(int64(rate) * 2 * int64(m.frame) / int64(time.Second))
	if frameBytes%2 == 1 {
		frameBytes++
	}

	var ticker *time.Ticker
	if m.realtime {
		ticker = time.NewTicker(m.frame)
		defer ticker.Stop()
	}

	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			frame := buf[:n]
			if rate == 8000 {
				frame = Resample8to16(frame)
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("Audio source %s: read failed: %v", m.path, err)
			}
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop halts capture and releases the source. It is safe to call at any time.
func (m *FileMicrophone) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
