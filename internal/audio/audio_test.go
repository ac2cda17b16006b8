package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func wavFile(rate, channels, bits int, data []byte, extra ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")
	for _, chunk := range extra {
		buf.Write(chunk)
	}
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func TestResample8to16(t *testing.T) {
	got := Resample8to16(pcm(0, 100, 32767, 32767))
	want := pcm(0, 50, 100, 16433, 32767, 32767, 32767, 32767)
	if !bytes.Equal(got, want) {
		t.Errorf("Resample8to16 = %v, want %v", got, want)
	}
	if out := Resample8to16(nil); len(out) != 0 {
		t.Errorf("empty input produced %d bytes", len(out))
	}
}

func TestReadWAVHeader(t *testing.T) {
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	data := pcm(1, 2, 3)
	r := bytes.NewReader(wavFile(16000, 1, 16, data, list))

	format, err := ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if format != (Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}) {
		t.Errorf("format = %+v", format)
	}
	rest := make([]byte, len(data))
	if _, err := r.Read(rest); err != nil || !bytes.Equal(rest, data) {
		t.Errorf("reader not positioned at data: %v %v", rest, err)
	}
}

func TestReadWAVHeaderRejectsGarbage(t *testing.T) {
	if _, err := ReadWAVHeader(bytes.NewReader([]byte("definitely not a wav file"))); err == nil {
		t.Error("expected an error for a non-WAV input")
	}
}

func TestFileMicrophoneFrames(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat(pcm(7), 16000*2/10*3/2) // 3 frames of 100ms at 16kHz
	path := filepath.Join(dir, "answer.wav")
	if err := os.WriteFile(path, wavFile(16000, 1, 16, data), 0644); err != nil {
		t.Fatal(err)
	}

	mic := NewFileMicrophone(path, WithRealtime(false))
	frames, err := mic.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []byte
	count := 0
	for frame := range frames {
		count++
		got = append(got, frame...)
	}
	if count != 3 {
		t.Errorf("got %d frames, want 3", count)
	}
	if !bytes.Equal(got, data) {
		t.Error("frames do not reassemble to the source audio")
	}
	if err := mic.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestFileMicrophoneResamplesRaw8k(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "call.raw")
	if err := os.WriteFile(path, pcm(1, 1, 1, 1), 0644); err != nil {
		t.Fatal(err)
	}

	mic := NewFileMicrophone(path, WithRealtime(false), WithRawSampleRate(8000))
	frames, err := mic.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	frame := <-frames
	if len(frame) != 16 {
		t.Errorf("frame length = %d, want 16 after upsampling", len(frame))
	}
	mic.Stop()
}

func TestFileMicrophoneMissingSource(t *testing.T) {
	mic := NewFileMicrophone(filepath.Join(t.TempDir(), "missing.wav"))
	if _, err := mic.Start(context.Background()); err == nil {
		t.Fatal("expected an error for a missing source")
	}
	if err := mic.Stop(); err != nil {
		t.Errorf("Stop on unstarted microphone: %v", err)
	}
}

func TestFileMicrophoneStopReleasesCapture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.raw")
	if err := os.WriteFile(path, make([]byte, 16000*2*10), 0644); err != nil {
		t.Fatal(err)
	}

	mic := NewFileMicrophone(path, WithFrameDuration(20*time.Millisecond))
	frames, err := mic.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-frames
	mic.Stop()

	select {
	case _, ok := <-frames:
		if ok {
			// One frame may already be in flight; the channel must close right after.
			if _, ok := <-frames; ok {
				t.Error("capture still running after Stop")
			}
		}
	case <-time.After(time.Second):
		t.Error("frames channel not closed after Stop")
	}
}
