package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Format describes a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ReadWAVHeader consumes a RIFF/WAVE header from r, leaving r positioned at
// the first byte of PCM data.
func ReadWAVHeader(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, fmt.Errorf("not a valid WAV file")
	}

	var format Format
	var haveFormat bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Format{}, fmt.Errorf("failed to find data chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if audioFormat := binary.LittleEndian.Uint16(body[0:2]); audioFormat != 1 {
				return Format{}, fmt.Errorf("unsupported WAV encoding %d, want PCM", audioFormat)
			}
			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFormat = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return Format{}, fmt.Errorf("failed to skip pad byte: %w", err)
				}
			}

		case "data":
			if !haveFormat {
				return Format{}, fmt.Errorf("data chunk before fmt chunk")
			}
			return format, nil

		default:
			// LIST, fact and friends; chunks are word aligned.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}
