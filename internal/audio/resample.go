package audio

import "encoding/binary"

// Resample8to16 upsamples 16-bit little-endian mono PCM from 8kHz to 16kHz
// with linear interpolation. A trailing odd byte is ignored.
func Resample8to16(input []byte) []byte {
	samples := make([]int16, len(input)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2 : i*2+2]))
	}
	if len(samples) == 0 {
		return nil
	}

	upsampled := make([]int16, len(samples)*2)
	for i := 0; i < len(samples)-1; i++ {
		upsampled[i*2] = samples[i]
		upsampled[i*2+1] = int16((int32(samples[i]) + int32(samples[i+1])) / 2)
	}
	last := samples[len(samples)-1]
	upsampled[len(upsampled)-2] = last
	upsampled[len(upsampled)-1] = last

	output := make([]byte, len(upsampled)*2)
	for i, sample := range upsampled {
		binary.LittleEndian.PutUint16(output[i*2:i*2+2], uint16(sample))
	}
	return output
}
