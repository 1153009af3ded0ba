// Package audiotest builds small PCM WAV fixtures for tests.
package audiotest

import (
	"encoding/binary"
	"math"
	"os"
	"testing"
)

// PCM16 encodes samples as a 16-bit little-endian PCM WAV file.
func PCM16(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], "RIFF")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], "WAVE")
	off += 4

	copy(out[off:], "fmt ")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], "data")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}

// Tone returns seconds of a mono 440 Hz sine at quarter scale.
func Tone(sampleRate int, seconds float64) []int16 {
	samples := make([]int16, int(float64(sampleRate)*seconds))
	for i := range samples {
		samples[i] = int16(0.25 * 32767 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return samples
}

// WriteTone writes a mono 16 kHz tone WAV to path.
func WriteTone(t testing.TB, path string, seconds float64) {
	t.Helper()
	if err := os.WriteFile(path, PCM16(Tone(16000, seconds), 16000, 1), 0o644); err != nil {
		t.Fatalf("write wav fixture: %v", err)
	}
}

// WriteSilence writes a mono 16 kHz all-zero WAV to path.
func WriteSilence(t testing.TB, path string, seconds float64) {
	t.Helper()
	if err := os.WriteFile(path, PCM16(make([]int16, int(16000*seconds)), 16000, 1), 0o644); err != nil {
		t.Fatalf("write wav fixture: %v", err)
	}
}
