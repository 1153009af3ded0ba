package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/youpy/go-wav"
)

// DefaultSilenceDBFS is the RMS level at or below which audio is treated as
// silent.
const DefaultSilenceDBFS = -65.0

// SilenceMetrics covers the samples read before the decision was made.
type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
	// LoudestWindowdBFS is the highest RMS over any 100 ms window.
	LoudestWindowdBFS float64
}

// IsSilentWAV reports whether every 100 ms window of the PCM WAV at path has
// an RMS at or below thresholdDBFS. Scanning stops at the first loud window,
// so a long recording with early speech is rejected quickly. The peak may
// exceed the threshold by 6 dB to tolerate isolated clicks.
func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, SilenceMetrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	reader := wav.NewReader(f)
	format, err := reader.Format()
	if err != nil {
		return false, SilenceMetrics{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if format.AudioFormat != 1 {
		return false, SilenceMetrics{}, ErrUnsupportedWAV
	}
	switch format.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return false, SilenceMetrics{}, ErrUnsupportedWAV
	}

	scan := newSilenceScan(int64(format.SampleRate/10)*int64(format.NumChannels), thresholdDBFS)
	for !scan.loud {
		samples, readErr := reader.ReadSamples()
		for _, sample := range samples {
			for ch := uint(0); ch < uint(format.NumChannels); ch++ {
				scan.add(reader.FloatValue(sample, ch))
			}
			if scan.loud {
				break
			}
		}
		if errors.Is(readErr, io.EOF) || (readErr == nil && len(samples) == 0) {
			break
		}
		if readErr != nil {
			return false, SilenceMetrics{}, fmt.Errorf("read wav samples: %w", readErr)
		}
	}
	scan.closeWindow()

	metrics := scan.metrics()
	if scan.loud {
		return false, metrics, nil
	}
	return metrics.PeakdBFS <= thresholdDBFS+6, metrics, nil
}

type silenceScan struct {
	windowSize int64
	threshold  float64

	peak       float64
	sumSquares float64
	count      int64

	windowSquares float64
	windowCount   int64
	loudest       float64
	loud          bool
}

func newSilenceScan(windowSize int64, threshold float64) *silenceScan {
	if windowSize <= 0 {
		windowSize = 1600
	}
	return &silenceScan{windowSize: windowSize, threshold: threshold, loudest: math.Inf(-1)}
}

func (s *silenceScan) add(value float64) {
	if abs := math.Abs(value); abs > s.peak {
		s.peak = abs
	}
	sq := value * value
	s.sumSquares += sq
	s.count++
	s.windowSquares += sq
	s.windowCount++
	if s.windowCount == s.windowSize {
		s.closeWindow()
	}
}

func (s *silenceScan) closeWindow() {
	if s.windowCount == 0 {
		return
	}
	level := amplitudeToDBFS(math.Sqrt(s.windowSquares / float64(s.windowCount)))
	if level > s.loudest {
		s.loudest = level
	}
	if level > s.threshold {
		s.loud = true
	}
	s.windowSquares, s.windowCount = 0, 0
}

func (s *silenceScan) metrics() SilenceMetrics {
	if s.count == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1), LoudestWindowdBFS: math.Inf(-1)}
	}
	return SilenceMetrics{
		RMSdBFS:           amplitudeToDBFS(math.Sqrt(s.sumSquares / float64(s.count))),
		PeakdBFS:          amplitudeToDBFS(s.peak),
		Samples:           s.count,
		LoudestWindowdBFS: s.loudest,
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
