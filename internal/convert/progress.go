package convert

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/progress"
)

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// maxRunningFraction is reported at most while ffmpeg is still running; the
// final 1.0 is only emitted once the output has been verified.
const maxRunningFraction = 0.99

func parseDurationLine(line string) (time.Duration, bool) {
	match := durationPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	return clockToDuration(match[1], match[2], match[3])
}

// parseProgressLine reads one key=value line of ffmpeg's -progress output and
// returns the elapsed output time. ffmpeg reports out_time_ms in microseconds.
func parseProgressLine(line string) (time.Duration, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}

	switch key {
	case "out_time_us", "out_time_ms":
		micros, err := strconv.ParseInt(value, 10, 64)
		if err != nil || micros < 0 {
			return 0, false
		}
		return time.Duration(micros) * time.Microsecond, true
	case "out_time":
		parts := strings.Split(value, ":")
		if len(parts) != 3 {
			return 0, false
		}
		return clockToDuration(parts[0], parts[1], parts[2])
	default:
		return 0, false
	}
}

func clockToDuration(hours, minutes, seconds string) (time.Duration, bool) {
	h, err := strconv.Atoi(hours)
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(minutes)
	if err != nil {
		return 0, false
	}
	s, err := strconv.ParseFloat(seconds, 64)
	if err != nil || s < 0 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s*float64(time.Second)), true
}

// tracker combines the total duration read from stderr with elapsed time read
// from stdout. The two streams are consumed on different goroutines.
type tracker struct {
	mu      sync.Mutex
	limit   time.Duration
	total   time.Duration
	elapsed time.Duration
}

func newTracker(limit time.Duration) *tracker {
	return &tracker{limit: limit}
}

func (t *tracker) setTotal(total time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 && total > 0 {
		t.total = total
	}
}

func (t *tracker) advance(elapsed time.Duration) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if elapsed > t.elapsed {
		t.elapsed = elapsed
	}
	return t.fractionLocked()
}

func (t *tracker) fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fractionLocked()
}

func (t *tracker) fractionLocked() float64 {
	expected := t.total
	if t.limit > 0 && (expected == 0 || t.limit < expected) {
		expected = t.limit
	}
	if expected <= 0 {
		return progress.Indeterminate
	}
	f := float64(t.elapsed) / float64(expected)
	if f < 0 {
		return 0
	}
	if f > maxRunningFraction {
		return maxRunningFraction
	}
	return f
}
