package transcript

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fmueller/vidtranscribe/internal/domain"
)

// MinChars is the shortest trimmed segment text kept by default. Shorter
// segments are usually noise from near-silent audio.
const MinChars = 3

// Filter drops noise and consecutive repeats from a segment stream. It keeps
// only the previously kept text, so memory does not grow with the stream.
type Filter struct {
	minChars int
	last     string
	hasLast  bool
}

func NewFilter(minChars int) *Filter {
	if minChars < 1 {
		minChars = 1
	}
	return &Filter{minChars: minChars}
}

// Keep returns the trimmed segment and whether it survives filtering.
// Comparison is on the exact trimmed text.
func (f *Filter) Keep(seg domain.Segment) (domain.Segment, bool) {
	text := strings.TrimSpace(seg.Text)
	if utf8.RuneCountInString(text) < f.minChars {
		return domain.Segment{}, false
	}
	if f.hasLast && text == f.last {
		return domain.Segment{}, false
	}

	f.last = text
	f.hasLast = true
	seg.Text = text
	return seg, true
}

// Dedupe applies a fresh default Filter to segments. Applying it to its own
// output returns the same sequence.
func Dedupe(segments []domain.Segment) []domain.Segment {
	return dedupe(segments, MinChars)
}

func dedupe(segments []domain.Segment, minChars int) []domain.Segment {
	filter := NewFilter(minChars)
	kept := make([]domain.Segment, 0, len(segments))
	for _, seg := range segments {
		if out, ok := filter.Keep(seg); ok {
			kept = append(kept, out)
		}
	}
	return kept
}

// Process deduplicates raw segments and renders one text line per kept
// segment, prefixed with its MM:SS start when includeTimestamps is set.
func Process(raw []domain.Segment, includeTimestamps bool) []string {
	kept := Dedupe(raw)
	lines := make([]string, 0, len(kept))
	for _, seg := range kept {
		lines = append(lines, textLine(seg, includeTimestamps))
	}
	return lines
}

// FormatClock renders seconds as MM:SS with minutes padded to two digits.
func FormatClock(seconds float64) string {
	total := wholeSeconds(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func textLine(seg domain.Segment, includeTimestamps bool) string {
	if !includeTimestamps {
		return seg.Text
	}
	return FormatClock(seg.Start) + " " + seg.Text
}

func wholeSeconds(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(seconds)
}
