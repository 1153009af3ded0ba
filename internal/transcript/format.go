package transcript

import (
	"fmt"
	"math"
	"strings"

	"github.com/fmueller/vidtranscribe/internal/domain"
)

// Options controls serialization of an already filtered segment sequence.
type Options struct {
	IncludeTimestamps bool
}

// MinCharsFor returns the noise threshold used when filtering segments for
// format. Lyrics keep single words.
func MinCharsFor(format domain.Format) int {
	if format == domain.FormatLyrics {
		return 1
	}
	return MinChars
}

// Render serializes kept segments in the requested format.
func Render(format domain.Format, segments []domain.Segment, opts Options) (string, error) {
	switch format {
	case domain.FormatTXT:
		return renderTXT(segments, opts.IncludeTimestamps), nil
	case domain.FormatSRT:
		return renderSRT(segments), nil
	case domain.FormatVTT:
		return renderVTT(segments), nil
	case domain.FormatLyrics:
		return renderLyrics(segments), nil
	default:
		return "", fmt.Errorf("unsupported output format %q", format)
	}
}

func renderTXT(segments []domain.Segment, includeTimestamps bool) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(textLine(seg, includeTimestamps))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderSRT(segments []domain.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		start, end := cueBounds(seg)
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, subRipTime(start), subRipTime(end), seg.Text)
	}
	return b.String()
}

func renderVTT(segments []domain.Segment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, seg := range segments {
		start, end := cueBounds(seg)
		fmt.Fprintf(&b, "\n%s --> %s\n%s\n", webVTTTime(start), webVTTTime(end), seg.Text)
	}
	return b.String()
}

func renderLyrics(segments []domain.Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		start, end := cueBounds(seg)
		fmt.Fprintf(&b, "%s=%s=%s\n", lyricsTime(start), lyricsTime(end), seg.Text)
	}
	return b.String()
}

func cueBounds(seg domain.Segment) (int64, int64) {
	start := millis(seg.Start)
	end := millis(seg.End)
	if end < start {
		end = start
	}
	return start, end
}

func millis(seconds float64) int64 {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}

func subRipTime(ms int64) string {
	h, m, s, rem := splitMillis(ms)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, rem)
}

func webVTTTime(ms int64) string {
	h, m, s, rem := splitMillis(ms)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, rem)
}

func lyricsTime(ms int64) string {
	minutes := ms / 60000
	s := (ms / 1000) % 60
	return fmt.Sprintf("%d:%02d.%03d", minutes, s, ms%1000)
}

func splitMillis(ms int64) (int64, int64, int64, int64) {
	return ms / 3600000, (ms / 60000) % 60, (ms / 1000) % 60, ms % 1000
}
