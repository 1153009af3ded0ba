package pipeline

import (
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/transcript"
)

// collector normalizes segments as the backend streams them: starts never go
// backwards, nothing extends past the duration cap, and noise and repeats are
// filtered out.
type collector struct {
	mu        sync.Mutex
	filter    *transcript.Filter
	limit     float64
	lastStart float64
	kept      []domain.Segment
}

func newCollector(minChars int, limit time.Duration) *collector {
	return &collector{
		filter: transcript.NewFilter(minChars),
		limit:  limit.Seconds(),
	}
}

func (c *collector) add(seg domain.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seg.Start < c.lastStart {
		seg.Start = c.lastStart
	}
	if c.limit > 0 {
		if seg.Start >= c.limit {
			return
		}
		if seg.End > c.limit {
			seg.End = c.limit
		}
	}
	if seg.End < seg.Start {
		seg.End = seg.Start
	}

	kept, ok := c.filter.Keep(seg)
	if !ok {
		return
	}
	c.lastStart = kept.Start
	c.kept = append(c.kept, kept)
}

func (c *collector) segments() []domain.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Segment, len(c.kept))
	copy(out, c.kept)
	return out
}
