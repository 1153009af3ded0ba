package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/progress"
)

// DefaultEventBuffer is the capacity of a run's event channel.
const DefaultEventBuffer = 64

// Run is one started job. Events are delivered in order on a bounded
// channel that is closed after exactly one terminal event. Progress events
// are dropped while the channel is full; the terminal event never is.
type Run struct {
	job    domain.Job
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	events chan domain.Event
	done   chan struct{}

	mu          sync.Mutex
	seq         int64
	state       domain.State
	stage       domain.Stage
	agg         *progress.Aggregator
	lastPercent float64
	emitted     bool

	doc domain.Document
	err error
}

func newRun(ctx context.Context, job domain.Job, cancel context.CancelFunc, buffer int, now func() time.Time) *Run {
	if buffer < 1 {
		buffer = DefaultEventBuffer
	}
	return &Run{
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		now:    now,
		events: make(chan domain.Event, buffer+1),
		done:   make(chan struct{}),
		state:  domain.StateIdle,
		agg:    progress.NewAggregator(progress.DefaultBands()),
	}
}

func (r *Run) Job() domain.Job { return r.job }

func (r *Run) Events() <-chan domain.Event { return r.events }

// Cancel requests cancellation. It is safe to call more than once.
func (r *Run) Cancel() { r.cancel() }

// Done is closed once the run reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns the saved document.
func (r *Run) Wait() (domain.Document, error) {
	<-r.done
	return r.doc, r.err
}

// Snapshot describes a run at one point in time.
type Snapshot struct {
	Job     domain.Job   `json:"job"`
	State   domain.State `json:"state"`
	Stage   domain.Stage `json:"stage,omitempty"`
	Percent float64      `json:"percent"`
}

func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Job: r.job, State: r.state, Stage: r.stage, Percent: r.agg.Last()}
}

func (r *Run) transition(to domain.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == to {
		return nil
	}
	if !isValidTransition(r.state, to) {
		return transitionError(r.state, to)
	}
	r.state = to
	return nil
}

// enter moves the run into the state for stage and announces it.
func (r *Run) enter(stage domain.Stage) error {
	if err := r.transition(domain.State(stage)); err != nil {
		return err
	}
	r.progress(stage, progress.Indeterminate, "")
	return nil
}

// progress publishes the aggregated percentage for a stage-local fraction.
// Repeats of the last published value are suppressed, and nothing is
// published once the run has been cancelled.
func (r *Run) progress(stage domain.Stage, fraction float64, message string) {
	if r.ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	percent := r.agg.Aggregate(stage, fraction)
	if r.emitted && stage == r.stage && percent == r.lastPercent && message == "" {
		return
	}
	r.stage = stage
	r.lastPercent = percent
	r.emitted = true

	if r.full() {
		return
	}
	if message == "" {
		message = stageMessage(stage, fraction)
	}
	event := r.eventLocked(domain.EventProgress, percent)
	event.Message = message
	r.events <- event
}

// stageMessage renders "Converting... 40%", or just "Converting..." while
// the stage cannot tell how far along it is.
func stageMessage(stage domain.Stage, fraction float64) string {
	var label string
	switch stage {
	case domain.StageConverting:
		label = "Converting..."
	case domain.StageTranscribing:
		label = "Transcribing..."
	case domain.StageSaving:
		label = "Saving..."
	default:
		return ""
	}
	if fraction < 0 {
		return label
	}
	return fmt.Sprintf("%s %d%%", label, int(math.Round(math.Min(fraction, 1)*100)))
}

func (r *Run) completeProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	percent := r.agg.Complete()
	if r.lastPercent == percent && r.emitted {
		return
	}
	r.lastPercent = percent
	r.emitted = true
	if !r.full() {
		event := r.eventLocked(domain.EventProgress, percent)
		event.Message = stageMessage(domain.StageSaving, 1)
		r.events <- event
	}
}

// full reports whether only the slot reserved for the terminal event is left.
func (r *Run) full() bool {
	return len(r.events) >= cap(r.events)-1
}

// finish records the outcome, publishes the terminal event and closes the
// channel. release, when set, runs after the terminal event is queued and
// before Wait returns. It must be called exactly once.
func (r *Run) finish(doc domain.Document, err error, release func()) domain.Event {
	r.mu.Lock()
	var (
		state     domain.State
		eventType domain.EventType
	)
	switch {
	case err == nil:
		state, eventType = domain.StateCompleted, domain.EventCompleted
	case domain.IsCancelled(err):
		state, eventType = domain.StateCancelled, domain.EventCancelled
	default:
		state, eventType = domain.StateFailed, domain.EventFailed
	}
	if isValidTransition(r.state, state) {
		r.state = state
	}

	event := r.eventLocked(eventType, r.agg.Last())
	switch eventType {
	case domain.EventCompleted:
		event.OutputPath = doc.Path
		event.Language = doc.Language
		event.Message = "transcript saved"
	case domain.EventCancelled:
		event.Message = "cancelled"
	case domain.EventFailed:
		event.ErrorKind = domain.KindOf(err)
		event.Message = err.Error()
	}

	r.doc = doc
	r.err = err
	r.events <- event
	close(r.events)
	r.mu.Unlock()

	if release != nil {
		release()
	}
	close(r.done)
	return event
}

func (r *Run) eventLocked(t domain.EventType, percent float64) domain.Event {
	r.seq++
	return domain.Event{
		Seq:     r.seq,
		JobID:   r.job.ID,
		Time:    r.now().UTC(),
		Type:    t,
		State:   r.state,
		Stage:   r.stage,
		Percent: percent,
	}
}
