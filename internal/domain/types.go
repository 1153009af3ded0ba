package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// TestModeCap bounds the audio processed by a test-mode job.
const TestModeCap = 5 * time.Minute

// Mode selects how much of the input a job processes.
type Mode string

const (
	ModeFull Mode = "full"
	ModeTest Mode = "test"
)

// Format identifies an output serialization.
type Format string

const (
	FormatTXT    Format = "txt"
	FormatSRT    Format = "srt"
	FormatVTT    Format = "vtt"
	FormatLyrics Format = "lyrics"
)

// Formats lists every supported output format.
func Formats() []Format {
	return []Format{FormatTXT, FormatSRT, FormatVTT, FormatLyrics}
}

// Valid reports whether f names a supported format.
func (f Format) Valid() bool {
	for _, known := range Formats() {
		if f == known {
			return true
		}
	}
	return false
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// SaveLocation is the output path policy.
type SaveLocation string

const SaveSameAsInput SaveLocation = "same_as_input"

// Job is one transcription request. It is copied by value into the controller
// and never mutated once running.
type Job struct {
	ID                string       `json:"id"`
	InputPath         string       `json:"input"`
	Mode              Mode         `json:"mode"`
	Format            Format       `json:"format"`
	IncludeTimestamps bool         `json:"include_timestamps"`
	InputLanguage     string       `json:"input_language,omitempty"`
	OutputLanguage    string       `json:"output_language,omitempty"`
	SaveLocation      SaveLocation `json:"save_location,omitempty"`
}

// DurationCap returns the audio cap implied by the job mode, or zero for none.
func (j Job) DurationCap() time.Duration {
	if j.Mode == ModeTest {
		return TestModeCap
	}
	return 0
}

// OutputPath derives <input dir>/<input basename>.<ext>.
func (j Job) OutputPath() string {
	dir := filepath.Dir(j.InputPath)
	base := filepath.Base(j.InputPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if strings.TrimSpace(name) == "" || name == "." {
		name = "transcription"
	}
	return filepath.Join(dir, name+"."+j.Format.Extension())
}

// ConversionResult describes audio extracted for a job.
type ConversionResult struct {
	AudioPath  string
	Duration   time.Duration
	SampleRate int
}

// Segment is one timed span of recognized text, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is an ordered transcript plus the detected or declared language.
type Result struct {
	Language string
	Segments []Segment
}

// Document is the serialized output of a successful run.
type Document struct {
	Format   Format
	Text     string
	Path     string
	Language string
}

// Stage is one of the ordered pipeline phases.
type Stage string

const (
	StageConverting   Stage = "converting"
	StageTranscribing Stage = "transcribing"
	StageSaving       Stage = "saving"
)

// State tracks the lifecycle of a job inside the controller.
type State string

const (
	StateIdle         State = "idle"
	StateConverting   State = "converting"
	StateTranscribing State = "transcribing"
	StateSaving       State = "saving"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// EventType classifies messages emitted during job execution.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Terminal reports whether the event ends a job's event stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventCancelled || t == EventFailed
}

// Event is a sequenced notification delivered to the presentation layer.
type Event struct {
	Seq        int64     `json:"seq"`
	JobID      string    `json:"job_id"`
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	State      State     `json:"state"`
	Stage      Stage     `json:"stage,omitempty"`
	Percent    float64   `json:"percent"`
	Message    string    `json:"message,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Language   string    `json:"language,omitempty"`
	ErrorKind  Kind      `json:"error_kind,omitempty"`
}
