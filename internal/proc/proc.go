// Package proc holds the subprocess plumbing shared by the ffmpeg and
// whisper-cli drivers.
package proc

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Graceful makes a context-bound command receive an interrupt when its
// context ends and a kill once grace has elapsed.
func Graceful(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace
}

func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// LineWriter splits written bytes into lines and hands each non-blank line to
// fn. Carriage returns count as line breaks.
type LineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func NewLineWriter(fn func(string)) *LineWriter {
	return &LineWriter{fn: fn}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		if strings.TrimSpace(line) != "" {
			w.fn(line)
		}
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := string(w.buf); strings.TrimSpace(line) != "" {
		w.fn(line)
	}
	w.buf = nil
}

// Tail keeps the last n lines added to it.
type Tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func NewTail(n int) *Tail {
	return &Tail{n: n}
}

func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, strings.TrimSpace(line))
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
