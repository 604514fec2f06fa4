// Package tracing keeps a rolling window of runtime execution trace so a
// snapshot can be taken after something slow or stuck has already happened.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much recent history the recorder tries to keep.
const DefaultMinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot before Start or after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime flight recorder. Only one may run per process.
type Recorder struct {
	mu      sync.Mutex
	cfg     trace.FlightRecorderConfig
	flight  *trace.FlightRecorder
	running bool
}

// NewRecorder returns a stopped recorder holding up to bufferSize bytes.
func NewRecorder(bufferSize int64) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{cfg: trace.FlightRecorderConfig{
		MinAge:   DefaultMinAge,
		MaxBytes: uint64(bufferSize),
	}}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	fr := trace.NewFlightRecorder(r.cfg)
	if err := fr.Start(); err != nil {
		return err
	}
	r.flight = fr
	r.running = true
	return nil
}

// Running reports whether the recorder is recording.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Snapshot writes the buffered window to w in the format read by
// `go tool trace`.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	_, err := r.flight.WriteTo(w)
	return err
}

// Stop stops recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flight != nil {
		r.flight.Stop()
		r.flight = nil
	}
	r.running = false
}
