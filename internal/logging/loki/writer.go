// Package loki ships log lines to a Grafana Loki push endpoint. A Writer is
// an io.Writer, so it can sit next to the console writer in a zerolog
// MultiLevelWriter.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/klauspost/compress/gzip"
)

// Defaults applied by NewWriter.
const (
	DefaultBatchSize     = 100
	DefaultMaxBuffered   = 10000
	DefaultFlushInterval = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Stream labels; "job" defaults to "patrakosh"
	BatchSize     int               // Entries that trigger an early flush
	MaxBuffered   int               // Oldest entries are dropped beyond this
	FlushInterval time.Duration
	Timeout       time.Duration // Per push request
	Clock         clock.Clock
}

// Stats counts what the writer has done with the lines it was given.
type Stats struct {
	Buffered    int
	Sent        uint64
	Dropped     uint64
	FlushErrors uint64
}

// Writer buffers lines and pushes them to Loki in gzip-compressed batches,
// on a timer or as soon as a batch fills up. Write never fails: when Loki is
// unreachable lines are dropped and counted.
type Writer struct {
	url           string
	labels        map[string]string
	client        *http.Client
	clock         clock.Clock
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []entry

	flushMu sync.Mutex // serialises pushes so batches arrive in order
	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	sent        atomic.Uint64
	dropped     atomic.Uint64
	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	line      string
}

// pushRequest is the JSON body of Loki's push API.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer. Call Start to begin periodic flushing.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, errors.New("loki: url is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = max(DefaultMaxBuffered, cfg.BatchSize)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	labels := map[string]string{"job": "patrakosh"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		url:           strings.TrimSuffix(cfg.URL, "/") + "/loki/api/v1/push",
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		clock:         cfg.Clock,
		batchSize:     cfg.BatchSize,
		maxBuffered:   cfg.MaxBuffered,
		flushInterval: cfg.FlushInterval,
		buffer:        make([]entry, 0, cfg.BatchSize),
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	// zerolog reuses p, so the line is copied.
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: w.clock.Now(), line: line})
	if over := len(w.buffer) - w.maxBuffered; over > 0 {
		w.buffer = append(w.buffer[:0], w.buffer[over:]...)
		w.dropped.Add(uint64(over))
	}
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush loop. Later calls do nothing.
func (w *Writer) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.loop()
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	timer := w.clock.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-timer.Chan():
			_ = w.Flush(context.Background())
			timer.Reset(w.flushInterval)
		case <-w.trigger:
			_ = w.Flush(context.Background())
		}
	}
}

// Close stops the flush loop, if started, and pushes what is left.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })
	if w.started.Load() {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.Flush(ctx)
}

// Flush pushes the buffered lines now.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}

	if err := w.push(ctx, entries); err != nil {
		w.flushErrors.Add(1)
		w.dropped.Add(uint64(len(entries)))
		return err
	}
	w.sent.Add(uint64(len(entries)))
	return nil
}

func (w *Writer) push(ctx context.Context, entries []entry) error {
	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}
	w.mu.Lock()
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if err := json.NewEncoder(zw).Encode(pushRequest{Streams: []stream{{Stream: labels, Values: values}}}); err != nil {
		return fmt.Errorf("loki: encode payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("loki: compress payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, &body)
	if err != nil {
		return fmt.Errorf("loki: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned status %d", resp.StatusCode)
	}
	return nil
}

// SetLabels merges labels into the stream labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}

// Stats returns the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	buffered := len(w.buffer)
	w.mu.Unlock()
	return Stats{
		Buffered:    buffered,
		Sent:        w.sent.Load(),
		Dropped:     w.dropped.Load(),
		FlushErrors: w.flushErrors.Load(),
	}
}
