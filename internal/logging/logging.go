// Package logging implements the shared log fan-in: every component logs
// through a slog handler that publishes formatted lines onto an unbounded
// in-memory queue, and a single listener goroutine writes them, in arrival
// order, to a rotating file sink and to the console.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "hyphe_text_indexation.log"

// Fanin is the single consumer of log lines produced by all workers and
// the coordinator.
type Fanin struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	closed bool
	done   chan struct{}

	sink io.Writer
	file io.Closer
}

// NewFanin creates the log directory if needed, opens the rotating file
// sink (5 MiB, 4 backups) and starts the listener goroutine.
func NewFanin(dir string) (*Fanin, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    5, // megabytes
		MaxBackups: 4,
	}

	f := &Fanin{
		done: make(chan struct{}),
		sink: io.MultiWriter(os.Stderr, file),
		file: file,
	}
	f.cond = sync.NewCond(&f.mu)

	go f.listen()
	return f, nil
}

// enqueue appends one formatted line. The queue is unbounded so that
// logging from workers never blocks indexation.
func (f *Fanin) enqueue(line string) {
	f.mu.Lock()
	if !f.closed {
		f.queue = append(f.queue, line)
	}
	f.mu.Unlock()
	f.cond.Signal()
}

func (f *Fanin) listen() {
	defer close(f.done)
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		batch := f.queue
		f.queue = nil
		closed := f.closed
		f.mu.Unlock()

		for _, line := range batch {
			fmt.Fprintln(f.sink, line)
		}
		if closed {
			return
		}
	}
}

// Stop drains the remaining queue, stops the listener and closes the
// file sink.
func (f *Fanin) Stop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Signal()
	<-f.done
	_ = f.file.Close()
}

// handler formats slog records as "<time> <workerName> <level> <message>"
// and hands them to the fan-in. The worker name defaults to "coordinator"
// and is overridden by a "worker" attribute, so worker loggers are derived
// with logger.With("worker", name).
type handler struct {
	fanin  *Fanin
	level  slog.Level
	worker string
	attrs  []slog.Attr
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	b.WriteString(t.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(h.worker)
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.fanin.enqueue(b.String())
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "worker" {
			nh.worker = a.Value.String()
			continue
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(string) slog.Handler { return h }

// New builds the shared logger and its fan-in. Callers must Stop the
// fan-in on shutdown to flush the file sink.
func New(dir string) (*slog.Logger, *Fanin, error) {
	fanin, err := NewFanin(dir)
	if err != nil {
		return nil, nil, err
	}
	h := &handler{fanin: fanin, level: slog.LevelInfo, worker: "coordinator"}
	return slog.New(h), fanin, nil
}
