package main

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type snapshotWriter interface {
	Write(snap Snapshot) error
}

// debouncer coalesces snapshot saves. The first save of a burst arms a timer
// for the window; later saves in the same window only replace the pending
// snapshot, so at most one write happens per window.
type debouncer struct {
	clock   clock.Clock
	window  time.Duration
	writer  snapshotWriter
	log     *zap.SugaredLogger
	metrics *metrics

	mu      sync.Mutex
	pending Snapshot
	timer   *clock.Timer

	writeMu sync.Mutex
}

func newDebouncer(clk clock.Clock, window time.Duration, writer snapshotWriter, m *metrics, log *zap.SugaredLogger) *debouncer {
	return &debouncer{
		clock:   clk,
		window:  window,
		writer:  writer,
		log:     log,
		metrics: m,
	}
}

func (d *debouncer) Save(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = snap
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(d.window, d.flushPending)
	}
}

// Flush writes any pending snapshot immediately.
func (d *debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	snap := d.pending
	d.pending = nil
	d.mu.Unlock()

	d.write(snap)
}

func (d *debouncer) flushPending() {
	d.mu.Lock()
	snap := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	d.write(snap)
}

func (d *debouncer) write(snap Snapshot) {
	if snap == nil {
		return
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writer.Write(snap); err != nil {
		// in-memory state stays authoritative; the next save retries
		d.metrics.persistFailed()
		d.log.Errorw("STORE: snapshot write failed", "error", err)
	}
}
