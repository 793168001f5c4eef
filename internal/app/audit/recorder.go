// Package audit records contention events to the conflict log.
//
// Events with the same (ticker, requester, conflicting owner, resolution) inside one
// throttle window are collapsed into a single row whose repeat count grows. Windows are
// tumbling: a window opens at the first event for a key and closes ThrottleWindow later,
// so a sustained flood produces one row per window. Pending rows are written by a
// background flusher; Record only touches the store when the queue is full.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/clock"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/infra/telemetry"
	"github.com/coachpo/arbiter/internal/observability"
)

// Options sizes the throttle and the flusher.
type Options struct {
	ThrottleWindow time.Duration
	FlushInterval  time.Duration
	BatchSize      int
	// QueueSize caps distinct pending rows. New rows past the cap are written
	// synchronously and dropped only when that write fails.
	QueueSize int
	Clock     clock.Clock
	Logger    observability.Logger
	Metrics   *telemetry.Metrics
}

func (o *Options) applyDefaults() {
	if o.ThrottleWindow <= 0 {
		o.ThrottleWindow = 60 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	o.Clock = clock.OrSystem(o.Clock)
	o.Logger = observability.OrNop(o.Logger)
}

type bucketKey struct {
	throttleKey string
	windowStart time.Time
}

// Recorder throttles and persists conflict entries.
type Recorder struct {
	store conflictstore.Store
	opts  Options

	mu      sync.Mutex
	windows map[string]time.Time
	pending map[bucketKey]*conflictstore.Entry
	order   []bucketKey

	flushMu  sync.Mutex
	kick     chan struct{}
	stop     chan struct{}
	started  bool
	closed   bool
	wg       conc.WaitGroup
	overflow rate.Sometimes
}

// NewRecorder constructs a Recorder. Call Start to run the background flusher.
func NewRecorder(store conflictstore.Store, opts Options) *Recorder {
	opts.applyDefaults()
	return &Recorder{
		store:    store,
		opts:     opts,
		windows:  make(map[string]time.Time),
		pending:  make(map[bucketKey]*conflictstore.Entry),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		overflow: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// ThrottleKey identifies events that collapse into one row.
func ThrottleKey(entry conflictstore.Entry) string {
	return strings.Join([]string{
		entry.Ticker,
		entry.RequestingStrategyID,
		entry.ConflictingStrategyID,
		string(entry.Resolution),
	}, "|")
}

// Record queues entry. With the queue full it appends the row directly, which
// applies backpressure to the caller instead of losing the event.
func (r *Recorder) Record(ctx context.Context, entry conflictstore.Entry) {
	now := r.opts.Clock.Now()
	key := ThrottleKey(entry)

	r.mu.Lock()
	start, seen := r.windows[key]
	if !seen || now.Sub(start) >= r.opts.ThrottleWindow {
		start = now
		r.windows[key] = start
	}
	bk := bucketKey{throttleKey: key, windowStart: start}
	if existing, ok := r.pending[bk]; ok {
		existing.RepeatCount++
		existing.LastSeenAt = now
		r.mu.Unlock()
		r.opts.Metrics.RecordAudit(ctx, "collapsed", 1)
		return
	}
	entry.ThrottleKey = key
	entry.WindowStart = start
	entry.RepeatCount = 1
	entry.LastSeenAt = now
	if len(r.pending) >= r.opts.QueueSize {
		r.mu.Unlock()
		r.spill(ctx, entry)
		return
	}
	r.pending[bk] = &entry
	r.order = append(r.order, bk)
	full := len(r.pending) >= r.opts.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// spill writes an entry that did not fit the queue. The store collapses it with any row
// already written for the same window.
func (r *Recorder) spill(ctx context.Context, entry conflictstore.Entry) {
	r.overflow.Do(func() {
		r.opts.Logger.Warn("conflict log queue full; writing synchronously",
			observability.F("queue_size", r.opts.QueueSize),
			observability.F("ticker", entry.Ticker))
	})
	if err := r.store.Append(ctx, []conflictstore.Entry{entry}); err != nil {
		r.opts.Metrics.RecordAudit(ctx, "dropped", 1)
		r.opts.Logger.Error("conflict log entry dropped",
			observability.F("ticker", entry.Ticker),
			observability.F("throttle_key", entry.ThrottleKey),
			observability.F("error", err))
		return
	}
	r.opts.Metrics.RecordAudit(ctx, "spilled", 1)
}

// Pending reports the number of rows awaiting a flush.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Start runs the flusher until Close.
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	r.wg.Go(r.loop)
}

func (r *Recorder) loop() {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.Flush(ctx); err != nil {
			r.opts.Logger.Error("conflict log flush failed", observability.F("error", err))
		}
		cancel()
	}
}

// Flush writes every pending row. Rows from a failed transient write are requeued.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	batch := r.drain()
	if len(batch) == 0 {
		return nil
	}
	for start := 0; start < len(batch); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(batch))
		chunk := batch[start:end]
		if err := r.store.Append(ctx, chunk); err != nil {
			r.opts.Metrics.RecordAudit(ctx, "error", len(batch)-start)
			if errs.Retryable(err) {
				r.requeue(batch[start:])
			}
			return err
		}
		r.opts.Metrics.RecordAudit(ctx, "written", len(chunk))
	}
	r.expireWindows()
	return nil
}

// Close stops the flusher and writes what is still pending.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()
	if started {
		close(r.stop)
		r.wg.Wait()
	}
	return r.Flush(ctx)
}

func (r *Recorder) drain() []conflictstore.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conflictstore.Entry, 0, len(r.order))
	for _, bk := range r.order {
		if entry, ok := r.pending[bk]; ok {
			out = append(out, *entry)
		}
	}
	r.pending = make(map[bucketKey]*conflictstore.Entry)
	r.order = r.order[:0]
	return out
}

func (r *Recorder) requeue(entries []conflictstore.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		entry := entries[i]
		bk := bucketKey{throttleKey: entry.ThrottleKey, windowStart: entry.WindowStart}
		if existing, ok := r.pending[bk]; ok {
			existing.RepeatCount += entry.RepeatCount
			if entry.LastSeenAt.After(existing.LastSeenAt) {
				existing.LastSeenAt = entry.LastSeenAt
			}
			continue
		}
		if len(r.pending) >= r.opts.QueueSize {
			r.opts.Metrics.RecordAudit(context.Background(), "dropped", 1)
			continue
		}
		r.pending[bk] = &entry
		r.order = append(r.order, bk)
	}
}

func (r *Recorder) expireWindows() {
	now := r.opts.Clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, start := range r.windows {
		if now.Sub(start) >= r.opts.ThrottleWindow {
			delete(r.windows, key)
		}
	}
}
