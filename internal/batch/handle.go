package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/paulgrammer/genbatch/internal/executor"
	"github.com/paulgrammer/genbatch/internal/jobs"
)

// Snapshot is a point-in-time view of a batch.
type Snapshot struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	Finished  bool            `json:"finished"`
	Jobs      []jobs.JobState `json:"jobs"`
}

type subscriber struct {
	id int
	o  jobs.Observer
}

// Handle tracks one batch. Batches never share state.
type Handle struct {
	id        string
	createdAt time.Time
	total     int
	cancel    context.CancelFunc
	logger    *slog.Logger
	done      chan struct{}

	subMu  sync.RWMutex
	subs   []subscriber
	nextID int

	// aggMu orders batch-level events: OnBatchProgress calls are never
	// concurrent and OnAllFinished is always the last one.
	aggMu sync.Mutex

	mu        sync.Mutex
	order     []string
	workers   map[string]*executor.Worker
	cancels   map[string]context.CancelFunc
	outcomes  map[string]jobs.Outcome
	final     map[string]jobs.JobState
	completed int
	finished  bool
}

func newHandle(id string, total int, cancel context.CancelFunc, logger *slog.Logger) *Handle {
	return &Handle{
		id:        id,
		createdAt: time.Now().UTC(),
		total:     total,
		cancel:    cancel,
		logger:    logger.With("batch_id", id),
		done:      make(chan struct{}),
		workers:   make(map[string]*executor.Worker, total),
		cancels:   make(map[string]context.CancelFunc, total),
		outcomes:  make(map[string]jobs.Outcome, total),
	}
}

func (h *Handle) add(jobID string, w *executor.Worker, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, jobID)
	h.workers[jobID] = w
	h.cancels[jobID] = cancel
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) Total() int { return h.total }

func (h *Handle) Completed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// Done is closed after OnAllFinished has been delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until every job is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers o for events emitted from now on. If o implements
// jobs.BatchObserver it also gets batch events. The returned func removes it.
func (h *Handle) Subscribe(o jobs.Observer) (unsubscribe func()) {
	h.subMu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, o: o})
	h.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subMu.Lock()
			defer h.subMu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Cancel requests cancellation of one job. It reports false if the job is
// unknown or already terminal.
func (h *Handle) Cancel(jobID string) bool {
	h.mu.Lock()
	cancel, ok := h.cancels[jobID]
	_, terminal := h.outcomes[jobID]
	h.mu.Unlock()
	if !ok || terminal {
		return false
	}
	h.logger.Info("job cancel requested", "job_id", jobID)
	cancel()
	return true
}

// CancelAll signals every running job to stop and returns without waiting.
func (h *Handle) CancelAll() {
	h.logger.Info("batch cancel requested")
	h.cancel()
}

// Outcomes returns the terminal outcomes recorded so far, keyed by job ID.
func (h *Handle) Outcomes() map[string]jobs.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]jobs.Outcome, len(h.outcomes))
	for k, v := range h.outcomes {
		out[k] = v
	}
	return out
}

func (h *Handle) JobState(jobID string) (jobs.JobState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.final[jobID]; ok {
		return st, true
	}
	if w, ok := h.workers[jobID]; ok {
		return w.State(), true
	}
	return jobs.JobState{}, false
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		ID:        h.id,
		CreatedAt: h.createdAt,
		Total:     h.total,
		Completed: h.completed,
		Finished:  h.finished,
		Jobs:      make([]jobs.JobState, 0, len(h.order)),
	}
	for _, id := range h.order {
		if st, ok := h.final[id]; ok {
			s.Jobs = append(s.Jobs, st)
		} else if w, ok := h.workers[id]; ok {
			s.Jobs = append(s.Jobs, w.State())
		}
	}
	return s
}

func (h *Handle) observer() jobs.Observer { return (*relay)(h) }

func (h *Handle) each(fn func(o jobs.Observer)) {
	h.subMu.RLock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.subMu.RUnlock()
	for _, s := range subs {
		h.safe(func() { fn(s.o) })
	}
}

func (h *Handle) eachBatch(fn func(o jobs.BatchObserver)) {
	h.each(func(o jobs.Observer) {
		if bo, ok := o.(jobs.BatchObserver); ok {
			fn(bo)
		}
	})
}

func (h *Handle) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panic", "panic", r)
		}
	}()
	fn()
}

func (h *Handle) terminal(jobID string, o jobs.Outcome) {
	h.each(func(s jobs.Observer) { s.OnTerminal(jobID, o) })

	h.aggMu.Lock()
	defer h.aggMu.Unlock()

	h.mu.Lock()
	if _, dup := h.outcomes[jobID]; dup {
		h.mu.Unlock()
		return
	}
	h.outcomes[jobID] = o
	if cancel, ok := h.cancels[jobID]; ok {
		cancel()
	}
	h.completed++
	completed := h.completed
	all := completed == h.total && !h.finished
	if all {
		h.finished = true
		h.final = make(map[string]jobs.JobState, len(h.workers))
		for id, w := range h.workers {
			h.final[id] = w.State()
		}
		h.workers = nil
		h.cancels = nil
	}
	h.mu.Unlock()

	recordOutcome(o)
	h.eachBatch(func(b jobs.BatchObserver) { b.OnBatchProgress(completed, h.total) })
	if !all {
		return
	}

	h.eachBatch(func(b jobs.BatchObserver) { b.OnAllFinished() })
	h.cancel()
	BatchesActive.Dec()
	h.logger.Info("batch finished", "jobs", h.total, "duration", time.Since(h.createdAt).String())
	close(h.done)
}

// relay is the observer handed to workers. It keeps the event methods off
// the public Handle API.
type relay Handle

func (r *relay) OnProgress(jobID string, percent int, message string) {
	(*Handle)(r).each(func(o jobs.Observer) { o.OnProgress(jobID, percent, message) })
}

func (r *relay) OnTick(jobID string, elapsed string) {
	(*Handle)(r).each(func(o jobs.Observer) { o.OnTick(jobID, elapsed) })
}

func (r *relay) OnLog(jobID string, line string) {
	(*Handle)(r).each(func(o jobs.Observer) { o.OnLog(jobID, line) })
}

func (r *relay) OnTerminal(jobID string, outcome jobs.Outcome) {
	(*Handle)(r).terminal(jobID, outcome)
}
