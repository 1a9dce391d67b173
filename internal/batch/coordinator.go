package batch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/download"
	"github.com/paulgrammer/genbatch/internal/executor"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/remote"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoJobs     = errors.New("batch has no jobs")
	ErrInvalidJob = errors.New("invalid job")
)

// Hook builds a per-batch subscriber, e.g. a webhook notifier bound to the batch ID.
type Hook func(h *Handle) jobs.Observer

type Option func(*Coordinator)

func WithDownloader(d download.Downloader) Option {
	return func(c *Coordinator) {
		c.downloader = d
	}
}

func WithWorkerConfig(cfg executor.Config) Option {
	return func(c *Coordinator) {
		c.workerCfg = cfg
	}
}

// WithMaxConcurrent caps how many jobs of one batch run at once. 0 starts every job immediately.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		c.maxConcurrent = n
	}
}

func WithHook(h Hook) Option {
	return func(c *Coordinator) {
		c.hooks = append(c.hooks, h)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// Coordinator fans a batch of jobs out to one worker each.
type Coordinator struct {
	client        remote.Client
	downloader    download.Downloader
	workerCfg     executor.Config
	maxConcurrent int
	hooks         []Hook
	logger        *slog.Logger
}

func NewCoordinator(client remote.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:    client,
		workerCfg: executor.DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ExecuteOption func(*executeOptions)

type executeOptions struct {
	subscribers []jobs.Observer
	batchID     string
}

// WithSubscriber attaches o before any worker starts, so no event is missed.
// If o also implements jobs.BatchObserver it receives batch events too.
func WithSubscriber(o jobs.Observer) ExecuteOption {
	return func(e *executeOptions) {
		e.subscribers = append(e.subscribers, o)
	}
}

func WithBatchID(id string) ExecuteOption {
	return func(e *executeOptions) {
		e.batchID = id
	}
}

// Execute starts one worker per job and returns without waiting for them.
// Cancelling ctx cancels the whole batch.
//
// With zero credentials no worker touches the network: every job fails with
// "no credentials available", the returned handle is already finished, and
// the error is credentials.ErrNoCredentials.
func (c *Coordinator) Execute(ctx context.Context, specs []jobs.JobSpec, creds []credentials.Credential, opts ...ExecuteOption) (*Handle, error) {
	if len(specs) == 0 {
		return nil, ErrNoJobs
	}
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			return nil, errors.Wrapf(ErrInvalidJob, "job %d has no id", i)
		}
		if seen[s.ID] {
			return nil, errors.Wrapf(ErrInvalidJob, "duplicate id %q", s.ID)
		}
		if s.Destination != "" {
			if _, err := executor.ResolveDestination(c.workerCfg.OutputDir, s.Destination); err != nil {
				return nil, errors.Wrapf(ErrInvalidJob, "job %q: %v", s.ID, err)
			}
		}
		seen[s.ID] = true
	}

	var eo executeOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if eo.batchID == "" {
		eo.batchID = uuid.NewString()
	}

	bctx, cancel := context.WithCancel(ctx)
	h := newHandle(eo.batchID, len(specs), cancel, c.logger)
	for _, s := range eo.subscribers {
		h.Subscribe(s)
	}
	for _, hook := range c.hooks {
		if o := hook(h); o != nil {
			h.Subscribe(o)
		}
	}

	pool := credentials.NewPool(creds)
	workerOpts := []executor.Option{
		executor.WithConfig(c.workerCfg),
		executor.WithLogger(c.logger.With("batch_id", h.ID())),
	}
	if c.downloader != nil {
		workerOpts = append(workerOpts, executor.WithDownloader(c.downloader))
	}
	if c.maxConcurrent > 0 {
		sem := semaphore.NewWeighted(int64(c.maxConcurrent))
		workerOpts = append(workerOpts, executor.WithGate(func(ctx context.Context) (func(), error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			return func() { sem.Release(1) }, nil
		}))
	}

	type started struct {
		w   *executor.Worker
		ctx context.Context
	}
	runs := make([]started, 0, len(specs))
	for _, spec := range specs {
		cred, _ := pool.Next()
		w := executor.NewWorker(spec, cred, c.client, h.observer(), workerOpts...)
		wctx, wcancel := context.WithCancel(bctx)
		h.add(spec.ID, w, wcancel)
		runs = append(runs, started{w: w, ctx: wctx})
	}

	BatchesStartedTotal.Inc()
	BatchesActive.Inc()

	if pool.Len() == 0 {
		c.logger.Error("batch refused: no credentials", "batch_id", h.ID(), "jobs", len(specs))
		for _, r := range runs {
			r.w.Run(r.ctx)
		}
		return h, credentials.ErrNoCredentials
	}

	c.logger.Info("batch started",
		"batch_id", h.ID(),
		"jobs", len(specs),
		"credentials", pool.Len(),
		"max_concurrent", c.maxConcurrent,
		"poll_interval", c.workerCfg.PollInterval.String(),
		"poll_timeout", c.workerCfg.PollTimeout.String(),
	)
	for _, r := range runs {
		go func(r started) {
			JobsInFlight.Inc()
			defer JobsInFlight.Dec()
			r.w.Run(r.ctx)
		}(r)
	}
	return h, nil
}

// Run is Execute followed by Wait.
func (c *Coordinator) Run(ctx context.Context, specs []jobs.JobSpec, creds []credentials.Credential, opts ...ExecuteOption) (map[string]jobs.Outcome, error) {
	h, err := c.Execute(ctx, specs, creds, opts...)
	if h == nil {
		return nil, err
	}
	if werr := h.Wait(context.WithoutCancel(ctx)); werr != nil && err == nil {
		err = werr
	}
	return h.Outcomes(), err
}
