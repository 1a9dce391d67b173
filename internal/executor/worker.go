package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/download"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/remote"
)

const (
	MessageCancelled     = "cancelled"
	MessageNoCredentials = "no credentials available"
)

// ErrUnsafeDestination is returned for destinations that would leave the output directory.
var ErrUnsafeDestination = errors.New("destination must be a relative path inside the output directory")

// Config controls the submit/poll/download cycle of a worker.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	TickInterval time.Duration
	// OutputDir enables downloading for jobs without an explicit Destination.
	// Explicit destinations are resolved below it, or below the working
	// directory when it is empty.
	OutputDir string
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		PollTimeout:  10 * time.Minute,
		TickInterval: time.Second,
	}
}

// Gate blocks until the worker may start. The returned func releases the slot.
type Gate func(ctx context.Context) (release func(), err error)

type Option func(*Worker)

func WithConfig(cfg Config) Option {
	return func(w *Worker) {
		w.cfg = cfg
	}
}

func WithDownloader(d download.Downloader) Option {
	return func(w *Worker) {
		w.downloader = d
	}
}

func WithGate(g Gate) Option {
	return func(w *Worker) {
		w.gate = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// Worker drives exactly one job from Pending to a terminal status.
type Worker struct {
	spec       jobs.JobSpec
	cred       credentials.Credential
	client     remote.Client
	downloader download.Downloader
	observer   jobs.Observer
	gate       Gate
	cfg        Config
	logger     *slog.Logger

	stateMu sync.Mutex
	state   jobs.JobState

	// emitMu serializes observer calls so OnTerminal is always last.
	emitMu     sync.Mutex
	terminated bool
	outcome    jobs.Outcome
	stopTick   chan struct{}
	startedAt  time.Time
}

// NewWorker builds a worker for spec. An empty cred.Token makes Run fail
// immediately without touching the network.
func NewWorker(spec jobs.JobSpec, cred credentials.Credential, client remote.Client, observer jobs.Observer, opts ...Option) *Worker {
	if observer == nil {
		observer = jobs.Funcs{}
	}
	w := &Worker{
		spec:     spec,
		cred:     cred,
		client:   client,
		observer: observer,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		stopTick: make(chan struct{}),
		state: jobs.JobState{
			JobID:       spec.ID,
			DisplayName: spec.DisplayName,
			Status:      jobs.JobStatusPending,
		},
	}
	if cred.Token != "" {
		w.state.Credential = cred.Masked()
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.PollInterval <= 0 {
		w.cfg.PollInterval = DefaultConfig().PollInterval
	}
	if w.cfg.PollTimeout <= 0 {
		w.cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	if w.cfg.TickInterval <= 0 {
		w.cfg.TickInterval = DefaultConfig().TickInterval
	}
	w.logger = w.logger.With("job_id", spec.ID)
	return w
}

// State returns a copy of the current job state.
func (w *Worker) State() jobs.JobState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Run executes the job and returns its terminal outcome. Cancelling ctx
// requests cooperative cancellation. Run never panics.
func (w *Worker) Run(ctx context.Context) (out jobs.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", "panic", r)
			w.fail(fmt.Sprintf("internal error: %v", r))
		}
		out = w.Outcome()
	}()

	if w.cred.Token == "" {
		w.fail(MessageNoCredentials)
		return
	}

	if w.gate != nil {
		w.log("waiting for a free slot")
		release, err := w.gate(ctx)
		if err != nil {
			w.cancelled()
			return
		}
		defer release()
	}

	w.begin()
	if ctx.Err() != nil {
		w.cancelled()
		return
	}

	taskID, ok := w.submit(ctx)
	if !ok {
		return
	}
	artifactURL, ok := w.poll(ctx, taskID)
	if !ok {
		return
	}
	w.deliver(ctx, artifactURL)
	return
}

// Outcome returns the terminal outcome, or the zero value while running.
func (w *Worker) Outcome() jobs.Outcome {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	return w.outcome
}

func (w *Worker) begin() {
	w.startedAt = time.Now()
	started := w.startedAt.UTC()
	w.update(func(s *jobs.JobState) {
		s.StartedAt = &started
	})
	w.log(fmt.Sprintf("starting job %q with credential %s", w.spec.Name(), w.cred.Masked()))
	go w.tickLoop()
}

func (w *Worker) submit(ctx context.Context) (string, bool) {
	w.progress(5, "submitting request")
	res, err := w.client.Submit(ctx, w.spec, w.cred)
	if ctx.Err() != nil {
		w.cancelled()
		return "", false
	}
	if err != nil {
		w.logger.Error("submit failed", "error", err)
		w.fail("submit failed: " + jobs.Truncate(err.Error()))
		return "", false
	}

	w.update(func(s *jobs.JobState) {
		s.RemoteTaskID = res.TaskID
		s.Status = jobs.JobStatusSubmitted
	})
	w.log(fmt.Sprintf("submitted, remote task %s (status %q)", res.TaskID, res.Status))
	w.progress(15, "submitted")
	return res.TaskID, true
}

// poll waits for a terminal remote status. Individual poll errors are
// treated as "not ready yet"; only the overall budget fails the job.
func (w *Worker) poll(ctx context.Context, taskID string) (string, bool) {
	start := time.Now()
	deadline := start.Add(w.cfg.PollTimeout)
	logger := w.logger.With("remote_task_id", taskID)

	for attempt := 1; ; attempt++ {
		if !w.sleep(ctx, deadline) {
			w.cancelled()
			return "", false
		}
		if !time.Now().Before(deadline) {
			msg := fmt.Sprintf("timed out after %s waiting for remote task %s", w.cfg.PollTimeout, taskID)
			logger.Error("poll budget exhausted", "attempts", attempt-1)
			w.fail(msg)
			return "", false
		}
		if attempt == 1 {
			w.update(func(s *jobs.JobState) { s.Status = jobs.JobStatusPolling })
		}

		pollCtx, cancel := context.WithDeadline(ctx, deadline)
		res, err := w.client.Poll(pollCtx, taskID, w.cred)
		cancel()
		if ctx.Err() != nil {
			w.cancelled()
			return "", false
		}
		if err != nil {
			logger.Warn("poll failed, will retry", "attempt", attempt, "error", err)
			w.log(fmt.Sprintf("poll %d failed: %s", attempt, jobs.Truncate(err.Error())))
			continue
		}

		switch res.State {
		case remote.StateSuccess:
			u := res.ArtifactURL()
			if u == "" {
				w.fail("remote reported success without an artifact URL")
				return "", false
			}
			w.update(func(s *jobs.JobState) { s.ArtifactURL = u })
			w.log("generation finished: " + u)
			return u, true
		case remote.StateFailed:
			reason := res.Message
			if reason == "" {
				reason = res.RawStatus
			}
			logger.Error("remote task failed", "reason", reason)
			w.fail("generation failed: " + jobs.Truncate(reason))
			return "", false
		default:
			frac := float64(time.Since(start)) / float64(w.cfg.PollTimeout)
			w.progress(20+int(frac*69), fmt.Sprintf("generating (status %q, poll %d)", res.RawStatus, attempt))
		}
	}
}

// sleep waits one poll interval, cut short at deadline. It returns false if ctx ended.
func (w *Worker) sleep(ctx context.Context, deadline time.Time) bool {
	d := w.cfg.PollInterval
	if rem := time.Until(deadline); rem < d {
		d = rem
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}

func (w *Worker) deliver(ctx context.Context, artifactURL string) {
	result := map[string]string{
		jobs.ResultURL:          artifactURL,
		jobs.ResultRemoteTaskID: w.State().RemoteTaskID,
	}

	dest, err := w.destination(artifactURL)
	if err != nil {
		w.fail(err.Error())
		return
	}
	if dest == "" || w.downloader == nil {
		w.succeed("generation complete", result)
		return
	}
	if ctx.Err() != nil {
		w.cancelled()
		return
	}

	w.update(func(s *jobs.JobState) { s.Status = jobs.JobStatusDownloading })
	w.progress(90, "downloading artifact")

	var lastMark int64
	localPath, err := w.downloader.Download(ctx, artifactURL, dest, func(written, total int64) {
		if total > 0 {
			w.progress(90+int(9*written/total), fmt.Sprintf("downloading %d/%d bytes", written, total))
			return
		}
		if written-lastMark >= 1<<20 {
			lastMark = written
			w.progress(90, fmt.Sprintf("downloading %d bytes", written))
		}
	})
	// A finished download wins over a cancellation that raced it.
	if errors.Is(err, download.ErrCancelled) || (err != nil && ctx.Err() != nil) {
		w.cancelled()
		return
	}
	if err != nil {
		warning := "local copy failed: " + jobs.Truncate(err.Error())
		w.logger.Warn("download failed, keeping remote url", "error", err, "url", artifactURL)
		w.update(func(s *jobs.JobState) { s.Warning = warning })
		result[jobs.ResultWarning] = warning
		w.succeed("generation complete; "+warning, result)
		return
	}

	w.update(func(s *jobs.JobState) { s.LocalPath = localPath })
	result[jobs.ResultLocalPath] = localPath
	w.succeed("generation complete, saved to "+localPath, result)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ResolveDestination joins dest below outputDir. Absolute paths and paths
// climbing out with ".." are rejected.
func ResolveDestination(outputDir, dest string) (string, error) {
	if !filepath.IsLocal(dest) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeDestination, dest)
	}
	return filepath.Join(outputDir, dest), nil
}

func (w *Worker) destination(artifactURL string) (string, error) {
	if w.spec.Destination != "" {
		return ResolveDestination(w.cfg.OutputDir, w.spec.Destination)
	}
	if w.cfg.OutputDir == "" {
		return "", nil
	}
	ext := ".mp4"
	if u, err := url.Parse(artifactURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}
	name := unsafeName.ReplaceAllString(w.spec.ID, "_")
	return filepath.Join(w.cfg.OutputDir, name+ext), nil
}

func (w *Worker) tickLoop() {
	t := time.NewTicker(w.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-w.stopTick:
			return
		case <-t.C:
			w.emit(func() {
				w.observer.OnTick(w.spec.ID, time.Since(w.startedAt).Round(100*time.Millisecond).String())
			})
		}
	}
}

func (w *Worker) update(fn func(*jobs.JobState)) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	fn(&w.state)
}

// progress reports percent, never going backwards while the job runs.
func (w *Worker) progress(percent int, message string) {
	if percent > 100 {
		percent = 100
	}
	w.stateMu.Lock()
	if percent < w.state.ProgressPercent {
		percent = w.state.ProgressPercent
	}
	w.state.ProgressPercent = percent
	w.state.Message = message
	w.stateMu.Unlock()

	w.emit(func() { w.observer.OnProgress(w.spec.ID, percent, message) })
}

func (w *Worker) log(msg string) {
	w.logger.Debug(msg)
	line := fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"), msg)
	w.emit(func() { w.observer.OnLog(w.spec.ID, line) })
}

// emit runs fn unless the job is already terminal.
func (w *Worker) emit(fn func()) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.terminated {
		return
	}
	w.safe(fn)
}

func (w *Worker) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("observer panic", "panic", r)
		}
	}()
	fn()
}

func (w *Worker) succeed(message string, result map[string]string) {
	w.progress(100, message)
	w.finish(jobs.JobStatusSucceeded, jobs.Outcome{Status: jobs.JobStatusSucceeded, Success: true, Message: message, Result: result})
}

func (w *Worker) fail(message string) {
	result := map[string]string{}
	if id := w.State().RemoteTaskID; id != "" {
		result[jobs.ResultRemoteTaskID] = id
	}
	w.finish(jobs.JobStatusFailed, jobs.Outcome{Status: jobs.JobStatusFailed, Message: message, Result: result})
}

func (w *Worker) cancelled() {
	w.finish(jobs.JobStatusCancelled, jobs.Outcome{Status: jobs.JobStatusCancelled, Message: MessageCancelled, Result: map[string]string{}})
}

// finish records the terminal outcome and emits OnTerminal exactly once.
func (w *Worker) finish(status jobs.JobStatus, outcome jobs.Outcome) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.terminated {
		return
	}
	w.terminated = true
	w.outcome = outcome
	close(w.stopTick)

	done := time.Now().UTC()
	w.update(func(s *jobs.JobState) {
		s.Status = status
		s.Message = outcome.Message
		s.FinishedAt = &done
		if status == jobs.JobStatusFailed {
			s.LastError = outcome.Message
		}
	})

	attrs := []any{"status", status, "message", outcome.Message}
	if !w.startedAt.IsZero() {
		attrs = append(attrs, "duration", time.Since(w.startedAt).String())
	}
	switch status {
	case jobs.JobStatusSucceeded:
		w.logger.Info("job finished", attrs...)
	case jobs.JobStatusCancelled:
		w.logger.Info("job cancelled", attrs...)
	default:
		w.logger.Error("job finished", attrs...)
	}

	w.safe(func() { w.observer.OnTerminal(w.spec.ID, outcome) })
}
