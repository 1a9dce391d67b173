package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/download"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/remote"
)

type fakeClient struct {
	mu        sync.Mutex
	submitFn  func(ctx context.Context, job jobs.JobSpec) (remote.SubmitResult, error)
	pollFn    func(n int) (remote.PollResult, error)
	submitted []jobs.JobSpec
	polls     int
}

func (f *fakeClient) Submit(ctx context.Context, job jobs.JobSpec, cred credentials.Credential) (remote.SubmitResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, job)
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, job)
	}
	return remote.SubmitResult{TaskID: "task-" + job.ID, Status: "Queuing"}, nil
}

func (f *fakeClient) Poll(ctx context.Context, taskID string, cred credentials.Credential) (remote.PollResult, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()
	if f.pollFn == nil {
		return remote.PollResult{State: remote.StateRunning, RawStatus: "Processing"}, nil
	}
	return f.pollFn(n)
}

func (f *fakeClient) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func succeedAfter(n int, url string) func(int) (remote.PollResult, error) {
	return func(i int) (remote.PollResult, error) {
		if i >= n {
			return remote.PollResult{State: remote.StateSuccess, RawStatus: "Success", Outputs: []remote.Output{{URL: url}}}, nil
		}
		return remote.PollResult{State: remote.StateRunning, RawStatus: "Processing"}, nil
	}
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *fakeDownloader) Download(ctx context.Context, url, dest string, onProgress download.ProgressFunc) (string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	onProgress(50, 100)
	onProgress(100, 100)
	return dest, nil
}

type event struct {
	kind    string
	percent int
	outcome jobs.Outcome
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnProgress(_ string, p int, _ string) { r.add(event{kind: "progress", percent: p}) }
func (r *recorder) OnTick(string, string)                { r.add(event{kind: "tick"}) }
func (r *recorder) OnLog(string, string)                 { r.add(event{kind: "log"}) }
func (r *recorder) OnTerminal(_ string, o jobs.Outcome)  { r.add(event{kind: "terminal", outcome: o}) }

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
	}
}

var cred = credentials.Credential{Token: "token-abcdef-123"}

func TestWorker_SucceedsWithoutDownload(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(2, "https://cdn.example.com/out.mp4")}
	rec := &recorder{}
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, rec, WithConfig(testConfig()))

	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusSucceeded || !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Result[jobs.ResultURL] != "https://cdn.example.com/out.mp4" {
		t.Fatalf("missing url in result: %+v", out.Result)
	}
	if _, ok := out.Result[jobs.ResultLocalPath]; ok {
		t.Fatalf("no local path expected without download: %+v", out.Result)
	}
	st := w.State()
	if st.RemoteTaskID != "task-j1" || st.ProgressPercent != 100 || st.StartedAt == nil || st.FinishedAt == nil {
		t.Fatalf("unexpected final state: %+v", st)
	}
}

func TestWorker_TransientPollErrorsDoNotFail(t *testing.T) {
	fc := &fakeClient{pollFn: func(n int) (remote.PollResult, error) {
		switch {
		case n >= 6:
			return remote.PollResult{State: remote.StateSuccess, Outputs: []remote.Output{{URL: "https://x/y.mp4"}}}, nil
		case n%2 == 0:
			return remote.PollResult{}, errors.New("connection reset by peer")
		default:
			return remote.PollResult{State: remote.StateRunning, RawStatus: "Processing"}, nil
		}
	}}
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(testConfig()))

	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusSucceeded {
		t.Fatalf("expected success despite transient errors, got %+v", out)
	}
}

func TestWorker_PollTimeout(t *testing.T) {
	fc := &fakeClient{pollFn: func(n int) (remote.PollResult, error) {
		if n%3 == 0 {
			return remote.PollResult{}, errors.New("HTTP 502")
		}
		return remote.PollResult{State: remote.StateRunning, RawStatus: "Mystery"}, nil
	}}
	cfg := testConfig()
	cfg.PollTimeout = 80 * time.Millisecond
	w := NewWorker(jobs.JobSpec{ID: "j3"}, cred, fc, nil, WithConfig(cfg))

	start := time.Now()
	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusFailed {
		t.Fatalf("expected failure, got %+v", out)
	}
	if !strings.Contains(out.Message, "timed out") {
		t.Fatalf("expected timeout message, got %q", out.Message)
	}
	if strings.Contains(out.Message, "502") {
		t.Fatalf("timeout message must not be the last transient error: %q", out.Message)
	}
	if elapsed := time.Since(start); elapsed < cfg.PollTimeout {
		t.Fatalf("failed before the budget elapsed: %s", elapsed)
	}
	if w.State().RemoteTaskID == "" {
		t.Fatalf("remote task id should be kept on failure after submit")
	}
}

func TestWorker_RemoteFailure(t *testing.T) {
	fc := &fakeClient{pollFn: func(int) (remote.PollResult, error) {
		return remote.PollResult{State: remote.StateFailed, RawStatus: "Failed", Message: "nsfw content"}, nil
	}}
	w := NewWorker(jobs.JobSpec{ID: "j2"}, cred, fc, nil, WithConfig(testConfig()))

	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusFailed || !strings.Contains(out.Message, "nsfw content") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if fc.pollCount() != 1 {
		t.Fatalf("expected exactly one poll, got %d", fc.pollCount())
	}
	if out.Result[jobs.ResultRemoteTaskID] != "task-j2" {
		t.Fatalf("expected remote task id in result: %+v", out.Result)
	}
}

func TestWorker_SubmitFailure(t *testing.T) {
	long := strings.Repeat("E", 2000)
	fc := &fakeClient{submitFn: func(context.Context, jobs.JobSpec) (remote.SubmitResult, error) {
		return remote.SubmitResult{}, &remote.StatusError{Code: 500, Body: long}
	}}
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(testConfig()))

	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusFailed || !strings.HasPrefix(out.Message, "submit failed") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(out.Message) > 400 {
		t.Fatalf("message not truncated: %d bytes", len(out.Message))
	}
	if fc.pollCount() != 0 {
		t.Fatalf("no polls expected after submit failure")
	}
}

func TestWorker_MalformedSubmit(t *testing.T) {
	fc := &fakeClient{submitFn: func(context.Context, jobs.JobSpec) (remote.SubmitResult, error) {
		return remote.SubmitResult{}, remote.ErrMalformedResponse
	}}
	out := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(testConfig())).Run(context.Background())
	if out.Status != jobs.JobStatusFailed {
		t.Fatalf("expected failure, got %+v", out)
	}
}

func TestWorker_MissingCredential(t *testing.T) {
	fc := &fakeClient{}
	out := NewWorker(jobs.JobSpec{ID: "j1"}, credentials.Credential{}, fc, nil, WithConfig(testConfig())).Run(context.Background())
	if out.Status != jobs.JobStatusFailed || out.Message != MessageNoCredentials {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(fc.submitted) != 0 || fc.pollCount() != 0 {
		t.Fatalf("no network calls expected")
	}
}

func TestWorker_CancelDuringSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	fc := &fakeClient{
		submitFn: func(ctx context.Context, job jobs.JobSpec) (remote.SubmitResult, error) {
			close(entered)
			<-ctx.Done()
			// Remote accepted anyway; cancellation must still win.
			return remote.SubmitResult{TaskID: "late"}, nil
		},
		pollFn: succeedAfter(1, "https://x/y.mp4"),
	}
	dl := &fakeDownloader{}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(cfg), WithDownloader(dl))

	go func() {
		<-entered
		cancel()
	}()
	out := w.Run(ctx)
	if out.Status != jobs.JobStatusCancelled || out.Success || out.Message != MessageCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	if len(out.Result) != 0 {
		t.Fatalf("cancelled outcome should carry an empty result: %+v", out.Result)
	}
	if fc.pollCount() != 0 || dl.calls != 0 {
		t.Fatalf("no polls or downloads expected after cancel (polls=%d downloads=%d)", fc.pollCount(), dl.calls)
	}
}

func TestWorker_CancelBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc := &fakeClient{}
	out := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(testConfig())).Run(ctx)
	if out.Status != jobs.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	if len(fc.submitted) != 0 {
		t.Fatalf("submit must not be attempted after cancel")
	}
}

func TestWorker_CancelWhilePolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeClient{pollFn: func(n int) (remote.PollResult, error) {
		if n == 2 {
			cancel()
		}
		return remote.PollResult{State: remote.StateRunning}, nil
	}}
	out := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(testConfig())).Run(ctx)
	if out.Status != jobs.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	if n := fc.pollCount(); n != 2 {
		t.Fatalf("expected polling to stop at the cancel checkpoint, got %d polls", n)
	}
}

func TestWorker_DownloadFailureIsWarning(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(1, "https://cdn.example.com/clip.mp4")}
	dl := &fakeDownloader{err: errors.New("disk full")}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(cfg), WithDownloader(dl))

	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusSucceeded || !out.Success {
		t.Fatalf("expected success with warning, got %+v", out)
	}
	if out.Result[jobs.ResultURL] != "https://cdn.example.com/clip.mp4" {
		t.Fatalf("remote url must be surfaced: %+v", out.Result)
	}
	if out.Result[jobs.ResultLocalPath] != "" || w.State().LocalPath != "" {
		t.Fatalf("local path must be empty after a failed download")
	}
	if !strings.Contains(out.Result[jobs.ResultWarning], "disk full") {
		t.Fatalf("expected warning, got %+v", out.Result)
	}
}

func TestWorker_DownloadSuccess(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(1, "https://cdn.example.com/path/clip.webm?sig=1")}
	dl := &fakeDownloader{}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	rec := &recorder{}
	w := NewWorker(jobs.JobSpec{ID: "job/1"}, cred, fc, rec, WithConfig(cfg), WithDownloader(dl))

	out := w.Run(context.Background())
	want := filepath.Join(cfg.OutputDir, "job_1.webm")
	if out.Result[jobs.ResultLocalPath] != want {
		t.Fatalf("expected local path %s, got %+v", want, out.Result)
	}
	if w.State().LocalPath != want {
		t.Fatalf("state local path not recorded")
	}

	// 50/100 and 100/100 bytes map onto the 90..99 download band.
	var percents []int
	for _, e := range rec.snapshot() {
		if e.kind == "progress" && e.percent >= 90 {
			percents = append(percents, e.percent)
		}
	}
	if diff := cmp.Diff([]int{90, 94, 99, 100}, percents); diff != "" {
		t.Fatalf("download progress mismatch (-want +got):\n%s", diff)
	}
}

func TestWorker_DownloadCancelled(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(1, "https://x/y.mp4")}
	dl := &fakeDownloader{err: download.ErrCancelled}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	w := NewWorker(jobs.JobSpec{ID: "j1", Destination: "y.mp4"}, cred, fc, nil,
		WithConfig(cfg), WithDownloader(dl))

	if out := w.Run(context.Background()); out.Status != jobs.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
}

func TestWorker_DestinationResolvedUnderOutputDir(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(1, "https://x/y.mp4")}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	w := NewWorker(jobs.JobSpec{ID: "j1", Destination: "clips/sunset.mp4"}, cred, fc, nil,
		WithConfig(cfg), WithDownloader(&fakeDownloader{}))

	out := w.Run(context.Background())
	want := filepath.Join(cfg.OutputDir, "clips", "sunset.mp4")
	if out.Result[jobs.ResultLocalPath] != want {
		t.Fatalf("expected local path %s, got %+v", want, out.Result)
	}
}

func TestWorker_UnsafeDestinationFails(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(1, "https://x/y.mp4")}
	dl := &fakeDownloader{}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	w := NewWorker(jobs.JobSpec{ID: "j1", Destination: "../evil.sh"}, cred, fc, nil,
		WithConfig(cfg), WithDownloader(dl))

	out := w.Run(context.Background())
	if out.Status != jobs.JobStatusFailed || !strings.Contains(out.Message, "relative path") {
		t.Fatalf("expected failure for escaping destination, got %+v", out)
	}
	if dl.calls != 0 {
		t.Fatalf("downloader must not run for an unsafe destination")
	}
}

func TestResolveDestination(t *testing.T) {
	dir := filepath.Join("srv", "out")
	for dest, want := range map[string]string{
		"a.mp4":           filepath.Join(dir, "a.mp4"),
		"sub/b.mp4":       filepath.Join(dir, "sub", "b.mp4"),
		"sub/../c.mp4":    filepath.Join(dir, "c.mp4"),
		"/etc/passwd":     "",
		"../escape.mp4":   "",
		"sub/../../x.mp4": "",
	} {
		got, err := ResolveDestination(dir, dest)
		if want == "" {
			if !errors.Is(err, ErrUnsafeDestination) {
				t.Fatalf("%q: expected ErrUnsafeDestination, got %q, %v", dest, got, err)
			}
			continue
		}
		if err != nil || got != want {
			t.Fatalf("%q: expected %q, got %q, %v", dest, want, got, err)
		}
	}
}

// cancellingDownloader cancels the job right after a successful download.
type cancellingDownloader struct{ cancel context.CancelFunc }

func (d cancellingDownloader) Download(ctx context.Context, url, dest string, onProgress download.ProgressFunc) (string, error) {
	onProgress(100, 100)
	d.cancel()
	return dest, nil
}

func TestWorker_CancelAfterDownloadKeepsSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc := &fakeClient{pollFn: succeedAfter(1, "https://x/y.mp4")}
	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil,
		WithConfig(cfg), WithDownloader(cancellingDownloader{cancel: cancel}))

	out := w.Run(ctx)
	if out.Status != jobs.JobStatusSucceeded || out.Result[jobs.ResultLocalPath] == "" {
		t.Fatalf("a completed download must be reported as success, got %+v", out)
	}
}

func TestWorker_PayloadForwardedUnmodified(t *testing.T) {
	payload := map[string]any{
		"67:LoadImage.image":                       "data:image/png;base64,AAAA",
		"89:WanVideoImageToVideoEncode.num_frames": 81,
		"extra":                                    []any{"a", 1.5},
	}
	want := map[string]any{
		"67:LoadImage.image":                       "data:image/png;base64,AAAA",
		"89:WanVideoImageToVideoEncode.num_frames": 81,
		"extra":                                    []any{"a", 1.5},
	}
	fc := &fakeClient{pollFn: succeedAfter(1, "https://x/y.mp4")}
	NewWorker(jobs.JobSpec{ID: "j1", Payload: payload}, cred, fc, nil, WithConfig(testConfig())).Run(context.Background())

	if len(fc.submitted) != 1 {
		t.Fatalf("expected one submit, got %d", len(fc.submitted))
	}
	if diff := cmp.Diff(want, fc.submitted[0].Payload); diff != "" {
		t.Fatalf("payload changed (-want +got):\n%s", diff)
	}
}

func TestWorker_EventOrderingAndNoTicksAfterTerminal(t *testing.T) {
	fc := &fakeClient{pollFn: succeedAfter(4, "https://x/y.mp4")}
	rec := &recorder{}
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, rec, WithConfig(testConfig()))

	w.Run(context.Background())
	time.Sleep(50 * time.Millisecond) // ten tick intervals

	evs := rec.snapshot()
	terminals, ticks, last := 0, 0, -1
	prev := 0
	for i, e := range evs {
		switch e.kind {
		case "terminal":
			terminals++
			last = i
		case "tick":
			ticks++
		case "progress":
			if e.percent < prev {
				t.Fatalf("progress went backwards: %d after %d", e.percent, prev)
			}
			prev = e.percent
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminals)
	}
	if last != len(evs)-1 {
		t.Fatalf("terminal must be the last event; %d events follow it", len(evs)-1-last)
	}
	if ticks == 0 {
		t.Fatalf("expected ticks while the job ran")
	}
}

type panicClient struct{ fakeClient }

func (p *panicClient) Submit(context.Context, jobs.JobSpec, credentials.Credential) (remote.SubmitResult, error) {
	panic("boom")
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	rec := &recorder{}
	out := NewWorker(jobs.JobSpec{ID: "j1"}, cred, &panicClient{}, rec, WithConfig(testConfig())).Run(context.Background())
	if out.Status != jobs.JobStatusFailed || !strings.Contains(out.Message, "boom") {
		t.Fatalf("expected failure from panic, got %+v", out)
	}
	evs := rec.snapshot()
	if len(evs) == 0 || evs[len(evs)-1].kind != "terminal" {
		t.Fatalf("expected a terminal event after panic")
	}
}

func TestWorker_GateCancelledWhilePending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := func(ctx context.Context) (func(), error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fc := &fakeClient{}
	w := NewWorker(jobs.JobSpec{ID: "j1"}, cred, fc, nil, WithConfig(testConfig()), WithGate(gate))
	time.AfterFunc(20*time.Millisecond, cancel)

	out := w.Run(ctx)
	if out.Status != jobs.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
	if w.State().StartedAt != nil {
		t.Fatalf("a job that never got a slot should not have a start time")
	}
	if len(fc.submitted) != 0 {
		t.Fatalf("submit must not run without a slot")
	}
}
