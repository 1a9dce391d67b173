package jobs

// Observer receives per-job events. Within one job, events arrive in order:
// zero or more OnProgress/OnTick/OnLog calls, then exactly one OnTerminal.
// Events from different jobs may interleave and arrive from different goroutines.
type Observer interface {
	OnProgress(jobID string, percent int, message string)
	OnTick(jobID string, elapsed string)
	OnLog(jobID string, line string)
	OnTerminal(jobID string, outcome Outcome)
}

// BatchObserver receives batch-level aggregate events.
type BatchObserver interface {
	OnBatchProgress(completed, total int)
	OnAllFinished()
}

// Funcs adapts optional callbacks to Observer and BatchObserver. Nil fields are skipped.
type Funcs struct {
	Progress      func(jobID string, percent int, message string)
	Tick          func(jobID string, elapsed string)
	Log           func(jobID string, line string)
	Terminal      func(jobID string, outcome Outcome)
	BatchProgress func(completed, total int)
	AllFinished   func()
}

func (f Funcs) OnProgress(jobID string, percent int, message string) {
	if f.Progress != nil {
		f.Progress(jobID, percent, message)
	}
}

func (f Funcs) OnTick(jobID string, elapsed string) {
	if f.Tick != nil {
		f.Tick(jobID, elapsed)
	}
}

func (f Funcs) OnLog(jobID string, line string) {
	if f.Log != nil {
		f.Log(jobID, line)
	}
}

func (f Funcs) OnTerminal(jobID string, outcome Outcome) {
	if f.Terminal != nil {
		f.Terminal(jobID, outcome)
	}
}

func (f Funcs) OnBatchProgress(completed, total int) {
	if f.BatchProgress != nil {
		f.BatchProgress(completed, total)
	}
}

func (f Funcs) OnAllFinished() {
	if f.AllFinished != nil {
		f.AllFinished()
	}
}
