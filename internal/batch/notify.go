package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/paulgrammer/genbatch/internal/webhook"
)

// WebhookHook posts job-terminal and batch-finished events to url. Deliveries
// for one batch happen in order on a single goroutine so slow endpoints never
// hold up workers.
func WebhookHook(sender webhook.Sender, url string, logger *slog.Logger) Hook {
	return func(h *Handle) jobs.Observer {
		if url == "" {
			return nil
		}
		n := &notifier{
			sender:  sender,
			url:     url,
			batchID: h.ID(),
			total:   h.Total(),
			queue:   make(chan webhook.Event, h.Total()+1),
			logger:  logger.With("batch_id", h.ID(), "webhook", url),
		}
		go n.loop()
		return n
	}
}

type notifier struct {
	jobs.Funcs
	sender  webhook.Sender
	url     string
	batchID string
	total   int
	queue   chan webhook.Event
	logger  *slog.Logger
}

func (n *notifier) loop() {
	for ev := range n.queue {
		if err := n.sender.Notify(context.Background(), n.url, ev); err != nil {
			n.logger.Warn("webhook delivery failed", "type", ev.Type, "job_id", ev.JobID, "error", err)
		}
	}
}

func (n *notifier) OnTerminal(jobID string, o jobs.Outcome) {
	n.queue <- webhook.Event{
		Type:      webhook.EventJobTerminal,
		BatchID:   n.batchID,
		JobID:     jobID,
		Status:    string(o.Status),
		Message:   o.Message,
		Result:    o.Result,
		Timestamp: time.Now().UTC(),
	}
}

func (n *notifier) OnAllFinished() {
	n.queue <- webhook.Event{
		Type:      webhook.EventBatchFinished,
		BatchID:   n.batchID,
		Total:     n.total,
		Completed: n.total,
		Timestamp: time.Now().UTC(),
	}
	close(n.queue)
}
