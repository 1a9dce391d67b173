package batch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulgrammer/genbatch/internal/jobs"
)

type EventType string

const (
	EventProgress      EventType = "progress"
	EventTick          EventType = "tick"
	EventLog           EventType = "log"
	EventTerminal      EventType = "terminal"
	EventBatchProgress EventType = "batch_progress"
	EventAllFinished   EventType = "all_finished"
)

// Event is the wire form of an observer callback.
type Event struct {
	Type      EventType     `json:"type"`
	BatchID   string        `json:"batch_id"`
	JobID     string        `json:"job_id,omitempty"`
	Percent   int           `json:"percent,omitempty"`
	Message   string        `json:"message,omitempty"`
	Elapsed   string        `json:"elapsed,omitempty"`
	Line      string        `json:"line,omitempty"`
	Outcome   *jobs.Outcome `json:"outcome,omitempty"`
	Completed int           `json:"completed,omitempty"`
	Total     int           `json:"total,omitempty"`
	Time      time.Time     `json:"time"`
}

const (
	writeWait = 5 * time.Second
	// sendQueueSize is how many events a subscriber may lag behind before it is dropped.
	sendQueueSize = 256
)

// streamSub owns one websocket connection. Only its write loop writes to conn.
type streamSub struct {
	conn *websocket.Conn
	send chan []byte
}

func (sub *streamSub) writeLoop(s *Streamer, batchID string) {
	defer sub.conn.Close()
	for msg := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("dropping stream subscriber", "batch_id", batchID, "error", err)
			s.remove(batchID, sub.conn)
			return
		}
	}
	sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
	sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"))
}

// Streamer fans batch events out to websocket subscribers. Broadcast never
// waits on a socket, so a slow client cannot hold up any worker.
type Streamer struct {
	mu          sync.Mutex
	subscribers map[string][]*streamSub
	finished    map[string]bool
}

func NewStreamer() *Streamer {
	return &Streamer{
		subscribers: make(map[string][]*streamSub),
		finished:    make(map[string]bool),
	}
}

// Subscribe adds conn to a batch stream. It reports false if the batch
// already finished; the caller should close conn.
func (s *Streamer) Subscribe(batchID string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished[batchID] {
		return false
	}
	sub := &streamSub{conn: conn, send: make(chan []byte, sendQueueSize)}
	s.subscribers[batchID] = append(s.subscribers[batchID], sub)
	go sub.writeLoop(s, batchID)
	return true
}

func (s *Streamer) Unsubscribe(batchID string, conn *websocket.Conn) {
	s.remove(batchID, conn)
}

func (s *Streamer) remove(batchID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribers := s.subscribers[batchID]
	for i, sub := range subscribers {
		if sub.conn == conn {
			close(sub.send)
			s.subscribers[batchID] = append(subscribers[:i], subscribers[i+1:]...)
			return
		}
	}
}

// Broadcast queues ev for every subscriber of its batch. Subscribers whose
// queue is full are dropped.
func (s *Streamer) Broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode stream event", "error", err, "type", ev.Type)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribers := s.subscribers[ev.BatchID]
	kept := subscribers[:0]
	for _, sub := range subscribers {
		select {
		case sub.send <- msg:
			kept = append(kept, sub)
		default:
			slog.Warn("stream subscriber too slow, dropping", "batch_id", ev.BatchID)
			close(sub.send)
		}
	}
	s.subscribers[ev.BatchID] = kept
}

// Close flushes and closes all connections of a batch and refuses new ones.
func (s *Streamer) Close(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers[batchID] {
		close(sub.send)
	}
	delete(s.subscribers, batchID)
	s.finished[batchID] = true
}

// Hook attaches the streamer to every batch a coordinator starts.
func (s *Streamer) Hook(h *Handle) jobs.Observer {
	return &streamObserver{s: s, batchID: h.ID()}
}

type streamObserver struct {
	s       *Streamer
	batchID string
}

func (o *streamObserver) send(ev Event) {
	ev.BatchID = o.batchID
	ev.Time = time.Now().UTC()
	o.s.Broadcast(ev)
}

func (o *streamObserver) OnProgress(jobID string, percent int, message string) {
	o.send(Event{Type: EventProgress, JobID: jobID, Percent: percent, Message: message})
}

func (o *streamObserver) OnTick(jobID string, elapsed string) {
	o.send(Event{Type: EventTick, JobID: jobID, Elapsed: elapsed})
}

func (o *streamObserver) OnLog(jobID string, line string) {
	o.send(Event{Type: EventLog, JobID: jobID, Line: line})
}

func (o *streamObserver) OnTerminal(jobID string, outcome jobs.Outcome) {
	o.send(Event{Type: EventTerminal, JobID: jobID, Message: outcome.Message, Outcome: &outcome})
}

func (o *streamObserver) OnBatchProgress(completed, total int) {
	o.send(Event{Type: EventBatchProgress, Completed: completed, Total: total})
}

func (o *streamObserver) OnAllFinished() {
	o.send(Event{Type: EventAllFinished})
	o.s.Close(o.batchID)
}
