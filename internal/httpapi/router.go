package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulgrammer/genbatch/internal/batch"
	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// CreateBatchRequest is the body of POST /batches.
type CreateBatchRequest struct {
	Jobs []jobs.JobSpec `json:"jobs"`
}

type router struct {
	ctx         context.Context
	coordinator *batch.Coordinator
	store       batch.Store
	streamer    *batch.Streamer
	creds       []credentials.Credential
}

// NewRouter serves the batch API. Batches outlive the request that created
// them and are cancelled when ctx ends.
func NewRouter(ctx context.Context, coordinator *batch.Coordinator, store batch.Store, streamer *batch.Streamer, creds []credentials.Credential) http.Handler {
	r := &router{ctx: ctx, coordinator: coordinator, store: store, streamer: streamer, creds: creds}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("POST /batches", r.handleCreateBatch)
	m.HandleFunc("GET /batches", r.handleListBatches)
	m.HandleFunc("GET /batches/{id}", r.handleBatch)
	m.HandleFunc("DELETE /batches/{id}", r.handleCancelBatch)
	m.HandleFunc("POST /batches/{id}/jobs/{job}/cancel", r.handleCancelJob)
	m.HandleFunc("GET /batches/{id}/events", r.handleBatchEvents)
	m.Handle("GET /metrics", promhttp.Handler())
	return logging(m)
}

func (r *router) handleCreateBatch(w http.ResponseWriter, req *http.Request) {
	var body CreateBatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}

	h, err := r.coordinator.Execute(r.ctx, body.Jobs, r.creds)
	switch {
	case errors.Is(err, batch.ErrNoJobs), errors.Is(err, batch.ErrInvalidJob):
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, credentials.ErrNoCredentials):
		r.store.Put(h)
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{"batch_id": h.ID(), "error": err.Error()})
		return
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}
	r.store.Put(h)
	respondWithJSON(w, http.StatusAccepted, map[string]any{"batch_id": h.ID(), "total": h.Total()})
}

func (r *router) handleListBatches(w http.ResponseWriter, req *http.Request) {
	list := r.store.List()
	out := make([]batch.Snapshot, 0, len(list))
	for _, h := range list {
		out = append(out, h.Snapshot())
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (r *router) lookup(w http.ResponseWriter, req *http.Request) (*batch.Handle, bool) {
	id := req.PathValue("id")
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "batch id required")
		return nil, false
	}
	h, ok := r.store.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return h, true
}

func (r *router) handleBatch(w http.ResponseWriter, req *http.Request) {
	h, ok := r.lookup(w, req)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, h.Snapshot())
}

func (r *router) handleCancelBatch(w http.ResponseWriter, req *http.Request) {
	h, ok := r.lookup(w, req)
	if !ok {
		return
	}
	h.CancelAll()
	respondWithJSON(w, http.StatusAccepted, map[string]string{"batch_id": h.ID(), "status": "cancelling"})
}

func (r *router) handleCancelJob(w http.ResponseWriter, req *http.Request) {
	h, ok := r.lookup(w, req)
	if !ok {
		return
	}
	jobID := req.PathValue("job")
	st, ok := h.JobState(jobID)
	if !ok {
		respondWithError(w, http.StatusNotFound, "job not found")
		return
	}
	if !h.Cancel(jobID) {
		respondWithError(w, http.StatusConflict, "job already "+string(st.Status))
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleBatchEvents(w http.ResponseWriter, req *http.Request) {
	h, ok := r.lookup(w, req)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	if !r.streamer.Subscribe(h.ID(), conn) {
		// Finished already: send the final state and hang up.
		conn.WriteJSON(h.Snapshot())
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"))
		conn.Close()
		return
	}
	defer r.streamer.Unsubscribe(h.ID(), conn)

	// Keep the connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}
