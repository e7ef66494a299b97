package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/blob"
	"github.com/MrWong99/callscribe/pkg/job"
)

const (
	// DefaultMaxUploadBytes caps the size of one uploaded recording.
	DefaultMaxUploadBytes = 512 << 20

	// DefaultWatchInterval is how often a watch stream polls the job record.
	DefaultWatchInterval = time.Second

	// multipartMemory is how much of a multipart body is kept in memory
	// before spilling to disk.
	multipartMemory = 32 << 20
)

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithMaxUploadBytes caps the request body of POST /jobs.
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithWatchInterval sets the polling interval of job watch streams.
func WithWatchInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.watchInterval = d
		}
	}
}

// WithServerMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server serves the gateway HTTP API:
//
//	POST /jobs                       upload a recording (multipart field "file")
//	GET  /jobs/{job_id}/status       full job record
//	GET  /jobs/{job_id}/transcript   transcript as text/plain
//	GET  /jobs/{job_id}/summary      summary JSON
//	GET  /jobs/{job_id}/watch        WebSocket stream of job snapshots
//	POST /webhook/{stage}/{job_id}   stage completion webhook
type Server struct {
	orch          *Orchestrator
	maxUpload     int64
	watchInterval time.Duration
	metrics       *observe.Metrics
}

// NewServer returns a Server backed by orch.
func NewServer(orch *Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		orch:          orch,
		maxUpload:     DefaultMaxUploadBytes,
		watchInterval: DefaultWatchInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs/{job_id}/status", s.handleStatus)
	mux.HandleFunc("GET /jobs/{job_id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /jobs/{job_id}/summary", s.handleSummary)
	mux.HandleFunc("GET /jobs/{job_id}/watch", s.handleWatch)
	mux.HandleFunc("POST /webhook/{stage}/{job_id}", s.handleWebhook)
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, `missing form field "file"`)
		return
	}
	defer file.Close()

	j, err := s.orch.Submit(r.Context(), header.Filename, file)
	if err != nil {
		observe.Logger(r.Context()).Error("submit failed", slog.String("job_id", j.ID), slog.Any("err", err))
		if errors.Is(err, ErrEnqueue) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"job_id": j.ID,
				"error":  "job stored but could not be scheduled, it will be retried",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: j.ID, Status: string(job.OverallProcessing)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.orch.Status(r.Context(), r.PathValue("job_id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	b, err := s.orch.Output(r.Context(), r.PathValue("job_id"), job.StageTranscription)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	b, err := s.orch.Output(r.Context(), r.PathValue("job_id"), job.StageSummarization)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	stage, err := job.ParseStage(r.PathValue("stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := r.PathValue("job_id")

	if _, err := s.orch.Complete(r.Context(), stage, jobID); err != nil {
		log := observe.Logger(r.Context()).With(slog.String("job_id", jobID), slog.String("stage", string(stage)))
		switch {
		case errors.Is(err, job.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, ErrStageNotCompleted):
			log.Warn("webhook for unfinished stage", slog.Any("err", err))
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrEnqueue):
			log.Error("cannot enqueue next stage", slog.Any("err", err))
			writeError(w, http.StatusServiceUnavailable, "next stage could not be scheduled")
		default:
			log.Error("webhook failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleWatch streams a job snapshot every time its updated_at changes and
// closes the stream once the job reaches a terminal overall status.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	j, err := s.orch.Status(r.Context(), jobID)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	s.metrics.ActiveWatchers.Add(ctx, 1)
	defer s.metrics.ActiveWatchers.Add(ctx, -1)

	log := observe.Logger(ctx).With(slog.String("job_id", jobID))
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	var last time.Time
	for {
		if !j.UpdatedAt.Equal(last) {
			if err := s.writeSnapshot(ctx, conn, j); err != nil {
				log.Debug("watch stream ended", slog.Any("err", err))
				return
			}
			last = j.UpdatedAt
		}
		if j.OverallStatus.IsTerminal() {
			conn.Close(websocket.StatusNormalClosure, "job "+string(j.OverallStatus))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := s.orch.Status(ctx, jobID)
		if err != nil {
			log.Warn("watch poll failed", slog.Any("err", err))
			conn.Close(websocket.StatusInternalError, "job lookup failed")
			return
		}
		j = next
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, j job.Job) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, j)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ErrStageNotCompleted):
		writeError(w, http.StatusConflict, "result not available yet")
	case errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "result missing from storage")
	default:
		observe.Logger(r.Context()).Error("lookup failed", slog.String("job_id", r.PathValue("job_id")), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
