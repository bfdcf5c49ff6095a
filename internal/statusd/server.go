// Package statusd implements a small HTTP+WS status surface over the
// job runner's reports and outputs stream, plus the job-lifecycle
// control operations already exposed as the Job System's own public
// contract (pause/resume/cancel, each acknowledged). It is
// deliberately not a full application command router — that would
// cover the whole desktop application (file open/reveal, P2P, dozens
// of app commands); this one only forwards the three lifecycle verbs
// job.Runner already exposes in-process, for cmd/vaultctl to drive
// from a separate process. Route registration, the Upgrader, and the
// per-connection writer goroutine fed from a channel follow the usual
// gorilla/mux + gorilla/websocket wiring shape.
package statusd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/duskfall-labs/corevault/internal/job"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

// Server exposes job.Runner's reports and output stream over HTTP.
type Server struct {
	addr   string
	runner *job.Runner
	sync   *syncengine.Manager // optional; nil disables /stats
	log    *vaultlog.Logger

	upgrader websocket.Upgrader

	mu  sync.Mutex
	srv *http.Server
}

// New creates a Server listening on addr once Start is called. sync
// may be nil if no /stats endpoint is wanted (e.g. a process with no
// single library to report on).
func New(addr string, runner *job.Runner, sync *syncengine.Manager, log *vaultlog.Logger) *Server {
	if log == nil {
		log = vaultlog.New(vaultlog.DefaultConfig())
	}
	return &Server{
		addr:   addr,
		runner: runner,
		sync:   sync,
		log:    log.WithComponent("statusd"),
		upgrader: websocket.Upgrader{
			// Same-origin desktop/local tooling only; no cross-site
			// embedding of this surface is expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/pause", s.handleControl(s.runner.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/resume", s.handleControl(s.runner.Resume)).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/cancel", s.handleControl(s.runner.Cancel)).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

// handleControl adapts one of job.Runner's acknowledged control
// operations — pause(id)/resume(id)/cancel(id), each acknowledged via
// a one-shot call — into an HTTP handler: 404 for an unknown job, 200
// with no body once the runner has acked the request.
func (s *Server) handleControl(op func(job.ID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		if err := op(job.ID(id)); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		http.Error(w, "sync stats unavailable", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.sync.Stats())
}

// Start begins serving in a background goroutine. A failure after
// startup (anything but http.ErrServerClosed) is logged, matching
// storage.HealthMonitor's fire-and-forget background-loop shape.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.srv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server stopped", vaultlog.Fields{"error": err.Error()})
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// reportDTO is the wire shape of a job.Report: job.ID is a distinct
// type over uuid.UUID with no MarshalJSON of its own, so this surface
// renders it as the expected UUID string instead of a raw byte array.
type reportDTO struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	LocationID         string    `json:"location_id"`
	Status             string    `json:"status"`
	TaskCount          int       `json:"task_count"`
	CompletedTaskCount int       `json:"completed_task_count"`
	SecondsElapsed     float64   `json:"seconds_elapsed"`
	Message            string    `json:"message"`
	NonCriticalErrors  []string  `json:"non_critical_errors,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
}

func toDTO(r job.Report) reportDTO {
	return reportDTO{
		ID:                 r.ID.String(),
		Name:               string(r.Name),
		LocationID:         r.LocationID.String(),
		Status:             r.Status.String(),
		TaskCount:          r.TaskCount,
		CompletedTaskCount: r.CompletedTaskCount,
		SecondsElapsed:     r.SecondsElapsed,
		Message:            r.Message,
		NonCriticalErrors:  r.NonCriticalErrors,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reports := s.runner.Reports()
	dtos := make([]reportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	report, err := s.runner.Report(job.ID(id))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(report))
}

// outputDTO is the wire shape of a job.OutputEvent pushed over the
// websocket stream.
type outputDTO struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done"`
}

// handleWS upgrades the connection and relays every terminal job
// outcome from runner.ReceiveOutputs() until the client disconnects.
// The system never blocks on an absent consumer — a slow websocket
// write here only stalls this one connection's own subscriber
// channel, never the runner.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", vaultlog.Fields{"error": err.Error()})
		return
	}
	defer conn.Close()

	outputs := s.runner.ReceiveOutputs()
	for ev := range outputs {
		dto := outputDTO{ID: ev.ID.String(), Done: true}
		if ev.Err != nil {
			dto.Error = ev.Err.Error()
		}
		if err := conn.WriteJSON(dto); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
