// Package devserver is a local simulator of the image-generation backend.
// It implements the REST surface studiosync consumes (primary and legacy
// shapes) plus the /ws/progress push channel, and drives fake generation
// jobs through queued -> processing -> completed so UI and client work can
// proceed without a real engine.
package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/genparams"
)

type simJob struct {
	ID        string
	Status    string
	Progress  int
	Step      int
	Steps     int
	Request   genparams.Request
	CreatedAt time.Time
	StartedAt *time.Time
}

func (j *simJob) snapshot() event.JobSnapshot {
	created := j.CreatedAt
	snap := event.JobSnapshot{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    float64(j.Progress),
		CurrentStep: j.Step,
		TotalSteps:  j.Steps,
		Prompt:      j.Request.Prompt,
		Width:       j.Request.Width,
		Height:      j.Request.Height,
		Steps:       j.Request.Steps,
		CfgScale:    j.Request.CfgScale,
		Seed:        j.Request.Seed,
		CreatedAt:   &created,
	}
	if j.StartedAt != nil {
		started := *j.StartedAt
		snap.StartedAt = &started
	}
	return snap
}

type resultRecord struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	ImageURL       string    `json:"image_url"`
	Prompt         string    `json:"prompt"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Seed           int64     `json:"seed"`
	GenerationTime float64   `json:"generation_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// Server holds the simulated backend state.
type Server struct {
	mu      sync.Mutex
	jobs    map[string]*simJob
	results []resultRecord
	clients map[*wsPeer]struct{}

	stepInterval time.Duration
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *wsPeer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// Option configures a Server.
type Option func(*Server)

// WithStepInterval sets the delay between simulated generation steps.
func WithStepInterval(d time.Duration) Option {
	return func(s *Server) { s.stepInterval = d }
}

func New(logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:         make(map[string]*simJob),
		clients:      make(map[*wsPeer]struct{}),
		stepInterval: 300 * time.Millisecond,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving both API shapes and the push
// channel.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/generation/jobs/active", s.handleActiveJobs)
		r.Post("/generation/generate", s.handleGenerate)
		r.Post("/generation/jobs/{id}/cancel", s.handleCancel)
		r.Get("/generation/results", s.handleResults)
		r.Get("/system/status", s.handleSystemStatus)
	})

	// Legacy endpoint shape.
	r.Get("/jobs/status", s.handleLegacyStatus)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Get("/ws/progress", s.handleWS)
	r.Get("/ws/generation", s.handleWS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.activeSnapshots())
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, _ *http.Request) {
	snaps := s.activeSnapshots()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":         snaps,
		"queue_length": len(snaps),
	})
}

func (s *Server) activeSnapshots() []event.JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make([]event.JobSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		snaps = append(snaps, j.snapshot())
	}
	return snaps
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req genparams.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}
	req = genparams.Clamp(req)

	j := &simJob{
		ID:        uuid.NewString(),
		Status:    "queued",
		Steps:     req.Steps,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	queuePos := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("job queued", zap.String("job_id", j.ID), zap.String("prompt", req.Prompt))
	go s.simulate(j.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":         j.ID,
		"status":         "queued",
		"estimated_time": float64(req.Steps) * s.stepInterval.Seconds(),
		"queue_position": queuePos,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		j.Status = "cancelled"
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "not_found",
			"message": "job not found or already finished",
		})
		return
	}

	s.broadcastQueue()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancelled",
		"message": "job cancelled",
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	s.mu.Lock()
	if limit > len(s.results) {
		limit = len(s.results)
	}
	out := make([]resultRecord, limit)
	copy(out, s.results[:limit])
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.systemStatus())
}

func (s *Server) systemStatus() event.SystemStatusPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return event.SystemStatusPayload{
		CPUPercent:    35.0,
		MemoryPercent: 48.5,
		QueueLength:   len(s.jobs),
		ActiveWorkers: 1,
	}
}

// simulate drives one job through its lifecycle, broadcasting progress on
// every step.
func (s *Server) simulate(id string) {
	// Brief queue dwell before processing starts.
	time.Sleep(s.stepInterval)

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.Status = "processing"
	j.StartedAt = &now
	steps := j.Steps
	s.mu.Unlock()

	for step := 1; step <= steps; step++ {
		time.Sleep(s.stepInterval)

		s.mu.Lock()
		j, ok := s.jobs[id]
		if !ok || j.Status != "processing" {
			s.mu.Unlock()
			return // cancelled mid-flight
		}
		j.Step = step
		j.Progress = step * 100 / steps
		frame := map[string]any{
			"type":         "generation_progress",
			"job_id":       j.ID,
			"progress":     j.Progress,
			"status":       "processing",
			"current_step": j.Step,
			"total_steps":  j.Steps,
		}
		s.mu.Unlock()

		s.broadcast(frame)
	}

	s.mu.Lock()
	j, ok = s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	res := resultRecord{
		ID:             uuid.NewString(),
		JobID:          j.ID,
		ImageURL:       "http://localhost/results/" + j.ID + ".png",
		Prompt:         j.Request.Prompt,
		Width:          j.Request.Width,
		Height:         j.Request.Height,
		Seed:           j.Request.Seed,
		GenerationTime: float64(steps) * s.stepInterval.Seconds(),
		CreatedAt:      time.Now().UTC(),
	}
	s.results = append([]resultRecord{res}, s.results...)
	s.mu.Unlock()

	s.broadcast(map[string]any{
		"type":            "generation_complete",
		"job_id":          res.JobID,
		"result_id":       res.ID,
		"image_url":       res.ImageURL,
		"prompt":          res.Prompt,
		"width":           res.Width,
		"height":          res.Height,
		"seed":            res.Seed,
		"generation_time": res.GenerationTime,
	})
	s.broadcastQueue()
	s.logger.Info("job completed", zap.String("job_id", res.JobID), zap.String("result_id", res.ID))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	peer := &wsPeer{conn: conn}

	s.mu.Lock()
	s.clients[peer] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, peer)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleControl(peer, data)
	}
}

// handleControl answers client control frames. Subscription frames are
// accepted and ignored: the simulator broadcasts everything to everyone.
func (s *Server) handleControl(peer *wsPeer, data []byte) {
	var frame struct {
		Type  string `json:"type"`
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "request_queue_status":
		snaps := s.activeSnapshots()
		_ = peer.writeJSON(map[string]any{
			"type":         "queue_update",
			"jobs":         snaps,
			"queue_length": len(snaps),
		})
	case "request_system_status":
		_ = peer.writeJSON(map[string]any{
			"type":   "system_status",
			"status": s.systemStatus(),
		})
	case "request_job_status":
		s.mu.Lock()
		j, ok := s.jobs[frame.JobID]
		var reply map[string]any
		if ok {
			reply = map[string]any{
				"type":         "generation_progress",
				"job_id":       j.ID,
				"progress":     j.Progress,
				"status":       j.Status,
				"current_step": j.Step,
				"total_steps":  j.Steps,
			}
		}
		s.mu.Unlock()
		if reply != nil {
			_ = peer.writeJSON(reply)
		}
	case "subscribe_job", "unsubscribe_job":
		// Accepted; broadcast model makes them no-ops.
	}
}

func (s *Server) broadcastQueue() {
	snaps := s.activeSnapshots()
	s.broadcast(map[string]any{
		"type":         "queue_update",
		"jobs":         snaps,
		"queue_length": len(snaps),
	})
}

func (s *Server) broadcast(v any) {
	s.mu.Lock()
	peers := make([]*wsPeer, 0, len(s.clients))
	for p := range s.clients {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.writeJSON(v); err != nil {
			s.logger.Debug("broadcast write failed", zap.Error(err))
		}
	}
}
