package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/waste-pickup/internal/dispatch"
	"github.com/example/waste-pickup/internal/lifecycle"
	"github.com/example/waste-pickup/internal/matcher"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/projections"
	"github.com/example/waste-pickup/internal/session"
	"github.com/example/waste-pickup/internal/storage"
)

// SessionHeader carries the caller's anonymous session id.
const SessionHeader = "X-Session-ID"

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Engine   *lifecycle.Engine
	Sessions *session.Provider
	Matcher  *matcher.Service
	WS       *dispatch.WSRegistry
	// Ready checks run on /ready, keyed by dependency name.
	Ready map[string]ReadyCheck
	// BaseContext outlives requests; websocket sessions end with it.
	BaseContext context.Context
	Logger      *slog.Logger
}

type Server struct {
	engine   *lifecycle.Engine
	sessions *session.Provider
	matcher  *matcher.Service
	ws       *dispatch.WSRegistry
	ready    map[string]ReadyCheck
	baseCtx  context.Context
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := d.BaseContext
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		engine:   d.Engine,
		sessions: d.Sessions,
		matcher:  d.Matcher,
		ws:       d.WS,
		ready:    d.Ready,
		baseCtx:  base,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/jobs", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	// Preflight; corsMiddleware answers it.
	s.mux.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type startSessionRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, badRequest("body", "Request body is not valid JSON"))
			return
		}
	}
	if req.ID == "" {
		req.ID = r.Header.Get(SessionHeader)
	}
	u, err := s.sessions.Start(r.Context(), req.ID, req.DisplayName)
	if errors.Is(err, session.ErrInvalidID) {
		s.writeError(w, r, badRequest("id", "Session id is not valid"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var d models.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.writeError(w, r, badRequest("body", "Request body is not a valid job"))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && d.IdempotencyKey == "" {
		d.IdempotencyKey = key
	}
	id, err := s.engine.CreateJob(r.Context(), sessionID(r), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		// Created but not readable right now; the id is enough to continue.
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{RequesterID: q.Get("requester"), CollectorID: q.Get("collector")}
	if v := q.Get("status"); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, badRequest("status", "Unknown status filter"))
			return
		}
		f.Status = st
	}
	jobs, err := s.engine.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": projections.SortAndFilter(jobs, "")})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.ClaimJob(r.Context(), mux.Vars(r)["id"], sessionID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeRequest struct {
	Success *bool `json:"success"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Success == nil {
		s.writeError(w, r, badRequest("success", "Say whether the pickup succeeded"))
		return
	}
	job, err := s.engine.ResolveJob(r.Context(), mux.Vars(r)["id"], sessionID(r), *req.Success)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.CancelJob(r.Context(), mux.Vars(r)["id"], sessionID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err1 := models.ParseCoordinate(r.URL.Query().Get("lat"))
	lng, err2 := models.ParseCoordinate(r.URL.Query().Get("lng"))
	if err1 != nil || err2 != nil || lat == nil || lng == nil {
		s.writeError(w, r, badRequest("gps", "lat and lng query parameters are required"))
		return
	}
	cands, err := s.matcher.Nearby(r.Context(), models.Coord{Lat: *lat, Lon: *lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

type statsResponse struct {
	projections.Stats
	Requester *projections.RequesterStats `json:"requester,omitempty"`
	Collector *projections.CollectorStats `json:"collector,omitempty"`
}

// handleStats summarizes every job, plus the requester and collector panels
// when those ids are given.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.engine.ListJobs(ctx, storage.Filter{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := statsResponse{Stats: projections.ComputeStats(all)}
	if id := r.URL.Query().Get("requester"); id != "" {
		rs := projections.ComputeStats(filter(all, func(j models.Job) bool { return j.RequesterID == id })).Requester()
		resp.Requester = &rs
	}
	if id := r.URL.Query().Get("collector"); id != "" {
		cs := projections.ComputeStats(filter(all, func(j models.Job) bool { return j.CollectorID == id })).Collector()
		resp.Collector = &cs
	}
	writeJSON(w, http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view := dispatch.View(q.Get("view"))
	if view == "" {
		view = dispatch.ViewPending
	}
	user := q.Get("session")
	if user == "" {
		user = sessionID(r)
	}
	if _, err := view.Filter(user); err != nil {
		s.writeError(w, r, badRequest("view", err.Error()))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		return
	}
	if err := s.ws.Serve(s.baseCtx, conn, view, user); err != nil {
		s.logger.Warn("ws session ended with error", "view", string(view), "error", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func sessionID(r *http.Request) string { return r.Header.Get(SessionHeader) }

func filter(jobs []models.Job, keep func(models.Job) bool) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func newID() string { return uuid.NewString() }
