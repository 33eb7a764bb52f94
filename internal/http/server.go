package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"memlog/pkg/backup"
	"memlog/pkg/cluster"
	"memlog/pkg/compression"
	"memlog/pkg/dberrors"
	"memlog/pkg/recovery"
	"memlog/pkg/rpc"
	"memlog/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxSegmentUpload       = 64 << 20
)

type iCoordinator interface {
	StartRecovery(crashed types.ServerID, tablets []types.Tablet, roster cluster.Roster) (recovery.Handle, error)
	Recovery(h recovery.Handle) (*recovery.Recovery, error)
	Outcome(h recovery.Handle) (recovery.Result, error)
	Abort(h recovery.Handle) error
	Forget(h recovery.Handle) error
	List() []*recovery.Recovery
}

type iBackupStore interface {
	FetchRecoveryData(ctx context.Context, req recovery.FetchRequest) ([]byte, error)
	WriteSegment(h backup.Header, entries []backup.Entry) error
}

// Server serves the coordinator admin API, the backup API, or both,
// depending on what was attached before Start.
type Server struct {
	coordinator iCoordinator
	roster      cluster.Roster
	backup      iBackupStore
	gatherer    prometheus.Gatherer

	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
	logger            *slog.Logger
}

// NewServer creates a new server instance
func NewServer(port int, readHeaderTimeout time.Duration) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	p := strconv.Itoa(port)
	return &Server{
		URL:               "http://localhost:" + p,
		addr:              ":" + p,
		readHeaderTimeout: readHeaderTimeout,
		logger:            slog.Default(),
	}
}

// SetCoordinator enables /api/recoveries. New recoveries plan against roster.
func (s *Server) SetCoordinator(c iCoordinator, roster cluster.Roster) {
	s.coordinator = c
	s.roster = roster
}

// SetBackup enables the backup endpoints.
func (s *Server) SetBackup(store iBackupStore) {
	s.backup = store
}

// SetMetrics exposes g at /metrics.
func (s *Server) SetMetrics(g prometheus.Gatherer) {
	s.gatherer = g
}

func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	if s.coordinator != nil {
		r.Route("/api/recoveries", func(r chi.Router) {
			r.Post("/", s.handleStartRecovery)
			r.Get("/", s.handleListRecoveries)
			r.Get("/{id}", s.handleProgress)
			r.Get("/{id}/outcome", s.handleOutcome)
			r.Delete("/{id}", s.handleDelete)
		})
	}

	if s.backup != nil {
		r.Post(rpc.RecoveryDataPath, s.handleRecoveryData)
		r.Post(rpc.SegmentUploadPath, s.handleSegmentUpload)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := rpc.StatusFromError(err)
	switch {
	case errors.Is(err, dberrors.ErrUnknownRecovery):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrRecoveryInProgress):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStartRecovery(w http.ResponseWriter, r *http.Request) {
	var req StartRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode request: "+err.Error()))
		return
	}
	if len(req.Tablets) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing tablets"))
		return
	}

	h, err := s.coordinator.StartRecovery(req.Crashed, req.Tablets, s.roster)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, NewStartedResponse(h))
}

func (s *Server) handleListRecoveries(w http.ResponseWriter, r *http.Request) {
	views := []RecoveryView{}
	for _, rec := range s.coordinator.List() {
		views = append(views, RecoveryView{ID: rec.ID, Crashed: rec.Crashed, Progress: rec.Progress()})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coordinator.Recovery(recovery.Handle(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RecoveryView{ID: rec.ID, Crashed: rec.Crashed, Progress: rec.Progress()})
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id := recovery.Handle(chi.URLParam(r, "id"))
	res, err := s.coordinator.Outcome(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := OutcomeView{ID: id, State: recovery.StateComplete, Partitions: res.Partitions}
	if res.Err != nil {
		view.State = recovery.StateFailed
		view.Error = res.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleDelete aborts a running recovery and forgets a finished one.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := recovery.Handle(chi.URLParam(r, "id"))
	rec, err := s.coordinator.Recovery(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec.State().Terminal() {
		err = s.coordinator.Forget(id)
	} else {
		err = s.coordinator.Abort(id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRecoveryData(w http.ResponseWriter, r *http.Request) {
	var req recovery.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode request: "+err.Error()))
		return
	}

	data, err := s.backup.FetchRecoveryData(r.Context(), req)
	if err != nil {
		s.logger.Debug("recovery data unavailable", "crashed", req.Crashed, "segment", req.Segment, "error", err)
		s.writeError(w, err)
		return
	}

	alg := compression.Negotiate(r.Header.Get("Accept-Encoding"))
	var body bytes.Buffer
	if err := compression.Compress(alg, bytes.NewReader(data), &body); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	if alg != compression.Identity {
		w.Header().Set("Content-Encoding", string(alg))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body.Bytes()); err != nil {
		s.logger.Warn("Failed to write recovery data", "error", err)
	}
}

func (s *Server) handleSegmentUpload(w http.ResponseWriter, r *http.Request) {
	var raw bytes.Buffer
	alg := compression.Algorithm(r.Header.Get("Content-Encoding"))
	body := http.MaxBytesReader(w, r.Body, maxSegmentUpload)
	if err := compression.Decompress(alg, body, &raw, maxSegmentUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.Is(err, compression.ErrTooLarge) || errors.As(err, &tooBig) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode body: "+err.Error()))
		return
	}

	h, entries, err := backup.DecodeSegment(&raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.backup.WriteSegment(h, entries); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewSuccessResponse())
}
