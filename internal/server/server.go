// Package server exposes the pipeline over HTTP: jobs are submitted and
// cancelled through a small JSON API and observed by polling or WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/config"
	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/model"
	"github.com/fmueller/vidtranscribe/internal/pipeline"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxRequestBytes   = 64 << 10
)

// Jobs is the part of the pipeline controller the server drives.
type Jobs interface {
	Start(ctx context.Context, job domain.Job) (*pipeline.Run, error)
	Active() (*pipeline.Run, bool)
	ModelInfo() (model.Info, error)
}

type Options struct {
	Jobs      Jobs
	Config    config.Config
	Logger    *zap.Logger
	MaxEvents int
}

type Server struct {
	jobs     Jobs
	cfg      config.Config
	logger   *zap.Logger
	bus      *EventBus
	upgrader websocket.Upgrader
	router   *mux.Router

	// base outlives individual requests; jobs run under it.
	base context.Context
	stop context.CancelFunc

	// forwarded is closed once the previous run's events are all on the bus.
	forwardMu sync.Mutex
	forwarded chan struct{}
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		jobs:   opts.Jobs,
		cfg:    opts.Config,
		logger: logger,
		bus:    NewEventBus(opts.MaxEvents),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHostOrigin,
		},
		base: base,
		stop: stop,
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/jobs/current", s.handleCurrent).Methods(http.MethodGet)
	api.HandleFunc("/jobs/current", s.handleCancel).Methods(http.MethodDelete)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/model", s.handleModel).Methods(http.MethodGet)
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Events() *EventBus { return s.bus }

// Close cancels running jobs started through the server.
func (s *Server) Close() { s.stop() }

// ListenAndServe serves on addr until ctx is done, then shuts down and
// cancels any job it started.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type submitRequest struct {
	Input             string `json:"input"`
	Mode              string `json:"mode,omitempty"`
	Format            string `json:"format,omitempty"`
	IncludeTimestamps *bool  `json:"include_timestamps,omitempty"`
	InputLanguage     string `json:"input_language,omitempty"`
	OutputLanguage    string `json:"output_language,omitempty"`
}

func (r submitRequest) job(cfg config.Config) domain.Job {
	mode := domain.ModeFull
	if strings.TrimSpace(r.Mode) != "" {
		mode = domain.Mode(strings.ToLower(strings.TrimSpace(r.Mode)))
	}
	job := pipeline.NewJob(cfg, r.Input, mode)
	if r.Format != "" {
		job.Format = domain.Format(strings.ToLower(r.Format))
	}
	if r.IncludeTimestamps != nil {
		job.IncludeTimestamps = *r.IncludeTimestamps
	}
	if r.InputLanguage != "" {
		job.InputLanguage = r.InputLanguage
	}
	if r.OutputLanguage != "" {
		job.OutputLanguage = r.OutputLanguage
	}
	return job
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindConfiguration, "invalid request body: "+err.Error())
		return
	}

	run, err := s.jobs.Start(s.base, req.job(s.cfg))
	if err != nil {
		kind := domain.KindOf(err)
		writeError(w, statusFor(kind), kind, err.Error())
		return
	}

	s.forwardMu.Lock()
	previous := s.forwarded
	done := make(chan struct{})
	s.forwarded = done
	s.forwardMu.Unlock()

	go s.forward(run, previous, done)
	writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// forward republishes a run's events on the bus until the terminal event,
// after the previous run's events.
func (s *Server) forward(run *pipeline.Run, previous <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if previous != nil {
		<-previous
	}
	for event := range run.Events() {
		s.bus.Publish(event)
	}
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	run, ok := s.jobs.Active()
	if !ok || run.Snapshot().State.Terminal() {
		writeJSON(w, http.StatusOK, pipeline.Snapshot{State: domain.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	run, ok := s.jobs.Active()
	if !ok {
		writeError(w, http.StatusNotFound, "", "no running job")
		return
	}
	run.Cancel()
	s.logger.Info("cancel requested", zap.String("job_id", run.Job().ID))
	writeJSON(w, http.StatusAccepted, run.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindConfiguration, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.bus.Since(since))
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	info, err := s.jobs.ModelInfo()
	if err != nil {
		kind := domain.KindOf(err)
		writeError(w, statusFor(kind), kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind domain.Kind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindBusy:
		return http.StatusConflict
	case domain.KindConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseSince(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, errors.New("since must be a non-negative integer")
	}
	return since, nil
}

// sameHostOrigin admits non-browser clients and pages served from the same
// host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, rest, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(rest, r.Host)
}
