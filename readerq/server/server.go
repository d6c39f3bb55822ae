package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/olamilekan000/readerq/readerq"
	"github.com/olamilekan000/readerq/readerq/backend"
	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
)

// Server exposes the job table over JSON and server-sent events.
type Server struct {
	client         *readerq.Client
	router         *chi.Mux
	StreamInterval time.Duration
	MaxWaitTimeout time.Duration

	apiRoutes []func(r chi.Router)
}

type Option func(*Server)

// WithAPIRoutes registers extra routes under /api, such as endpoints owned
// by a specific job type.
func WithAPIRoutes(fn func(r chi.Router)) Option {
	return func(s *Server) {
		s.apiRoutes = append(s.apiRoutes, fn)
	}
}

func New(client *readerq.Client, opts ...Option) *Server {
	s := &Server{
		client:         client,
		router:         chi.NewRouter(),
		StreamInterval: 500 * time.Millisecond,
		MaxWaitTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", jsonResponse(s.handleHealth))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/types", jsonResponse(s.handleGetTypes))
		r.Get("/queue/stats", jsonResponse(s.handleGetQueueStats))
		r.Get("/queue/stats/stream", s.handleQueueStatsStream)
		r.Post("/purge", jsonResponse(s.handlePurge))

		r.Route("/jobs/{type}", func(r chi.Router) {
			r.Post("/", jsonResponse(s.handleInsertJob))
			r.Get("/{id}", jsonResponse(s.handleGetJob))
			r.Delete("/{id}", s.handleDeleteJob)
			r.Get("/{id}/wait", jsonResponse(s.handleWaitJob))
			r.Get("/{id}/stream", s.handleJobStream)
		})

		for _, fn := range s.apiRoutes {
			fn(r)
		}
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Str("addr", addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Ctx(ctx).Info().Msg("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		logger := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		next.ServeHTTP(ww, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func jsonResponse(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps the errors package onto HTTP statuses.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsJobNotFound(err):
		status = http.StatusNotFound
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errors.IsBackendConnection(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathParam(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return "", &errors.ValidationError{Field: name, Message: err.Error()}
	}
	if v == "" {
		return "", &errors.ValidationError{Field: name, Message: "is required"}
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.client.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.client.Types(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	json.NewEncoder(w).Encode(types)
}

func (s *Server) handleGetQueueStats(w http.ResponseWriter, r *http.Request) {
	if jobType := r.URL.Query().Get("type"); jobType != "" {
		stats, err := s.client.Queue(jobType).Stats(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		json.NewEncoder(w).Encode(stats)
		return
	}

	types, err := s.client.Types(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	results := make([]*backend.QueueStats, 0, len(types))
	for _, t := range types {
		stats, err := s.client.Queue(t).Stats(r.Context())
		if err != nil {
			continue
		}
		results = append(results, stats)
	}
	json.NewEncoder(w).Encode(results)
}

func (s *Server) handleQueueStatsStream(w http.ResponseWriter, r *http.Request) {
	jobType := r.URL.Query().Get("type")
	if jobType == "" {
		WriteError(w, &errors.ValidationError{Field: "type", Message: "is required"})
		return
	}

	flusher, ok := startStream(w)
	if !ok {
		return
	}

	m := s.client.Queue(jobType)
	ticker := time.NewTicker(s.StreamInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		stats, err := m.Stats(ctx)
		if err == nil {
			writeEvent(w, "stats", stats)
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.Purge(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]int64{"purged": n})
}

type insertRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type insertResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Inserted      bool   `json:"inserted"`
	QueuePosition int64  `json:"queue_position"`
}

func (s *Server) handleInsertJob(w http.ResponseWriter, r *http.Request) {
	jobType, err := pathParam(r, "type")
	if err != nil {
		WriteError(w, err)
		return
	}

	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, &errors.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Data == nil {
		req.Data = json.RawMessage("null")
	}

	m := s.client.Queue(jobType)
	inserted, err := m.Insert(r.Context(), req.ID, req.Data)
	if err != nil {
		WriteError(w, err)
		return
	}

	pos, err := m.QueuePosition(r.Context(), req.ID)
	if err != nil {
		WriteError(w, err)
		return
	}

	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, insertResponse{
		ID:            req.ID,
		Type:          jobType,
		Inserted:      inserted,
		QueuePosition: pos,
	})
}

type jobView struct {
	*job.Job
	State         job.State `json:"state"`
	QueuePosition int64     `json:"queue_position"`
}

func (s *Server) jobParams(r *http.Request) (*readerq.Manager, string, error) {
	jobType, err := pathParam(r, "type")
	if err != nil {
		return nil, "", err
	}
	id, err := pathParam(r, "id")
	if err != nil {
		return nil, "", err
	}
	return s.client.Queue(jobType), id, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	m, id, err := s.jobParams(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	j, err := m.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	view := jobView{Job: j, State: j.State()}
	if !j.IsDone() {
		view.QueuePosition, err = m.QueuePosition(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
	}
	json.NewEncoder(w).Encode(view)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	m, id, err := s.jobParams(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err := m.Delete(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type terminalView struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (s *Server) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	m, id, err := s.jobParams(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			WriteError(w, &errors.ValidationError{Field: "timeout", Message: fmt.Sprintf("invalid duration %q", raw)})
			return
		}
	}
	if timeout > s.MaxWaitTimeout {
		timeout = s.MaxWaitTimeout
	}

	result, failure, err := m.Wait(r.Context(), id, readerq.WaitOptions{Timeout: timeout})
	if err != nil {
		WriteError(w, err)
		return
	}
	json.NewEncoder(w).Encode(terminalView{Result: result, Error: failure})
}

type progressEvent struct {
	State         job.State       `json:"state"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	QueuePosition int64           `json:"queue_position"`
}

// handleJobStream sends a progress event whenever the job changes and a
// final done event carrying the result or error.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	m, id, err := s.jobParams(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	ctx := r.Context()
	if _, err := m.Get(ctx, id); err != nil {
		WriteError(w, err)
		return
	}

	flusher, ok := startStream(w)
	if !ok {
		return
	}

	ticker := time.NewTicker(s.StreamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		j, err := m.Get(ctx, id)
		if err != nil {
			writeEvent(w, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			return
		}

		if j.IsDone() {
			writeEvent(w, "done", terminalView{Result: j.Result, Error: j.Error})
			flusher.Flush()
			return
		}

		ev := progressEvent{State: j.State(), Progress: j.Progress}
		if pos, err := m.QueuePosition(ctx, id); err == nil {
			ev.QueuePosition = pos
		}
		if data, err := json.Marshal(ev); err == nil && string(data) != string(last) {
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
			last = data
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
