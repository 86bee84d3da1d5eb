// Package web serves the HTTP JSON and Server-Sent Events API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mickamy/grpc-mediator/broker"
	"github.com/mickamy/grpc-mediator/config"
	"github.com/mickamy/grpc-mediator/history"
	"github.com/mickamy/grpc-mediator/proxy"
	"github.com/mickamy/grpc-mediator/server"
	"github.com/mickamy/grpc-mediator/timeline"
)

// maxConfigSize bounds PUT /api/config bodies.
const maxConfigSize = 1 << 20

// Server serves the mediator's HTTP API.
type Server struct {
	httpServer *http.Server
	recorder   *timeline.Recorder
	broker     *broker.Broker[timeline.Change]
	store      *config.Store
	proxy      proxy.Proxy
	history    *history.Store
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves archived calls from h.
func WithHistory(h *history.Store) Option {
	return func(s *Server) { s.history = h }
}

// New creates a new web Server.
func New(rec *timeline.Recorder, b *broker.Broker[timeline.Change], store *config.Store, p proxy.Proxy, opts ...Option) *Server {
	s := &Server{
		recorder: rec,
		broker:   b,
		store:    store,
		proxy:    p,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /api/calls", s.handleCalls)
	mux.HandleFunc("GET /api/calls/{id}", s.handleCall)
	mux.HandleFunc("GET /api/calls/{id}/events", s.handleCallEvents)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryCall)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// sse prepares w for an event stream.
func sse(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()
	return flusher, true
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sse(w)
	if !ok {
		return
	}

	ch, unsub := s.broker.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(s.recorder.Describe(c))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, server.Summaries(s.recorder))
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resolve, _ := strconv.ParseBool(r.URL.Query().Get("resolve"))

	v, err := server.ViewCall(r.Context(), s.recorder, s.proxy, id, resolve)
	if status.Code(err) == codes.NotFound && s.history != nil {
		// Evicted calls may still be archived.
		v, err = s.history.Get(r.Context(), id)
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
	}
	switch {
	case status.Code(err) == codes.NotFound:
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleCallEvents streams one call's events from ?from= onwards and ends
// after its close event.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	tl, ok := s.recorder.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("call %q not found", r.PathValue("id")))
		return
	}
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		from = n
	}

	flusher, ok := sse(w)
	if !ok {
		return
	}
	for ev := range tl.Subscribe(r.Context(), from) {
		data, err := json.Marshal(tl.EventView(ev))
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq(), data)
		flusher.Flush()
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Config())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxConfigSize)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	// Parse normalizes, so its warnings describe the submitted values.
	cfg, warns, err := config.Parse("request.json", data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.Update(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, server.UpdateResult{Warnings: server.Messages(warns)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errors.New("history is disabled"))
		return
	}
	q := history.Query{
		Method:    r.URL.Query().Get("method"),
		Authority: r.URL.Query().Get("authority"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		q.Limit = n
	}
	calls, err := s.history.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if calls == nil {
		calls = []timeline.Summary{}
	}
	writeJSON(w, http.StatusOK, server.CallList{Calls: calls})
}

func (s *Server) handleHistoryCall(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errors.New("history is disabled"))
		return
	}
	v, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
