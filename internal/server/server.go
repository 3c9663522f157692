// Package server exposes a shared runner over WebSocket so that browsers and
// other clients can start a script, follow its output and cancel it.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scriptrun/internal/monitor"
	"scriptrun/internal/runner"
)

const (
	sendBuffer      = 1024
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	runner *runner.Runner
	hub    *Hub
}

func New(r *runner.Runner) *Server {
	return &Server{
		runner: r,
		hub:    NewHub(),
	}
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker to support WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := hijacker.Hijack()
		if err == nil {
			rw.statusCode = http.StatusSwitchingProtocols
		}
		return conn, buf, err
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
}

func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.loggingMiddleware(localHostOnly(mux))
}

// localHostOnly rejects requests whose Host is not a loopback name, which
// keeps rebound DNS names out even when Origin matches Host.
func localHostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackHost(r.Host) {
			slog.Warn("Rejected request for non-local host", "host", r.Host, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"state":   s.runner.State().String(),
		"clients": s.hub.Len(),
	}); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Only same-origin browsers may connect, to prevent cross-site
		// WebSocket hijacking
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin
			return true
		}

		host := r.Host
		if !isLoopbackHost(host) {
			slog.Warn("Rejected WebSocket connection for non-local host", "origin", origin, "host", host)
			return false
		}
		for _, expected := range []string{"http://" + host, "https://" + host} {
			if origin == expected {
				return true
			}
		}

		slog.Warn("Rejected WebSocket connection from unauthorized origin", "origin", origin, "host", host)
		return false
	},
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close WebSocket connection", "error", err)
		}
	}()

	client := &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		SendChan: make(chan Message, sendBuffer),
		Done:     make(chan struct{}),
	}
	s.hub.RegisterClient(client)
	defer s.hub.UnregisterClient(client.ID)
	defer close(client.Done)

	// Single writer per connection
	go func() {
		for {
			select {
			case msg := <-client.SendChan:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					slog.Warn("Failed to write WebSocket message", "clientID", client.ID, "error", err)
					return
				}
			case <-client.Done:
				return
			}
		}
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read failed", "clientID", client.ID, "error", err)
			}
			return
		}
		s.handleRequest(client, req)
	}
}

func (s *Server) handleRequest(client *Client, req Request) {
	switch req.Type {
	case TypeRun:
		if err := s.startRun(req.Script, req.Dir); err != nil {
			client.Send(errorMessage(err))
		}
	case TypeCancel:
		if err := s.runner.Cancel(); err != nil {
			client.Send(errorMessage(err))
		}
	default:
		client.Send(errorMessage(fmt.Errorf("unknown message type %q", req.Type)))
	}
}

// startRun starts a script on the shared runner and broadcasts its events.
// Events wait until the started message has gone out.
func (s *Server) startRun(script, dir string) error {
	ready := make(chan struct{})
	var runID string

	cb := monitor.Callbacks{
		OnLine: func(ev monitor.LineEvent) {
			<-ready
			s.hub.Broadcast(lineMessage(runID, ev))
		},
		OnDone: func(ev monitor.DoneEvent) {
			<-ready
			s.hub.Broadcast(doneMessage(ev))
		},
		OnFailure: func(err error) {
			<-ready
			s.hub.Broadcast(failureMessage(runID, err))
		},
	}

	run, err := s.runner.Start(script, dir, cb)
	if err != nil {
		return err
	}
	runID = run.ID
	s.hub.Broadcast(startedMessage(run))
	close(ready)
	return nil
}

func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "url", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	if err := s.runner.Cancel(); err == nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.runner.Wait(waitCtx); err != nil {
			slog.Warn("Run did not end cleanly on shutdown", "error", err)
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves r on localhost:port until ctx is done.
func Run(ctx context.Context, r *runner.Runner, port string) error {
	return New(r).Start(ctx, fmt.Sprintf("localhost:%s", port))
}
