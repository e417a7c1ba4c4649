// Package server exposes the command surface and operational endpoints over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"disaster-relay/command"
	"disaster-relay/geocode"
	"disaster-relay/pkg/relay"
)

// Commands is the command service driven by the HTTP handlers.
type Commands interface {
	RegisterDestination(ctx context.Context, actor command.Actor, tenant, destination string) (string, error)
	ShowDestination(tenant string) (string, error)
	RegisterSubscriberLocation(ctx context.Context, subscriber, location string) (relay.Subscriber, error)
	ShowSubscriberLocation(subscriber string) (relay.Subscriber, error)
	Suspend(actor command.Actor) (bool, error)
	Resume(actor command.Actor) (bool, error)
	Active() bool
	Help() string
}

// Server handles HTTP requests.
type Server struct {
	commands   Commands
	logger     *slog.Logger
	adminToken string
	gatherer   prometheus.Gatherer
	limiter    *ipLimiter
}

// Config holds server configuration.
type Config struct {
	Commands   Commands
	Logger     *slog.Logger
	AdminToken string              // Bearer token for privileged endpoints; empty disables them
	Gatherer   prometheus.Gatherer // Defaults to the global registry
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		commands:   cfg.Commands,
		logger:     cfg.Logger,
		adminToken: cfg.AdminToken,
		gatherer:   gatherer,
		limiter:    newIPLimiter(subscribeRate, subscribeBurst),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /help", s.handleHelp)

	mux.HandleFunc("POST /destinations", s.handleRegisterDestination)
	mux.HandleFunc("GET /destinations/{tenant}", s.handleShowDestination)
	mux.HandleFunc("POST /subscribers", s.handleRegisterSubscriber)
	mux.HandleFunc("GET /subscribers/{id}", s.handleShowSubscriber)

	mux.HandleFunc("GET /gate", s.handleGateStatus)
	mux.HandleFunc("POST /gate/suspend", s.handleSuspend)
	mux.HandleFunc("POST /gate/resume", s.handleResume)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, port string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server", "timeout", shutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// actor derives the caller from the Authorization header. A request without
// credentials is a non-admin actor; wrong credentials are rejected outright.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (command.Actor, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return command.Actor{ID: clientIP(r)}, true
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		s.logger.Warn("Rejected admin credentials", "ip", clientIP(r), "path", r.URL.Path)
		w.Header().Set("WWW-Authenticate", `Bearer realm="disaster-relay"`)
		writeJSON(w, s.logger, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return command.Actor{}, false
	}
	return command.Actor{ID: "admin-api", Admin: true}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleHelp(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := fmt.Fprint(w, s.commands.Help()); err != nil {
		s.logger.Warn("Failed to write help response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps command errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, command.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, command.ErrNotRegistered):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, command.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, geocode.ErrUnresolvedLocation):
		status, msg = http.StatusUnprocessableEntity, "地域の位置情報を取得できませんでした。地名を確認してください。"
	default:
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, s.logger, status, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", command.ErrInvalidArgument, err)
	}
	return nil
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is set by Cloud Run's front end.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
