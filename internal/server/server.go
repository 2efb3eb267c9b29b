// Package server provides the HTTP API of the novel creation engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/progress"
	"github.com/jonathan/novel-creator/internal/server/middleware"
	"github.com/jonathan/novel-creator/internal/server/ratelimit"
)

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	orch        *pipeline.Orchestrator
	hub         *progress.Hub
	rateLimiter *ratelimit.Limiter

	// background runs started by create with auto_execute
	background sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Port         int
	Orchestrator *pipeline.Orchestrator
	// Hub serves /ws when set; it must also be the orchestrator's publisher
	Hub       *progress.Hub
	RateLimit *ratelimit.Config
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	s := &Server{
		orch:        cfg.Orchestrator,
		hub:         cfg.Hub,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Long timeout for streamed generation
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the router wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Tasks
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/stages", s.handleListStageRecords)
	mux.HandleFunc("POST /tasks/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /tasks/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/title", s.handleSelectTitle)
	mux.HandleFunc("PUT /tasks/{id}/prompts", s.handleUpdatePrompts)

	// Stage execution
	mux.HandleFunc("POST /tasks/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /tasks/{id}/execute/stream", s.handleExecuteStream)
	mux.HandleFunc("POST /tasks/{id}/stages/{stage}/optimize", s.handleOptimize)
	mux.HandleFunc("POST /tasks/{id}/stages/{stage}/optimize/stream", s.handleOptimizeStream)

	// Chapters and outline
	mux.HandleFunc("GET /tasks/{id}/chapters", s.handleListChapters)
	mux.HandleFunc("GET /tasks/{id}/chapters/{chapter_id}", s.handleGetChapter)
	mux.HandleFunc("POST /tasks/{id}/chapters/generate", s.handleGenerateChapters)
	mux.HandleFunc("POST /tasks/{id}/chapters/next", s.handleNextChapter)
	mux.HandleFunc("POST /tasks/{id}/chapters/continue", s.handleContinueChapter)
	mux.HandleFunc("POST /tasks/{id}/chapters/{chapter_id}/optimize", s.handleOptimizeChapter)
	mux.HandleFunc("GET /tasks/{id}/outline", s.handleGetOutline)
	mux.HandleFunc("PUT /tasks/{id}/outline/{node_id}", s.handleUpdateOutlineNode)
	mux.HandleFunc("POST /tasks/{id}/outline/sync", s.handleSyncOutline)

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	}

	return middleware.Recover(s.withRateLimit(middleware.Logging(s.withCORS(middleware.Identity(mux)))))
}

// Start begins listening for requests and blocks until SIGINT or SIGTERM
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[http] server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("[http] shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the listener and waits for background runs
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.rateLimiter.Stop()

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[http] background runs still active at shutdown")
	}
	log.Println("[http] server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.UserHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects clients over their budget with 429
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[http] error encoding JSON response: %v", err)
	}
}

// clientID identifies the caller for rate limiting: the user header when
// present, else the remote IP
func clientID(r *http.Request) string {
	if user := r.Header.Get(middleware.UserHeader); user != "" {
		return "user:" + user
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

func rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	retryAfter := int(info.RetryAfter.Seconds()) + 1
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	log.Printf("[http] rate limit exceeded: limit=%d reset=%s", info.Limit, info.ResetTime.Format(time.RFC3339))

	jsonResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Rate limit exceeded. Please try again later.",
		Retryable:  true,
		RetryAfter: retryAfter,
	})
}
