// Package admin serves syncq's operator endpoints. It is not a device API:
// devices reach the messaging service through whatever transport embeds it.
//
// Routes:
//
//	GET /health
//	GET /metrics
//	GET /types
//	GET /archive/{username}/{device}?limit=N
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/syncq/internal/messaging"
	"github.com/snehjoshi/syncq/internal/metrics"
	"github.com/snehjoshi/syncq/internal/types"
)

// ArchiveReader lists archived messages of one device, newest first.
type ArchiveReader interface {
	ListArchivedMessages(ctx context.Context, username, deviceID string, limit int) ([]*types.ArchivedMessage, error)
}

// Options configures a Server. Nil fields disable their routes.
type Options struct {
	NodeID    string
	Registry  *messaging.Registry
	Metrics   *metrics.Registry
	Archive   ArchiveReader
	APIKey    string
	RateLimit float64
	Burst     int
	Logger    *slog.Logger
}

// Server wraps the stdlib HTTP server with the admin routes.
type Server struct {
	inner   *http.Server
	opts    Options
	started time.Time
}

// New builds a Server. The caller is responsible for ListenAndServe / Shutdown.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	if opts.Registry != nil {
		mux.HandleFunc("GET /types", s.listTypes)
	}
	if opts.Archive != nil {
		mux.HandleFunc("GET /archive/{username}/{device}", s.listArchive)
	}

	handler := chain(mux,
		LoggingMiddleware(opts.Logger),
		AuthMiddleware(opts.APIKey),
		RateLimitMiddleware(opts.RateLimit, opts.Burst),
	)

	s.inner = &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr. It returns when the server stops.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	elapsed := time.Since(s.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   s.opts.NodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

type typeResp struct {
	TypeID      string `json:"type_id"`
	Process     bool   `json:"process"`
	Assemble    bool   `json:"assemble"`
	Synchronous bool   `json:"synchronous"`
	Secure      bool   `json:"secure"`
	Archive     bool   `json:"archive"`
}

func (s *Server) listTypes(w http.ResponseWriter, _ *http.Request) {
	ids := s.opts.Registry.Types()
	out := make([]typeResp, 0, len(ids))
	for _, id := range ids {
		c := s.opts.Registry.Capabilities(id)
		out = append(out, typeResp{
			TypeID:      id,
			Process:     c.Process,
			Assemble:    c.Assemble,
			Synchronous: c.Synchronous,
			Secure:      c.Secure,
			Archive:     c.Archive,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type archivedResp struct {
	ID            string    `json:"id"`
	TypeID        string    `json:"type_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        string    `json:"status"`
	Created       time.Time `json:"created"`
	Archived      time.Time `json:"archived"`
	Size          int       `json:"size"`
	Encrypted     bool      `json:"encrypted"`
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	list, err := s.opts.Archive.ListArchivedMessages(r.Context(), r.PathValue("username"), r.PathValue("device"), limit)
	if err != nil {
		s.opts.Logger.Error("list archive", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive unavailable"})
		return
	}
	out := make([]archivedResp, 0, len(list))
	for _, a := range list {
		out = append(out, archivedResp{
			ID:            a.ID,
			TypeID:        a.TypeID,
			CorrelationID: a.CorrelationID,
			Status:        a.Status.String(),
			Created:       a.Created,
			Archived:      a.Archived,
			Size:          len(a.Data),
			Encrypted:     a.IsEncrypted(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
