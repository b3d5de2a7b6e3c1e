// Package transfer implements the peer-to-peer transfer protocol (§6.2):
// an HTTP server that serves a node's own files to requesting peers via
// the resolver's local tiers, and a client that Tier 4 uses to fetch from
// another node's server. Every request is HMAC-SHA256 signed (§6.4).
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicfs/mosaicfs/internal/resolver"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

// LocalOpener is the subset of *resolver.Resolver the transfer server
// needs: resolve a file using only the tiers this node can serve without
// forwarding the request on to a third node.
type LocalOpener interface {
	OpenLocal(ctx context.Context, fileID uuid.UUID, rng *resolver.Range) (io.ReadCloser, error)
}

// ServerConfig carries a transfer server's listen address, shared secret,
// and timeouts.
type ServerConfig struct {
	ListenAddr     string
	AccessKeyID    string
	SecretKey      string
	ClockSkew      time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns sane defaults; callers still must set
// ListenAddr, AccessKeyID, and SecretKey.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ClockSkew:      5 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// Server serves GET /transfer/{file_id} requests from peers.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	mux        *http.ServeMux
	opener     LocalOpener
}

// NewServer builds a Server backed by opener. The caller starts it with
// Start or StartBackground.
func NewServer(cfg ServerConfig, opener LocalOpener) *Server {
	s := &Server{cfg: cfg, opener: opener, mux: http.NewServeMux()}
	s.mux.HandleFunc("/transfer/", s.handleTransfer)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	return s
}

// Handler exposes the server's routing for use with httptest and embedding
// into another process's own mux.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks, serving until the server is shut down or fails.
func (s *Server) Start() error {
	slog.Info("transfer server starting", "addr", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// StartBackground runs Start in a goroutine, logging a non-graceful exit.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("transfer server exited", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := verifyRequest(r, s.cfg.AccessKeyID, s.cfg.SecretKey, s.cfg.ClockSkew, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/transfer/")
	fileID, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "malformed file id", http.StatusBadRequest)
		return
	}

	rng, isRange, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	rc, err := s.opener.OpenLocal(ctx, fileID, rng)
	if err != nil {
		status, msg := translateOpenError(err)
		http.Error(w, msg, status)
		return
	}
	defer rc.Close()

	if isRange {
		w.WriteHeader(http.StatusPartialContent)
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("transfer: range response write failed", "file_id", fileID, "error", err)
		}
		return
	}

	// Full-file response: stream while hashing, then emit the digest as a
	// trailer (§4.3.4) once the body is fully written, so the client can
	// verify what it just received without buffering it twice.
	w.Header().Set("Trailer", "Digest")
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), rc); err != nil {
		slog.Warn("transfer: full-file response write failed", "file_id", fileID, "error", err)
		return
	}
	w.Header().Set("Digest", "sha-256=:"+base64.StdEncoding.EncodeToString(h.Sum(nil))+":")
}

// translateOpenError maps a resolver error's engineerr category to the HTTP
// status a requesting peer sees. The client does not map these statuses
// back to categories: Fetch reports a 5xx as a retryable
// engineerr.CodeUpstreamFailure and any other status besides 200 and 206
// as a plain error.
func translateOpenError(err error) (int, string) {
	ee, ok := err.(*engineerr.Error)
	if !ok {
		return http.StatusInternalServerError, err.Error()
	}
	switch ee.Category {
	case engineerr.CategoryNotFound:
		return http.StatusNotFound, ee.Error()
	case engineerr.CategoryForbidden:
		return http.StatusForbidden, ee.Error()
	case engineerr.CategoryUnavailable, engineerr.CategoryTransient:
		return http.StatusServiceUnavailable, ee.Error()
	default:
		return http.StatusInternalServerError, ee.Error()
	}
}

// parseRangeHeader parses a single "bytes=start-end" Range header. Multi-
// range requests aren't part of this protocol; anything else is rejected.
func parseRangeHeader(h string) (*resolver.Range, bool, error) {
	if h == "" {
		return nil, false, nil
	}

	const prefix = "bytes="
	if !strings.HasPrefix(h, prefix) {
		return nil, false, fmt.Errorf("unsupported range unit")
	}

	parts := strings.SplitN(strings.TrimPrefix(h, prefix), "-", 2)
	if len(parts) != 2 {
		return nil, false, fmt.Errorf("malformed range")
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("malformed range start")
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("malformed range end")
	}

	return &resolver.Range{Start: start, End: end}, true, nil
}
