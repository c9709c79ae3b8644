package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/schaermu/crestsync/internal/config"
	"github.com/schaermu/crestsync/internal/publish"
)

// Signature headers, checked in order. The second lets a GitHub webhook
// trigger a publish directly.
const (
	SignatureHeader       = "X-Crestsync-Signature"
	GitHubSignatureHeader = "X-Hub-Signature-256"
)

// Server exposes publish triggers over HTTP
type Server struct {
	runner   *publish.Runner
	logger   *slog.Logger
	secret   []byte
	debounce *publish.Debouncer

	// base is the context triggered publishes run under; set by Serve.
	base context.Context
}

// Status is the body of GET /status
type Status struct {
	Busy bool        `json:"busy"`
	Runs int         `json:"runs"`
	Last *LastReport `json:"last,omitempty"`
}

// LastReport summarizes the most recent publish
type LastReport struct {
	Session  string `json:"session"`
	State    string `json:"state"`
	Summary  string `json:"summary"`
	Error    string `json:"error,omitempty"`
	Finished string `json:"finished,omitempty"`
}

// NewServer creates a new trigger server
func NewServer(cfg *config.Config, runner *publish.Runner, clock clockwork.Clock, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		runner:   runner,
		logger:   logger,
		secret:   secret,
		debounce: publish.NewDebouncer(clock, cfg.Serve.Debounce),
		base:     context.Background(),
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Serve accepts requests on ln until ctx is cancelled. Publishes triggered
// through the server are cancelled with ctx as well.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.base = ctx

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("trigger server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down trigger server")
		s.debounce.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handlePublish verifies the request signature and schedules a debounced publish
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(GitHubSignatureHeader)
	}
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("publish trigger accepted", "remote", r.RemoteAddr)
	s.debounce.Trigger(func() {
		s.runner.Trigger(s.base)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Publish triggered\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{
		Busy: s.runner.Busy(),
		Runs: s.runner.Runs(),
	}
	if report, err := s.runner.Last(); report != nil || err != nil {
		last := &LastReport{Summary: publish.Describe(report)}
		if report != nil {
			last.Session = report.Session
			last.State = report.State.String()
			if !report.Finished.IsZero() {
				last.Finished = report.Finished.UTC().Format(time.RFC3339)
			}
		}
		if err != nil {
			last.Error = err.Error()
		}
		status.Last = last
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to write status", "error", err)
	}
}

// verifySignature checks an HMAC-SHA256 signature in the form sha256=<hex>
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}
