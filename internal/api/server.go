package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"board/internal/auth"
	"board/internal/config"
	"board/internal/messages"
	"board/internal/ratelimit"
	"board/internal/tokens"
	"board/internal/uploads"
)

// Uploader is the blob-store dependency of the upload endpoint. A nil
// Uploader disables uploads.
type Uploader interface {
	Save(ctx context.Context, body io.Reader, mediaType string) (string, error)
}

type Server struct {
	cfg      config.Config
	messages *messages.Gateway
	ledger   *tokens.Ledger
	verifier *auth.Verifier
	uploads  Uploader

	loginLimiter   *ratelimit.Limiter
	recoverLimiter *ratelimit.Limiter
	uploadLimiter  *ratelimit.Limiter

	now func() time.Time

	mux *http.ServeMux
}

func NewServer(cfg config.Config, msgs *messages.Gateway, ledger *tokens.Ledger, verifier *auth.Verifier, uploader Uploader) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:      cfg,
		messages: msgs,
		ledger:   ledger,
		verifier: verifier,
		uploads:  uploader,
		// Single-instance abuse limits per IP on the unauthenticated
		// endpoints. Tune as needed.
		loginLimiter:   ratelimit.New(0.5, 6),
		recoverLimiter: ratelimit.New(0.2, 3),
		uploadLimiter:  ratelimit.New(1.0, 10),
		now:            time.Now,
		mux:            mux,
	}

	// Sweep idle limiter buckets every 2 minutes, evict after 10 minutes.
	s.loginLimiter.StartGC(2*time.Minute, 10*time.Minute)
	s.recoverLimiter.StartGC(2*time.Minute, 10*time.Minute)
	s.uploadLimiter.StartGC(2*time.Minute, 10*time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/recover", s.handleRecover)

	mux.HandleFunc("POST /api/message", s.handlePostMessage)
	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/tokens", s.handleTokens)

	mux.HandleFunc("POST /upload", s.handleUpload)

	return s
}

func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux)
}

// Close stops background goroutines (rate limiter GC). Safe to call multiple times.
func (s *Server) Close() {
	s.loginLimiter.Stop()
	s.recoverLimiter.Stop()
	s.uploadLimiter.Stop()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow(clientIP(r)) {
		rateLimited(w)
		return
	}
	if !isJSONContentType(r) {
		badRequest(w, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 8*1024)
	var req LoginRequest
	if msg, ok := decodeJSON(r, &req); !ok {
		badRequest(w, msg)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		badRequest(w, "username and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	token, err := s.verifier.Issue(ctx, req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown user")
		return
	case errors.Is(err, auth.ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, "wrong password")
		return
	case err != nil:
		slog.Error("login error", "err", err)
		internalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if !s.recoverLimiter.Allow(clientIP(r)) {
		rateLimited(w)
		return
	}
	if !isJSONContentType(r) {
		badRequest(w, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	var req RecoverRequest
	if msg, ok := decodeJSON(r, &req); !ok {
		badRequest(w, msg)
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		badRequest(w, "username is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	codeword, err := s.verifier.Recover(ctx, req.Username, req.Answers)
	switch {
	case errors.Is(err, auth.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown user")
		return
	case errors.Is(err, auth.ErrBadAnswerCount):
		badRequest(w, "expected 5 answers")
		return
	case errors.Is(err, auth.ErrRecoveryFailed):
		writeError(w, http.StatusForbidden, "not enough correct answers")
		return
	case err != nil:
		slog.Error("recover error", "err", err)
		internalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, RecoverResponse{Codeword: codeword})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	username, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !isJSONContentType(r) {
		badRequest(w, "content-type must be application/json")
		return
	}

	// Content is capped at 5M characters. JSON escaping can spend up to
	// six bytes per character (``), so the transport cap must leave
	// that much headroom plus framing or a valid max-length message would
	// be cut off before validation.
	r.Body = http.MaxBytesReader(w, r.Body, 6*messages.MaxContentLength+16*1024)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req PostMessageRequest
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "content too large")
			return
		}
		badRequest(w, mapDecodeError(err))
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		badRequest(w, "invalid json")
		return
	}

	if err := messages.ValidateContent(req.Content); err != nil {
		switch {
		case errors.Is(err, messages.ErrEmptyContent):
			badRequest(w, "content is required")
		case errors.Is(err, messages.ErrContentTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "content too large")
		default:
			badRequest(w, "invalid content")
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.ledger.Spend(ctx, username); err != nil {
		if errors.Is(err, tokens.ErrInsufficientTokens) {
			writeText(w, http.StatusForbidden, "No tokens left. Wait for reset")
			return
		}
		slog.Error("spend token error", "err", err)
		internalServerError(w)
		return
	}

	if err := s.messages.Append(ctx, username, req.Content, s.now().UTC()); err != nil {
		slog.Error("append message error", "err", err)
		internalServerError(w)
		return
	}

	writeText(w, http.StatusCreated, "Message saved")
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	msgs, err := s.messages.ListAll(ctx)
	if err != nil {
		slog.Error("list messages error", "err", err)
		internalServerError(w)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			Author:    m.Author,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Date:      m.DisplayDate,
			Time:      m.DisplayTime,
			Month:     m.DisplayMonth,
			Year:      m.DisplayYear,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	username, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, err := s.ledger.Peek(ctx, username)
	if err != nil {
		slog.Error("peek tokens error", "err", err)
		internalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, TokensResponse{
		Tokens:    status.Tokens,
		NextReset: status.NextReset,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploadLimiter.Allow(clientIP(r)) {
		rateLimited(w)
		return
	}
	if s.uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes+64*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file is required")
		return
	}
	defer file.Close()

	mediaType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil || !uploads.Allowed(mediaType) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported file type")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	url, err := s.uploads.Save(ctx, file, mediaType)
	if err != nil {
		if errors.Is(err, uploads.ErrDisallowedType) {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported file type")
			return
		}
		slog.Error("upload error", "err", err)
		internalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{URL: url})
}

// requireUser extracts and verifies the bearer credential, writing a 401 on
// failure.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		raw = strings.TrimSpace(raw[len("bearer "):])
	} else {
		raw = ""
	}

	username, err := s.verifier.Verify(raw)
	if err != nil {
		unauthorized(w)
		return "", false
	}
	return username, true
}

// decodeJSON decodes the request body into v, rejecting unknown fields and
// trailing data. Returns a client-safe message on failure.
func decodeJSON(r *http.Request, v any) (string, bool) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return mapDecodeError(err), false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return "invalid json", false
	}
	return "", true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	// Trust proxy headers only from loopback (reverse proxy on same host).
	if host == "127.0.0.1" || host == "::1" {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost IP is the original client.
			if i := strings.IndexByte(xff, ','); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
	}

	return host
}
