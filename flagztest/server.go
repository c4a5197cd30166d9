// Package flagztest provides an in-process fake of the flagz evaluation
// service for tests of code that uses the SDK.
//
// The fake serves GET /{environment}/eval with an ETag derived from the
// canonical JSON of the served flags and answers 304 to a matching
// If-None-Match. It accepts POST /{environment}/metrics and records both.
// Failures can be queued with FailNext.
package flagztest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"

	"github.com/matt-riley/flagz-go/internal/core"
)

const maxJSONBodyBytes = 1 << 20

var errInvalidAuthorizationHeader = errors.New("invalid authorization header")

// Request is a request received by the fake.
type Request struct {
	Method      string
	Path        string
	Environment string
	Query       url.Values
	Header      http.Header
}

// Server is a running fake evaluation service.
type Server struct {
	// URL is the base URL to configure the client with.
	URL string

	srv   *httptest.Server
	token string

	mu       sync.Mutex
	body     []byte
	etag     string
	failures []int
	requests []Request
	metrics  []json.RawMessage
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer token" on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithFlags seeds the served flags.
func WithFlags(flags ...core.EvaluatedFlag) Option {
	return func(s *Server) { s.setFlagsLocked(flags) }
}

// NewServer starts a fake service. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := &Server{}
	s.setFlagsLocked(nil)
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{env}/eval", s.handleEval)
	mux.HandleFunc("POST /{env}/metrics", s.handleMetrics)

	s.srv = httptest.NewServer(s.record(s.auth(mux)))
	s.URL = s.srv.URL
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// SetFlags replaces the served flags. The ETag changes with the content.
func (s *Server) SetFlags(flags ...core.EvaluatedFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setFlagsLocked(flags)
}

// ETag returns the ETag of the flags currently served.
func (s *Server) ETag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etag
}

// FailNext makes the next n eval requests answer with status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.failures = append(s.failures, status)
	}
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// EvalRequests returns the eval requests received so far.
func (s *Server) EvalRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Method == http.MethodGet && strings.HasSuffix(r.Path, "/eval") {
			out = append(out, r)
		}
	}
	return out
}

// Metrics returns the raw metrics payloads received so far.
func (s *Server) Metrics() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.metrics...)
}

func (s *Server) setFlagsLocked(flags []core.EvaluatedFlag) {
	if flags == nil {
		flags = []core.EvaluatedFlag{}
	}
	body, err := json.Marshal(evalResponse{Success: true, Data: evalData{Flags: flags}})
	if err != nil {
		panic("flagztest: encode flags: " + err.Error())
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		panic("flagztest: canonicalize flags: " + err.Error())
	}
	sum := blake2b.Sum256(canonical)
	s.body = body
	s.etag = `"` + hex.EncodeToString(sum[:8]) + `"`
}

type evalData struct {
	Flags []core.EvaluatedFlag `json:"flags"`
}

type evalResponse struct {
	Success bool     `json:"success"`
	Data    evalData `json:"data"`
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		writeJSON(w, status, map[string]any{"success": false, "error": http.StatusText(status)})
		return
	}
	body, etag := s.body, s.etag
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil || !json.Valid(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	s.mu.Lock()
	s.metrics = append(s.metrics, json.RawMessage(raw))
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:      r.Method,
			Path:        r.URL.Path,
			Environment: env,
			Query:       r.URL.Query(),
			Header:      r.Header.Clone(),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			token, err := parseBearerToken(r.Header.Get("Authorization"))
			if err != nil || token != s.token {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": http.StatusText(http.StatusUnauthorized)})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
