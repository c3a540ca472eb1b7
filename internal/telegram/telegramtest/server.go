// Package telegramtest provides an in-process Bot API server that replays
// canned responses and records what the client sent.
package telegramtest

import (
	"embed"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

//go:embed testdata/*.json
var fixtures embed.FS

// Fixture returns the named canned JSON body from testdata.
func Fixture(t testing.TB, name string) string {
	t.Helper()
	data, err := fixtures.ReadFile(path.Join("testdata", name))
	if err != nil {
		t.Fatalf("fixture %s: %v", name, err)
	}
	return string(data)
}

// Request is one request as seen by the server.
type Request struct {
	HTTPMethod  string
	Path        string
	BotKey      string
	APIMethod   string
	Query       url.Values
	ContentType string
	Body        []byte
}

// Reply is one canned response, served in order.
type Reply struct {
	Status int
	Body   string
}

// OK is a 200 reply with the given body.
func OK(body string) Reply {
	return Reply{Status: http.StatusOK, Body: body}
}

// Server replays Replies in order; requests past the end get a 500 and
// fail the test.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	mu       sync.Mutex
	replies  []Reply
	requests []Request
}

// NewServer starts a server that is closed on test cleanup.
func NewServer(t testing.TB, replies ...Reply) *Server {
	t.Helper()
	s := &Server{t: t, replies: replies}
	r := chi.NewRouter()
	r.HandleFunc("/{bot}/{method}", s.handle)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.t.Errorf("unexpected request path %s", r.URL.Path)
		http.NotFound(w, r)
	})
	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the endpoint to hand to telegram.NewClient.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close stops the server early, e.g. to provoke transport errors.
func (s *Server) Close() {
	s.srv.Close()
}

// Requests returns a copy of everything received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Pending reports how many replies have not been served yet.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies) - len(s.requests)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, Request{
		HTTPMethod:  r.Method,
		Path:        r.URL.Path,
		BotKey:      chi.URLParam(r, "bot"),
		APIMethod:   chi.URLParam(r, "method"),
		Query:       r.URL.Query(),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	var reply *Reply
	if n < len(s.replies) {
		reply = &s.replies[n]
	}
	s.mu.Unlock()

	if reply == nil {
		s.t.Errorf("unexpected extra request #%d: %s %s", n+1, r.Method, r.URL.String())
		http.Error(w, "unexpected extra request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}
