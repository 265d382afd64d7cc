// Package web is the thin JSON front-end described in spec.md §6: a fixed,
// five-route table in front of the Scheduler, the TestCatalog and the
// Archive. No route is ever added beyond this table — an unmatched path is
// always 404, by design (spec.md §6, §8), grounded on the layout of
// netresearch-ofelia's web/server.go and the behavior of the Python
// source's rest.py.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sort"
	"time"

	"oss.nandlabs.io/golly/lifecycle"

	"github.com/tuxofil/pote/catalog"
	"github.com/tuxofil/pote/core"
	"github.com/tuxofil/pote/storage"
)

// serverHeader replaces Go's default Server header, hiding the runtime the
// same way the Python source's version_string() override hid BaseHTTPServer
// and the interpreter version.
const serverHeader = "Pote/0.1"

// maxBodyBytes bounds a POST /job body; the Python source trusted
// Content-Length unconditionally, this caps it against a hostile client.
const maxBodyBytes = 1 << 20

// Server is the HTTP front-end (spec.md §6).
type Server struct {
	addr      string
	scheduler *core.Scheduler
	tests     *catalog.Catalog
	archive   *storage.Archive
	logger    core.Logger

	srv *http.Server
}

// NewServer builds a Server bound to addr. The mux sends every path to
// route, whose switch over the five paths is the entire surface.
func NewServer(addr string, scheduler *core.Scheduler, tests *catalog.Catalog, archive *storage.Archive, logger core.Logger) *Server {
	s := &Server{
		addr:      addr,
		scheduler: scheduler,
		tests:     tests,
		archive:   archive,
		logger:    logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.route)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", serverHeader)

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := trimSlashes(r.URL.Path)

	switch {
	case r.Method == http.MethodGet && path == "ping":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && path == "envo":
		s.writeJSON(w, http.StatusOK, s.scheduler.EnvosCount())
	case r.Method == http.MethodGet && path == "test":
		available := s.tests.Available()
		sort.Strings(available)
		s.writeJSON(w, http.StatusOK, available)
	case r.Method == http.MethodGet && path == "job":
		s.writeJSON(w, http.StatusOK, jobsToWire(s.scheduler.Jobs()))
	case r.Method == http.MethodGet && path == "archive":
		jobs, err := s.archive.Dump()
		if err != nil {
			s.logger.Errorf("dump archive: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, jobsToWire(jobs))
	case r.Method == http.MethodPost && path == "job":
		s.handleAddJob(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	body, err := s.readEntity(w, r)
	if err != nil {
		return
	}

	req, err := validateJobRequest(body, s.scheduler.EnvosCount(), s.tests)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Message, http.StatusBadRequest)
			return
		}
		s.logger.Errorf("validate job request: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	jobID, err := s.scheduler.AddJob(ctx, req)
	if err != nil {
		s.logger.Errorf("add job: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, jobID)
}

// readEntity mirrors rest.py's _read_and_decode_entity: a missing or
// malformed Content-Length/Content-Type is a client error, and the body is
// read exactly Content-Length bytes (spec.md §6).
func (s *Server) readEntity(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength <= 0 {
		err := errors.New("missing request body")
		http.Error(w, "Bad request object", http.StatusBadRequest)
		return nil, err
	}
	if r.ContentLength > maxBodyBytes {
		err := fmt.Errorf("body too large: %d bytes", r.ContentLength)
		http.Error(w, "Request too large", http.StatusBadRequest)
		return nil, err
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		err := errors.New("missing Content-Type")
		http.Error(w, "Content-Type not defined", http.StatusUnsupportedMediaType)
		return nil, err
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		err := fmt.Errorf("unsupported Content-Type %q", contentType)
		http.Error(w, "Unsupported Content-Type. Use application/json", http.StatusUnsupportedMediaType)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength+1))
	if err != nil {
		http.Error(w, "Bad request object", http.StatusBadRequest)
		return nil, err
	}
	if int64(len(body)) != r.ContentLength {
		err := fmt.Errorf("expected %d bytes, got %d", r.ContentLength, len(body))
		http.Error(w, "Bad request object", http.StatusBadRequest)
		return nil, err
	}
	return body, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorf("encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(encoded)))
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

func trimSlashes(path string) string {
	start, end := 0, len(path)
	for start < end && path[start] == '/' {
		start++
	}
	for end > start && path[end-1] == '/' {
		end--
	}
	return path[start:end]
}

// jobsToWire renders a job slice the way the Python source's json.dumps(...)
// did: a plain list of job dicts, in the caller-chosen order.
func jobsToWire(jobs []*core.Job) []*core.Job {
	if jobs == nil {
		return []*core.Job{}
	}
	return jobs
}

// --- lifecycle.Component ---

var _ lifecycle.Component = (*Server)(nil)

func (s *Server) Id() string { return "web" }

func (s *Server) OnChange(prevState, newState lifecycle.ComponentState) {
	s.logger.Debugf("web: %d -> %d", prevState, newState)
}

func (s *Server) State() lifecycle.ComponentState {
	return lifecycle.Running
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.logger.Noticef("web server listening on %s", s.addr)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("web server: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
