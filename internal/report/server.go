package report

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/gridsweep/pkg/logging"
)

// NewRouter exposes the metrics and progress of a run:
//
//	GET /metrics            Prometheus exposition
//	GET /healthz            liveness
//	GET /progress           Progress as JSON
//	GET /failures?limit=N   recent failed trials, newest first
func NewRouter(m *Metrics) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/progress", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, m.Snapshot())
	}).Methods(http.MethodGet)
	r.HandleFunc("/failures", func(w http.ResponseWriter, req *http.Request) {
		limit := 0
		if s := req.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		writeJSON(w, m.failures.Recent(limit))
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Server serves NewRouter on a TCP address.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *logging.Logger
}

// Serve starts listening on addr and serves in the background.
func Serve(addr string, m *Metrics, logger *logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           NewRouter(m),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: logging.OrDiscard(logger),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.log.Info("status server listening", map[string]interface{}{"addr": ln.Addr().String()})
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
