// Package healthserver exposes the optional Prometheus scrape endpoint
// named by a ServerConfig's or ClientConfig's metrics block. It is ambient observability,
// not one of the tunnel's core components, so it is started and stopped
// independently of the server/client supervisor.
package healthserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics (Prometheus text exposition) and /healthz (plain
// liveness probe) on one address.
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
}

// New builds a Server listening on addr. It does not start listening;
// call Start.
func New(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down within the given context.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}
