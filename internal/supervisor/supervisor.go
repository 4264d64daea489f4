// Package supervisor owns the long-running server or client core for one
// process and applies configuration reloads to it: added services start,
// removed services stop, and changed services restart, by name, without
// tearing down the shared listener or the services that didn't change.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nat-tunnel/tunnel/internal/client"
	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/server"
)

// ErrModeMismatch is returned by Reload when a new configuration switches
// between server and client mode, which this supervisor does not support
// reconciling in place — the caller must restart the process instead.
var ErrModeMismatch = errors.New("supervisor: reload cannot switch between server and client mode")

// Supervisor runs exactly one of a server.Server or a client.Client for the
// process's lifetime, reconciling later configuration snapshots into it.
type Supervisor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cfg    *config.Config
	srv    *server.Server
	cli    *client.Client
	runErr chan error
}

// New builds a Supervisor for the initial configuration. It does not start
// anything; call Run.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	s := &Supervisor{logger: logger, metrics: m, cfg: cfg}

	switch {
	case cfg.Server != nil:
		srv, err := server.New(*cfg.Server, logger, m)
		if err != nil {
			return nil, fmt.Errorf("build server: %w", err)
		}
		s.srv = srv
	case cfg.Client != nil:
		cli, err := client.New(*cfg.Client, logger, m)
		if err != nil {
			return nil, fmt.Errorf("build client: %w", err)
		}
		s.cli = cli
	default:
		return nil, errors.New("supervisor: configuration selects neither server nor client mode")
	}
	return s, nil
}

// Run blocks until ctx is cancelled, running whichever of the server or
// client core this Supervisor was built for.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Run(ctx)
	}
	return s.cli.Run(ctx)
}

// Reload diffs newCfg's service list against the currently running one and
// applies the result in place: this is the top-level entry point a
// SIGHUP/file-watcher collaborator or a CLI test calls after re-parsing the
// configuration file.
func (s *Supervisor) Reload(ctx context.Context, newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.srv != nil && newCfg.Server != nil:
		grace := newCfg.Server.Tuning.ShutdownGrace
		touched := s.srv.UpdateServices(ctx, newCfg.Server.Services, grace)
		s.logger.Info("configuration reloaded", logging.KeyCount, len(touched))
		s.cfg = newCfg
		return nil
	case s.cli != nil && newCfg.Client != nil:
		grace := newCfg.Client.Tuning.ShutdownGrace
		touched := s.cli.UpdateServices(newCfg.Client.Services, grace)
		s.logger.Info("configuration reloaded", logging.KeyCount, len(touched))
		s.cfg = newCfg
		return nil
	default:
		s.metrics.ReloadError()
		return ErrModeMismatch
	}
}
