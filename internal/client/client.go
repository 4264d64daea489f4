// Package client implements the NAT-restricted side of the tunnel: one
// supervised reconnect loop per configured service, each dialing out to the
// server's shared listener to run a control channel and, on demand, data
// channels bridged to a local upstream.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/recovery"
	"github.com/nat-tunnel/tunnel/internal/transport"
)

// Client runs every configured service's supervised loop for one
// ClientConfig snapshot.
type Client struct {
	cfg     config.ClientConfig
	tr      transport.Transport
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx context.Context

	svcMu    sync.RWMutex
	services map[string]*serviceHandle

	wg sync.WaitGroup
}

// serviceHandle is what the supervisor's service_name-keyed map holds at
// the client: the service loop's own cancel function plus a signal for
// when it has actually unwound.
type serviceHandle struct {
	sc     *serviceClient
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Client for cfg but does not start connecting; call Run.
func New(cfg config.ClientConfig, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	tr, err := transport.Build(cfg.Transport, false)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	return &Client{
		cfg:      cfg,
		tr:       tr,
		metrics:  m,
		logger:   logger,
		services: make(map[string]*serviceHandle),
	}, nil
}

// Run starts every configured service's supervised loop, blocking until
// ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	for _, svc := range c.cfg.Services {
		if err := c.startService(ctx, svc); err != nil {
			c.logger.Error("failed to start service", logging.KeyService, svc.Name, logging.KeyError, err)
		}
	}
	<-ctx.Done()

	c.svcMu.RLock()
	handles := make([]*serviceHandle, 0, len(c.services))
	for _, h := range c.services {
		handles = append(handles, h)
	}
	c.svcMu.RUnlock()
	for _, h := range handles {
		h.cancel()
	}
	c.wg.Wait()
	return nil
}

// Stop waits for every service loop to unwind after its context is
// cancelled by the caller of Run.
func (c *Client) Stop() {
	c.wg.Wait()
}

func (c *Client) startService(ctx context.Context, cfg config.ServiceConfig) error {
	sc := newServiceClient(c, cfg)
	svcCtx, cancel := context.WithCancel(ctx)
	handle := &serviceHandle{sc: sc, cancel: cancel, done: make(chan struct{})}

	c.svcMu.Lock()
	c.services[cfg.Name] = handle
	c.svcMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(handle.done)
		defer recovery.RecoverWithLog(c.logger, "client-service:"+cfg.Name)
		sc.run(svcCtx)
	}()
	return nil
}

func (c *Client) stopService(name string, grace time.Duration) {
	c.svcMu.Lock()
	handle, ok := c.services[name]
	if ok {
		delete(c.services, name)
	}
	c.svcMu.Unlock()
	if !ok {
		return
	}

	handle.cancel()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-handle.done:
	case <-time.After(grace):
		c.logger.Warn("service did not shut down within grace period", logging.KeyService, name)
	}
}

// UpdateServices reconciles the running service set against a new
// configuration snapshot, following the same add/remove/change-by-name
// diff as the server's UpdateServices. It returns the names of every
// service that was added, removed, or restarted.
func (c *Client) UpdateServices(services []config.ServiceConfig, shutdownGrace time.Duration) []string {
	newByName := make(map[string]config.ServiceConfig, len(services))
	for _, svc := range services {
		newByName[svc.Name] = svc
	}

	c.svcMu.RLock()
	oldByName := make(map[string]config.ServiceConfig, len(c.services))
	for name, handle := range c.services {
		oldByName[name] = handle.sc.cfg
	}
	ctx := c.ctx
	c.svcMu.RUnlock()

	var touched []string
	for name := range oldByName {
		if _, ok := newByName[name]; !ok {
			c.logger.Info("reload: stopping removed service", logging.KeyService, name)
			c.stopService(name, shutdownGrace)
			touched = append(touched, name)
		}
	}
	for name, newCfg := range newByName {
		oldCfg, existed := oldByName[name]
		switch {
		case !existed:
			c.logger.Info("reload: starting added service", logging.KeyService, name)
			if err := c.startService(ctx, newCfg); err != nil {
				c.logger.Error("reload: failed to start service", logging.KeyService, name, logging.KeyError, err)
				continue
			}
			touched = append(touched, name)
		case !oldCfg.Equal(newCfg):
			c.logger.Info("reload: restarting changed service", logging.KeyService, name)
			c.stopService(name, shutdownGrace)
			if err := c.startService(ctx, newCfg); err != nil {
				c.logger.Error("reload: failed to restart service", logging.KeyService, name, logging.KeyError, err)
				continue
			}
			touched = append(touched, name)
		}
	}
	return touched
}
