package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitUntilListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("nothing listening on %s", addr)
}

func waitUntilNotListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return
		}
		conn.Close()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("still listening on %s", addr)
}

func baseServerConfig(t *testing.T) (*config.Config, string, string) {
	bind := freePort(t)
	svcAddr := freePort(t)
	cfg := &config.Config{
		Server: &config.ServerConfig{
			BindAddr:  bind,
			Transport: config.TransportConfig{Type: config.TransportTCP},
			Services: []config.ServiceConfig{
				{Name: "a", Kind: config.ServiceTCP, BindAddr: svcAddr, Token: "tok-a"},
			},
			Tuning: config.ServerTuning{
				PendingVisitorQueue:    16,
				PendingVisitorTimeout:  time.Second,
				IdleDataChannelTimeout: time.Second,
				HeartbeatInterval:      time.Second,
				HeartbeatTimeout:       5 * time.Second,
				ShutdownGrace:          time.Second,
				UDPIdleTimeout:         5 * time.Second,
			},
		},
	}
	return cfg, bind, svcAddr
}

func TestSupervisorReloadAddsAndRemovesServices(t *testing.T) {
	cfg, bind, svcAAddr := baseServerConfig(t)
	logger := logging.NopLogger()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	sup, err := New(cfg, logger, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitUntilListening(t, bind)
	waitUntilListening(t, svcAAddr)

	svcBAddr := freePort(t)
	newCfg := &config.Config{
		Server: &config.ServerConfig{
			BindAddr:  cfg.Server.BindAddr,
			Transport: cfg.Server.Transport,
			Services: []config.ServiceConfig{
				{Name: "b", Kind: config.ServiceTCP, BindAddr: svcBAddr, Token: "tok-b"},
			},
			Tuning: cfg.Server.Tuning,
		},
	}

	if err := sup.Reload(ctx, newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	waitUntilListening(t, svcBAddr)
	waitUntilNotListening(t, svcAAddr)
}

func TestSupervisorReloadRestartsChangedService(t *testing.T) {
	cfg, bind, svcAddr := baseServerConfig(t)
	logger := logging.NopLogger()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	sup, err := New(cfg, logger, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitUntilListening(t, bind)
	waitUntilListening(t, svcAddr)

	newAddr := freePort(t)
	newCfg := &config.Config{
		Server: &config.ServerConfig{
			BindAddr:  cfg.Server.BindAddr,
			Transport: cfg.Server.Transport,
			Services: []config.ServiceConfig{
				{Name: "a", Kind: config.ServiceTCP, BindAddr: newAddr, Token: "tok-a-changed"},
			},
			Tuning: cfg.Server.Tuning,
		},
	}

	if err := sup.Reload(ctx, newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	waitUntilListening(t, newAddr)
	waitUntilNotListening(t, svcAddr)
}

func TestSupervisorReloadModeMismatch(t *testing.T) {
	cfg, bind, svcAddr := baseServerConfig(t)
	logger := logging.NopLogger()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	sup, err := New(cfg, logger, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	waitUntilListening(t, bind)
	waitUntilListening(t, svcAddr)

	clientCfg := &config.Config{
		Client: &config.ClientConfig{
			RemoteAddr: "127.0.0.1:1",
			Transport:  config.TransportConfig{Type: config.TransportTCP},
		},
	}
	if err := sup.Reload(ctx, clientCfg); err != ErrModeMismatch {
		t.Fatalf("Reload across modes = %v, want ErrModeMismatch", err)
	}
}
