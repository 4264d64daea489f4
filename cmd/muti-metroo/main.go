// Package main provides the CLI entry point for the tunnel binary.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/healthserver"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/noise"
	"github.com/nat-tunnel/tunnel/internal/rlimit"
	"github.com/nat-tunnel/tunnel/internal/supervisor"
)

// Version is set at build time.
var Version = "dev"

// exitCode is set by runTunnel so main can distinguish a clean shutdown (0)
// from an unrecoverable runtime error (2); cobra's RunE return only ever
// signals a configuration error (1).
var exitCode int

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		forceServer bool
		forceClient bool
		genkey      bool
		verbosity   int
	)

	rootCmd := &cobra.Command{
		Use:           "tunnel <config>",
		Short:         "NAT-traversal reverse tunnel",
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			if genkey {
				return runGenkey(cmd.OutOrStdout())
			}
			if len(posArgs) != 1 {
				return fmt.Errorf("exactly one <config> argument is required")
			}
			if forceServer && forceClient {
				return fmt.Errorf("-s/--server and -c/--client are mutually exclusive")
			}
			return runTunnel(posArgs[0], forceServer, forceClient, verbosity)
		},
	}

	rootCmd.Flags().BoolVarP(&forceServer, "server", "s", false, "force server mode")
	rootCmd.Flags().BoolVarP(&forceClient, "client", "c", false, "force client mode")
	rootCmd.Flags().BoolVar(&genkey, "genkey", false, "print a Noise static keypair to stdout and exit")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

func runGenkey(w io.Writer) error {
	kp, err := noise.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	fmt.Fprintln(w, base64.StdEncoding.EncodeToString(kp.Private[:]))
	fmt.Fprintln(w, base64.StdEncoding.EncodeToString(kp.Public[:]))
	return nil
}

func runTunnel(configPath string, forceServer, forceClient bool, verbosity int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if forceServer {
		cfg.Client = nil
	}
	if forceClient {
		cfg.Server = nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Log.Level
	if verbosity > 0 {
		level = bumpVerbosity(level, verbosity)
	}
	logger := logging.NewLogger(level, cfg.Log.Format)

	if before, after, err := rlimit.RaiseNoFile(); err != nil {
		logger.Warn("failed to raise file-descriptor limit", logging.KeyError, err)
	} else if after > before {
		logger.Info("raised file-descriptor limit", "before", before, "after", after)
	}

	m := metrics.NewMetrics()

	var health *healthserver.Server
	if mc := metricsConfigFor(cfg); mc.Enabled {
		health = healthserver.New(mc.Address)
		if err := health.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	sup, err := supervisor.New(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		<-runErr
		exitCode = 0
	case runtimeErr := <-runErr:
		cancel()
		if runtimeErr != nil {
			logger.Error("runtime error", logging.KeyError, runtimeErr)
			exitCode = 2
		} else {
			exitCode = 0
		}
	}

	if health != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		health.Stop(stopCtx)
		stopCancel()
	}

	// Runtime failures are logged above and surfaced only via exitCode;
	// returning them here would make cobra's Execute() error path print a
	// duplicate message and override exitCode with 1.
	return nil
}

func metricsConfigFor(cfg *config.Config) config.MetricsConfig {
	if cfg.Server != nil {
		return cfg.Server.Metrics
	}
	if cfg.Client != nil {
		return cfg.Client.Metrics
	}
	return config.MetricsConfig{}
}

func bumpVerbosity(level string, steps int) string {
	order := []string{"error", "warn", "info", "debug"}
	idx := 2 // info
	for i, l := range order {
		if l == level {
			idx = i
			break
		}
	}
	idx += steps
	if idx >= len(order) {
		idx = len(order) - 1
	}
	return order[idx]
}
