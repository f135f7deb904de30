package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-http-bridge/bridge"
	"github.com/ggoodman/mcp-http-bridge/enrich"
	"github.com/ggoodman/mcp-http-bridge/httpbridge"
	"github.com/ggoodman/mcp-http-bridge/internal/metrics"
	"github.com/ggoodman/mcp-http-bridge/peer"
	"github.com/ggoodman/mcp-http-bridge/sessions"
	"github.com/ggoodman/mcp-http-bridge/sessions/memoryhost"
	"github.com/ggoodman/mcp-http-bridge/sessions/redishost"
)

const readHeaderTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcp-http-bridge",
		Short:         "Serve a stdio JSON-RPC peer over HTTP",
		Long:          "mcp-http-bridge accepts JSON-RPC calls over HTTP and forwards each one to a per-session peer process speaking newline-delimited JSON-RPC on its standard streams.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cfg, err := loadConfig()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(newServeCmd(cfg))
	return rootCmd
}

func newServeCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [-- peer-command args...]",
		Short: "Start the HTTP bridge",
		Long:  "Start the HTTP bridge. Arguments after -- replace the configured peer command line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				cfg.PeerCommand, cfg.PeerArgs = args[0], args[1:]
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	f.StringVar(&cfg.PeerDir, "peer-dir", cfg.PeerDir, "working directory of spawned peers")
	f.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "how long a call waits for its reply")
	f.DurationVar(&cfg.EnrichTimeout, "enrich-timeout", cfg.EnrichTimeout, "budget for the tools/list enrichment exchange")
	f.StringVar(&cfg.SessionPolicy, "session-policy", cfg.SessionPolicy, "when to spawn peers: initialize or lazy")
	f.BoolVar(&cfg.StrictSessions, "strict-sessions", cfg.StrictSessions, "reject calls with a missing or unknown session id")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", cfg.AllowedOrigins, "browser origin allowed by CORS (repeatable)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	f.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "how long peers get to exit before being killed")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address of the shared session directory (empty for in-memory)")
	f.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "key prefix in the shared session directory")

	return cmd
}

// serve runs the bridge until ctx is canceled, then drains HTTP and peers.
func serve(ctx context.Context, cfg Config, logOut io.Writer) error {
	log := cfg.newLogger(logOut)
	policy, _ := sessions.ParsePolicy(cfg.SessionPolicy)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	spawner, err := peer.NewExecSpawner(peer.Command{Path: cfg.PeerCommand, Args: cfg.PeerArgs, Dir: cfg.PeerDir})
	if err != nil {
		return fmt.Errorf("peer command: %w", err)
	}

	var host sessions.SessionHost = memoryhost.New()
	if cfg.RedisAddr != "" {
		rh, err := redishost.New(ctx, redishost.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: cfg.RedisPrefix})
		if err != nil {
			return fmt.Errorf("session directory: %w", err)
		}
		defer rh.Close()
		host = rh
	}
	hostname, _ := os.Hostname()

	registry := sessions.NewRegistry(spawner,
		sessions.WithLogger(log),
		sessions.WithMetrics(m),
		sessions.WithCallTimeout(cfg.CallTimeout),
		sessions.WithPolicy(policy),
		sessions.WithStrictSessions(cfg.StrictSessions),
		sessions.WithSessionHost(host, hostname+"/"+cfg.Addr, 0),
		sessions.WithReplyEnricher(enrich.New(
			enrich.WithTimeout(cfg.EnrichTimeout),
			enrich.WithLogger(log),
			enrich.WithMetrics(m),
		)),
	)
	endpoint := bridge.New(registry,
		bridge.WithLogger(log),
		bridge.WithMetrics(m),
		bridge.WithCallTimeout(cfg.CallTimeout),
	)
	handler := httpbridge.New(endpoint, registry,
		httpbridge.WithLogger(log),
		httpbridge.WithAllowedOrigins(cfg.AllowedOrigins...),
		httpbridge.WithMetricsGatherer(reg),
	)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	log.InfoContext(ctx, "bridge.start",
		slog.String("addr", ln.Addr().String()),
		slog.String("peer", spawner.String()),
		slog.String("policy", string(policy)),
		slog.Bool("strict", cfg.StrictSessions),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	var result *multierror.Error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, fmt.Errorf("http serve: %w", err))
		}
	case <-ctx.Done():
		log.InfoContext(ctx, "bridge.shutdown.start")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}

	// Peers get their own grace period once HTTP traffic has drained.
	peersCtx, cancelPeers := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancelPeers()
	if err := registry.Shutdown(peersCtx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		log.ErrorContext(ctx, "bridge.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.InfoContext(ctx, "bridge.shutdown.ok")
	return nil
}
