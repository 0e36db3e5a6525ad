package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-netplay-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"room_default_max_players", cfg.DefaultMaxPlayers,
		"room_max_players_limit", cfg.MaxPlayersLimit,
		"room_reap_interval", cfg.ReapInterval,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		// Rooms keep working; /readyz and /webrtc/ice report the problem.
		logger.Error("invalid ICE server configuration", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	app := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go app.rooms.RunReaper(ctx, cfg.ReapInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		app.sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked sockets are not tracked by http.Server, so drop them
	// explicitly before waiting on in-flight requests.
	app.sig.Close()
	if err := app.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

type app struct {
	http    *httpserver.Server
	sig     *signaling.Server
	rooms   *room.Registry
	metrics *metrics.Metrics
}

// newApp wires the registry and signaling server onto the HTTP server.
func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) *app {
	m := metrics.New()
	rooms := room.NewRegistry(room.Config{
		DefaultMaxPlayers: cfg.DefaultMaxPlayers,
		MaxPlayersLimit:   cfg.MaxPlayersLimit,
		Metrics:           m,
		Logger:            logger,
	})

	srv := httpserver.New(cfg, logger, build)
	origins := origin.NewPolicy(cfg.AllowedOrigins)

	sig := signaling.NewServer(signaling.Config{
		Rooms:   rooms,
		Metrics: m,
		Logger:  logger,
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origins.Check(r)
			return ok
		},
		ClientIP:             srv.ClientIP,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:      cfg.SignalingSendQueueLength,
	})
	sig.RegisterRoutes(srv)

	// Expose internal counters in Prometheus' text format.
	srv.Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{Name: "aero_netplay_relay_rooms", Help: "Rooms currently registered.", Value: rooms.Len},
		metrics.Gauge{Name: "aero_netplay_relay_connections", Help: "Open signaling sockets.", Value: sig.Connections},
	))

	return &app{http: srv, sig: sig, rooms: rooms, metrics: m}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
