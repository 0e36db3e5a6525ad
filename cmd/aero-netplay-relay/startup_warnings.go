package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/origin"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any site may open rooms and read /list)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNREST.Enabled() && hasTURNServer(cfg) {
		logger.Warn("startup security warning: static TURN credentials are served to every /webrtc/ice caller (prefer TURN_REST_SHARED_SECRET)",
			"warning_code", "turn_static_credentials",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPlayersLimit <= 0 {
		logger.Warn("startup security warning: ROOM_MAX_PLAYERS_LIMIT is 0 (clients may request any room size) while --mode=prod",
			"warning_code", "room_max_players_unlimited_in_prod",
			"room_max_players_limit", cfg.MaxPlayersLimit,
			"mode", cfg.Mode,
		)
	}

	// Every relayed frame is buffered whole before fan-out.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation and broadcast amplification)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.TrustProxyHeaders {
		logger.Warn("startup security warning: TRUST_PROXY_HEADERS=true; client IPs in logs are spoofable unless a proxy strips X-Forwarded-For",
			"warning_code", "trust_proxy_headers",
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if config.IsTURNServer(s) {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
