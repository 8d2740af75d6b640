package app

import (
	"deskrelay/internal/core/services"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/pkg/config"

	"github.com/pion/webrtc/v3"
)

// ICEServers converts the configured STUN/TURN servers for endpoints.
func ICEServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

func FlowConfig(cfg *config.Config) services.FlowConfig {
	s := cfg.Streaming
	return services.FlowConfig{
		InitialQuality:      s.InitialQuality,
		MinQuality:          s.MinQuality,
		MaxQuality:          s.MaxQuality,
		QualityStep:         s.QualityStep,
		InitialResolution:   s.InitialResolution,
		InitialIntervalMs:   s.InitialIntervalMs,
		MinIntervalMs:       s.MinIntervalMs,
		MaxIntervalMs:       s.MaxIntervalMs,
		IntervalStepMs:      s.IntervalStepMs,
		AdaptEvery:          s.AdaptEvery,
		MinFramesPerWindow:  s.MinFramesPerWindow,
		StaleAfter:          s.StaleAfter,
		UpgradeAfterWindows: s.UpgradeAfterWindows,
	}
}

func LivenessConfig(cfg *config.Config) services.LivenessConfig {
	return services.LivenessConfig{
		SweepInterval:     cfg.Liveness.SweepInterval,
		StaleAfter:        cfg.Liveness.StaleAfter,
		HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
	}
}

func SignalOptions(cfg *config.Config) signal.Options {
	opts := signal.Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
		ICEServers:     ICEServers(cfg),

		DropReportInterval: cfg.Signal.DropReportInterval,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}
