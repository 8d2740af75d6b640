package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
		SendQueueSize   int           `yaml:"send_queue_size"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		// Minimum spacing of MESSAGE_DROPPED reports to a host; 0 reports every drop.
		DropReportInterval time.Duration `yaml:"drop_report_interval"`
	} `yaml:"signal"`

	Liveness struct {
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		StaleAfter        time.Duration `yaml:"stale_after"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"liveness"`

	Pairing struct {
		Policy string `yaml:"policy"`
	} `yaml:"pairing"`

	Streaming struct {
		InitialQuality      float64       `yaml:"initial_quality"`
		MinQuality          float64       `yaml:"min_quality"`
		MaxQuality          float64       `yaml:"max_quality"`
		QualityStep         float64       `yaml:"quality_step"`
		InitialResolution   int           `yaml:"initial_resolution"`
		InitialIntervalMs   int           `yaml:"initial_interval_ms"`
		MinIntervalMs       int           `yaml:"min_interval_ms"`
		MaxIntervalMs       int           `yaml:"max_interval_ms"`
		IntervalStepMs      int           `yaml:"interval_step_ms"`
		AdaptEvery          time.Duration `yaml:"adapt_every"`
		MinFramesPerWindow  int           `yaml:"min_frames_per_window"`
		StaleAfter          time.Duration `yaml:"stale_after"`
		UpgradeAfterWindows int           `yaml:"upgrade_after_windows"`
	} `yaml:"streaming"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		PresenceTTL time.Duration `yaml:"presence_ttl"`
		InstanceID  string        `yaml:"instance_id"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read/write timeouts must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}
	if c.Signal.DropReportInterval < 0 {
		return fmt.Errorf("signal.drop_report_interval must be >= 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}

	if c.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("liveness.sweep_interval must be > 0")
	}
	if c.Liveness.StaleAfter < c.Liveness.SweepInterval {
		return fmt.Errorf("liveness.stale_after must be >= liveness.sweep_interval")
	}
	if c.Liveness.HeartbeatInterval < 0 {
		return fmt.Errorf("liveness.heartbeat_interval must be >= 0")
	}

	switch c.Pairing.Policy {
	case "reject", "replace":
	default:
		return fmt.Errorf("pairing.policy must be reject or replace, got %q", c.Pairing.Policy)
	}

	s := c.Streaming
	if err := validation.ValidateQualityRange(s.MinQuality, s.InitialQuality, s.MaxQuality); err != nil {
		return fmt.Errorf("streaming: %w", err)
	}
	if s.QualityStep <= 0 {
		return fmt.Errorf("streaming.quality_step must be > 0")
	}
	if s.MinIntervalMs <= 0 || s.MinIntervalMs > s.InitialIntervalMs || s.InitialIntervalMs > s.MaxIntervalMs {
		return fmt.Errorf("streaming interval bounds must satisfy 0 < min <= initial <= max")
	}
	if s.IntervalStepMs <= 0 {
		return fmt.Errorf("streaming.interval_step_ms must be > 0")
	}
	if s.AdaptEvery <= 0 || s.StaleAfter <= 0 {
		return fmt.Errorf("streaming.adapt_every and streaming.stale_after must be > 0")
	}
	if s.MinFramesPerWindow <= 0 || s.UpgradeAfterWindows <= 0 {
		return fmt.Errorf("streaming.min_frames_per_window and upgrade_after_windows must be > 0")
	}
	if s.InitialResolution < 0 || s.InitialResolution >= len(domain.ResolutionPresets) {
		return fmt.Errorf("streaming.initial_resolution must be in [0, %d]", len(domain.ResolutionPresets)-1)
	}

	for i, ice := range c.WebRTC.ICEServers {
		if len(ice.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.PresenceTTL <= c.Liveness.SweepInterval {
			return fmt.Errorf("redis.presence_ttl must be greater than liveness.sweep_interval")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requests_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket messages_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSize = 10 << 20 // frames can be large
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.ShutdownTimeout = 10 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.DropReportInterval = 250 * time.Millisecond

	cfg.Liveness.SweepInterval = 30 * time.Second
	cfg.Liveness.StaleAfter = 90 * time.Second
	cfg.Liveness.HeartbeatInterval = 5 * time.Second

	cfg.Pairing.Policy = "reject"

	cfg.Streaming.InitialQuality = 0.7
	cfg.Streaming.MinQuality = 0.3
	cfg.Streaming.MaxQuality = 0.9
	cfg.Streaming.QualityStep = 0.1
	cfg.Streaming.InitialResolution = 2
	cfg.Streaming.InitialIntervalMs = 100
	cfg.Streaming.MinIntervalMs = 50
	cfg.Streaming.MaxIntervalMs = 500
	cfg.Streaming.IntervalStepMs = 50
	cfg.Streaming.AdaptEvery = time.Second
	cfg.Streaming.MinFramesPerWindow = 5
	cfg.Streaming.StaleAfter = 2 * time.Second
	cfg.Streaming.UpgradeAfterWindows = 2

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.PresenceTTL = 2 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 200
	cfg.RateLimiting.WebSocket.Burst = 400

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("DESKRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("DESKRELAY_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("DESKRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if policy := os.Getenv("DESKRELAY_PAIRING_POLICY"); policy != "" {
		c.Pairing.Policy = policy
	}
	if addr := os.Getenv("DESKRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("DESKRELAY_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
