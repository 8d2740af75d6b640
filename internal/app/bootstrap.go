package app

import (
	"os"
	"strings"

	"deskrelay/pkg/config"
	"deskrelay/pkg/logger"

	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/deskrelay/config.yaml",
	"config.yaml",
}

// LoadConfig reads path, or the first of the well-known locations that
// exists when path is empty. With no file at all the defaults apply.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range configPaths {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return config.Load("")
}

// NewLogger builds the process logger, letting level override the config
// when set.
func NewLogger(cfg *config.Config, level string) (*zap.Logger, error) {
	if level == "" {
		level = cfg.Logging.Level
	}
	return logger.New(level, cfg.Logging.Format == "console")
}

// SignalURL is the WebSocket URL agents dial when none is given, derived
// from the relay's own signal listener.
func SignalURL(cfg *config.Config) string {
	host := cfg.Signal.Address
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + cfg.Signal.Path
}
