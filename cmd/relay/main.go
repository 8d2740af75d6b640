package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskrelay/internal/app"
	"deskrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config.yaml")
	logLevel := flag.String("log-level", "", "override logging.level")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := app.NewLogger(cfg, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "deskrelay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	relay, err := app.NewRelay(cfg, zapLogger)
	if err != nil {
		log.Fatalw("failed to build relay", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("starting deskrelay",
		"api", cfg.Server.Address,
		"signal", cfg.Signal.Address+cfg.Signal.Path,
		"pairing_policy", cfg.Pairing.Policy,
	)
	runErr := relay.Run(ctx)

	if tp != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}

	if runErr != nil {
		log.Errorw("relay stopped", "error", runErr)
		os.Exit(1)
	}
	log.Info("relay stopped")
}
