package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskrelay/internal/agent"
	"deskrelay/internal/app"
	"deskrelay/internal/core/domain"
	"deskrelay/pkg/utils"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config.yaml")
	relayURL := flag.String("relay", "", "relay WebSocket URL (default derived from config)")
	hostID := flag.String("host", "", "host to pair with; the first available host when empty")
	codec := flag.String("codec", "json", "wire codec: json or cbor")
	report := flag.Duration("report", 5*time.Second, "interval between frame statistics reports")
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

	url := *relayURL
	if url == "" {
		url = app.SignalURL(cfg)
	}
	clientCfg := agent.DefaultClientConfig(url)
	clientCfg.Codec = *codec

	client, err := agent.NewClient(clientCfg, log.Named("client"))
	if err != nil {
		log.Fatalw("invalid client configuration", "error", err)
	}
	controller := agent.NewController(client, domain.EndpointID(*hostID), log.Named("controller"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	if *report > 0 {
		go func() {
			ticker := time.NewTicker(*report)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					logStats(log, controller, started)
				}
			}
		}()
	}

	log.Infow("controller starting", "relay", url, "host", *hostID, "codec", *codec)
	if err := controller.Run(ctx); err != nil {
		log.Errorw("controller stopped", "error", err)
		os.Exit(1)
	}
	logStats(log, controller, started)
}

func logStats(log *zap.SugaredLogger, c *agent.Controller, started time.Time) {
	s := c.Stats()
	p, paired := c.Pairing()
	log.Infow("frames",
		"paired", paired,
		"host", p.HostID,
		"frames", s.Frames,
		"received", utils.FormatBytes(s.Bytes),
		"gaps", s.Gaps,
		"resolution", fmt.Sprintf("%dx%d", s.Width, s.Height),
		"uptime", utils.FormatDuration(time.Since(started)),
	)
}
