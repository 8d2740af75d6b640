package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskrelay/internal/agent"
	"deskrelay/internal/app"
	"deskrelay/internal/infrastructure/monitoring"
	"deskrelay/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config.yaml (streaming section)")
	relayURL := flag.String("relay", "", "relay WebSocket URL (default derived from config)")
	endpointID := flag.String("id", "", "endpoint id to claim; the relay assigns one when empty")
	codec := flag.String("codec", "json", "wire codec: json or cbor")
	logLevel := flag.String("log-level", "", "override logging.level")
	metricsAddr := flag.String("metrics-address", "", "serve streaming metrics on this address, e.g. :9102")
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
	clientCfg.EndpointID = *endpointID
	clientCfg.Codec = *codec

	client, err := agent.NewClient(clientCfg, log.Named("client"))
	if err != nil {
		log.Fatalw("invalid client configuration", "error", err)
	}

	injector := agent.NewLoggingInjector(log.Named("input"))
	host := agent.NewHost(client, agent.NewSyntheticCapturer(), injector, app.FlowConfig(cfg), log.Named("host"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		host.Flow().SetObserver(monitoring.NewPrometheusCollector(reg))
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("metrics server failed", "error", err)
			}
		}()
		context.AfterFunc(ctx, func() { _ = srv.Close() })
	}

	started := time.Now()
	log.Infow("host starting", "relay", url, "codec", *codec)
	if err := host.Run(ctx); err != nil {
		log.Errorw("host stopped", "error", err)
		os.Exit(1)
	}

	pointer, scroll, keys := injector.Counts()
	log.Infow("host stopped",
		"pointer_events", pointer,
		"scroll_events", scroll,
		"key_events", keys,
		"uptime", utils.FormatDuration(time.Since(started)),
	)
}
