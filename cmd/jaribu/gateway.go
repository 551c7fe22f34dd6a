package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/jaribu/internal/config"
	"github.com/jkaninda/jaribu/internal/gateway/httpapi"
	"github.com/jkaninda/jaribu/internal/gateway/ws"
	"github.com/jkaninda/jaribu/internal/ratelimit"
)

var (
	gatewayConfigPath string
	gatewayAddr       string
	gatewayDocs       bool
	gatewayDebug      bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the HTTP API gateway",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	gatewayCmd.Flags().StringVar(&gatewayAddr, "addr", "", "override listen address (e.g. :8080)")
	gatewayCmd.Flags().BoolVar(&gatewayDocs, "docs", false, "serve OpenAPI documentation")
	gatewayCmd.Flags().BoolVar(&gatewayDebug, "debug", false, "enable debug logging")
}

// runGateway starts the HTTP gateway with the optional WebSocket event
// stream and janitor.
func runGateway(_ *cobra.Command, _ []string) error {
	logger := newLogger(gatewayDebug)

	cfg, err := config.LoadOrDefault(goutils.Env("JARIBU_CONFIG", gatewayConfigPath))
	if err != nil {
		return err
	}
	if cfg.Gateway == nil {
		cfg.Gateway = &config.GatewayConfig{}
	}
	if gatewayAddr != "" {
		cfg.Gateway.Addr = gatewayAddr
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelJanitor, err := sc.StartJanitor(ctx)
	if err != nil {
		return err
	}
	defer cancelJanitor()

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.ListenAddr(),
		APIKey:     cfg.Gateway.APIKey,
		EnableDocs: gatewayDocs,
	}
	if cfg.Gateway.RateLimitPerMinute > 0 {
		gwCfg.RateLimit = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.RateLimitPerMinute,
			BurstSize:         cfg.Gateway.RateLimitBurst,
		})
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		gwCfg.HealthChecker = sc.Obs.Health
	}

	gw := httpapi.NewGateway(gwCfg, sc.Service, logger)

	var hub *ws.Hub
	if cfg.Gateway.EnableWS {
		hub = ws.NewHub(cfg.Gateway.APIKey, logger)
		sc.Subscribe(hub.Publish)
		gw.WithHandler("/ws", hub.Handler())
		logger.Debug("websocket event stream enabled")
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	if hub != nil {
		hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
