package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/jaribu/internal/config"
	"github.com/jkaninda/jaribu/internal/gateway/mcpserver"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio (default mode)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `jaribu --config path` and `jaribu serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

// runServe starts the MCP stdio server.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(serveDebug)

	cfg, err := config.LoadOrDefault(goutils.Env("JARIBU_CONFIG", serveConfigPath))
	if err != nil {
		return err
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

	gw := mcpserver.NewGateway(sc.Service, version, logger)
	if err := gw.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
