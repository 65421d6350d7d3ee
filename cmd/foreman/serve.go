package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ShayCichocki/foreman/internal/httpapi"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	Long: `Start the broker and serve its API until interrupted.

Routes live under /v1 (tasks, workflows, providers, audit, events).
/healthz reports liveness and /metrics exposes Prometheus metrics.
The X-Requester-ID header identifies the caller for cancellation checks.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, svc, err := startService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	fmt.Printf("%s foreman listening on %s\n", color.GreenString("✓"), addr)

	return httpapi.New(svc).Run(ctx, addr, cfg.Server.ShutdownTimeout)
}
