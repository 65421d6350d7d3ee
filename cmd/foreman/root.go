package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/service"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Multi-provider AI task broker",
	Long: `Foreman brokers AI tasks across several model providers.

It tracks per-provider rate limits and spend, queues tasks by priority with
dependencies and retries, runs them through a tool-calling engine, and turns
high-level directives into planned workflows that end in an approval gate.

Core commands:
- serve      run the HTTP/websocket API
- run        submit a directive and follow its workflow
- task       submit a single task
- providers  inspect providers and set preferences
- audit      query the task lifecycle audit trail`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(prefsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startService builds the runtime and starts the queue. Callers must Close it.
func startService(ctx context.Context) (*config.Config, *service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return nil, nil, err
	}
	return cfg, svc, nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
