package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/novel-creator/internal/progress"
	"github.com/jonathan/novel-creator/internal/server"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the task, stage, chapter and outline endpoints.
Progress events are pushed to WebSocket clients on /ws.`,
	RunE: runServe,
}

func init() {
	addConfigFlag(serveCmd, &serveConfigPath)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default 8080 or PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	hub := progress.NewHub()
	go hub.Run(ctx)

	eng, err := newEngine(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv, err := server.New(server.Config{
		Port:         cfg.Port,
		Orchestrator: eng.orch,
		Hub:          hub,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start()
}
