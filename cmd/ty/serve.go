package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/dashboard"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control surface",
		Long: `Starts the session manager and its HTTP API. Teams are created with
POST /api/sessions; live events stream over SSE or WebSocket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to teamyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.StartReaper(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a.log.Info("serving", zap.Int("port", cfg.Server.Port), zap.String("database", cfg.Database.Driver))
	return dashboard.Start(ctx, dashboard.Options{
		Manager: a.manager,
		Metrics: a.metrics,
		Logger:  a.log,
		Port:    cfg.Server.Port,
		Out:     cmd.OutOrStdout(),
	})
}
