// Package main provides the lanmesh node entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanmesh/lanmesh/internal/api/server"
	"github.com/lanmesh/lanmesh/internal/config"
	"github.com/lanmesh/lanmesh/internal/logging"
	"github.com/lanmesh/lanmesh/internal/mesh"
	"github.com/lanmesh/lanmesh/internal/metrics"
	"github.com/lanmesh/lanmesh/internal/version"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "lanmeshd",
		Short: "LAN mesh node",
		Long:  `lanmeshd discovers peers on the local network over UDP broadcast and exchanges request/response messages with them over WebSocket links.`,
		RunE:  run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "lanmesh-config.yaml", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultNodeConfig()
			if err := config.LoadAndValidate(configFile, &cfg); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})
}

func run(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg := config.DefaultNodeConfig()
	if err := config.LoadAndValidate(configFile, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	logger := logging.WithComponent("main")
	logger.Info("starting lanmesh node",
		"version", version.Short(),
		"client_code", cfg.Mesh.ClientCode,
		"device_id", cfg.Mesh.DeviceID)

	m := metrics.New()

	coord, err := mesh.NewCoordinator(cfg.Mesh, mesh.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx, ""); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	collector := metrics.NewCollector(m, coord)
	collector.Start()

	var apiSrv *http.Server
	if cfg.API.Enabled {
		api := server.New(server.Config{
			Coordinator: coord,
			Metrics:     m,
			Token:       cfg.API.Token,
		})
		apiSrv = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("API listening", "addr", cfg.API.Listen)
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	logger.Info("node running",
		"local_ip", coord.LocalIP(),
		"ws_port", coord.ServerPort(),
		"udp_port", cfg.Mesh.Discovery.Port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown failed", "error", err)
		}
		shutdownCancel()
	}
	collector.Stop()
	coord.Stop()
	cancel()

	logger.Info("node stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
