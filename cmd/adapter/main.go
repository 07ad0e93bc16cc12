package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eipstack/adapter/internal/config"
	"github.com/eipstack/adapter/internal/logging"
	"github.com/eipstack/adapter/internal/metrics"
	"github.com/eipstack/adapter/pkg/runtime"
	"github.com/eipstack/adapter/pkg/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "adapter",
		Short:         "EtherNet/IP adapter-class device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd(configPath)
		},
	}
	root.AddCommand(serve)
	return root
}

func serveCmd(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	engine, err := runtime.New(cfg, nil, registry, logger)
	if err != nil {
		return err
	}
	logger.Info("starting " + engine.String())

	tcpSrv := transport.NewTCPServer(engine, logger.Named("tcp"))
	if err := tcpSrv.Start(fmt.Sprintf(":%d", cfg.Network.EncapPort)); err != nil {
		return err
	}
	defer tcpSrv.Close()

	udpSrv := transport.NewUDPServer(engine, nil, logger.Named("udp"))
	if err := udpSrv.Start(fmt.Sprintf(":%d", cfg.Network.EncapPort)); err != nil {
		return err
	}
	defer udpSrv.Close()
	engine.SetUDPSender(udpSrv.Send)

	if cfg.Network.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(registry))
			if err := http.ListenAndServe(cfg.Network.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
