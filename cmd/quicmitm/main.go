package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/quicmitm/quicmitm/config"
	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/logger"
	"github.com/quicmitm/quicmitm/metrics"
	"github.com/quicmitm/quicmitm/proxy"
	"github.com/quicmitm/quicmitm/quic"
	"github.com/quicmitm/quicmitm/server"
)

var version = "DEV"

func main() {
	app := &cli.App{
		Name:    "quicmitm",
		Usage:   "QUIC man-in-the-middle proxy",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: config.FlagConfig, Usage: "config file path"},
			&cli.StringFlag{Name: config.FlagListen, Value: "0.0.0.0:8443", Usage: "UDP address to accept QUIC on"},
			&cli.StringFlag{Name: config.FlagUpstream, Usage: "upstream UDP address to proxy to"},
			&cli.IntFlag{Name: config.FlagConnectionIDLength, Value: 8, Usage: "host connection ID length"},
			&cli.StringFlag{Name: config.FlagSecretsLogFile, Usage: "write TLS master secrets in SSLKEYLOGFILE format"},
			&cli.StringFlag{Name: config.FlagMetrics, Value: "localhost:20241", Usage: "metrics listen address"},
			&cli.BoolFlag{Name: config.FlagRoaming, Value: true, Usage: "allow clients to migrate across UDP 4-tuples"},
			&cli.StringFlag{Name: "cert", Usage: "PEM certificate presented to clients"},
			&cli.StringFlag{Name: "key", Usage: "PEM private key for --cert"},
			&cli.StringFlag{Name: logger.LogLevelFlag, Value: "info", Usage: "log level"},
			&cli.StringFlag{Name: logger.LogFileFlag, Usage: "log file path"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logger.CreateLoggerFromContext(c)

	cfg, err := config.Read(c)
	if err != nil {
		return err
	}

	engines := engine.DefaultFactory()
	if engines == nil {
		return fmt.Errorf("no QUIC engine registered; link an engine binding into this build")
	}

	addon, err := newTLSConfigAddon(c.String("cert"), c.String("key"))
	if err != nil {
		return err
	}

	rt := proxy.NewRuntime(proxy.Options{
		ConnectionIDLength: cfg.ConnectionIDLength,
		StreamFlowLimit:    cfg.StreamFlowLimit,
	}, addon, engines, log)

	if cfg.SecretsLogFile != "" {
		sink, err := newSecretsSink(cfg.SecretsLogFile)
		if err != nil {
			return err
		}
		defer sink.Close()
		rt.Secrets = sink.Log
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errGroup, ctx := errgroup.WithContext(ctx)

	metricsListener, err := net.Listen("tcp", cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	errGroup.Go(func() error {
		return metrics.ServeMetrics(ctx, metricsListener, log)
	})

	listenAddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for QUIC: %w", err)
	}

	srv := server.New(quic.NewRuntime(rt), server.Config{
		UpstreamAddr:   cfg.Upstream,
		CanRoam:        cfg.Roaming,
		CloseAfterIdle: cfg.CloseAfterIdle,
	}, log)
	errGroup.Go(func() error {
		return srv.Serve(ctx, udpConn)
	})

	err = errGroup.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
