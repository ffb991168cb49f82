package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"nuvogw/internal/broadcast"
	"nuvogw/internal/config"
	"nuvogw/internal/discovery"
	"nuvogw/internal/eventbus"
	"nuvogw/internal/gateway"
	"nuvogw/internal/httpapi"
	"nuvogw/internal/mcs"
	"nuvogw/internal/mrad"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		slog.Error("parse config", "err", err)
		os.Exit(1)
	}
	if cfg.Host == "" {
		slog.Error("nuvo-host is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	bus := eventbus.New(cfg.SubscriberQueueDepth)

	mradClient := mrad.New(mrad.Config{
		Host:           cfg.Host,
		Port:           cfg.MRADPort,
		CommandTimeout: cfg.CommandTimeout,
	}, bus)
	if err := mradClient.Connect(ctx); err != nil {
		slog.Warn("initial MRAD connect failed, will retry on first request", "err", err)
	}

	mcsClient := mcs.New(mcs.Config{
		Host:               cfg.Host,
		Port:               cfg.MCSPort,
		ClientName:         cfg.ClientName,
		CommandTimeout:     cfg.MCSCommandTimeout,
		ReconnectSettle:    cfg.ReconnectSettle,
		ReconnectStabilize: cfg.ReconnectStabilize,
	})
	if err := mcsClient.Connect(ctx); err != nil {
		slog.Warn("initial MCS connect failed, will retry on first request", "err", err)
	}

	facade := gateway.New()
	facade.SetMRAD(mradClient)
	facade.SetMCS(mcsClient)

	bcast := broadcast.New(bus)
	defer bcast.Close()

	go RunHealthLog(ctx, facade, 30*time.Second)

	scanner := discovery.New(discovery.Config{
		MRADPort:    cfg.MRADPort,
		MCSPort:     cfg.MCSPort,
		Concurrency: cfg.DiscoveryConcurrency,
	})

	server := httpapi.New(facade, bcast, scanner)
	slog.Info("starting http server", "addr", cfg.HTTPAddr)
	if err := server.Run(ctx, cfg.HTTPAddr); err != nil {
		slog.Error("http server", "err", err)
		os.Exit(1)
	}
}
