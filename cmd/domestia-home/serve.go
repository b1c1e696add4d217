package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"domestia-go-home/internal/coordinator"
	"domestia-go-home/internal/domestia"
	"domestia-go-home/internal/history"
	"domestia-go-home/internal/store"
	"domestia-go-home/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Run the bridge: discover the controller's outputs, poll their state and
serve the HTTP API, MQTT bridge, automations and history sink as configured.`,
	Example: `  domestia-home serve --config /etc/domestia-home/config.yaml`,
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("domestia-go-home starting", "version", version,
		"controller", cfg.Controller.Host, "port", cfg.Controller.Port)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	policy, err := cfg.policy()
	if err != nil {
		return err
	}

	registry := domestia.NewRegistry(logger, domestia.WithTimeout(cfg.Controller.Timeout))
	defer registry.Close()
	client, err := registry.Get(cfg.Controller.Host, cfg.Controller.Port)
	if err != nil {
		return fmt.Errorf("open controller link: %w", err)
	}

	discoverer := domestia.NewDiscoverer(cfg.Controller.Host, cfg.Controller.Port, logger)
	discoverer.Types = policy.Discoverable()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(client, discoverer.Discover, db, policy, events, coordinator.Config{
		Host:         cfg.Controller.Host,
		Port:         cfg.Controller.Port,
		ScanInterval: cfg.Controller.ScanInterval,
		Hold:         cfg.Controller.Hold,
	}, logger.With("component", "coordinator"))

	// History subscribes before the first refresh so initial states are recorded.
	sink := initHistory(events, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(ctx)
	cancel()
	if err != nil {
		sink.Close()
		return fmt.Errorf("start coordinator: %w", err)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	var adv *web.Advertisement
	if cfg.Web.MDNS {
		hostname, _ := os.Hostname()
		adv, err = web.Advertise("domestia-home "+hostname, cfg.Web.Listen, version, cfg.Controller.Host)
		if err != nil {
			logger.Warn("mDNS advertisement failed", "err", err)
		} else {
			logger.Info("mDNS service registered", "type", web.ServiceType)
		}
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	adv.Shutdown()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()
	sink.Close()

	logger.Info("goodbye")
	return nil
}

type historyCloser struct {
	sink *history.Sink
}

func (h *historyCloser) Close() {
	if h.sink != nil {
		h.sink.Close()
	}
}

func initHistory(events *coordinator.EventBus, cfg *Config, logger *slog.Logger) *historyCloser {
	sink, err := history.Connect(history.Config{
		Enabled:       cfg.History.Enabled,
		URL:           cfg.History.URL,
		Token:         cfg.History.Token,
		Org:           cfg.History.Org,
		Bucket:        cfg.History.Bucket,
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.History.FlushInterval,
	}, logger)
	switch {
	case errors.Is(err, history.ErrDisabled):
		return &historyCloser{}
	case err != nil:
		logger.Error("history sink", "err", err)
		return &historyCloser{}
	}
	sink.Attach(events)
	return &historyCloser{sink: sink}
}
