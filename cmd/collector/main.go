// Package main is the entry point for the register collector service.
// It wires the Modbus transport, the range registry, the collection
// scheduler, and the HTTP control surface together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/adapter/config"
	"github.com/shenjianeng2024/modbus-recoder/internal/adapter/modbus"
	"github.com/shenjianeng2024/modbus-recoder/internal/adapter/mqtt"
	"github.com/shenjianeng2024/modbus-recoder/internal/api"
	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
	"github.com/shenjianeng2024/modbus-recoder/internal/health"
	"github.com/shenjianeng2024/modbus-recoder/internal/metrics"
	"github.com/shenjianeng2024/modbus-recoder/internal/registry"
	"github.com/shenjianeng2024/modbus-recoder/internal/service"
	"github.com/shenjianeng2024/modbus-recoder/internal/sink"
	"github.com/shenjianeng2024/modbus-recoder/pkg/logging"
)

const (
	serviceName    = "modbus-recoder"
	serviceVersion = "1.0.0"
)

func main() {
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting register collector")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Rebuild the logger now that the configured level and format are known.
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Configuration loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Modbus transport
	client, err := modbus.NewClient(modbus.ClientConfig{
		Address:     cfg.Modbus.Address,
		SlaveID:     byte(cfg.Modbus.SlaveID),
		Timeout:     cfg.Modbus.Timeout,
		IdleTimeout: cfg.Modbus.IdleTimeout,
		MaxRetries:  uint64(cfg.Modbus.MaxRetries),
	}, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Modbus client")
	}
	defer func() { _ = client.Disconnect() }()

	// Range registry, seeded from the ranges file when present.
	reg := registry.New(logger)
	if ranges, warnings, err := config.LoadRanges(cfg.RangesPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("path", cfg.RangesPath).Msg("Ranges file not found, starting empty")
		} else {
			logger.Fatal().Err(err).Str("path", cfg.RangesPath).Msg("Failed to load ranges file")
		}
	} else {
		for _, w := range warnings {
			logger.Warn().Str("path", cfg.RangesPath).Str("warning", w).Msg("Ranges file entry skipped")
		}
		for _, rng := range ranges {
			if _, err := reg.Create(rng); err != nil {
				logger.Warn().Err(err).Str("range_id", rng.ID).Msg("Failed to register range")
			}
		}
		logger.Info().Int("count", len(ranges)).Msg("Loaded address ranges")
	}

	// Collection scheduler
	collector := service.NewCollector(service.Config{
		ReadTimeout: cfg.Collection.ReadTimeout,
		HistorySize: cfg.Collection.HistorySize,
	}, reg, client, func(path string, logger zerolog.Logger) service.Sink {
		return sink.NewCSV(path, logger)
	}, logger, metricsRegistry)

	// Optional live publisher
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Topic:          cfg.MQTT.Topic,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create MQTT publisher")
		}
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker unreachable, live publishing disabled until reconnect")
		}
		defer publisher.Disconnect()
		collector.SetPublisher(publisher)
	}

	// Health checks
	healthHandler := health.NewHandler(serviceName, serviceVersion, 5*time.Second, logger)
	healthHandler.Register("modbus", client)
	if publisher != nil {
		healthHandler.Register("mqtt", publisher)
	}

	// HTTP control surface
	apiHandler := api.NewHandler(reg, collector, logger)
	apiHandler.SetConnectionTester(client)
	apiHandler.SetPersist(persistFunc(cfg.RangesPath, reg))

	mw := api.NewMiddleware(cfg.HTTP, logger)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandler.ServeHTTP)
	mux.HandleFunc("/health/live", healthHandler.LivenessHandler)
	mux.HandleFunc("/health/ready", healthHandler.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/ranges", mw.Secure(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("id") != "" {
				apiHandler.GetRangeHandler(w, r)
			} else {
				apiHandler.ListRangesHandler(w, r)
			}
		case http.MethodPost:
			apiHandler.CreateRangeHandler(w, r)
		case http.MethodPut:
			apiHandler.UpdateRangeHandler(w, r)
		case http.MethodDelete:
			apiHandler.DeleteRangeHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/api/ranges/validate", mw.ReadOnly(apiHandler.ValidateRangeHandler))
	mux.HandleFunc("/api/ranges/conflicts", mw.ReadOnly(apiHandler.ConflictsHandler))
	mux.HandleFunc("/api/ranges/export", mw.ReadOnly(apiHandler.ExportRangesHandler))
	mux.HandleFunc("/api/ranges/import", mw.Secure(apiHandler.ImportRangesHandler))

	mux.HandleFunc("/api/collection/start", mw.Secure(apiHandler.StartCollectionHandler))
	mux.HandleFunc("/api/collection/stop", mw.Secure(apiHandler.StopCollectionHandler))
	mux.HandleFunc("/api/collection/status", mw.ReadOnly(apiHandler.CollectionStatusHandler))
	mux.HandleFunc("/api/collection/stats/clear", mw.Secure(apiHandler.ClearStatsHandler))

	mux.HandleFunc("/api/read", mw.Secure(apiHandler.ReadOnceHandler))
	mux.HandleFunc("/api/data/latest", mw.ReadOnly(apiHandler.LatestDataHandler))
	mux.HandleFunc("/api/data/history", mw.ReadOnly(apiHandler.HistoryHandler))
	mux.HandleFunc("/api/data/export", mw.Secure(apiHandler.ExportHistoryHandler))
	mux.HandleFunc("/api/test-connection", mw.Secure(apiHandler.TestConnectionHandler))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if cfg.Collection.AutoStart {
		err := collector.Start(ctx, service.StartConfig{
			SinkPath:    cfg.Collection.SinkPath,
			Interval:    cfg.Collection.Interval,
			Format:      domain.DisplayFormat(cfg.Collection.Format),
			StopOnError: cfg.Collection.StopOnError,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Auto-start of collection session failed")
		}
	}

	logger.Info().
		Str("modbus", cfg.Modbus.Address).
		Int("http_port", cfg.HTTP.Port).
		Int("ranges", len(reg.List())).
		Bool("auto_start", cfg.Collection.AutoStart).
		Msg("Register collector started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if collector.State() == service.StateRunning {
		if err := collector.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping collection session")
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Register collector shutdown complete")
}

// persistFunc writes the current range set back to the ranges file,
// keeping the format implied by the file extension.
func persistFunc(path string, reg *registry.Registry) api.PersistFunc {
	return func(ranges []domain.AddressRange) error {
		if strings.ToLower(filepath.Ext(path)) == ".json" {
			data, err := reg.Export()
			if err != nil {
				return err
			}
			return os.WriteFile(path, data, 0644)
		}
		return config.SaveRanges(path, ranges)
	}
}
