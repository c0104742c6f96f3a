package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/engine"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/host/redishost"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		redisAddr string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Pulsar engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultDaemonConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadDaemonConfig(configFile)
				if err != nil {
					return err
				}
			}
			config.LoadDaemonEnv(cfg)
			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", "localhost:6379", "Redis address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func runDaemon(cfg *config.DaemonConfig) error {
	logging.SetLevelFromString(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		logging.UseJSON()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := redishost.New(ctx, redishost.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		ShardID:  cfg.Redis.ShardID,
	})
	if err != nil {
		return fmt.Errorf("connect host: %w", err)
	}

	engineCfg := config.NewEngine()
	if err := cfg.ApplyEngine(engineCfg); err != nil {
		return fmt.Errorf("apply engine config: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	tracer, err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Host:    h,
		Config:  engineCfg,
		Metrics: m,
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if m != nil {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			logging.Op().Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logging.Op().Warn("metrics server stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: commandHandler(eng),
	}
	go func() {
		logging.Op().Info("command surface listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("command server stopped", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Op().Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	// Persist registrations before the process leaves.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if err := eng.AuxSave(saveCtx); err != nil {
		logging.Op().Warn("final aux save failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	tracer.Shutdown(shutdownCtx)
	return eng.Close()
}

type commandRequest struct {
	Args []string `json:"args"`
}

type commandResponse struct {
	Reply interface{} `json:"reply,omitempty"`
	Error string      `json:"error,omitempty"`
}

// commandHandler serves the engine command surface as a JSON endpoint:
// POST /command {"args": ["pulsar.trigger", "name", ...]}.
func commandHandler(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := eng.HandleCommand(r.Context(), &hook.Command{Args: req.Args})
		resp := commandResponse{Reply: reply}
		if err != nil {
			resp.Error = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
