package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/pulse-license-gate/internal/api"
	"github.com/rcourtman/pulse-license-gate/internal/config"
	"github.com/rcourtman/pulse-license-gate/internal/logging"
	"github.com/rcourtman/pulse-license-gate/internal/replay"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	shutdownTimeout        = 30 * time.Second
	metricsShutdownTimeout = 5 * time.Second
)

// gateServer owns the API and metrics listeners for one process.
type gateServer struct {
	api     *http.Server
	metrics *http.Server
	guard   replay.Guard
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Baseline logger for startup, replaced once config is read
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "license-gate",
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "license-gate",
		FilePath:  cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newGateServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.close()

	apiLn, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	var metricsLn net.Listener
	if srv.metrics != nil {
		metricsLn, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = apiLn.Close()
			return fmt.Errorf("listen on %s: %w", cfg.MetricsListen, err)
		}
	}

	return srv.run(ctx, apiLn, metricsLn)
}

func newGateServer(ctx context.Context, cfg *config.Config) (*gateServer, error) {
	validator, err := cfg.NewValidator()
	if err != nil {
		return nil, err
	}

	guard, err := replay.Open(ctx, replay.Options{
		Backend:       cfg.Replay,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open replay guard: %w", err)
	}

	var gate *api.GateConfig
	if upstream := cfg.Upstream(); upstream != nil {
		gate = &api.GateConfig{
			Upstream: upstream,
			Paths:    cfg.GatedPaths,
			Methods:  cfg.GateMethods,
			Mode:     cfg.GateMode,
		}
	}

	router, err := api.NewRouter(api.Options{
		Licenses:  validator,
		Guard:     guard,
		ReplayTTL: cfg.ReplayTTLDuration(),
		Gate:      gate,
	})
	if err != nil {
		_ = guard.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}

	s := &gateServer{
		api: &http.Server{
			Addr:              cfg.Listen,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		guard: guard,
	}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{
			Addr:         cfg.MetricsListen,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
	}

	event := log.Info().
		Str("listen", cfg.Listen).
		Str("key_fingerprint", cfg.KeyFingerprint()).
		Str("replay", cfg.Replay)
	if gate != nil {
		event = event.Str("upstream", gate.Upstream.String()).Strs("gated_paths", gate.Paths).Str("mode", gate.Mode)
	}
	event.Msg("License gate configured")
	return s, nil
}

// run serves until ctx is cancelled or a listener fails, then shuts down.
func (s *gateServer) run(ctx context.Context, apiLn, metricsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", apiLn.Addr().String()).Msg("License API listening")
		if err := s.api.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if s.metrics != nil && metricsLn != nil {
		g.Go(func() error {
			log.Info().Str("addr", metricsLn.Addr().String()).Msg("Metrics endpoint listening")
			if err := s.metrics.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down license gate")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		if s.metrics != nil {
			metricsCtx, metricsCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer metricsCancel()
			if err := s.metrics.Shutdown(metricsCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (s *gateServer) close() {
	if err := s.guard.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close replay guard")
	}
}
