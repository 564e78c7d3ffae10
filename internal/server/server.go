// Package server composes the proxy listener, the realtime listener, and
// the optional metrics listener into one process.
package server

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/graphproxy/internal/app"
	"github.com/wudi/graphproxy/internal/cache"
	"github.com/wudi/graphproxy/internal/config"
	"github.com/wudi/graphproxy/internal/gate"
	"github.com/wudi/graphproxy/internal/logging"
	"github.com/wudi/graphproxy/internal/metrics"
	"github.com/wudi/graphproxy/internal/realtime"
	"github.com/wudi/graphproxy/internal/upstream"
)

// Server owns the listeners and the wiring between components.
type Server struct {
	cfg       *config.Config
	registry  *app.Registry
	engine    *cache.Engine
	registrar *realtime.Registrar

	proxySrv   *http.Server
	rtSrv      *http.Server
	metricsSrv *http.Server
}

// New builds a Server from config. The verify token shared by the
// receiver and the registrar is generated here, once per process.
func New(cfg *config.Config) (*Server, error) {
	registry := app.NewRegistry(cfg.Apps)
	engine := cache.NewEngine(cfg.CacheEntries)
	fetcher := upstream.New(cfg.GraphServer)
	verifyToken := uuid.NewString()

	g := gate.New(gate.Config{
		Cache:   engine,
		Apps:    registry,
		Fetcher: fetcher,
	})
	receiver := realtime.NewReceiver(engine, registry, verifyToken)

	callbackBase := fmt.Sprintf("http://%s:%d/", cfg.PublicHostname, cfg.RealtimePort)
	registrar := realtime.NewRegistrar("https://"+cfg.GraphServer, callbackBase, verifyToken)

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		engine:    engine,
		registrar: registrar,
		proxySrv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.ProxyInterface, cfg.ProxyPort),
			Handler:           g,
			ReadHeaderTimeout: 10 * time.Second,
		},
		rtSrv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.RealtimeInterface, cfg.RealtimePort),
			Handler:           receiver,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.MetricsAddress != "" {
		s.metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Run starts the listeners and blocks until SIGINT/SIGTERM, then shuts
// down gracefully. The realtime listener is bound before registration is
// attempted, since the Graph server verifies the callback synchronously.
func (s *Server) Run() error {
	errCh := make(chan error, 3)

	rtLn, err := net.Listen("tcp", s.rtSrv.Addr)
	if err != nil {
		return fmt.Errorf("realtime listener: %w", err)
	}
	logging.Info("realtime endpoint listening", zap.String("addr", s.rtSrv.Addr))
	go func() {
		if err := s.rtSrv.Serve(rtLn); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("realtime server: %w", err)
		}
	}()

	if s.metricsSrv != nil {
		logging.Info("metrics endpoint listening", zap.String("addr", s.metricsSrv.Addr))
		go func() {
			if err := s.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	regCtx, cancelReg := context.WithCancel(context.Background())
	defer cancelReg()
	if s.cfg.PublicHostname != "" {
		go s.registrar.RegisterAll(regCtx, s.registry)
	}

	proxyLn, err := net.Listen("tcp", s.proxySrv.Addr)
	if err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	logging.Info("proxy endpoint listening", zap.String("addr", s.proxySrv.Addr))
	go func() {
		if err := s.proxySrv.Serve(proxyLn); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logging.Error("listener failed", zap.Error(err))
		return err
	}

	cancelReg()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var shutdownErr error
	for _, srv := range []*http.Server{s.proxySrv, s.rtSrv, s.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
	}
	return shutdownErr
}
