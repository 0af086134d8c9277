package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/officehours/pkg/version"
)

// Run starts the server and blocks until a shutdown signal arrives or a
// component fails.
func (s *Server) Run() error {
	defer func() { _ = s.store.Close() }()

	if s.cfg.SeedFile != "" {
		if err := LoadSeedFromYAML(s.ctx, s.cfg.SeedFile, s.store); err != nil {
			return fmt.Errorf("server: seed: %w", err)
		}
	}

	ln, err := s.Listen()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(s.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx, ln)
}

// Listen binds the configured address, wrapping it in TLS when enabled.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.cfg.HTTPAddr, err)
	}
	if !s.cfg.TLS {
		return ln, nil
	}
	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}), nil
}

// Serve runs the HTTP server on ln alongside the periodic metrics log
// until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("officehours server running",
			"addr", ln.Addr().String(),
			"tls", s.cfg.TLS,
			"epoch", s.channels.Epoch(),
			"version", version.String(),
		)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.metrics.LogEvery(gctx, s.cfg.MetricsInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().ShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown;
		// cancelling the base context ends their loops.
		s.Shutdown()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.metrics.LogSummary()
	return err
}

// Shutdown cancels the server context, closing every live connection.
func (s *Server) Shutdown() {
	s.cancel()
}
