// Package server wires the ingestion and query endpoints together: the
// binding validator in front of writes, the privacy codec between the
// request and the store, and the validator-set cache refreshing in the
// background.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/toncenter/telemetry/internal/binding"
	"github.com/toncenter/telemetry/internal/valset"
)

type Server struct {
	log *slog.Logger
	cfg Config

	valset  *valset.Cache
	handler *Handler

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	validator, err := binding.NewValidator(log, cfg.Clock, cfg.Telemetry, cfg.BindingWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create binding validator: %w", err)
	}

	vs, err := valset.NewCache(log, cfg.Clock, cfg.ValsetRefreshInterval, cfg.CyclesClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator set cache: %w", err)
	}

	h, err := NewHandler(log, cfg, validator, vs)
	if err != nil {
		return nil, err
	}

	return &Server{
		log:     log,
		cfg:     cfg,
		valset:  vs,
		handler: h,
	}, nil
}

// Start runs the validator-set refresher and the HTTP server. The
// refresher never gates request handling; it only feeds annotations.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go s.handler.countryCache.Start()

	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.valset.Run(ctx); err != nil {
			s.log.Error("failed to run validator set cache", "error", err)
			errCh <- err
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.Serve(ctx, listener); err != nil {
			s.log.Error("server exited with error", "error", err)
			errCh <- err
		} else {
			s.log.Info("server stopped")
		}
	}()

	go func() {
		wg.Wait()
		s.handler.countryCache.Stop()
		close(errCh)
	}()

	return errCh
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	s.handler.Register(mux)

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
}
