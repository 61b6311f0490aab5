// Package server assembles the HTTP server around the store and the
// completion pipeline.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/pkg/errors"

	apiv1 "github.com/parleyhq/parley/server/router/api/v1"
	"github.com/parleyhq/parley/server/profile"
	"github.com/parleyhq/parley/store"
)

// Server owns the HTTP listener and its dependencies.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
}

// NewServer wires the API against the store and profile.
func NewServer(ctx context.Context, prof *profile.Profile, st *store.Store) (*Server, error) {
	if err := os.MkdirAll(prof.TraceDir(), 0o750); err != nil {
		return nil, errors.Wrap(err, "failed to create trace directory")
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	apiv1.NewAPIV1Service(prof.Secret, prof, st).Register(e)

	s := &Server{
		Profile:    prof,
		Store:      st,
		echoServer: e,
	}
	if err := s.seedModels(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the listener until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	slog.Info("server started", "address", address, "mode", s.Profile.Mode)

	sc := echo.StartConfig{
		Address:         address,
		HideBanner:      true,
		HidePort:        true,
		GracefulTimeout: 10 * time.Second,
	}
	if err := sc.Start(ctx, s.echoServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes the store. The HTTP side is handled by Start's
// shutdown goroutine.
func (s *Server) Shutdown() {
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "err", err)
	}
	slog.Info("server stopped")
}

// seedModels registers a local default model on an empty instance so a
// fresh dev setup can complete against a local runtime out of the box.
func (s *Server) seedModels(ctx context.Context) error {
	if !s.Profile.IsDev() {
		return nil
	}
	models, err := s.Store.ListProviderModels(ctx, &store.FindProviderModel{})
	if err != nil {
		return errors.Wrap(err, "failed to list models")
	}
	if len(models) > 0 {
		return nil
	}
	seeded, err := s.Store.CreateProviderModel(ctx, &store.ProviderModel{
		Name:                "llama3.1",
		Family:              store.ProviderLocal,
		BaseURL:             "http://localhost:11434",
		ContextWindow:       8192,
		MaxCompletionTokens: 2048,
	})
	if err != nil {
		return errors.Wrap(err, "failed to seed default model")
	}
	slog.Info("seeded default model", "model", seeded.Name)
	return nil
}
