package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/middleware"
	"github.com/congo-pay/custody/internal/routes"
)

// Server wraps the Fiber application and the background reconciler.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services routes.Services
	logger   *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(d routes.Deps) (*Server, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		AppName:      d.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(d.Logger),
	})

	services, err := routes.Setup(app, d)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: d.Cfg, services: services, logger: d.Logger}, nil
}

// Run serves HTTP and runs the reconciler until ctx is canceled or the
// listener fails, then shuts the listener down within the configured period.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.app.Listen(s.cfg.Address()); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("http listener stopped")
	})

	g.Go(func() error {
		s.services.Reconciler.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownPeriod)
		defer cancel()
		s.logger.Info("shutting down http server")
		return s.app.ShutdownWithContext(shutdownCtx)
	})

	return g.Wait()
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
