// Пакет server — HTTP-сервер Share Module с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/share-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/share-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/share-module/internal/config"
)

// Таймауты HTTP-сервера. Загрузка до квоты владельца идёт одним запросом.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 5 * time.Minute
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 120 * time.Second
)

// Routes — зависимости маршрутизатора.
type Routes struct {
	Files       *handlers.FilesHandler
	Auth        *handlers.AuthHandler
	Health      *handlers.HealthHandler
	System      *handlers.SystemHandler
	Maintenance *handlers.MaintenanceHandler
	// OpenAPI — обработчик /api/openapi.json (nil — маршрут не регистрируется)
	OpenAPI http.HandlerFunc

	JWT *middleware.JWTAuth
	// Limiter — ограничитель частоты (nil — без ограничения)
	Limiter *middleware.Limiter

	RateLimitDownloads int
	RateLimitAuth      int
	RateLimitWindow    time.Duration
}

// NewRouter собирает маршруты API. middlewares применяются ко всем маршрутам
// в порядке переданного среза.
func NewRouter(rt Routes, middlewares ...func(http.Handler) http.Handler) http.Handler {
	router := chi.NewRouter()
	for _, mw := range middlewares {
		router.Use(mw)
	}

	router.Get("/health/live", rt.Health.HealthLive)
	router.Get("/health/ready", rt.Health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Get("/info", rt.System.GetInfo)
		if rt.OpenAPI != nil {
			r.Get("/openapi.json", rt.OpenAPI)
		}

		r.Group(func(r chi.Router) {
			r.Use(rt.Limiter.Middleware("auth", rt.RateLimitAuth, rt.RateLimitWindow))
			r.Post("/auth/register", rt.Auth.Register)
			r.Post("/auth/login", rt.Auth.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(rt.Limiter.Middleware("download", rt.RateLimitDownloads, rt.RateLimitWindow))
			r.Get("/files/download/{token}", rt.Files.Download)
			r.Get("/files/download", rt.Files.DownloadMissingToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(rt.JWT.Middleware())
			r.Post("/files/upload", rt.Files.Upload)
			r.Get("/files", rt.Files.List)
			r.Get("/files/stats", rt.Files.Stats)
			r.Delete("/files/{id}", rt.Files.Delete)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/maintenance/sweep", rt.Maintenance.Sweep)
				r.Post("/maintenance/reconcile", rt.Maintenance.Reconcile)
			})
		})
	})

	return router
}

// Server — HTTP-сервер Share Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер поверх собранного маршрутизатора.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с SM_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.httpServer.TLSConfig != nil),
		)

		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...",
		slog.Duration("timeout", s.cfg.ShutdownTimeout),
	)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
