package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/progress"
	"github.com/krxquant/krx-harvester/internal/storage"
)

// Server hosts the JSON facade.
type Server struct {
	cfg    *config.Config
	store  *storage.SQLiteStore
	ledger *progress.Store
	logger *logrus.Entry
}

// NewServer opens the read handles the facade serves from.
func NewServer(cfg *config.Config) (*Server, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		ledger: progress.NewStore(cfg.Storage.ProgressPath),
		logger: logrus.WithField("component", "api"),
	}, nil
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	SetupRoutes(router, s.store, s.ledger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.cfg.Server.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return s.store.Close()
}
