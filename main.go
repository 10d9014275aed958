package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/config"
	"github.com/Tutortoise/plate-privacy-service/detections"
)

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	log := newLogger(cfg.Debug)
	log.WithFields(logrus.Fields{
		"mode":         cfg.Mode,
		"input_size":   cfg.InputSize,
		"pool_size":    cfg.PoolSize,
		"cpu_features": detections.CPUFeatures(),
	}).Info("starting plate privacy service")

	engine, cleanup, err := newEngine(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize detector")
	}
	defer cleanup()
	defer engine.Close()

	state, err := NewAppState(cfg, engine, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build service")
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 120 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	log.Info("server stopped")
}
