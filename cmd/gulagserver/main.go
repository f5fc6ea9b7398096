package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wudi/gulagcleaner/cleaner"
	"github.com/wudi/gulagcleaner/observability"
	"github.com/wudi/gulagcleaner/scripting"
	"github.com/wudi/gulagcleaner/server"
)

const (
	DefaultPort = "8080"

	ServerReadTimeout       = 30 * time.Second
	ServerWriteTimeout      = 60 * time.Second
	ServerIdleTimeout       = 60 * time.Second
	GracefulShutdownTimeout = 10 * time.Second
)

func main() {
	logger := observability.NewSlogLogger(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "gulagserver: %v\n", err)
		os.Exit(1)
	}
}

func run(logger observability.Logger) error {
	cleanerOpts := []cleaner.Option{cleaner.WithLogger(logger)}
	if path := getEnv("CLASSIFIER_SCRIPT", ""); path != "" {
		sc, err := scripting.LoadScriptClassifier(path, scripting.WithLogger(logger))
		if err != nil {
			return err
		}
		cleanerOpts = append(cleanerOpts, cleaner.WithClassifier(sc))
		logger.Info("script classifier loaded", observability.String("path", path))
	}

	gin.SetMode(getEnv(gin.EnvGinMode, gin.ReleaseMode))
	handler := server.New(server.Config{
		MaxFileSize: getEnvInt64("MAX_FILE_SIZE", server.DefaultMaxFileSize),
		Cleaner:     cleaner.New(cleanerOpts...),
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         ":" + getEnv("PORT", DefaultPort),
		Handler:      handler,
		ReadTimeout:  ServerReadTimeout,
		WriteTimeout: ServerWriteTimeout,
		IdleTimeout:  ServerIdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", observability.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-quit:
	}
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
