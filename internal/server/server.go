// Package server runs a service's HTTP listener next to its background
// workers and shuts both down together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/walletsettle/internal/lease"
	"github.com/punchamoorthee/walletsettle/internal/logger"
)

// Worker runs until ctx is done.
type Worker struct {
	Name string
	Run  func(ctx context.Context)
}

// Run serves srv and starts every worker. When ctx is done or the listener
// fails, it stops accepting requests, cancels the workers and waits up to
// shutdownTimeout for both to finish.
func Run(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, workers ...Worker) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			logger.Info("worker started", logger.Fields{"worker": w.Name})
			w.Run(workerCtx)
			logger.Info("worker stopped", logger.Fields{"worker": w.Name})
		}(w)
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("http server starting", logger.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case err := <-errChan:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", err, nil)
	}

	stopWorkers()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("server gracefully stopped", nil)
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before shutdown timeout", nil)
	}
	return serveErr
}

// NewLocker returns a Redis-backed lease when redisAddr is set and reachable,
// and an in-process one otherwise. close releases the Redis client.
func NewLocker(ctx context.Context, redisAddr, prefix string) (lease.Locker, func() error) {
	if redisAddr == "" {
		logger.Info("no redis configured, using in-process lease", nil)
		return lease.NewLocal(), func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-process lease", logger.Fields{"addr": redisAddr, "error": err.Error()})
		client.Close()
		return lease.NewLocal(), func() error { return nil }
	}

	logger.Info("using redis lease", logger.Fields{"addr": redisAddr, "prefix": prefix})
	return lease.NewRedis(client, prefix), client.Close
}
