package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragbridge/internal/logging"
	"ragbridge/internal/metrics"
)

// Report summarizes a provisioning run.
type Report struct {
	Fetched []string
	Skipped []string
	Failed  map[string]error
}

// Materialize downloads key's registered origin into the blob store. It logs
// to the context's logger when there is one.
func (s *Store) Materialize(ctx context.Context, key string) error {
	logger := logging.FromContextOr(ctx, s.logger)
	src, err := s.Lookup(key)
	if err != nil {
		return err
	}
	if src.Origin == "" {
		return fmt.Errorf("%s: no origin: %w", key, ErrNotRegistered)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Origin, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", key, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.CacheFetchTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.CacheFetchTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch %s: unexpected status %s", key, resp.Status)
	}

	start := time.Now()
	digest, size, err := s.writeBlob(resp.Body)
	if err != nil {
		metrics.CacheFetchTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("store %s: %w", key, err)
	}
	if err := s.record(key, digest, size, resp.Header.Get("Content-Type")); err != nil {
		return err
	}

	metrics.CacheFetchTotal.WithLabelValues("ok").Inc()
	metrics.CacheFetchBytes.Add(float64(size))
	logger.Info("materialized cache source",
		zap.String("key", key),
		zap.String("digest", digest),
		zap.Int64("size", size),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Provision materializes every registered source that has no blob yet, at most
// concurrency at a time. Individual failures are collected in the report and
// do not stop the other downloads; the returned error is non-nil only when
// ctx is cancelled or the registry cannot be read.
func (s *Store) Provision(ctx context.Context, concurrency int) (*Report, error) {
	sources, err := s.Sources()
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	logger := logging.FromContextOr(ctx, s.logger)
	report := &Report{Failed: make(map[string]error)}
	// Guards report: download goroutines and this loop both record results.
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for _, src := range sources {
		if _, ok := s.GetFile(src.Key); ok {
			mu.Lock()
			report.Skipped = append(report.Skipped, src.Key)
			mu.Unlock()
			continue
		}
		if src.Origin == "" {
			mu.Lock()
			report.Failed[src.Key] = fmt.Errorf("%s: no origin: %w", src.Key, ErrNotRegistered)
			mu.Unlock()
			continue
		}

		key := src.Key
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return egCtx.Err()
			}
			err := s.Materialize(egCtx, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("provisioning failed", zap.String("key", key), zap.Error(err))
				report.Failed[key] = err
				return nil
			}
			report.Fetched = append(report.Fetched, key)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
