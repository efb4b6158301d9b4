package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ExpireResult summarizes one expiry pass over a store
type ExpireResult struct {
	Started    time.Time
	Finished   time.Time
	Scanned    int
	Expired    int
	Deleted    int
	BytesFreed int64
	Errors     []string
}

// Expirer removes stored messages whose filename timestamp is before cutoff
type Expirer interface {
	Expire(ctx context.Context, cutoff time.Time, batchSize int) (*ExpireResult, error)
}

// RetentionConfig holds configuration for the retention job
type RetentionConfig struct {
	MaxAge    time.Duration // messages older than this are removed
	Interval  time.Duration // between runs
	BatchSize int           // keys per bulk delete
}

// DefaultRetentionConfig keeps messages for a week and sweeps hourly
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxAge:    7 * 24 * time.Hour,
		Interval:  time.Hour,
		BatchSize: 1000,
	}
}

// RetentionJob periodically expires old messages from a store
type RetentionJob struct {
	store  Expirer
	config RetentionConfig
	logger *slog.Logger
	now    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	running    bool
	lastResult *ExpireResult
}

// NewRetentionJob creates a job; Start runs it
func NewRetentionJob(store Expirer, config RetentionConfig, log *slog.Logger) *RetentionJob {
	def := DefaultRetentionConfig()
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetentionJob{store: store, config: config, logger: log, now: time.Now}
}

// Start runs a pass immediately and then every interval
func (j *RetentionJob) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stop = make(chan struct{})

	j.wg.Add(1)
	go j.loop(j.stop)
	j.logger.Info("retention job started",
		slog.Duration("max_age", j.config.MaxAge),
		slog.Duration("interval", j.config.Interval),
	)
}

// Stop ends the loop and waits for a running pass to finish
func (j *RetentionJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stop)
	j.mu.Unlock()
	j.wg.Wait()
}

// LastResult returns the result of the most recent pass, or nil
func (j *RetentionJob) LastResult() *ExpireResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *RetentionJob) loop(stop <-chan struct{}) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		j.RunNow(ctx)
		cancel()

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RunNow performs one expiry pass
func (j *RetentionJob) RunNow(ctx context.Context) (*ExpireResult, error) {
	cutoff := j.now().Add(-j.config.MaxAge)
	res, err := j.store.Expire(ctx, cutoff, j.config.BatchSize)
	if res == nil {
		res = &ExpireResult{}
	}

	j.mu.Lock()
	j.lastResult = res
	j.mu.Unlock()

	attrs := []any{
		slog.Time("cutoff", cutoff),
		slog.Int("scanned", res.Scanned),
		slog.Int("expired", res.Expired),
		slog.Int("deleted", res.Deleted),
		slog.Int64("bytes_freed", res.BytesFreed),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", res.Finished.Sub(res.Started)),
	}
	if err != nil {
		j.logger.Error("retention pass failed", append(attrs, slog.Any("error", err))...)
		return res, err
	}
	j.logger.Info("retention pass completed", attrs...)
	return res, nil
}
