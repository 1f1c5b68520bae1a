package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/geoingest/internal/ports/output"
)

// ErrRateLimited is returned when a manual purge is triggered too often.
var ErrRateLimited = errors.New("rate limit exceeded")

// triggerCooldown is the minimum time between two manual purges.
const triggerCooldown = 30 * time.Second

// PurgeResult contains the result of a purge run.
type PurgeResult struct {
	Purged          int       `json:"purged"`
	Remaining       int       `json:"remaining"`
	PurgedAt        time.Time `json:"purged_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// Janitor periodically removes staged uploads older than the TTL.
type Janitor struct {
	store    output.UploadStore
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Rate limiting for manual triggers
	lastTrigger time.Time
	triggerMu   sync.Mutex

	// Prevents concurrent purge runs
	runMu sync.Mutex

	nextRun   time.Time
	nextRunMu sync.RWMutex
}

// NewJanitor creates a janitor for store.
func NewJanitor(store output.UploadStore, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		// Allow an immediate first trigger
		lastTrigger: time.Now().Add(-triggerCooldown - time.Second),
	}
}

// Start begins the periodic purge loop.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("starting upload janitor", "interval", j.interval, "ttl", j.ttl)

	j.wg.Add(1)
	go j.run(ctx)
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.setNextRun(j.now().Add(j.interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("upload janitor stopped: context canceled")
			return
		case <-j.stopCh:
			j.logger.Info("upload janitor stopped")
			return
		case <-ticker.C:
			if _, err := j.purge(ctx); err != nil {
				j.logger.Error("purge failed", "error", err)
			}
			j.setNextRun(j.now().Add(j.interval))
		}
	}
}

// Stop gracefully stops the janitor.
func (j *Janitor) Stop() {
	j.logger.Info("stopping upload janitor")
	close(j.stopCh)
	j.wg.Wait()
}

// RunOnce purges expired uploads and returns how many were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	res, err := j.purge(ctx)
	return res.Purged, err
}

// TriggerPurge runs a purge on demand. Returns ErrRateLimited when the
// previous trigger was less than 30 seconds ago.
func (j *Janitor) TriggerPurge(ctx context.Context) (PurgeResult, error) {
	j.triggerMu.Lock()
	defer j.triggerMu.Unlock()

	if j.now().Sub(j.lastTrigger) < triggerCooldown {
		return PurgeResult{}, ErrRateLimited
	}
	j.lastTrigger = j.now()

	return j.purge(ctx)
}

func (j *Janitor) purge(ctx context.Context) (PurgeResult, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	objects, err := j.store.List(ctx)
	if err != nil {
		return PurgeResult{}, err
	}

	cutoff := j.now().Add(-j.ttl).Unix()
	res := PurgeResult{PurgedAt: j.now(), NextScheduledAt: j.getNextRun()}
	for _, obj := range objects {
		if obj.LastModified >= cutoff {
			res.Remaining++
			continue
		}
		if err := j.store.Delete(ctx, obj.Key); err != nil {
			j.logger.Warn("failed to purge staged upload", "key", obj.Key, "error", err)
			res.Remaining++
			continue
		}
		res.Purged++
	}

	if res.Purged > 0 {
		j.logger.Info("expired uploads purged", "purged", res.Purged, "remaining", res.Remaining)
	}
	return res, nil
}

func (j *Janitor) setNextRun(t time.Time) {
	j.nextRunMu.Lock()
	defer j.nextRunMu.Unlock()
	j.nextRun = t
}

func (j *Janitor) getNextRun() time.Time {
	j.nextRunMu.RLock()
	defer j.nextRunMu.RUnlock()
	return j.nextRun
}
