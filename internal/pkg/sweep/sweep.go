package sweep

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/billing"
	"github.com/mietwerk/mietfox/internal/pkg/cache"
)

const lockKey = "billing:sweep:leader"

// Store is the slice of the billing repository the sweep needs.
type Store interface {
	ListRetryableEvents(ctx context.Context, maxAttempts, limit int, backoffUnit time.Duration, now time.Time) ([]models.RemoteEvent, error)
	ListExhaustedEvents(ctx context.Context, maxAttempts, limit int) ([]models.RemoteEvent, error)
	MarkEventQuarantined(ctx context.Context, id uint, errMsg string) error
	PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher re-drives a stored event through the reconciliation core.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.RemoteEvent) error
}

// Config tunes the recovery sweep.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Linear backoff: an event with n attempts waits n*BackoffUnit before
	// the next try.
	BackoffUnit time.Duration
	Retention   time.Duration
}

// DefaultConfig returns the production sweep settings.
func DefaultConfig() Config {
	return Config{
		Interval:    1 * time.Minute,
		BatchSize:   50,
		MaxAttempts: 5,
		BackoffUnit: 1 * time.Minute,
		Retention:   30 * 24 * time.Hour,
	}
}

// Report summarizes one sweep pass.
type Report struct {
	Retried     int   `json:"retried"`
	Succeeded   int   `json:"succeeded"`
	Failed      int   `json:"failed"`
	Quarantined int   `json:"quarantined"`
	Purged      int64 `json:"purged"`
}

// Sweeper periodically re-drives unprocessed remote events, quarantines
// events whose retry budget is spent and purges old processed rows.
type Sweeper struct {
	store      Store
	dispatcher Dispatcher
	cfg        Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper builds a sweeper; zero config fields fall back to defaults.
func NewSweeper(store Store, dispatcher Dispatcher, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Sweeper{store: store, dispatcher: dispatcher, cfg: cfg}
}

// Start launches the periodic sweep loop. Idempotent.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	log.Infof("[Sweep] started, interval=%s maxAttempts=%d", s.cfg.Interval, s.cfg.MaxAttempts)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	log.Info("[Sweep] stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.acquireLeadership() {
				continue
			}
			report, err := s.RunOnce(context.Background())
			if err != nil {
				log.Errorf("[Sweep] pass failed: %v", err)
				continue
			}
			if report.Retried > 0 || report.Quarantined > 0 || report.Purged > 0 {
				log.Infof("[Sweep] retried=%d succeeded=%d failed=%d quarantined=%d purged=%d",
					report.Retried, report.Succeeded, report.Failed, report.Quarantined, report.Purged)
			}
		}
	}
}

// acquireLeadership elects one process per interval via redis SETNX so
// concurrent app instances do not double-drive the same events.
func (s *Sweeper) acquireLeadership() bool {
	hostname, _ := os.Hostname()
	ok, err := cache.GetClient().SetNX(context.Background(), lockKey, hostname, s.cfg.Interval).Result()
	if err != nil {
		log.Warnf("[Sweep] leader election failed, sweeping anyway: %v", err)
		return true
	}
	return ok
}

// RunOnce executes a single sweep pass: quarantine exhausted events, retry
// due events oldest-first, purge processed rows past retention. Pure DB work;
// callable from the admin API for an on-demand sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	exhausted, err := s.store.ListExhaustedEvents(ctx, s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list exhausted events: %w", err)
	}
	for i := range exhausted {
		event := &exhausted[i]
		msg := billing.NewExhaustedRetriesError(event.Attempts, event.LastError).Error()
		if err := s.store.MarkEventQuarantined(ctx, event.ID, msg); err != nil {
			return report, fmt.Errorf("quarantine event %d: %w", event.ID, err)
		}
		log.Warnf("[Sweep] event %s (%s) quarantined after %d attempts", event.ExternalEventID, event.Type, event.Attempts)
		report.Quarantined++
	}

	retryable, err := s.store.ListRetryableEvents(ctx, s.cfg.MaxAttempts, s.cfg.BatchSize, s.cfg.BackoffUnit, time.Now().UTC())
	if err != nil {
		return report, fmt.Errorf("list retryable events: %w", err)
	}
	for i := range retryable {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		event := &retryable[i]
		report.Retried++
		if err := s.dispatcher.Dispatch(ctx, event); err != nil {
			report.Failed++
			continue
		}
		report.Succeeded++
	}

	purged, err := s.store.PurgeProcessedEventsBefore(ctx, time.Now().UTC().Add(-s.cfg.Retention))
	if err != nil {
		return report, fmt.Errorf("purge processed events: %w", err)
	}
	report.Purged = purged

	return report, nil
}
