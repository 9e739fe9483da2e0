package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/observability"
)

// Purger deletes sessions past the retention window
type Purger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// JanitorConfig configures the purge schedule
type JanitorConfig struct {
	// Schedule is a cron expression; descriptors such as "@every 1h" are accepted
	Schedule  string
	Retention time.Duration
	// Timeout bounds a single purge run
	Timeout time.Duration
}

// DefaultJanitorConfig purges hourly with a 7 day retention
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule:  "@every 1h",
		Retention: DefaultRetention,
		Timeout:   5 * time.Minute,
	}
}

// Janitor runs session purges on a cron schedule, off the request path
type Janitor struct {
	purger  Purger
	config  JanitorConfig
	cron    *cron.Cron
	logger  *logrus.Logger
	metrics *observability.Metrics
	mu      sync.Mutex
	running bool
}

// NewJanitor creates a janitor. Call Start to schedule it. metrics may be nil.
func NewJanitor(purger Purger, config JanitorConfig, logger *logrus.Logger, metrics *observability.Metrics) *Janitor {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultJanitorConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Janitor{
		purger:  purger,
		config:  config,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  logger,
		metrics: metrics,
	}
}

// Start schedules the purge job and starts the scheduler
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	_, err := j.cron.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.config.Timeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.WithError(err).Error("Session purge failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule session purge %q: %w", j.config.Schedule, err)
	}

	j.cron.Start()
	j.running = true
	j.logger.WithFields(logrus.Fields{
		"schedule":  j.config.Schedule,
		"retention": j.config.Retention.String(),
	}).Info("Session janitor started")
	return nil
}

// RunOnce purges immediately
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	deleted, err := j.purger.PurgeExpired(ctx, j.config.Retention)
	if err != nil {
		return 0, err
	}
	j.metrics.SessionsPurged(deleted)
	j.logger.WithFields(logrus.Fields{
		"deleted":     deleted,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Purged expired sessions")
	return deleted, nil
}

// Stop stops scheduling and waits for a running purge until ctx is done
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		j.logger.Warn("Session janitor stop timed out")
	}
	j.running = false
}
