package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/proxygui/proxyd/internal/model"
)

const defaultProbeTimeout = 5 * time.Second

// NewHealthCheck returns a stopped scheduler that probes every running
// worker of r on the configured schedule. The caller owns Start and
// Shutdown. A nil cfg yields a nil scheduler.
func NewHealthCheck(ctx context.Context, cfg *model.Health, r *Registry) (gocron.Scheduler, error) {
	if cfg == nil {
		return nil, nil
	}

	timeout := defaultProbeTimeout
	if cfg.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parsing service.health.timeout: %w", err)
		}
	}

	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.health.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "health check scheduled", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.health.duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("service.health.duration must be positive")
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "health check scheduled", "every", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { probe(ctx, r, timeout) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func probe(ctx context.Context, r *Registry, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for id, err := range r.Probe(ctx) {
		slog.WarnContext(ctx, "worker unhealthy", "service_id", id, "error", err)
	}
}
