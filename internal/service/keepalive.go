package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/CZERTAINLY/vbox-robot/internal/model"
)

const keepAliveTimeout = 30 * time.Second

var cronWithSeconds = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a cron expression with 5 fields, 6 fields starting with
// seconds or a descriptor like @every 1m. It reports whether the
// expression has seconds.
func ParseCron(expr string) (bool, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return false, fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard.
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return false, err
	}

	switch n := len(strings.Fields(e)); n {
	case 5:
		_, err := cron.ParseStandard(e)
		return false, err
	case 6:
		_, err := cronWithSeconds.Parse(e)
		return true, err
	default:
		return false, fmt.Errorf("expected 5 or 6 fields, got %d", n)
	}
}

func keepAliveJob(cfg model.VBox) (gocron.JobDefinition, error) {
	if !cfg.KeepAliveCron() {
		return gocron.DurationJob(cfg.KeepAliveInterval()), nil
	}
	withSeconds, err := ParseCron(cfg.KeepAlive)
	if err != nil {
		return nil, fmt.Errorf("parsing vbox.keepalive: %w", err)
	}
	return gocron.CronJob(strings.TrimSpace(cfg.KeepAlive), withSeconds), nil
}

// newScheduler starts a scheduler running task on every tick of job.
func newScheduler(ctx context.Context, job gocron.JobDefinition, task func()) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("creating keep alive job: %w", err)
	}
	s.Start()
	slog.DebugContext(ctx, "keep alive scheduled", "job", job)
	return s, nil
}

// keepAlive asks the web service for its version so that the session does
// not expire while no VM is being driven.
func (s *Service) keepAlive(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, keepAliveTimeout)
	defer cancel()
	version, err := s.api.Version(ctx, s.vbox)
	if err != nil {
		slog.WarnContext(ctx, "keep alive failed", "error", err)
		return
	}
	slog.DebugContext(ctx, "keep alive", "version", version)
}
