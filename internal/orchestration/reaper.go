package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// StartReaper runs Reap on the configured reap_schedule until Close.
func (m *Manager) StartReaper() error {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(m.opts.Config.ReapSchedule, func() {
		dropped, purged := m.Reap(context.Background())
		if dropped+purged > 0 {
			m.log.Info("reaped sessions", zap.Int("dropped", dropped), zap.Int("purged", purged))
		}
	})
	if err != nil {
		return fmt.Errorf("orchestration: reap schedule %q: %w", m.opts.Config.ReapSchedule, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("orchestration: reaper already running")
	}
	c.Start()
	m.cron = c
	return nil
}

// NextReap returns when the reaper fires next after now. It returns the
// zero time for an invalid schedule.
func NextReap(schedule string, now time.Time) time.Time {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now)
}
