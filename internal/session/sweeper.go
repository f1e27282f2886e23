package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// StartSweeper runs m.Sweep every interval (rounded up to whole seconds by cron).
// Overlapping runs are skipped. Stop the returned scheduler with Stop().
func StartSweeper(ctx context.Context, m *Manager, interval time.Duration) (*cron.Cron, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be > 0, got %s", interval)
	}
	logger := cronLogger{l: m.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { m.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	m.logger.Info("search sweeper started", "interval", interval, "ttl", m.ttl, "retention", m.retention)
	return c, nil
}
