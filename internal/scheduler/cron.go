package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Cron owns the periodic jobs: the optimization run and the action-log
// archive. Stop drains in-flight jobs before returning.
type Cron struct {
	cron    *cron.Cron
	baseCtx context.Context
	logger  *slog.Logger
}

func NewCron(baseCtx context.Context, logger *slog.Logger) *Cron {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Cron{
		cron:    cron.New(),
		baseCtx: baseCtx,
		logger:  logger.With("component", "cron"),
	}
}

// Add schedules job on the standard 5-field cron spec.
func (c *Cron) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() {
		job(c.baseCtx)
	})
}

func (c *Cron) Start() {
	c.logger.Info("cron started")
	c.cron.Start()
}

func (c *Cron) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.logger.Info("cron stopped")
}
