package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/NeroReflex/embuer/internal/logger"
)

// Poller periodically enqueues a URL UpdateRequest on the scheduler. It
// contains no install logic of its own: the scheduler and its queue
// contract remain the single source of truth for what happens to a
// request. Built on robfig/cron so the poll cadence is expressed the same
// way other scheduled maintenance in this codebase's dependency set is.
type Poller struct {
	scheduler *Scheduler
	url       string
	cron      *cron.Cron
}

// NewPoller constructs a poller for url. interval is not stored; the poll
// cadence is the interval passed to Start. If url is empty, the returned
// Poller's Start is a no-op (no update_url configured).
func NewPoller(s *Scheduler, url string, interval time.Duration) *Poller {
	return &Poller{scheduler: s, url: url, cron: cron.New()}
}

// Start begins the periodic poll. It returns immediately; polling runs in
// the cron library's own goroutine until Stop is called.
func (p *Poller) Start(ctx context.Context, interval time.Duration) error {
	if p.url == "" {
		return nil
	}

	spec := cron.ConstantDelaySchedule{Delay: interval}

	p.cron.Schedule(spec, cron.FuncJob(func() {
		if p.scheduler.UpdateAlreadyOccurred() {
			logger.Debug("Poller: update already occurred, skipping", logger.Ctx{"url": p.url})
			return
		}

		if err := p.scheduler.EnqueueURL(ctx, p.url); err != nil {
			logger.Warn("Poller: failed to enqueue URL request", logger.Ctx{"url": p.url, "err": err})
		}
	}))

	p.cron.Start()

	return nil
}

// Stop terminates the poller; in-flight cron jobs finish, no new ones fire.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}
