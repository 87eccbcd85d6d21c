package ledger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSchedule aggregates the previous month early on the first day.
const DefaultSchedule = "0 2 1 * *"

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs AggregateAll for the previous month on a cron schedule.
type Scheduler struct {
	agg     *Aggregator
	cron    *cron.Cron
	timeout time.Duration
	log     *zap.Logger
}

// NewScheduler registers the aggregation job. schedule is a standard five-field
// cron expression evaluated in UTC.
func NewScheduler(ctx context.Context, agg *Aggregator, schedule string, timeout time.Duration) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	log := zap.L().With(zap.String("component", "ledger.scheduler"))
	s := &Scheduler{
		agg:     agg,
		timeout: timeout,
		log:     log,
	}
	clog := cronLogger{log: log.Sugar()}
	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := s.cron.AddFunc(schedule, func() { s.Run(ctx) }); err != nil {
		return nil, eris.Wrapf(err, "ledger: parse schedule %q", schedule)
	}
	return s, nil
}

// Run aggregates the month before the aggregator's current time.
func (s *Scheduler) Run(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p := MonthOf(s.agg.clock.Now()).Previous()
	outcomes, err := s.agg.AggregateAll(rctx, p)
	if err != nil {
		s.log.Error("scheduled aggregation failed", zap.String("period", p.String()), zap.Error(err))
		return
	}
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
			s.log.Warn("partner aggregation failed",
				zap.String("period", p.String()),
				zap.String("partner_id", o.PartnerID),
				zap.String("error", o.Error),
			)
		}
	}
	s.log.Info("scheduled aggregation finished",
		zap.String("period", p.String()),
		zap.Int("partners", len(outcomes)),
		zap.Int("failed", failed),
	)
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("ledger schedule started")
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
