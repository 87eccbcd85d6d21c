// Package monitoring measures data completeness, keeps the derived issue set
// in sync with persisted state and writes the activity log.
package monitoring

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// Monitor serves completeness reports, issues and activity.
type Monitor struct {
	st        Store
	collector *Collector
	clock     clockwork.Clock
	activity  *Recorder
	log       *zap.Logger
}

// New creates a monitor. A nil clock means the real clock.
func New(st Store, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		st:        st,
		collector: NewCollector(st, clock),
		clock:     clock,
		activity:  NewRecorder(st, clock),
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Completeness computes the completeness report for scope.
func (m *Monitor) Completeness(ctx context.Context, scope Scope) (*Report, error) {
	return m.collector.Collect(ctx, scope)
}

// Issues lists stored issues, newest first.
func (m *Monitor) Issues(ctx context.Context, includeResolved bool, limit int) ([]model.Issue, error) {
	return m.st.ListIssues(ctx, includeResolved, limit)
}

// Activity lists the activity log, newest first.
func (m *Monitor) Activity(ctx context.Context, limit int) ([]model.ActivityEntry, error) {
	return m.st.ListActivity(ctx, limit)
}
