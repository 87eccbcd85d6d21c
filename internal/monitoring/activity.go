package monitoring

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// ActivityWriter is the slice of the monitor store the recorder needs.
type ActivityWriter interface {
	AppendActivity(ctx context.Context, e model.ActivityEntry) error
}

var _ ActivityWriter = (store.MonitorStore)(nil)

// Recorder appends entries to the activity log. A nil Recorder drops entries,
// so engine components can take one optionally.
type Recorder struct {
	st    ActivityWriter
	clock clockwork.Clock
}

// NewRecorder creates a recorder. A nil clock means the wall clock.
func NewRecorder(st ActivityWriter, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{st: st, clock: clock}
}

// Record appends one activity entry. details is stored as JSON when non-nil.
// Failures are logged and never returned: the activity log must not fail the
// operation it describes.
func (r *Recorder) Record(ctx context.Context, kind, message string, details any) {
	if r == nil || r.st == nil {
		return
	}
	entry := model.ActivityEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		CreatedAt: r.clock.Now().UTC(),
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			zap.L().Warn("monitoring: marshal activity details", zap.String("kind", kind), zap.Error(err))
		} else {
			entry.Details = string(b)
		}
	}
	if err := r.st.AppendActivity(context.WithoutCancel(ctx), entry); err != nil {
		zap.L().Warn("monitoring: append activity",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
