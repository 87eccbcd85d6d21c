package ledger

import (
	"time"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const monthLayout = "2006-01"

// Period is a half-open UTC settlement window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// ParsePeriod parses a calendar month in YYYY-MM form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return Period{}, model.Invalid("period", "must be a month in YYYY-MM form")
	}
	return MonthOf(t), nil
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Previous returns the month before p.
func (p Period) Previous() Period {
	return MonthOf(p.Start.AddDate(0, -1, 0))
}

func (p Period) String() string {
	return p.Start.Format(monthLayout)
}

func (p Period) key(partnerID string) string {
	return partnerID + ":" + p.String()
}
