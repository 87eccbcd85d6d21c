package monitoring

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/metrics"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// RefreshResult lists the issues a refresh opened and resolved.
type RefreshResult struct {
	Opened   []model.Issue `json:"opened"`
	Resolved []model.Issue `json:"resolved"`
	Open     int           `json:"open"`
}

func blockSubject(validator string, block int64) string {
	return validator + "@" + strconv.FormatInt(block, 10)
}

// DeriveIssues computes the current issue set from persisted state. Issues
// are keyed so the same condition always derives the same key.
func (c *Collector) DeriveIssues(ctx context.Context) ([]model.Issue, error) {
	var out []model.Issue
	add := func(category string, sev model.Severity, subject, msg string) {
		out = append(out, model.Issue{
			Key:      category + ":" + subject,
			Category: category,
			Severity: sev,
			Subject:  subject,
			Message:  msg,
		})
	}

	ings, err := c.st.ListIngestions(ctx, store.IngestionFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list ingestions")
	}
	for _, ing := range ings {
		subject := blockSubject(ing.ValidatorHotkey, ing.BlockNumber)
		switch ing.CompletenessFlag {
		case model.FlagMissing:
			add(model.IssueBlockMissing, model.SeverityCritical, subject, "block has no yield record")
		case model.FlagPartial:
			msg := "block attribution is partial"
			if ing.ConsistencyNote != "" {
				msg += ": " + ing.ConsistencyNote
			}
			add(model.IssueBlockPartial, model.SeverityWarning, subject, msg)
		}
	}

	events, err := store.AllConversions(ctx, c.st, store.ConversionFilter{Status: model.AllocationUnallocated})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unallocated conversions")
	}
	for _, ev := range events {
		add(model.IssueConversionUnallocated, model.SeverityCritical, ev.ID,
			"conversion "+ev.ExternalID+" at block "+strconv.FormatInt(ev.BlockNumber, 10)+" funded no attributions")
	}

	disputed, err := c.st.ListLedgerEntries(ctx, model.LedgerFilter{Status: model.LedgerDisputed})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list disputed entries")
	}
	for _, e := range disputed {
		add(model.IssueLedgerDisputed, model.SeverityWarning, e.ID,
			"ledger entry for "+e.PartnerID+" is disputed: "+e.DisputeReason)
	}

	retries, err := c.st.ListRetries(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list retries")
	}
	metrics.RetryQueueDepth.Set(float64(len(retries)))
	for _, r := range retries {
		if r.CanRetry() {
			continue
		}
		add(model.IssueRetryExhausted, model.SeverityCritical, blockSubject(r.ValidatorHotkey, r.BlockNumber),
			"block ingestion failed "+strconv.Itoa(r.RetryCount)+" times: "+r.Error)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Refresh reconciles stored open issues with the derived set: new conditions
// are opened and conditions that no longer hold are resolved. Elapsed time
// alone never resolves an issue.
func (m *Monitor) Refresh(ctx context.Context) (*RefreshResult, error) {
	derived, err := m.collector.DeriveIssues(ctx)
	if err != nil {
		return nil, err
	}
	open, err := m.st.OpenIssues(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list open issues")
	}

	openByKey := make(map[string]model.Issue, len(open))
	for _, is := range open {
		openByKey[is.Key] = is
	}
	derivedKeys := make(map[string]bool, len(derived))
	now := m.clock.Now().UTC()
	res := &RefreshResult{Opened: []model.Issue{}, Resolved: []model.Issue{}}

	for _, is := range derived {
		derivedKeys[is.Key] = true
		if _, ok := openByKey[is.Key]; ok {
			continue
		}
		is.ID = uuid.NewString()
		is.OpenedAt = now
		if err := m.st.OpenIssue(ctx, is); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return res, err
		}
		res.Opened = append(res.Opened, is)
		m.activity.Record(ctx, model.ActivityIssueOpened, is.Message, is)
	}

	for _, is := range open {
		if derivedKeys[is.Key] {
			continue
		}
		if err := m.st.ResolveIssue(ctx, is.ID, now); err != nil {
			if model.IsNotFound(err) {
				continue
			}
			return res, err
		}
		is.ResolvedAt = &now
		res.Resolved = append(res.Resolved, is)
		m.activity.Record(ctx, model.ActivityIssueClosed, "resolved: "+is.Message, is)
	}

	res.Open = len(open) + len(res.Opened) - len(res.Resolved)
	counts := map[model.Severity]int{}
	for _, is := range derived {
		counts[is.Severity]++
	}
	metrics.OpenIssues.WithLabelValues(string(model.SeverityCritical)).Set(float64(counts[model.SeverityCritical]))
	metrics.OpenIssues.WithLabelValues(string(model.SeverityWarning)).Set(float64(counts[model.SeverityWarning]))

	if len(res.Opened) > 0 || len(res.Resolved) > 0 {
		m.log.Info("issues refreshed",
			zap.Int("opened", len(res.Opened)),
			zap.Int("resolved", len(res.Resolved)),
			zap.Int("open", res.Open),
		)
	}
	return res, nil
}
