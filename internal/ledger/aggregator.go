// Package ledger rolls partner-owned settlement into payable ledger entries
// and moves those entries through their payment lifecycle.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rakeback-engine/internal/metrics"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/rules"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// Store is the persistence the aggregator needs.
type Store interface {
	store.LedgerStore
	store.Locker
	AllocationsForPeriod(ctx context.Context, from, to time.Time) ([]model.AllocationDetail, error)
	GetPartner(ctx context.Context, id string) (*model.Partner, error)
	ListPartners(ctx context.Context) ([]model.Partner, error)
}

// Classifiers builds a fresh rule snapshot.
type Classifiers interface {
	LoadClassifier(ctx context.Context) (*rules.Classifier, error)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) {
		a.clock = c
	}
}

// WithActivity records aggregations and status changes in the activity log.
func WithActivity(r *monitoring.Recorder) Option {
	return func(a *Aggregator) {
		a.activity = r
	}
}

// WithLeaseTTL bounds how long a period lease survives a crashed worker.
func WithLeaseTTL(d time.Duration) Option {
	return func(a *Aggregator) {
		a.leaseTTL = d
	}
}

// WithWorkers bounds how many partners AggregateAll processes at once.
func WithWorkers(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// Aggregator builds ledger entries. Aggregations of the same partner and
// period never overlap: in process they share a mutex and across processes
// a storage lease.
type Aggregator struct {
	st       Store
	rules    Classifiers
	clock    clockwork.Clock
	activity *monitoring.Recorder
	locks    *xsync.Map[string, *sync.Mutex]
	leaseTTL time.Duration
	workers  int
	owner    string
	log      *zap.Logger
}

// New creates an aggregator.
func New(st Store, rs Classifiers, opts ...Option) *Aggregator {
	a := &Aggregator{
		st:       st,
		rules:    rs,
		clock:    clockwork.NewRealClock(),
		locks:    xsync.NewMap[string, *sync.Mutex](),
		leaseTTL: 5 * time.Minute,
		workers:  4,
		owner:    "ledger-" + uuid.NewString(),
		log:      zap.L().With(zap.String("component", "ledger")),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// withPeriodLock runs fn as the single writer of (partnerID, p).
func (a *Aggregator) withPeriodLock(ctx context.Context, partnerID string, p Period, fn func() error) error {
	key := p.key(partnerID)
	mu, _ := a.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	lease := "ledger:" + key
	ok, err := a.st.AcquireLock(ctx, lease, a.owner, a.leaseTTL)
	if err != nil {
		return eris.Wrap(err, "ledger: acquire period lease")
	}
	if !ok {
		return model.Invalid("period", "aggregation for %s %s is already running", partnerID, p)
	}
	defer func() {
		if err := a.st.ReleaseLock(context.WithoutCancel(ctx), lease, a.owner); err != nil {
			a.log.Warn("release period lease", zap.String("key", lease), zap.Error(err))
		}
	}()
	return fn()
}

// Aggregate builds the partner's entry for the period. Each allocation is
// classified at its attribution's block and priced at the partner rate in
// effect there. Allocations already claimed by a PAID entry are left out;
// the rest replace the open PENDING entry or start a new one.
func (a *Aggregator) Aggregate(ctx context.Context, partnerID string, p Period) (*model.RakebackLedgerEntry, error) {
	partner, err := a.st.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	var entry *model.RakebackLedgerEntry
	err = a.withPeriodLock(ctx, partnerID, p, func() error {
		var err error
		entry, err = a.aggregate(ctx, partner, p)
		return err
	})
	if err != nil {
		metrics.LedgerAggregationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.LedgerAggregationsTotal.WithLabelValues("success").Inc()
	return entry, nil
}

func (a *Aggregator) aggregate(ctx context.Context, partner *model.Partner, p Period) (*model.RakebackLedgerEntry, error) {
	entries, err := a.st.PeriodEntries(ctx, partner.ID, p.Start)
	if err != nil {
		return nil, err
	}
	var pending *model.RakebackLedgerEntry
	var paidIDs []string
	for i := range entries {
		switch entries[i].Status {
		case model.LedgerDisputed:
			return nil, model.Invalid("period", "entry %s is disputed; reopen it before aggregating", entries[i].ID)
		case model.LedgerPaid:
			paidIDs = append(paidIDs, entries[i].ID)
		case model.LedgerPending:
			pending = &entries[i]
		}
	}

	claimed := map[string]bool{}
	paidLines, err := a.st.LedgerLines(ctx, paidIDs...)
	if err != nil {
		return nil, err
	}
	for _, l := range paidLines {
		claimed[l.AllocationID] = true
	}

	lines, err := a.buildLines(ctx, partner.ID, p, claimed)
	if err != nil {
		return nil, err
	}
	if pending == nil && len(entries) > 0 && len(lines) == 0 {
		return nil, model.Invalid("period", "every entry for %s %s is paid and no new allocations exist", partner.ID, p)
	}

	now := a.clock.Now().UTC()
	entry := model.RakebackLedgerEntry{
		ID:          uuid.NewString(),
		PartnerID:   partner.ID,
		PartnerName: partner.Name,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Kind:        model.LedgerRegular,
		Status:      model.LedgerPending,
		CreatedAt:   now,
	}
	switch {
	case pending != nil:
		entry.ID = pending.ID
		entry.Kind = pending.Kind
		entry.CreatedAt = pending.CreatedAt
		entry.DisputeReason = pending.DisputeReason
	case len(entries) > 0:
		entry.Kind = model.LedgerAdjustment
	}
	entry.UpdatedAt = now
	entry.GrossSettlement, entry.AmountOwed = decimal.Zero, decimal.Zero
	for i := range lines {
		lines[i].EntryID = entry.ID
		entry.GrossSettlement = entry.GrossSettlement.Add(lines[i].SettlementAmount)
		entry.AmountOwed = entry.AmountOwed.Add(lines[i].AmountOwed)
	}
	entry.LineCount = len(lines)

	if err := a.st.SaveLedgerEntry(ctx, entry, lines); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, model.Invalid("period", "entry %s changed status during aggregation", entry.ID)
		}
		return nil, eris.Wrapf(err, "ledger: save entry for %s %s", partner.ID, p)
	}
	entry.Lines = lines

	a.log.Info("ledger aggregated",
		zap.String("partner_id", partner.ID),
		zap.String("period", p.String()),
		zap.String("entry_id", entry.ID),
		zap.String("kind", string(entry.Kind)),
		zap.Int("lines", entry.LineCount),
		zap.String("owed", entry.AmountOwed.String()),
	)
	a.activity.Record(ctx, model.ActivityAggregation, "aggregated "+partner.ID+" for "+p.String(), map[string]any{
		"entryId":   entry.ID,
		"partnerId": partner.ID,
		"period":    p.String(),
		"kind":      entry.Kind,
		"lineCount": entry.LineCount,
		"taoOwed":   entry.AmountOwed,
	})
	return &entry, nil
}

// buildLines classifies the period's unclaimed allocations and keeps those
// owned by partnerID.
func (a *Aggregator) buildLines(ctx context.Context, partnerID string, p Period, claimed map[string]bool) ([]model.LedgerLine, error) {
	classifier, err := a.rules.LoadClassifier(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: load rules")
	}
	details, err := a.st.AllocationsForPeriod(ctx, p.Start, p.End)
	if err != nil {
		return nil, err
	}

	var lines []model.LedgerLine
	for _, d := range details {
		if claimed[d.Allocation.ID] {
			continue
		}
		at := d.Attribution
		m, ok := classifier.Classify(at.Delegation(), at.BlockNumber)
		if !ok || m.PartnerID != partnerID {
			continue
		}
		lines = append(lines, model.LedgerLine{
			AllocationID:     d.Allocation.ID,
			AttributionID:    at.ID,
			BlockNumber:      at.BlockNumber,
			DelegatorAddress: at.DelegatorAddress,
			RuleID:           m.RuleID,
			SettlementAmount: d.Allocation.SettlementAmount,
			RakebackRate:     m.Rate,
			AmountOwed:       model.Quantize(d.Allocation.SettlementAmount.Mul(m.Rate)),
		})
	}
	return lines, nil
}

// Outcome is one partner's result in AggregateAll.
type Outcome struct {
	PartnerID string                     `json:"partnerId"`
	Entry     *model.RakebackLedgerEntry `json:"entry,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// AggregateAll aggregates the period for every partner. Per-partner failures
// are reported in the outcomes.
func (a *Aggregator) AggregateAll(ctx context.Context, p Period) ([]Outcome, error) {
	partners, err := a.st.ListPartners(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Outcome, len(partners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, partner := range partners {
		g.Go(func() error {
			out[i] = Outcome{PartnerID: partner.ID}
			entry, err := a.Aggregate(gctx, partner.ID, p)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Entry = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out, ctx.Err()
}
