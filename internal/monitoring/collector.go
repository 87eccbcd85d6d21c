package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// Store is the persisted state the monitor reads and the issue and activity
// records it appends.
type Store interface {
	store.MonitorStore
	ListIngestions(ctx context.Context, f store.IngestionFilter) ([]model.BlockIngestion, error)
	ListConversions(ctx context.Context, f store.ConversionFilter) ([]model.ConversionEvent, error)
	CountConversions(ctx context.Context, f store.ConversionFilter) (store.ConversionCounts, error)
	ListLedgerEntries(ctx context.Context, f model.LedgerFilter) ([]model.RakebackLedgerEntry, error)
}

// Scope narrows completeness metrics. Zero values mean no bound.
type Scope struct {
	StartBlock int64  `json:"startBlock,omitempty"`
	EndBlock   int64  `json:"endBlock,omitempty"`
	Validator  string `json:"validatorHotkey,omitempty"`
}

func (s Scope) bounded() bool {
	return s.StartBlock > 0 && s.EndBlock >= s.StartBlock
}

// Ratio is one completeness percentage with its inputs. An empty
// denominator reads as fully complete.
type Ratio struct {
	Complete int     `json:"complete"`
	Total    int     `json:"total"`
	Percent  float64 `json:"percent"`
}

func newRatio(complete, total int) Ratio {
	r := Ratio{Complete: complete, Total: total, Percent: 100}
	if total > 0 {
		r.Percent = float64(complete) * 100 / float64(total)
	}
	return r
}

// ValidatorCoverage is the block coverage of one validator.
type ValidatorCoverage struct {
	Validator      string `json:"validatorHotkey"`
	FirstBlock     int64  `json:"firstBlock"`
	LastBlock      int64  `json:"lastBlock"`
	ExpectedBlocks int    `json:"expectedBlocks"`
	CompleteBlocks int    `json:"completeBlocks"`
	PartialBlocks  int    `json:"partialBlocks"`
	MissingBlocks  int    `json:"missingBlocks"`
}

// Report is a point-in-time completeness view.
type Report struct {
	Scope                Scope               `json:"scope"`
	BlockCoverage        Ratio               `json:"blockCoverage"`
	YieldData            Ratio               `json:"yieldDataCompleteness"`
	ConversionAllocation Ratio               `json:"conversionAllocationCompleteness"`
	LedgerEntries        Ratio               `json:"ledgerEntryCompleteness"`
	Validators           []ValidatorCoverage `json:"validators"`
	OpenIssues           map[string]int      `json:"openIssues"`
	GeneratedAt          time.Time           `json:"generatedAt"`
}

// Collector computes completeness metrics from persisted state.
type Collector struct {
	st    Store
	clock clockwork.Clock
}

// NewCollector creates a collector.
func NewCollector(st Store, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{st: st, clock: clock}
}

// Collect computes the report for scope. Expected blocks per validator are
// the scope's range when it is bounded, otherwise the observed first to last
// block.
func (c *Collector) Collect(ctx context.Context, scope Scope) (*Report, error) {
	f := store.IngestionFilter{Validator: scope.Validator}
	if scope.StartBlock > 0 {
		f.StartBlock = &scope.StartBlock
	}
	if scope.EndBlock > 0 {
		f.EndBlock = &scope.EndBlock
	}
	ings, err := c.st.ListIngestions(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list ingestions")
	}

	byValidator := map[string]*ValidatorCoverage{}
	if scope.Validator != "" && scope.bounded() {
		byValidator[scope.Validator] = &ValidatorCoverage{Validator: scope.Validator}
	}
	withYield := 0
	for _, ing := range ings {
		vc, ok := byValidator[ing.ValidatorHotkey]
		if !ok {
			vc = &ValidatorCoverage{Validator: ing.ValidatorHotkey, FirstBlock: ing.BlockNumber, LastBlock: ing.BlockNumber}
			byValidator[ing.ValidatorHotkey] = vc
		}
		if ing.BlockNumber < vc.FirstBlock {
			vc.FirstBlock = ing.BlockNumber
		}
		if ing.BlockNumber > vc.LastBlock {
			vc.LastBlock = ing.BlockNumber
		}
		switch ing.CompletenessFlag {
		case model.FlagComplete:
			vc.CompleteBlocks++
		case model.FlagPartial:
			vc.PartialBlocks++
		case model.FlagMissing:
			vc.MissingBlocks++
		}
		if ing.BlockYield.Valid {
			withYield++
		}
	}

	report := &Report{Scope: scope, GeneratedAt: c.clock.Now().UTC(), Validators: []ValidatorCoverage{}}
	complete, expected := 0, 0
	for _, vc := range byValidator {
		if scope.bounded() {
			vc.FirstBlock, vc.LastBlock = scope.StartBlock, scope.EndBlock
		}
		vc.ExpectedBlocks = int(vc.LastBlock - vc.FirstBlock + 1)
		complete += vc.CompleteBlocks
		expected += vc.ExpectedBlocks
		report.Validators = append(report.Validators, *vc)
	}
	sort.Slice(report.Validators, func(i, j int) bool {
		return report.Validators[i].Validator < report.Validators[j].Validator
	})
	report.BlockCoverage = newRatio(complete, expected)
	report.YieldData = newRatio(withYield, len(ings))

	counts, err := c.st.CountConversions(ctx, store.ConversionFilter{
		Validator:  scope.Validator,
		StartBlock: f.StartBlock,
		EndBlock:   f.EndBlock,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count conversions")
	}
	report.ConversionAllocation = newRatio(counts.Allocated, counts.Total)

	entries, err := c.st.ListLedgerEntries(ctx, model.LedgerFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list ledger entries")
	}
	paid := 0
	for _, e := range entries {
		if e.Status == model.LedgerPaid {
			paid++
		}
	}
	report.LedgerEntries = newRatio(paid, len(entries))

	open, err := c.st.OpenIssues(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list open issues")
	}
	report.OpenIssues = map[string]int{string(model.SeverityCritical): 0, string(model.SeverityWarning): 0}
	for _, is := range open {
		report.OpenIssues[string(is.Severity)]++
	}
	return report, nil
}
