package conversion

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/metrics"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/resilience"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// DefaultMaxRange is the largest block range one conversion ingest may scan.
const DefaultMaxRange int64 = 10000

// saveAttempts bounds optimistic retries when attribution counters moved
// underneath an allocation.
const saveAttempts = 3

// Store is the persistence the allocator needs.
type Store interface {
	store.ConversionStore
	store.Locker
}

// Config tunes conversion ingest.
type Config struct {
	// Workers bounds how many validators are processed at once.
	Workers  int
	MaxRange int64
	LeaseTTL time.Duration
	Retry    resilience.Policy
	Breaker  resilience.BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRange <= 0 {
		c.MaxRange = DefaultMaxRange
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = resilience.DefaultPolicy()
	}
	return c
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(a *Allocator) {
		a.clock = c
	}
}

// WithActivity records finished ingests in the activity log.
func WithActivity(r *monitoring.Recorder) Option {
	return func(a *Allocator) {
		a.activity = r
	}
}

// WithPriceSource fills market prices the gateway did not report.
func WithPriceSource(p chain.PriceSource) Option {
	return func(a *Allocator) {
		a.prices = p
	}
}

// Allocator discovers conversion events and allocates them.
type Allocator struct {
	st       Store
	gw       chain.Gateway
	prices   chain.PriceSource
	cfg      Config
	clock    clockwork.Clock
	breaker  *resilience.Breaker
	activity *monitoring.Recorder
	owner    string
	log      *zap.Logger
}

// New creates an allocator.
func New(st Store, gw chain.Gateway, cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		st:    st,
		gw:    gw,
		cfg:   cfg.withDefaults(),
		clock: clockwork.NewRealClock(),
		owner: "conversion-" + uuid.NewString(),
		log:   zap.L().With(zap.String("component", "conversion")),
	}
	for _, o := range opts {
		o(a)
	}
	a.breaker = resilience.NewBreaker(a.cfg.Breaker, a.clock)
	if a.cfg.Retry.OnRetry == nil {
		a.cfg.Retry.OnRetry = resilience.LogRetry("conversion", "conversions")
	}
	return a
}

// Allocate distributes one pending event. Events that are no longer pending
// are returned unchanged.
func (a *Allocator) Allocate(ctx context.Context, eventID string) (*model.ConversionEvent, error) {
	ev, err := a.st.GetConversion(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.AllocationStatus == model.AllocationPending {
		if _, err := a.allocate(ctx, *ev); err != nil {
			return nil, err
		}
	}
	return a.st.GetConversion(ctx, eventID)
}

// allocate saves the plan for ev, reloading targets when another writer
// moved an attribution counter first. It returns the number of allocation
// rows written; zero with a nil error means another worker stamped the event.
func (a *Allocator) allocate(ctx context.Context, ev model.ConversionEvent) (int, error) {
	for attempt := 1; ; attempt++ {
		targets, err := a.st.AllocationTargets(ctx, ev.ValidatorHotkey, ev.BlockNumber)
		if err != nil {
			return 0, eris.Wrapf(err, "conversion: load targets for %s", ev.ID)
		}
		now := a.clock.Now().UTC()
		plan := PlanAllocation(ev, targets, now)
		err = a.st.SaveAllocation(ctx, ev.ID, plan.Status, plan.Allocations, plan.Updates, now)
		if err == nil {
			metrics.ConversionsAllocatedTotal.WithLabelValues(string(plan.Status)).Inc()
			if plan.Status == model.AllocationUnallocated {
				a.log.Warn("conversion has no attributions to fund",
					zap.String("event_id", ev.ID),
					zap.String("validator", ev.ValidatorHotkey),
					zap.Int64("block", ev.BlockNumber),
				)
			}
			return len(plan.Allocations), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return 0, eris.Wrapf(err, "conversion: save allocation for %s", ev.ID)
		}

		cur, gerr := a.st.GetConversion(ctx, ev.ID)
		if gerr != nil {
			return 0, eris.Wrapf(gerr, "conversion: reload %s", ev.ID)
		}
		if cur.AllocationStatus != model.AllocationPending {
			return 0, nil
		}
		if attempt >= saveAttempts {
			return 0, eris.Wrapf(err, "conversion: allocation for %s kept conflicting", ev.ID)
		}
		a.log.Debug("allocation conflict, reloading targets", zap.String("event_id", ev.ID), zap.Int("attempt", attempt))
	}
}

// IngestRequest selects conversions in an inclusive block range. An empty
// validator means every validator.
type IngestRequest struct {
	StartBlock int64
	EndBlock   int64
	Validator  string
}

// Validate checks the request shape and size.
func (r IngestRequest) Validate(maxRange int64) error {
	if r.StartBlock < 0 {
		return model.Invalid("start_block", "must not be negative")
	}
	if r.EndBlock < r.StartBlock {
		return model.Invalid("end_block", "must not be before start_block")
	}
	if n := r.EndBlock - r.StartBlock + 1; n > maxRange {
		return model.Invalid("end_block", "range of %d blocks exceeds the maximum of %d", n, maxRange)
	}
	return nil
}

// Ingest records the range's conversions and allocates every pending event
// up to the range end. Validators run concurrently; one validator's events
// are allocated in block order under a storage lease.
func (a *Allocator) Ingest(ctx context.Context, req IngestRequest) (*model.ConversionIngestResult, error) {
	if err := req.Validate(a.cfg.MaxRange); err != nil {
		return nil, err
	}

	start := time.Now()
	obs, err := resilience.RetryVal(ctx, a.cfg.Retry, func(ctx context.Context) ([]chain.ConversionObservation, error) {
		return resilience.Call(ctx, a.breaker, func(ctx context.Context) ([]chain.ConversionObservation, error) {
			return a.gw.Conversions(ctx, req.StartBlock, req.EndBlock, req.Validator)
		})
	})
	metrics.ObserveGateway("conversions", start, err)
	if err != nil {
		return nil, eris.Wrap(err, "conversion: fetch observations")
	}

	byValidator := map[string][]chain.ConversionObservation{}
	if req.Validator != "" {
		byValidator[req.Validator] = nil
	}
	for _, o := range obs {
		byValidator[o.Validator] = append(byValidator[o.Validator], o)
	}
	validators := make([]string, 0, len(byValidator))
	for v := range byValidator {
		validators = append(validators, v)
	}
	sort.Strings(validators)

	res := &model.ConversionIngestResult{EventsDiscovered: len(obs), Errors: []model.ConversionError{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, v := range validators {
		g.Go(func() error {
			part := a.ingestValidator(gctx, v, byValidator[v], req.EndBlock)
			mu.Lock()
			defer mu.Unlock()
			res.EventsCreated += part.EventsCreated
			res.EventsSkipped += part.EventsSkipped
			res.EventsAllocated += part.EventsAllocated
			res.AllocationsCreated += part.AllocationsCreated
			res.Errors = append(res.Errors, part.Errors...)
			return nil
		})
	}
	_ = g.Wait() // per-validator failures are reported in the result

	sort.SliceStable(res.Errors, func(i, j int) bool {
		return res.Errors[i].ValidatorHotkey < res.Errors[j].ValidatorHotkey
	})
	a.log.Info("conversion ingest finished",
		zap.Int64("start_block", req.StartBlock),
		zap.Int64("end_block", req.EndBlock),
		zap.String("validator", req.Validator),
		zap.Int("discovered", res.EventsDiscovered),
		zap.Int("created", res.EventsCreated),
		zap.Int("allocated", res.EventsAllocated),
		zap.Int("allocations", res.AllocationsCreated),
		zap.Int("errors", len(res.Errors)),
	)
	a.activity.Record(ctx, model.ActivityConversion,
		"ingested conversions "+strconv.FormatInt(req.StartBlock, 10)+"-"+strconv.FormatInt(req.EndBlock, 10),
		res,
	)
	return res, nil
}

func (a *Allocator) ingestValidator(ctx context.Context, validator string, obs []chain.ConversionObservation, endBlock int64) model.ConversionIngestResult {
	var res model.ConversionIngestResult
	failed := func(eventID string, err error) {
		a.log.Warn("conversion ingest failed", zap.String("validator", validator), zap.String("event_id", eventID), zap.Error(err))
		res.Errors = append(res.Errors, model.ConversionError{ValidatorHotkey: validator, EventID: eventID, Error: err.Error()})
	}

	key := "conversion:" + validator
	ok, err := a.st.AcquireLock(ctx, key, a.owner, a.cfg.LeaseTTL)
	if err != nil {
		failed("", eris.Wrap(err, "conversion: acquire lease"))
		return res
	}
	if !ok {
		failed("", eris.Errorf("conversion: allocation for %s is in flight elsewhere", validator))
		return res
	}
	defer func() {
		if err := a.st.ReleaseLock(context.WithoutCancel(ctx), key, a.owner); err != nil {
			a.log.Warn("release conversion lease", zap.String("key", key), zap.Error(err))
		}
	}()

	for _, o := range obs {
		if ctx.Err() != nil {
			return res
		}
		ev, err := a.eventFrom(ctx, o)
		if err != nil {
			failed(o.ExternalID, err)
			continue
		}
		created, err := a.st.InsertConversion(ctx, ev)
		if err != nil {
			failed(o.ExternalID, err)
			continue
		}
		if created {
			res.EventsCreated++
		} else {
			res.EventsSkipped++
		}
	}

	pending, err := store.AllConversions(ctx, a.st, store.ConversionFilter{
		Validator: validator,
		EndBlock:  &endBlock,
		Status:    model.AllocationPending,
	})
	if err != nil {
		failed("", err)
		return res
	}
	for _, ev := range pending {
		if ctx.Err() != nil {
			return res
		}
		if ev.BlockNumber > endBlock {
			continue
		}
		n, err := a.allocate(ctx, ev)
		if err != nil {
			failed(ev.ID, err)
			continue
		}
		res.EventsAllocated++
		res.AllocationsCreated += n
	}
	return res
}

// eventFrom validates an observation and builds its pending event.
func (a *Allocator) eventFrom(ctx context.Context, o chain.ConversionObservation) (model.ConversionEvent, error) {
	if o.ExternalID == "" {
		return model.ConversionEvent{}, model.Invalid("externalId", "is required")
	}
	if !o.YieldSold.IsPositive() {
		return model.ConversionEvent{}, model.Invalid("alphaAmount", "must be positive")
	}
	if o.SettlementReceived.IsNegative() {
		return model.ConversionEvent{}, model.Invalid("taoAmount", "must not be negative")
	}

	yield := model.Quantize(o.YieldSold)
	settlement := model.Quantize(o.SettlementReceived)
	ev := model.ConversionEvent{
		ID:               uuid.NewString(),
		ExternalID:       o.ExternalID,
		ValidatorHotkey:  o.Validator,
		BlockNumber:      o.Block,
		YieldAmount:      yield,
		SettlementAmount: settlement,
		ImpliedRate:      model.Ratio(settlement, yield),
		MarketPrice:      o.MarketPrice,
		BlockTime:        o.BlockTime.UTC(),
		AllocationStatus: model.AllocationPending,
		CreatedAt:        a.clock.Now().UTC(),
	}
	if !ev.MarketPrice.Valid && a.prices != nil {
		price, err := resilience.RetryVal(ctx, a.cfg.Retry, func(ctx context.Context) (decimal.Decimal, error) {
			return a.prices.PriceAt(ctx, ev.BlockTime)
		})
		if err != nil {
			a.log.Warn("market price unavailable", zap.String("external_id", o.ExternalID), zap.Error(err))
		} else {
			ev.MarketPrice = decimal.NewNullDecimal(price)
		}
	}
	return ev, nil
}
