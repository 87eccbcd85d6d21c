// Package attribution turns per-block validator yield into per-delegator
// attribution records.
package attribution

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/metrics"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/resilience"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// DefaultMaxRange is the largest block range one request may ingest.
const DefaultMaxRange int64 = 500

// Store is the persistence the calculator needs.
type Store interface {
	store.AttributionStore
	store.Locker
	EnqueueRetry(ctx context.Context, e model.RetryEntry) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error)
	UpdateRetry(ctx context.Context, e model.RetryEntry) error
	RemoveRetry(ctx context.Context, validator string, block int64) error
}

// Config tunes ingestion.
type Config struct {
	// Workers bounds concurrent gateway fetches per request.
	Workers int
	// MaxRange is the largest accepted range, in blocks.
	MaxRange int64
	// LeaseTTL bounds how long a block lease survives a crashed worker. It is
	// raised above the retry budget of one fetch when shorter.
	LeaseTTL time.Duration
	// CallTimeout bounds a single gateway attempt.
	CallTimeout time.Duration
	// MaxRetries is how many times the retry queue replays a failed block.
	MaxRetries int
	Retry      resilience.Policy
	Breaker    resilience.BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxRange <= 0 {
		c.MaxRange = DefaultMaxRange
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 45 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = resilience.DefaultPolicy()
	}
	// The lease has to outlive the slowest fetch it guards.
	if budget := c.Retry.Budget(c.CallTimeout); c.LeaseTTL <= budget {
		c.LeaseTTL = budget + time.Minute
	}
	return c
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock sets the clock used for timestamps and retry scheduling.
func WithClock(c clockwork.Clock) Option {
	return func(calc *Calculator) {
		calc.clock = c
	}
}

// WithActivity records finished ingestions in the activity log.
func WithActivity(r *monitoring.Recorder) Option {
	return func(calc *Calculator) {
		calc.activity = r
	}
}

// Request asks for an inclusive block range of one validator.
type Request struct {
	Validator  string
	StartBlock int64
	EndBlock   int64
	Force      bool
}

// Validate checks the request shape and size.
func (r Request) Validate(maxRange int64) error {
	if r.Validator == "" {
		return model.Invalid("validator_hotkey", "is required")
	}
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

// Calculator ingests block ranges from the gateway.
type Calculator struct {
	st       Store
	gw       chain.Gateway
	cfg      Config
	clock    clockwork.Clock
	breaker  *resilience.Breaker
	activity *monitoring.Recorder
	owner    string
	log      *zap.Logger
}

// New creates a calculator.
func New(st Store, gw chain.Gateway, cfg Config, opts ...Option) *Calculator {
	c := &Calculator{
		st:    st,
		gw:    gw,
		cfg:   cfg.withDefaults(),
		clock: clockwork.NewRealClock(),
		owner: "attribution-" + uuid.NewString(),
		log:   zap.L().With(zap.String("component", "attribution")),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = resilience.NewBreaker(c.cfg.Breaker, c.clock)
	if c.cfg.Retry.OnRetry == nil {
		c.cfg.Retry.OnRetry = resilience.LogRetry("attribution", "block_stakes")
	}
	return c
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

type blockResult struct {
	block   int64
	outcome outcome
	attrs   int
	err     *model.BlockError
	cause   error
}

// Ingest attributes every block of the range. Blocks already ingested are
// skipped without contacting the gateway unless Force is set. Per-block
// failures are reported in the result and queued for retry; only an invalid
// request or a store failure before any work aborts the call.
func (c *Calculator) Ingest(ctx context.Context, req Request) (*model.IngestResult, error) {
	if err := req.Validate(c.cfg.MaxRange); err != nil {
		return nil, err
	}

	done, err := c.st.IngestedBlocks(ctx, req.Validator, req.StartBlock, req.EndBlock)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: load ingested blocks")
	}

	res := &model.IngestResult{Errors: []model.BlockError{}}
	var todo []int64
	for b := req.StartBlock; b <= req.EndBlock; b++ {
		if done[b] && !req.Force {
			res.BlocksProcessed++
			res.BlocksSkipped++
			metrics.BlocksSkippedTotal.Inc()
			continue
		}
		todo = append(todo, b)
	}

	results := c.run(ctx, req.Validator, todo, req.Force, true)
	c.fold(res, results)

	c.log.Info("ingestion finished",
		zap.String("validator", req.Validator),
		zap.Int64("start_block", req.StartBlock),
		zap.Int64("end_block", req.EndBlock),
		zap.Bool("force", req.Force),
		zap.Int("blocks_created", res.BlocksCreated),
		zap.Int("blocks_skipped", res.BlocksSkipped),
		zap.Int("attributions_created", res.AttributionsCreated),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("cancelled", res.Cancelled),
	)
	c.activity.Record(ctx, model.ActivityIngestion,
		"ingested blocks "+strconv.FormatInt(req.StartBlock, 10)+"-"+strconv.FormatInt(req.EndBlock, 10)+" for "+req.Validator,
		res,
	)
	return res, nil
}

// RetryFailed replays up to limit due retry-queue entries. Entries that fail
// again are rescheduled; exhausted entries stay queued for the monitor.
func (c *Calculator) RetryFailed(ctx context.Context, limit int) (*model.IngestResult, error) {
	due, err := c.st.DueRetries(ctx, c.clock.Now().UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: load due retries")
	}
	res := &model.IngestResult{Errors: []model.BlockError{}}
	for _, e := range due {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		results := c.run(ctx, e.ValidatorHotkey, []int64{e.BlockNumber}, false, false)
		c.fold(res, results)
		for _, r := range results {
			if r.outcome != outcomeFailed {
				continue
			}
			next := resilience.Reschedule(e, r.cause, c.cfg.Retry, c.clock.Now().UTC())
			if err := c.st.UpdateRetry(ctx, next); err != nil {
				c.log.Warn("reschedule retry failed", zap.String("validator", e.ValidatorHotkey),
					zap.Int64("block", e.BlockNumber), zap.Error(err))
			}
		}
	}
	c.log.Info("retry pass finished",
		zap.Int("due", len(due)),
		zap.Int("blocks_created", res.BlocksCreated),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (c *Calculator) fold(res *model.IngestResult, results []blockResult) {
	for _, r := range results {
		switch r.outcome {
		case outcomeCreated:
			res.BlocksProcessed++
			res.BlocksCreated++
			res.AttributionsCreated += r.attrs
		case outcomeSkipped:
			res.BlocksProcessed++
			res.BlocksSkipped++
		case outcomeFailed:
			res.BlocksProcessed++
			res.Errors = append(res.Errors, *r.err)
		case outcomeCancelled:
			res.Cancelled = true
		}
	}
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].BlockNumber < res.Errors[j].BlockNumber })
}

// run processes blocks on a bounded pool. A cancelled context stops new
// blocks from starting; blocks already committed stay committed.
func (c *Calculator) run(ctx context.Context, validator string, blocks []int64, force, queue bool) []blockResult {
	if len(blocks) == 0 {
		return nil
	}
	pool := pond.NewPool(c.cfg.Workers, pond.WithQueueSize(len(blocks)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var mu sync.Mutex
	results := make([]blockResult, 0, len(blocks))
	for _, b := range blocks {
		group.Submit(func() {
			var r blockResult
			if groupCtx.Err() != nil {
				r = blockResult{block: b, outcome: outcomeCancelled}
			} else {
				r = c.processBlock(groupCtx, validator, b, force, queue)
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		c.log.Warn("ingestion tasks failed", zap.String("validator", validator), zap.Error(err))
	}

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() != nil && len(results) < len(blocks) {
		results = append(results, blockResult{outcome: outcomeCancelled})
	}
	return results
}

func (c *Calculator) processBlock(ctx context.Context, validator string, block int64, force, queue bool) blockResult {
	key := "attribution:" + validator + ":" + strconv.FormatInt(block, 10)
	ok, err := c.st.AcquireLock(ctx, key, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		return c.fail(ctx, validator, block, model.BlockErrLockFailed, err, queue)
	}
	if !ok {
		metrics.BlocksSkippedTotal.Inc()
		c.log.Debug("block in flight elsewhere", zap.String("validator", validator), zap.Int64("block", block))
		return blockResult{block: block, outcome: outcomeSkipped}
	}
	defer func() {
		if err := c.st.ReleaseLock(context.WithoutCancel(ctx), key, c.owner); err != nil {
			c.log.Warn("release block lease", zap.String("key", key), zap.Error(err))
		}
	}()

	if !force {
		done, err := c.st.IngestedBlocks(ctx, validator, block, block)
		if err != nil {
			return c.fail(ctx, validator, block, model.BlockErrStore, err, queue)
		}
		if done[block] {
			metrics.BlocksSkippedTotal.Inc()
			c.clearRetry(ctx, validator, block)
			return blockResult{block: block, outcome: outcomeSkipped}
		}
	}

	bs, err := c.fetch(ctx, validator, block)
	if err != nil {
		kind := model.BlockErrGateway
		if resilience.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, resilience.ErrOpen) {
			kind = model.BlockErrTimeout
			err = &model.GatewayTimeoutError{Validator: validator, Block: block, Err: err}
		}
		return c.fail(ctx, validator, block, kind, err, queue)
	}

	ing, attrs := Compute(bs, c.clock.Now().UTC())
	if err := c.st.SaveBlock(ctx, ing, attrs, force); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			metrics.BlocksSkippedTotal.Inc()
			return blockResult{block: block, outcome: outcomeSkipped}
		case errors.Is(err, store.ErrBlockAllocated):
			metrics.BlockErrorsTotal.WithLabelValues(model.BlockErrAllocated).Inc()
			return blockResult{block: block, outcome: outcomeFailed, err: &model.BlockError{
				BlockNumber: block,
				Kind:        model.BlockErrAllocated,
				Error:       "block attributions already carry allocations and cannot be superseded",
			}, cause: err}
		}
		return c.fail(ctx, validator, block, model.BlockErrStore, err, queue)
	}

	metrics.BlocksIngestedTotal.WithLabelValues(string(ing.CompletenessFlag)).Inc()
	metrics.AttributionsCreatedTotal.Add(float64(len(attrs)))
	if ing.CompletenessFlag != model.FlagComplete {
		c.log.Warn("block ingested incomplete",
			zap.String("validator", validator),
			zap.Int64("block", block),
			zap.String("flag", string(ing.CompletenessFlag)),
			zap.String("note", ing.ConsistencyNote),
		)
	}
	c.clearRetry(ctx, validator, block)
	return blockResult{block: block, outcome: outcomeCreated, attrs: len(attrs)}
}

func (c *Calculator) fetch(ctx context.Context, validator string, block int64) (*chain.BlockStakes, error) {
	start := time.Now()
	bs, err := resilience.RetryVal(ctx, c.cfg.Retry, func(ctx context.Context) (*chain.BlockStakes, error) {
		return resilience.Call(ctx, c.breaker, func(ctx context.Context) (*chain.BlockStakes, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			return c.gw.BlockStakes(callCtx, validator, block)
		})
	})
	metrics.ObserveGateway("block_stakes", start, err)
	return bs, err
}

func (c *Calculator) fail(ctx context.Context, validator string, block int64, kind string, err error, queue bool) blockResult {
	if ctx.Err() != nil {
		return blockResult{block: block, outcome: outcomeCancelled}
	}
	metrics.BlockErrorsTotal.WithLabelValues(kind).Inc()
	c.log.Warn("block ingestion failed",
		zap.String("validator", validator),
		zap.Int64("block", block),
		zap.String("kind", kind),
		zap.Error(err),
	)
	if queue {
		entry := resilience.QueueBlock(validator, block, err, c.cfg.MaxRetries, c.cfg.Retry, c.clock.Now().UTC())
		if qerr := c.st.EnqueueRetry(context.WithoutCancel(ctx), entry); qerr != nil {
			c.log.Error("enqueue block retry", zap.String("validator", validator), zap.Int64("block", block), zap.Error(qerr))
		}
	}
	return blockResult{
		block:   block,
		outcome: outcomeFailed,
		err:     &model.BlockError{BlockNumber: block, Kind: kind, Error: err.Error()},
		cause:   err,
	}
}

func (c *Calculator) clearRetry(ctx context.Context, validator string, block int64) {
	if err := c.st.RemoveRetry(ctx, validator, block); err != nil {
		c.log.Warn("remove block retry", zap.String("validator", validator), zap.Int64("block", block), zap.Error(err))
	}
}
