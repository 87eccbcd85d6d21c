package attribution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/chain/chaintest"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/resilience"
	"github.com/sells-group/rakeback-engine/internal/store"
)

func newTestCalculator(t *testing.T) (*Calculator, *store.SQLiteStore, *chaintest.Memory, *clockwork.FakeClock) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "attribution.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	gw := chaintest.NewMemory(1000)
	clock := clockwork.NewFakeClockAt(t0)
	calc := New(st, gw, Config{
		Workers:    4,
		MaxRetries: 2,
		Retry:      resilience.Policy{Attempts: 1, Initial: time.Millisecond},
	}, WithClock(clock))
	return calc, st, gw, clock
}

func seedBlocks(gw *chaintest.Memory, validator string, from, to int64) {
	for b := from; b <= to; b++ {
		gw.SetBlock(chain.BlockStakes{
			Validator: validator, Block: b, Yield: yield("10"), ExpectedDelegators: 3,
			BlockTime: t0.Add(time.Duration(b) * 12 * time.Second),
			Stakes:    []chain.StakeEntry{rootStake("W1", "50"), rootStake("W2", "30"), rootStake("W3", "20")},
		})
	}
}

func TestIngest_Scenario(t *testing.T) {
	calc, st, gw, _ := newTestCalculator(t)
	ctx := context.Background()
	seedBlocks(gw, "H1", 100, 105)

	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 100, EndBlock: 105})
	require.NoError(t, err)
	assert.Equal(t, 6, res.BlocksProcessed)
	assert.Equal(t, 6, res.BlocksCreated)
	assert.Equal(t, 0, res.BlocksSkipped)
	assert.Equal(t, 18, res.AttributionsCreated)
	assert.Empty(t, res.Errors)
	assert.False(t, res.Cancelled)

	start, end := int64(100), int64(105)
	attrs, err := st.ListAttributions(ctx, store.AttributionFilter{Validator: "H1", StartBlock: &start, EndBlock: &end, Limit: 100})
	require.NoError(t, err)
	require.Len(t, attrs, 18)
	perBlock := map[int64][]string{}
	for _, a := range attrs {
		assert.Equal(t, model.FlagComplete, a.CompletenessFlag)
		perBlock[a.BlockNumber] = append(perBlock[a.BlockNumber], a.DelegatorAddress+"="+a.AttributedYield.String())
	}
	for b := int64(100); b <= 105; b++ {
		assert.ElementsMatch(t, []string{"W1=5", "W2=3", "W3=2"}, perBlock[b])
	}
}

func TestIngest_ReingestSkipsWithoutGateway(t *testing.T) {
	calc, st, gw, _ := newTestCalculator(t)
	ctx := context.Background()
	seedBlocks(gw, "H1", 100, 105)

	_, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 100, EndBlock: 105})
	require.NoError(t, err)
	before, err := st.ListAttributions(ctx, store.AttributionFilter{Validator: "H1", Limit: 100})
	require.NoError(t, err)
	calls := gw.Calls.Load()

	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 100, EndBlock: 105})
	require.NoError(t, err)
	assert.Equal(t, 0, res.BlocksCreated)
	assert.Equal(t, res.BlocksProcessed, res.BlocksSkipped)
	assert.Equal(t, 6, res.BlocksSkipped)
	assert.Equal(t, calls, gw.Calls.Load())

	after, err := st.ListAttributions(ctx, store.AttributionFilter{Validator: "H1", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIngest_RangeTooLargeRejectedBeforeGateway(t *testing.T) {
	calc, _, gw, _ := newTestCalculator(t)

	_, err := calc.Ingest(context.Background(), Request{Validator: "H1", StartBlock: 1, EndBlock: 501})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, int64(0), gw.Calls.Load())

	_, err = calc.Ingest(context.Background(), Request{Validator: "H1", StartBlock: 1, EndBlock: 500})
	assert.NoError(t, err)
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"single block", Request{Validator: "v", StartBlock: 5, EndBlock: 5}, true},
		{"no validator", Request{StartBlock: 1, EndBlock: 2}, false},
		{"reversed", Request{Validator: "v", StartBlock: 5, EndBlock: 4}, false},
		{"negative", Request{Validator: "v", StartBlock: -1, EndBlock: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(DefaultMaxRange)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, model.IsValidation(err))
			}
		})
	}
}

func TestIngest_MissingBlockRecorded(t *testing.T) {
	calc, st, gw, _ := newTestCalculator(t)
	ctx := context.Background()
	seedBlocks(gw, "H1", 10, 10)

	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 10, EndBlock: 11})
	require.NoError(t, err)
	assert.Equal(t, 2, res.BlocksCreated)
	assert.Equal(t, 3, res.AttributionsCreated)

	ings, err := st.ListIngestions(ctx, store.IngestionFilter{Validator: "H1", Flag: model.FlagMissing})
	require.NoError(t, err)
	require.Len(t, ings, 1)
	assert.Equal(t, int64(11), ings[0].BlockNumber)
	assert.Equal(t, 0, ings[0].AttributionCount)
}

func TestIngest_GatewayFailureQueuesRetry(t *testing.T) {
	calc, st, gw, clock := newTestCalculator(t)
	ctx := context.Background()
	seedBlocks(gw, "H1", 1, 3)
	gw.Fail("H1", 2, resilience.Transient(eris.New("upstream 503"), 503))

	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 1, EndBlock: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.BlocksProcessed)
	assert.Equal(t, 2, res.BlocksCreated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, int64(2), res.Errors[0].BlockNumber)
	assert.Equal(t, model.BlockErrTimeout, res.Errors[0].Kind)

	queued, err := st.ListRetries(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, resilience.ClassTransient, queued[0].ErrorType)

	// Still failing: rescheduled with one more attempt counted.
	clock.Advance(time.Minute)
	again, err := calc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again.Errors, 1)
	queued, err = st.ListRetries(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].RetryCount)

	gw.Fail("H1", 2, nil)
	clock.Advance(time.Minute)
	again, err = calc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, again.BlocksCreated)
	queued, err = st.ListRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestIngest_PermanentGatewayError(t *testing.T) {
	calc, _, gw, _ := newTestCalculator(t)
	gw.Fail("H1", 7, eris.New("validator unknown"))

	res, err := calc.Ingest(context.Background(), Request{Validator: "H1", StartBlock: 7, EndBlock: 7})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, model.BlockErrGateway, res.Errors[0].Kind)
}

func TestConfig_LeaseOutlivesFetchRetries(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 45*time.Second, cfg.CallTimeout)
	assert.Greater(t, cfg.LeaseTTL, cfg.Retry.Budget(cfg.CallTimeout))

	cfg = Config{LeaseTTL: time.Minute, CallTimeout: 30 * time.Second}.withDefaults()
	assert.Greater(t, cfg.LeaseTTL, 4*30*time.Second)

	cfg = Config{LeaseTTL: time.Hour, CallTimeout: 30 * time.Second}.withDefaults()
	assert.Equal(t, time.Hour, cfg.LeaseTTL)
}

func TestIngest_ForceSupersedes(t *testing.T) {
	calc, st, gw, _ := newTestCalculator(t)
	ctx := context.Background()
	seedBlocks(gw, "H1", 1, 1)
	_, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 1, EndBlock: 1})
	require.NoError(t, err)

	gw.SetBlock(chain.BlockStakes{
		Validator: "H1", Block: 1, Yield: yield("20"), ExpectedDelegators: 1,
		Stakes: []chain.StakeEntry{rootStake("W9", "1")},
	})
	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 1, EndBlock: 1, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BlocksCreated)

	ings, attrs, err := st.BlockAttributions(ctx, 1, "H1")
	require.NoError(t, err)
	require.Len(t, ings, 1)
	require.Len(t, attrs, 1)
	assert.Equal(t, "W9", attrs[0].DelegatorAddress)
	assert.Equal(t, "20", attrs[0].AttributedYield.String())
}

func TestIngest_SkipsBlockLeasedElsewhere(t *testing.T) {
	calc, st, gw, _ := newTestCalculator(t)
	ctx := context.Background()
	seedBlocks(gw, "H1", 1, 2)

	ok, err := st.AcquireLock(ctx, "attribution:H1:2", "other-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 1, EndBlock: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BlocksCreated)
	assert.Equal(t, 1, res.BlocksSkipped)
}

// cancellingGateway cancels the request after a number of block fetches.
type cancellingGateway struct {
	*chaintest.Memory
	after  int64
	cancel context.CancelFunc
}

func (g *cancellingGateway) BlockStakes(ctx context.Context, validator string, block int64) (*chain.BlockStakes, error) {
	bs, err := g.Memory.BlockStakes(ctx, validator, block)
	if g.Calls.Load() >= g.after {
		g.cancel()
	}
	return bs, err
}

func TestIngest_CancelKeepsCommittedBlocks(t *testing.T) {
	_, st, gw, clock := newTestCalculator(t)
	seedBlocks(gw, "H1", 1, 200)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calc := New(st, &cancellingGateway{Memory: gw, after: 5, cancel: cancel},
		Config{Workers: 1, Retry: resilience.Policy{Attempts: 1}}, WithClock(clock))
	res, err := calc.Ingest(ctx, Request{Validator: "H1", StartBlock: 1, EndBlock: 200})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Less(t, res.BlocksCreated, 200)

	done, err := st.IngestedBlocks(context.Background(), "H1", 1, 200)
	require.NoError(t, err)
	assert.Len(t, done, res.BlocksCreated)
}
