package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rakeback-engine/internal/attribution"
	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/chain/chaintest"
	"github.com/sells-group/rakeback-engine/internal/config"
	"github.com/sells-group/rakeback-engine/internal/conversion"
	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
	"github.com/sells-group/rakeback-engine/internal/resilience"
	"github.com/sells-group/rakeback-engine/internal/rules"
	"github.com/sells-group/rakeback-engine/internal/store"
)

const token = "s3cret"

var march = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

const partnersYAML = `
partners:
  - id: alpha
    name: Alpha Fund
    type: named
    rakebackRate: "0.5"
    priority: 1
    effectiveFromBlock: 0
    rules:
      - type: wallet
        config:
          address: W1
`

type testEnv struct {
	ts    *httptest.Server
	st    *store.SQLiteStore
	gw    *chaintest.Memory
	clock *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	clock := clockwork.NewFakeClockAt(march.AddDate(0, 0, 5))
	gw := chaintest.NewMemory(200)
	rec := monitoring.NewRecorder(st, clock)
	rs := rules.NewService(st, gw, rules.WithClock(clock), rules.WithActivity(rec))
	_, err = rs.ImportPartners(ctx, strings.NewReader(partnersYAML), "seed", true)
	require.NoError(t, err)

	once := resilience.Policy{Attempts: 1}
	srv := New(Services{
		Partners:     rs,
		Attributions: attribution.New(st, gw, attribution.Config{Retry: once}, attribution.WithClock(clock), attribution.WithActivity(rec)),
		Conversions:  conversion.New(st, gw, conversion.Config{Retry: once}, conversion.WithClock(clock), conversion.WithActivity(rec)),
		Ledger:       ledger.New(st, rs, ledger.WithClock(clock), ledger.WithActivity(rec)),
		Monitor:      monitoring.New(st, clock),
		Store:        st,
	}, config.ServerConfig{APIToken: token})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, st: st, gw: gw, clock: clock}
}

// do sends a request and decodes a JSON response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, body string, auth bool, out any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *testEnv) setBlock(block int64, at time.Time) {
	e.gw.SetBlock(chain.BlockStakes{
		Validator: "H1", Block: block, Yield: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		BlockTime: at, ExpectedDelegators: 2,
		Stakes: []chain.StakeEntry{
			{Wallet: "W1", Kind: model.DelegationRoot, Stake: decimal.NewFromInt(60)},
			{Wallet: "W2", Kind: model.DelegationRoot, Stake: decimal.NewFromInt(40)},
		},
	})
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	var body map[string]string
	resp := e.do(t, http.MethodGet, "/health", "", false, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	e := newTestEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/partners"},
		{http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=1&end_block=1"},
		{http.MethodPost, "/conversions/ingest?start_block=1&end_block=1"},
		{http.MethodPost, "/rakeback/aggregate?period=2025-03"},
		{http.MethodPut, "/rakeback/x/status"},
		{http.MethodPost, "/completeness/refresh"},
	} {
		resp := e.do(t, tc.method, tc.path, "", false, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, tc.path)
	}

	// Reads stay open.
	resp := e.do(t, http.MethodGet, "/partners", "", false, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPartners(t *testing.T) {
	e := newTestEnv(t)

	var created model.Partner
	resp := e.do(t, http.MethodPost, "/partners", `{
		"id": "gamma", "name": "Gamma", "type": "named", "rakebackRate": "0.3", "priority": 2,
		"rules": [{"type": "wallet", "config": {"address": "W9"}}]
	}`, true, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "gamma", created.ID)
	require.Len(t, created.Rules, 1)

	var bad errorBody
	resp = e.do(t, http.MethodPost, "/partners", `{"id": "delta", "name": "D", "type": "named", "rakebackRate": "1.5"}`, true, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "rakebackRate", bad.Field)

	var updated model.Partner
	resp = e.do(t, http.MethodPut, "/partners/gamma", `{"rakebackRate": "0.4"}`, true, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.4", updated.RakebackRate.String())
	assert.Equal(t, 2, updated.Version)

	var rule model.EligibilityRule
	resp = e.do(t, http.MethodPost, "/partners/gamma/rules", `{"type": "memo", "config": {"pattern": "gamma", "matchKind": "contains"}}`, true, &rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.RuleTypeMemo, rule.Type())

	var list []model.Partner
	e.do(t, http.MethodGet, "/partners", "", false, &list)
	assert.Len(t, list, 2)

	var log []model.RuleChangeLogEntry
	e.do(t, http.MethodGet, "/partners/rule-change-log/list?limit=2", "", false, &log)
	assert.Len(t, log, 2)

	resp = e.do(t, http.MethodGet, "/partners/nobody", "", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/partners", `{not json`, true, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestAttributions(t *testing.T) {
	e := newTestEnv(t)
	e.setBlock(100, march)

	var bad errorBody
	resp := e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=1&end_block=501", "", true, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "end_block", bad.Field)

	resp = e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&end_block=5", "", true, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "start_block", bad.Field)

	var res model.IngestResult
	resp = e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=100&end_block=101", "", true, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, res.BlocksProcessed)
	assert.Equal(t, 2, res.BlocksCreated)
	assert.Equal(t, 2, res.AttributionsCreated)
	assert.Empty(t, res.Errors)

	e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=100&end_block=101", "", true, &res)
	assert.Equal(t, 2, res.BlocksSkipped)

	var breakdown struct {
		Ingestions      []model.BlockIngestion   `json:"ingestions"`
		Attributions    []model.BlockAttribution `json:"attributions"`
		TotalAttributed decimal.Decimal          `json:"totalAttributed"`
	}
	resp = e.do(t, http.MethodGet, "/attributions/block/100?validator_hotkey=H1", "", false, &breakdown)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, breakdown.Ingestions, 1)
	assert.Len(t, breakdown.Attributions, 2)
	assert.Equal(t, "100", breakdown.TotalAttributed.String())

	resp = e.do(t, http.MethodGet, "/attributions/block/999", "", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/attributions/block/abc", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/attributions/block/0?validator_hotkey=H1", "", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=100&end_block=101&force=yes", "", true, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "force", bad.Field)

	var attrs []model.BlockAttribution
	e.do(t, http.MethodGet, "/attributions?validator_hotkey=H1&start=100&end=100", "", false, &attrs)
	assert.Len(t, attrs, 2)
	e.do(t, http.MethodGet, "/attributions?limit=1", "", false, &attrs)
	assert.Len(t, attrs, 1)
	e.do(t, http.MethodGet, "/attributions?validator_hotkey=H1&end=0", "", false, &attrs)
	assert.Empty(t, attrs)
}

func TestLedgerFlow(t *testing.T) {
	e := newTestEnv(t)
	e.setBlock(100, march)
	e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=100&end_block=100", "", true, nil)
	e.gw.AddConversion(chain.ConversionObservation{
		ExternalID: "c-100", Validator: "H1", Block: 100,
		YieldSold: decimal.NewFromInt(100), SettlementReceived: decimal.NewFromInt(80), BlockTime: march,
	})

	var conv model.ConversionIngestResult
	resp := e.do(t, http.MethodPost, "/conversions/ingest?start_block=100&end_block=100", "", true, &conv)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, conv.EventsCreated)
	assert.Equal(t, 1, conv.EventsAllocated)

	var events []model.ConversionEvent
	e.do(t, http.MethodGet, "/conversions?status=allocated", "", false, &events)
	require.Len(t, events, 1)
	resp = e.do(t, http.MethodGet, "/conversions/"+events[0].ID, "", false, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/conversions/missing", "", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/conversions?status=lost", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/rakeback/aggregate?partnerId=alpha&period=2025-13", "", true, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var entry model.RakebackLedgerEntry
	resp = e.do(t, http.MethodPost, "/rakeback/aggregate?partnerId=alpha&period=2025-03", "", true, &entry)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "48", entry.GrossSettlement.String())
	assert.Equal(t, "24", entry.AmountOwed.String())
	assert.Equal(t, model.LedgerPending, entry.Status)

	resp = e.do(t, http.MethodPut, "/rakeback/"+entry.ID+"/status", `{"status": "PAID"}`, true, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodPut, "/rakeback/"+entry.ID+"/status", `{"status": "VOID"}`, true, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var paid model.RakebackLedgerEntry
	resp = e.do(t, http.MethodPut, "/rakeback/"+entry.ID+"/status", `{"status": "PAID", "paymentTxHash": "0xfeed"}`, true, &paid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.LedgerPaid, paid.Status)
	assert.Equal(t, "0xfeed", paid.PaymentReference)

	var entries []model.RakebackLedgerEntry
	e.do(t, http.MethodGet, "/rakeback?partnerId=alpha&status=PAID", "", false, &entries)
	assert.Len(t, entries, 1)
	e.do(t, http.MethodGet, "/rakeback?status=DISPUTED", "", false, &entries)
	assert.Empty(t, entries)

	var got model.RakebackLedgerEntry
	resp = e.do(t, http.MethodGet, "/rakeback/"+entry.ID, "", false, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "24", got.AmountOwed.String())

	resp = e.do(t, http.MethodGet, "/exports?partnerId=alpha&from=2025-03-01&to=2025-04", "", false, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "rakeback-ledger.csv")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Alpha Fund")

	resp = e.do(t, http.MethodGet, "/exports?format=pdf", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/exports?from=yesterday", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggregateAllPartners(t *testing.T) {
	e := newTestEnv(t)
	var outcomes []ledger.Outcome
	resp := e.do(t, http.MethodPost, "/rakeback/aggregate?period=2025-03", "", true, &outcomes)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "alpha", outcomes[0].PartnerID)
	assert.True(t, outcomes[0].Entry.AmountOwed.IsZero())

	resp = e.do(t, http.MethodPost, "/rakeback/aggregate", "", true, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompleteness(t *testing.T) {
	e := newTestEnv(t)
	e.setBlock(100, march)
	e.do(t, http.MethodPost, "/attributions/ingest?validator_hotkey=H1&start_block=100&end_block=101", "", true, nil)

	var report struct {
		BlockCoverage monitoring.Ratio      `json:"blockCoverage"`
		YieldData     monitoring.Ratio      `json:"yieldDataCompleteness"`
		Issues        []model.Issue         `json:"issues"`
		Activity      []model.ActivityEntry `json:"recentActivity"`
	}
	resp := e.do(t, http.MethodGet, "/completeness?start=100&end=101&validator_hotkey=H1", "", false, &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, report.BlockCoverage.Complete)
	assert.Equal(t, 2, report.BlockCoverage.Total)
	assert.Equal(t, 1, report.YieldData.Complete)
	assert.Empty(t, report.Issues)
	assert.NotEmpty(t, report.Activity)

	resp = e.do(t, http.MethodGet, "/completeness?start=10&end=5", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var refreshed monitoring.RefreshResult
	resp = e.do(t, http.MethodPost, "/completeness/refresh", "", true, &refreshed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, refreshed.Opened, 1)
	assert.Equal(t, model.IssueBlockMissing, refreshed.Opened[0].Category)

	var issues []model.Issue
	e.do(t, http.MethodGet, "/issues", "", false, &issues)
	assert.Len(t, issues, 1)
	resp = e.do(t, http.MethodGet, "/issues?include_resolved=maybe", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var activity []model.ActivityEntry
	e.do(t, http.MethodGet, "/activity?limit=1", "", false, &activity)
	assert.Len(t, activity, 1)
}
