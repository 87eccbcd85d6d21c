package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rakeback-engine/internal/model"
)

var (
	// ErrConflict is returned when a guarded write lost a race: a unique key
	// already exists or the row changed since it was read.
	ErrConflict = eris.New("store: conflicting write")
	// ErrBlockAllocated is returned when a forced re-ingest would supersede
	// attributions that already carry allocations.
	ErrBlockAllocated = eris.New("store: block attributions already allocated")
)

// AttributionFilter narrows attribution listings. Nil block bounds and
// zero values elsewhere mean no bound.
type AttributionFilter struct {
	Validator  string
	StartBlock *int64
	EndBlock   *int64
	SubnetID   *int
	Limit      int
	Offset     int
}

// IngestionFilter narrows block ingestion listings.
type IngestionFilter struct {
	Validator  string
	StartBlock *int64
	EndBlock   *int64
	Flag       model.CompletenessFlag
}

// ConversionFilter narrows conversion event listings. Nil block bounds mean
// no bound.
type ConversionFilter struct {
	Validator  string
	StartBlock *int64
	EndBlock   *int64
	Status     model.AllocationStatus
	Limit      int
	Offset     int
}

// ConversionCounts summarizes conversion events for the completeness monitor.
type ConversionCounts struct {
	Total       int
	Allocated   int
	Unallocated int
}

// PartnerStore persists partners, their versions, rules and the change log.
type PartnerStore interface {
	CreatePartner(ctx context.Context, v model.PartnerVersion, rules []model.EligibilityRule, log []model.RuleChangeLogEntry) error
	AppendPartnerVersion(ctx context.Context, v model.PartnerVersion, log model.RuleChangeLogEntry) error
	AddRule(ctx context.Context, r model.EligibilityRule, log model.RuleChangeLogEntry) error
	GetPartner(ctx context.Context, id string) (*model.Partner, error)
	ListPartners(ctx context.Context) ([]model.Partner, error)
	PartnerVersions(ctx context.Context) ([]model.PartnerVersion, error)
	Rules(ctx context.Context) ([]model.EligibilityRule, error)
	ListChangeLog(ctx context.Context, limit int) ([]model.RuleChangeLogEntry, error)
}

// AttributionStore persists block ingestions and their attributions.
type AttributionStore interface {
	IngestedBlocks(ctx context.Context, validator string, start, end int64) (map[int64]bool, error)
	SaveBlock(ctx context.Context, ing model.BlockIngestion, attrs []model.BlockAttribution, force bool) error
	ListAttributions(ctx context.Context, f AttributionFilter) ([]model.BlockAttribution, error)
	BlockAttributions(ctx context.Context, block int64, validator string) ([]model.BlockIngestion, []model.BlockAttribution, error)
	ListIngestions(ctx context.Context, f IngestionFilter) ([]model.BlockIngestion, error)
}

// ConversionStore persists conversion events and their allocations.
type ConversionStore interface {
	InsertConversion(ctx context.Context, e model.ConversionEvent) (bool, error)
	GetConversion(ctx context.Context, id string) (*model.ConversionEvent, error)
	ListConversions(ctx context.Context, f ConversionFilter) ([]model.ConversionEvent, error)
	CountConversions(ctx context.Context, f ConversionFilter) (ConversionCounts, error)
	AllocationTargets(ctx context.Context, validator string, maxBlock int64) ([]model.BlockAttribution, error)
	SaveAllocation(ctx context.Context, eventID string, status model.AllocationStatus, allocs []model.Allocation, updates []model.AttributionAllocation, at time.Time) error
	AllocationsForPeriod(ctx context.Context, from, to time.Time) ([]model.AllocationDetail, error)
}

// LedgerStore persists rakeback ledger entries and their lines.
type LedgerStore interface {
	PeriodEntries(ctx context.Context, partnerID string, periodStart time.Time) ([]model.RakebackLedgerEntry, error)
	LedgerLines(ctx context.Context, entryIDs ...string) ([]model.LedgerLine, error)
	SaveLedgerEntry(ctx context.Context, e model.RakebackLedgerEntry, lines []model.LedgerLine) error
	GetLedgerEntry(ctx context.Context, id string) (*model.RakebackLedgerEntry, error)
	ListLedgerEntries(ctx context.Context, f model.LedgerFilter) ([]model.RakebackLedgerEntry, error)
	UpdateLedgerStatus(ctx context.Context, id string, from, to model.LedgerStatus, ref, reason string, at time.Time) error
}

// MonitorStore persists issues, the activity log and the block retry queue.
type MonitorStore interface {
	OpenIssues(ctx context.Context) ([]model.Issue, error)
	ListIssues(ctx context.Context, includeResolved bool, limit int) ([]model.Issue, error)
	OpenIssue(ctx context.Context, issue model.Issue) error
	ResolveIssue(ctx context.Context, id string, at time.Time) error
	AppendActivity(ctx context.Context, e model.ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]model.ActivityEntry, error)

	EnqueueRetry(ctx context.Context, e model.RetryEntry) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error)
	UpdateRetry(ctx context.Context, e model.RetryEntry) error
	RemoveRetry(ctx context.Context, validator string, block int64) error
	ListRetries(ctx context.Context) ([]model.RetryEntry, error)
}

// Locker hands out storage leases so workers in separate processes never run
// the same job concurrently.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Store is the full persistence surface of the engine.
type Store interface {
	PartnerStore
	AttributionStore
	ConversionStore
	LedgerStore
	MonitorStore
	Locker

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

