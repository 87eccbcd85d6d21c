package model

import (
	"time"
)

// Severity ranks an open data-quality issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Issue categories.
const (
	IssueBlockMissing          = "block_missing"
	IssueBlockPartial          = "block_partial"
	IssueConversionUnallocated = "conversion_unallocated"
	IssueLedgerDisputed        = "ledger_disputed"
	IssueRetryExhausted        = "retry_exhausted"
)

// Issue is a data-quality problem derived from persisted state. It stays open
// until the underlying condition is corrected.
type Issue struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Category   string     `json:"category"`
	Severity   Severity   `json:"severity"`
	Subject    string     `json:"subject"`
	Message    string     `json:"message"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Activity kinds.
const (
	ActivityIngestion   = "attribution_ingest"
	ActivityConversion  = "conversion_ingest"
	ActivityAggregation = "ledger_aggregate"
	ActivityLedgerState = "ledger_status"
	ActivityRuleChange  = "rule_change"
	ActivityIssueOpened = "issue_opened"
	ActivityIssueClosed = "issue_resolved"
)

// ActivityEntry is one append-only line of the activity log.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RetryEntry is a failed block ingestion waiting to be retried.
type RetryEntry struct {
	ID              string    `json:"id"`
	ValidatorHotkey string    `json:"validatorHotkey"`
	BlockNumber     int64     `json:"blockNumber"`
	Error           string    `json:"error"`
	ErrorType       string    `json:"errorType"`
	RetryCount      int       `json:"retryCount"`
	MaxRetries      int       `json:"maxRetries"`
	NextRetryAt     time.Time `json:"nextRetryAt"`
	CreatedAt       time.Time `json:"createdAt"`
	LastFailedAt    time.Time `json:"lastFailedAt"`
}

// CanRetry reports whether the entry has retries left.
func (e RetryEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
