package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DelegationKind distinguishes root (network-wide) stake from subnet stake.
type DelegationKind string

const (
	DelegationRoot   DelegationKind = "root"
	DelegationSubnet DelegationKind = "subnet"
)

// Valid reports whether k is a known delegation kind.
func (k DelegationKind) Valid() bool {
	return k == DelegationRoot || k == DelegationSubnet
}

// CompletenessFlag records whether all upstream data was available when a
// record was computed.
type CompletenessFlag string

const (
	FlagComplete CompletenessFlag = "complete"
	FlagPartial  CompletenessFlag = "partial"
	FlagMissing  CompletenessFlag = "missing"
)

// BlockIngestion is the per (validator, block) record written alongside the
// block's attributions. A missing block has an ingestion with no attributions.
type BlockIngestion struct {
	ID                  string              `json:"id"`
	ValidatorHotkey     string              `json:"validatorHotkey"`
	BlockNumber         int64               `json:"blockNumber"`
	BlockYield          decimal.NullDecimal `json:"blockYield"`
	TotalStake          decimal.Decimal     `json:"totalStake"`
	ExpectedDelegators  int                 `json:"expectedDelegators"`
	RetrievedDelegators int                 `json:"retrievedDelegators"`
	CompletenessFlag    CompletenessFlag    `json:"completenessFlag"`
	ConsistencyNote     string              `json:"consistencyNote,omitempty"`
	AttributionCount    int                 `json:"attributionCount"`
	BlockTime           time.Time           `json:"blockTimestamp"`
	Superseded          bool                `json:"superseded"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// BlockAttribution is one delegator's share of one block's validator yield.
type BlockAttribution struct {
	ID                  string           `json:"id"`
	IngestionID         string           `json:"ingestionId"`
	BlockNumber         int64            `json:"blockNumber"`
	ValidatorHotkey     string           `json:"validatorHotkey"`
	DelegatorAddress    string           `json:"delegatorAddress"`
	SubnetID            *int             `json:"subnetId"`
	DelegationKind      DelegationKind   `json:"delegationType"`
	Memo                string           `json:"memo,omitempty"`
	ExtrinsicKind       string           `json:"extrinsicKind,omitempty"`
	Stake               decimal.Decimal  `json:"stake"`
	StakeProportion     decimal.Decimal  `json:"delegationProportion"`
	AttributedYield     decimal.Decimal  `json:"attributedYield"`
	CompletenessFlag    CompletenessFlag `json:"completenessFlag"`
	SettlementAllocated decimal.Decimal  `json:"taoAllocated"`
	YieldAllocated      decimal.Decimal  `json:"yieldAllocated"`
	FullyAllocated      bool             `json:"fullyAllocated"`
	BlockTime           time.Time        `json:"blockTimestamp"`
	Superseded          bool             `json:"superseded"`
	CreatedAt           time.Time        `json:"createdAt"`
}

// Unallocated returns the attributed yield not yet covered by conversions.
func (a BlockAttribution) Unallocated() decimal.Decimal {
	rest := a.AttributedYield.Sub(a.YieldAllocated)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Delegation returns the classification input for this attribution.
func (a BlockAttribution) Delegation() Delegation {
	return Delegation{
		Wallet:        a.DelegatorAddress,
		Memo:          a.Memo,
		SubnetID:      a.SubnetID,
		Kind:          a.DelegationKind,
		ExtrinsicKind: a.ExtrinsicKind,
	}
}

// Delegation is what the rule engine classifies.
type Delegation struct {
	Wallet        string
	Memo          string
	SubnetID      *int
	Kind          DelegationKind
	ExtrinsicKind string
}

// IngestResult summarizes one attribution ingestion request.
type IngestResult struct {
	BlocksProcessed     int          `json:"blocksProcessed"`
	BlocksCreated       int          `json:"blocksCreated"`
	BlocksSkipped       int          `json:"blocksSkipped"`
	AttributionsCreated int          `json:"attributionsCreated"`
	Errors              []BlockError `json:"errors"`
	Cancelled           bool         `json:"cancelled"`
}

// BlockError is a per-block failure reported without failing the batch.
type BlockError struct {
	BlockNumber int64  `json:"blockNumber"`
	Kind        string `json:"kind"`
	Error       string `json:"error"`
}

// Block error kinds.
const (
	BlockErrGateway    = "gateway"
	BlockErrTimeout    = "gateway_timeout"
	BlockErrStore      = "store"
	BlockErrAllocated  = "allocated"
	BlockErrCancelled  = "cancelled"
	BlockErrLockFailed = "lock"
)
