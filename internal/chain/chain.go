// Package chain defines what the engine needs from the network: per-block
// delegation stakes and validator yield, the chain head, and observed
// conversions of yield into the settlement asset.
package chain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// StakeEntry is one delegation to a validator as retrieved at a block.
// Entries may repeat for the same key and are merged by the caller.
type StakeEntry struct {
	Wallet        string               `json:"wallet"`
	SubnetID      *int                 `json:"subnetId"`
	Kind          model.DelegationKind `json:"delegationType"`
	Stake         decimal.Decimal      `json:"stake"`
	Memo          string               `json:"memo,omitempty"`
	ExtrinsicKind string               `json:"extrinsicKind,omitempty"`
}

// BlockStakes is a validator's state at one block. Yield is invalid when the
// gateway has no yield record for the block.
type BlockStakes struct {
	Validator          string              `json:"validatorHotkey"`
	Block              int64               `json:"blockNumber"`
	Yield              decimal.NullDecimal `json:"yield"`
	BlockTime          time.Time           `json:"blockTimestamp"`
	ExpectedDelegators int                 `json:"expectedDelegators"`
	Stakes             []StakeEntry        `json:"stakes"`
}

// ConversionObservation is a yield-for-settlement sale seen on chain.
type ConversionObservation struct {
	ExternalID         string              `json:"externalId"`
	Validator          string              `json:"validatorHotkey"`
	Block              int64               `json:"blockNumber"`
	YieldSold          decimal.Decimal     `json:"alphaAmount"`
	SettlementReceived decimal.Decimal     `json:"taoAmount"`
	MarketPrice        decimal.NullDecimal `json:"taoPriceUsd"`
	BlockTime          time.Time           `json:"blockTimestamp"`
}

// Gateway is the chain data source.
type Gateway interface {
	// BlockStakes returns the validator's delegations and yield at block.
	BlockStakes(ctx context.Context, validator string, block int64) (*BlockStakes, error)
	// ChainHead returns the latest finalized block number.
	ChainHead(ctx context.Context) (int64, error)
	// Conversions lists conversions in [start, end]. An empty validator means
	// every validator.
	Conversions(ctx context.Context, start, end int64, validator string) ([]ConversionObservation, error)
}

// PriceSource returns the settlement asset's market price at a time.
type PriceSource interface {
	PriceAt(ctx context.Context, at time.Time) (decimal.Decimal, error)
}
