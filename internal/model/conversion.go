package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationStatus tracks whether a conversion event has been distributed.
type AllocationStatus string

const (
	AllocationPending     AllocationStatus = "pending"
	AllocationAllocated   AllocationStatus = "allocated"
	AllocationUnallocated AllocationStatus = "unallocated"
)

// AllocationMethodProRata is the only allocation method: pro rata by
// unallocated attributed yield.
const AllocationMethodProRata = "pro_rata_unallocated_yield"

// ConversionEvent records a sale of yield asset for settlement asset.
type ConversionEvent struct {
	ID               string              `json:"id"`
	ExternalID       string              `json:"externalId"`
	ValidatorHotkey  string              `json:"validatorHotkey"`
	BlockNumber      int64               `json:"blockNumber"`
	YieldAmount      decimal.Decimal     `json:"alphaAmount"`
	SettlementAmount decimal.Decimal     `json:"taoAmount"`
	ImpliedRate      decimal.Decimal     `json:"conversionRate"`
	MarketPrice      decimal.NullDecimal `json:"taoPriceUsd"`
	BlockTime        time.Time           `json:"blockTimestamp"`
	AllocationStatus AllocationStatus    `json:"allocationStatus"`
	AllocatedAt      *time.Time          `json:"allocatedAt,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	Allocations      []Allocation        `json:"allocations,omitempty"`
}

// Allocation links a conversion event to one attribution it funds.
type Allocation struct {
	ID                string          `json:"id"`
	ConversionEventID string          `json:"conversionEventId"`
	AttributionID     string          `json:"attributionId"`
	SettlementAmount  decimal.Decimal `json:"taoAllocated"`
	YieldConsumed     decimal.Decimal `json:"alphaConsumed"`
	Method            string          `json:"allocationMethod"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// AttributionAllocation is the new allocation state of one attribution, with
// the previous YieldAllocated used as an optimistic guard.
type AttributionAllocation struct {
	AttributionID       string
	PrevYieldAllocated  decimal.Decimal
	YieldAllocated      decimal.Decimal
	SettlementAllocated decimal.Decimal
	FullyAllocated      bool
}

// AllocationDetail joins an allocation with the attribution it funds.
type AllocationDetail struct {
	Allocation  Allocation
	Attribution BlockAttribution
}

// ConversionIngestResult summarizes a conversion discovery/allocation run.
type ConversionIngestResult struct {
	EventsDiscovered   int               `json:"eventsDiscovered"`
	EventsCreated      int               `json:"eventsCreated"`
	EventsSkipped      int               `json:"eventsSkipped"`
	EventsAllocated    int               `json:"eventsAllocated"`
	AllocationsCreated int               `json:"allocationsCreated"`
	Errors             []ConversionError `json:"errors"`
}

// ConversionError is a per-event or per-validator failure.
type ConversionError struct {
	ValidatorHotkey string `json:"validatorHotkey,omitempty"`
	EventID         string `json:"eventId,omitempty"`
	Error           string `json:"error"`
}
