package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStatus is the payment status of a rakeback ledger entry.
type LedgerStatus string

const (
	LedgerPending  LedgerStatus = "PENDING"
	LedgerPaid     LedgerStatus = "PAID"
	LedgerDisputed LedgerStatus = "DISPUTED"
)

// Valid reports whether s is a known status.
func (s LedgerStatus) Valid() bool {
	switch s {
	case LedgerPending, LedgerPaid, LedgerDisputed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// PAID is terminal.
func CanTransition(from, to LedgerStatus) bool {
	switch from {
	case LedgerPending:
		return to == LedgerPaid || to == LedgerDisputed
	case LedgerDisputed:
		return to == LedgerPending
	}
	return false
}

// LedgerKind separates the first entry of a period from later corrections.
type LedgerKind string

const (
	LedgerRegular    LedgerKind = "regular"
	LedgerAdjustment LedgerKind = "adjustment"
)

// RakebackLedgerEntry is the payable rakeback for one partner and period.
type RakebackLedgerEntry struct {
	ID               string          `json:"id"`
	PartnerID        string          `json:"partnerId"`
	PartnerName      string          `json:"partnerName,omitempty"`
	PeriodStart      time.Time       `json:"periodStart"`
	PeriodEnd        time.Time       `json:"periodEnd"`
	Kind             LedgerKind      `json:"entryType"`
	GrossSettlement  decimal.Decimal `json:"taoAttributed"`
	AmountOwed       decimal.Decimal `json:"taoOwed"`
	LineCount        int             `json:"lineCount"`
	Status           LedgerStatus    `json:"paymentStatus"`
	PaymentReference string          `json:"paymentTxHash,omitempty"`
	DisputeReason    string          `json:"disputeReason,omitempty"`
	PaidAt           *time.Time      `json:"paidAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Lines            []LedgerLine    `json:"lines,omitempty"`
}

// LedgerLine is one allocation's contribution to a ledger entry, with the
// rate that was in effect at the attribution's block.
type LedgerLine struct {
	EntryID          string          `json:"entryId"`
	AllocationID     string          `json:"allocationId"`
	AttributionID    string          `json:"attributionId"`
	BlockNumber      int64           `json:"blockNumber"`
	DelegatorAddress string          `json:"delegatorAddress"`
	RuleID           string          `json:"ruleId"`
	SettlementAmount decimal.Decimal `json:"taoAllocated"`
	RakebackRate     decimal.Decimal `json:"rakebackRate"`
	AmountOwed       decimal.Decimal `json:"taoOwed"`
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	PartnerID string
	From      time.Time
	To        time.Time
	Status    LedgerStatus
}
