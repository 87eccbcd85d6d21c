package model

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PartnerKind classifies how a partner's wallets are identified.
type PartnerKind string

const (
	PartnerKindNamed    PartnerKind = "named"
	PartnerKindTagBased PartnerKind = "tag-based"
	PartnerKindHybrid   PartnerKind = "hybrid"
)

// Valid reports whether k is a known partner kind.
func (k PartnerKind) Valid() bool {
	switch k {
	case PartnerKindNamed, PartnerKindTagBased, PartnerKindHybrid:
		return true
	}
	return false
}

// PartnerStatus is the lifecycle status of a partner. Partners are never
// deleted, only disabled.
type PartnerStatus string

const (
	PartnerStatusActive   PartnerStatus = "active"
	PartnerStatusDisabled PartnerStatus = "disabled"
)

// Valid reports whether s is a known status.
func (s PartnerStatus) Valid() bool {
	return s == PartnerStatusActive || s == PartnerStatusDisabled
}

// PartnerVersion is one immutable snapshot of a partner's attributes. A
// version applies to blocks at or after EffectiveFromBlock.
type PartnerVersion struct {
	PartnerID          string          `json:"partnerId"`
	Version            int             `json:"version"`
	Name               string          `json:"name"`
	Kind               PartnerKind     `json:"type"`
	RakebackRate       decimal.Decimal `json:"rakebackRate"`
	Priority           int             `json:"priority"`
	Status             PartnerStatus   `json:"status"`
	EffectiveFromBlock int64           `json:"effectiveFromBlock"`
	CreatedBy          string          `json:"createdBy"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// Partner is the current view of a partner: its latest version plus rules.
type Partner struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Kind               PartnerKind       `json:"type"`
	RakebackRate       decimal.Decimal   `json:"rakebackRate"`
	Priority           int               `json:"priority"`
	Status             PartnerStatus     `json:"status"`
	Version            int               `json:"version"`
	EffectiveFromBlock int64             `json:"effectiveFromBlock"`
	CreatedBy          string            `json:"createdBy"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	Rules              []EligibilityRule `json:"rules"`
}

// PartnerFromVersions folds a partner's versions into its current view.
// versions must be non-empty.
func PartnerFromVersions(versions []PartnerVersion, rules []EligibilityRule) Partner {
	sorted := append([]PartnerVersion(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	first, last := sorted[0], sorted[len(sorted)-1]
	if rules == nil {
		rules = []EligibilityRule{}
	}
	return Partner{
		ID:                 last.PartnerID,
		Name:               last.Name,
		Kind:               last.Kind,
		RakebackRate:       last.RakebackRate,
		Priority:           last.Priority,
		Status:             last.Status,
		Version:            last.Version,
		EffectiveFromBlock: last.EffectiveFromBlock,
		CreatedBy:          first.CreatedBy,
		CreatedAt:          first.CreatedAt,
		UpdatedAt:          last.CreatedAt,
		Rules:              rules,
	}
}

// ValidateAttributes checks the mutable partner fields.
func (v PartnerVersion) ValidateAttributes() error {
	if strings.TrimSpace(v.Name) == "" {
		return Invalid("name", "is required")
	}
	if !v.Kind.Valid() {
		return Invalid("type", "must be one of named, tag-based, hybrid")
	}
	if v.RakebackRate.IsNegative() || v.RakebackRate.GreaterThan(decimal.NewFromInt(1)) {
		return Invalid("rakebackRate", "must be between 0 and 1")
	}
	if v.Priority < 0 {
		return Invalid("priority", "must not be negative")
	}
	if !v.Status.Valid() {
		return Invalid("status", "must be active or disabled")
	}
	return nil
}

// RuleChangeAction names an audited mutation.
type RuleChangeAction string

const (
	ChangePartnerCreated RuleChangeAction = "partner.created"
	ChangePartnerUpdated RuleChangeAction = "partner.updated"
	ChangeRuleCreated    RuleChangeAction = "rule.created"
)

// RuleChangeLogEntry is an append-only audit record of a partner or rule
// mutation.
type RuleChangeLogEntry struct {
	ID             string           `json:"id"`
	Actor          string           `json:"actor"`
	Action         RuleChangeAction `json:"action"`
	PartnerID      string           `json:"partnerId"`
	RuleID         string           `json:"ruleId,omitempty"`
	Before         string           `json:"before,omitempty"`
	After          string           `json:"after"`
	EffectiveBlock int64            `json:"effectiveBlock"`
	CreatedAt      time.Time        `json:"createdAt"`
}
