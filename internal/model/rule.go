package model

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// RuleType tags the EligibilityRule variant.
type RuleType string

const (
	RuleTypeWallet RuleType = "wallet"
	RuleTypeMemo   RuleType = "memo"
	RuleTypeSubnet RuleType = "subnet"
)

// MatchKind selects how a memo rule compares its pattern.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchContains MatchKind = "contains"
	MatchRegex    MatchKind = "regex"
)

// RuleConfig is the closed set of rule variants: *WalletRule, *MemoRule and
// *SubnetFilterRule.
type RuleConfig interface {
	Type() RuleType
	Validate() error
	isRuleConfig()
}

// WalletRule matches a delegator address exactly.
type WalletRule struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

func (*WalletRule) Type() RuleType { return RuleTypeWallet }
func (*WalletRule) isRuleConfig()  {}

// Validate requires an address.
func (r *WalletRule) Validate() error {
	if strings.TrimSpace(r.Address) == "" {
		return Invalid("config.address", "is required")
	}
	return nil
}

// MemoRule matches the memo attached to a delegation extrinsic.
type MemoRule struct {
	Pattern        string    `json:"pattern"`
	MatchKind      MatchKind `json:"matchKind"`
	ExtrinsicKinds []string  `json:"applicableExtrinsicKinds,omitempty"`
}

func (*MemoRule) Type() RuleType { return RuleTypeMemo }
func (*MemoRule) isRuleConfig()  {}

// Validate checks the pattern and, for regex rules, that it compiles.
func (r *MemoRule) Validate() error {
	if r.Pattern == "" {
		return Invalid("config.pattern", "is required")
	}
	switch r.MatchKind {
	case MatchExact, MatchContains:
	case MatchRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return Invalid("config.pattern", "invalid regex: %v", err)
		}
	default:
		return Invalid("config.matchKind", "must be exact, contains or regex")
	}
	for _, k := range r.ExtrinsicKinds {
		if strings.TrimSpace(k) == "" {
			return Invalid("config.applicableExtrinsicKinds", "must not contain empty values")
		}
	}
	return nil
}

// SubnetFilterRule narrows a partner's wallet and memo matches to subnets and
// stake kinds. It never matches on its own.
type SubnetFilterRule struct {
	SubnetIDs  []int            `json:"subnetIds,omitempty"`
	StakeKinds []DelegationKind `json:"stakeKinds,omitempty"`
}

func (*SubnetFilterRule) Type() RuleType { return RuleTypeSubnet }
func (*SubnetFilterRule) isRuleConfig()  {}

// Validate requires at least one constraint.
func (r *SubnetFilterRule) Validate() error {
	if len(r.SubnetIDs) == 0 && len(r.StakeKinds) == 0 {
		return Invalid("config", "subnet filter needs subnetIds or stakeKinds")
	}
	for _, id := range r.SubnetIDs {
		if id < 0 {
			return Invalid("config.subnetIds", "must not be negative")
		}
	}
	for _, k := range r.StakeKinds {
		if !k.Valid() {
			return Invalid("config.stakeKinds", "unknown stake kind %q", k)
		}
	}
	return nil
}

// Allows reports whether a delegation on subnet with kind satisfies the filter.
func (r *SubnetFilterRule) Allows(subnet *int, kind DelegationKind) bool {
	if len(r.SubnetIDs) > 0 {
		if subnet == nil {
			return false
		}
		found := false
		for _, id := range r.SubnetIDs {
			if id == *subnet {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.StakeKinds) > 0 {
		for _, k := range r.StakeKinds {
			if k == kind {
				return true
			}
		}
		return false
	}
	return true
}

// DecodeRuleConfig decodes raw into the variant named by t and validates it.
func DecodeRuleConfig(t RuleType, raw json.RawMessage) (RuleConfig, error) {
	var cfg RuleConfig
	switch t {
	case RuleTypeWallet:
		cfg = &WalletRule{}
	case RuleTypeMemo:
		cfg = &MemoRule{}
	case RuleTypeSubnet:
		cfg = &SubnetFilterRule{}
	default:
		return nil, Invalid("type", "must be wallet, memo or subnet")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, Invalid("config", "is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, Invalid("config", "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EligibilityRule ties a partner to wallets, memos or subnet constraints from
// AppliesFromBlock onwards. Rules are immutable once created.
type EligibilityRule struct {
	ID               string
	PartnerID        string
	Config           RuleConfig
	AppliesFromBlock int64
	CreatedBy        string
	CreatedAt        time.Time
}

// Type returns the variant tag.
func (r EligibilityRule) Type() RuleType {
	if r.Config == nil {
		return ""
	}
	return r.Config.Type()
}

type ruleJSON struct {
	ID               string          `json:"id"`
	PartnerID        string          `json:"partnerId"`
	Type             RuleType        `json:"type"`
	Config           json.RawMessage `json:"config"`
	AppliesFromBlock int64           `json:"appliesFromBlock"`
	CreatedBy        string          `json:"createdBy"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// MarshalJSON renders the rule as {type, config, appliesFromBlock, ...}.
func (r EligibilityRule) MarshalJSON() ([]byte, error) {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID:               r.ID,
		PartnerID:        r.PartnerID,
		Type:             r.Type(),
		Config:           cfg,
		AppliesFromBlock: r.AppliesFromBlock,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt,
	})
}

// UnmarshalJSON decodes and validates the tagged config.
func (r *EligibilityRule) UnmarshalJSON(data []byte) error {
	var aux ruleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	cfg, err := DecodeRuleConfig(aux.Type, aux.Config)
	if err != nil {
		return err
	}
	*r = EligibilityRule{
		ID:               aux.ID,
		PartnerID:        aux.PartnerID,
		Config:           cfg,
		AppliesFromBlock: aux.AppliesFromBlock,
		CreatedBy:        aux.CreatedBy,
		CreatedAt:        aux.CreatedAt,
	}
	return nil
}
