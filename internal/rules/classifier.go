// Package rules classifies delegations against partner eligibility rules and
// manages partners, their versions and rules.
package rules

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// Match is the partner that owns a delegation and the rule that decided it.
type Match struct {
	PartnerID   string
	PartnerName string
	RuleID      string
	Rate        decimal.Decimal
	Priority    int
}

type compiledRule struct {
	model.EligibilityRule
	pattern string
	re      *regexp.Regexp
}

// Classifier is an immutable snapshot of partners and rules. It is safe for
// concurrent use.
type Classifier struct {
	// versions per partner, ascending by Version.
	versions map[string][]model.PartnerVersion
	// matchers per partner: wallet and memo rules.
	matchers map[string][]compiledRule
	// filters per partner: subnet filter rules.
	filters map[string][]compiledRule
	order   []string
}

// NewClassifier compiles a snapshot. Regex patterns are compiled once here.
func NewClassifier(versions []model.PartnerVersion, rules []model.EligibilityRule) (*Classifier, error) {
	c := &Classifier{
		versions: make(map[string][]model.PartnerVersion),
		matchers: make(map[string][]compiledRule),
		filters:  make(map[string][]compiledRule),
	}
	for _, v := range versions {
		if _, ok := c.versions[v.PartnerID]; !ok {
			c.order = append(c.order, v.PartnerID)
		}
		c.versions[v.PartnerID] = append(c.versions[v.PartnerID], v)
	}
	for _, vs := range c.versions {
		sort.Slice(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })
	}
	sort.Strings(c.order)

	for _, r := range rules {
		cr := compiledRule{EligibilityRule: r}
		switch cfg := r.Config.(type) {
		case *model.WalletRule:
			c.matchers[r.PartnerID] = append(c.matchers[r.PartnerID], cr)
		case *model.MemoRule:
			cr.pattern = norm.NFC.String(cfg.Pattern)
			if cfg.MatchKind == model.MatchRegex {
				re, err := regexp.Compile(cr.pattern)
				if err != nil {
					return nil, eris.Wrapf(err, "rules: compile rule %s", r.ID)
				}
				cr.re = re
			}
			c.matchers[r.PartnerID] = append(c.matchers[r.PartnerID], cr)
		case *model.SubnetFilterRule:
			c.filters[r.PartnerID] = append(c.filters[r.PartnerID], cr)
		default:
			return nil, eris.Errorf("rules: rule %s has no config", r.ID)
		}
	}
	for id := range c.matchers {
		sortRules(c.matchers[id])
	}
	return c, nil
}

func sortRules(rs []compiledRule) {
	sort.Slice(rs, func(i, j int) bool { return ruleBefore(rs[i].EligibilityRule, rs[j].EligibilityRule) })
}

func ruleBefore(a, b model.EligibilityRule) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// PartnerAt returns the partner version in effect at height: the highest
// version whose EffectiveFromBlock is at or below height.
func (c *Classifier) PartnerAt(partnerID string, height int64) (model.PartnerVersion, bool) {
	vs := c.versions[partnerID]
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].EffectiveFromBlock <= height {
			return vs[i], true
		}
	}
	return model.PartnerVersion{}, false
}

// Partners returns every known partner id in sorted order.
func (c *Classifier) Partners() []string {
	return append([]string(nil), c.order...)
}

// Classify returns the single partner owning d at height, if any.
func (c *Classifier) Classify(d model.Delegation, height int64) (Match, bool) {
	memo := norm.NFC.String(d.Memo)

	var best Match
	var bestRule model.EligibilityRule
	found := false
	for _, id := range c.order {
		v, ok := c.PartnerAt(id, height)
		if !ok || v.Status != model.PartnerStatusActive {
			continue
		}
		if found && v.Priority > best.Priority {
			continue
		}
		if !c.passesFilters(id, d, height) {
			continue
		}
		for _, r := range c.matchers[id] {
			if r.AppliesFromBlock > height || !r.matches(d, memo) {
				continue
			}
			better := !found ||
				v.Priority < best.Priority ||
				(v.Priority == best.Priority && ruleBefore(r.EligibilityRule, bestRule))
			if better {
				best = Match{PartnerID: id, PartnerName: v.Name, RuleID: r.ID, Rate: v.RakebackRate, Priority: v.Priority}
				bestRule = r.EligibilityRule
				found = true
			}
			// Rules are sorted, so the first match is this partner's best.
			break
		}
	}
	return best, found
}

// passesFilters reports whether d satisfies at least one of the partner's
// subnet filters in effect at height. No filters means no constraint.
func (c *Classifier) passesFilters(partnerID string, d model.Delegation, height int64) bool {
	constrained := false
	for _, f := range c.filters[partnerID] {
		if f.AppliesFromBlock > height {
			continue
		}
		constrained = true
		if f.Config.(*model.SubnetFilterRule).Allows(d.SubnetID, d.Kind) {
			return true
		}
	}
	return !constrained
}

func (r compiledRule) matches(d model.Delegation, memo string) bool {
	switch cfg := r.Config.(type) {
	case *model.WalletRule:
		return d.Wallet != "" && d.Wallet == cfg.Address
	case *model.MemoRule:
		if memo == "" {
			return false
		}
		if len(cfg.ExtrinsicKinds) > 0 && !containsString(cfg.ExtrinsicKinds, d.ExtrinsicKind) {
			return false
		}
		switch cfg.MatchKind {
		case model.MatchExact:
			return memo == r.pattern
		case model.MatchContains:
			return strings.Contains(memo, r.pattern)
		case model.MatchRegex:
			return r.re != nil && r.re.MatchString(memo)
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
