package rules

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rakeback-engine/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func version(id string, v, priority int, rate string, from int64) model.PartnerVersion {
	return model.PartnerVersion{
		PartnerID:          id,
		Version:            v,
		Name:               "Partner " + id,
		Kind:               model.PartnerKindHybrid,
		RakebackRate:       decimal.RequireFromString(rate),
		Priority:           priority,
		Status:             model.PartnerStatusActive,
		EffectiveFromBlock: from,
		CreatedAt:          t0.Add(time.Duration(v) * time.Minute),
	}
}

func walletRule(id, partner, addr string, from int64, created time.Time) model.EligibilityRule {
	return model.EligibilityRule{ID: id, PartnerID: partner, Config: &model.WalletRule{Address: addr}, AppliesFromBlock: from, CreatedAt: created}
}

func memoRule(id, partner, pattern string, kind model.MatchKind, from int64, created time.Time) model.EligibilityRule {
	return model.EligibilityRule{ID: id, PartnerID: partner, Config: &model.MemoRule{Pattern: pattern, MatchKind: kind}, AppliesFromBlock: from, CreatedAt: created}
}

func TestClassify_PriorityBeatsSpecificity(t *testing.T) {
	c, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.5", 0), version("B", 1, 2, "0.3", 0)},
		[]model.EligibilityRule{
			walletRule("r-a", "A", "W1", 0, t0),
			memoRule("r-b", "B", "talisman", model.MatchExact, 4250000, t0),
		},
	)
	require.NoError(t, err)

	m, ok := c.Classify(model.Delegation{Wallet: "W1", Memo: "talisman", Kind: model.DelegationRoot}, 4300000)
	require.True(t, ok)
	assert.Equal(t, "A", m.PartnerID)
	assert.Equal(t, "r-a", m.RuleID)
	assert.Equal(t, "0.5", m.Rate.String())

	m, ok = c.Classify(model.Delegation{Wallet: "W2", Memo: "talisman", Kind: model.DelegationRoot}, 4300000)
	require.True(t, ok)
	assert.Equal(t, "B", m.PartnerID)

	_, ok = c.Classify(model.Delegation{Wallet: "W2", Memo: "talisman", Kind: model.DelegationRoot}, 4249999)
	assert.False(t, ok)
}

func TestClassify_TieBreaksOnRuleCreationThenID(t *testing.T) {
	c, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.1", 0), version("B", 1, 1, "0.2", 0)},
		[]model.EligibilityRule{
			walletRule("r-2", "A", "W1", 0, t0.Add(time.Hour)),
			walletRule("r-1", "B", "W1", 0, t0),
		},
	)
	require.NoError(t, err)

	m, ok := c.Classify(model.Delegation{Wallet: "W1"}, 10)
	require.True(t, ok)
	assert.Equal(t, "B", m.PartnerID)

	c, err = NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.1", 0), version("B", 1, 1, "0.2", 0)},
		[]model.EligibilityRule{
			walletRule("r-b", "B", "W1", 0, t0),
			walletRule("r-a", "A", "W1", 0, t0),
		},
	)
	require.NoError(t, err)
	m, ok = c.Classify(model.Delegation{Wallet: "W1"}, 10)
	require.True(t, ok)
	assert.Equal(t, "r-a", m.RuleID)
}

func TestClassify_DisabledPartnerIgnoredFromVersion(t *testing.T) {
	disabled := version("A", 2, 1, "0.5", 200)
	disabled.Status = model.PartnerStatusDisabled
	c, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.5", 0), disabled},
		[]model.EligibilityRule{walletRule("r", "A", "W1", 0, t0)},
	)
	require.NoError(t, err)

	_, ok := c.Classify(model.Delegation{Wallet: "W1"}, 199)
	assert.True(t, ok)
	_, ok = c.Classify(model.Delegation{Wallet: "W1"}, 200)
	assert.False(t, ok)
}

func TestPartnerAt_RateAppliesForwardOnly(t *testing.T) {
	c, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.5", 100), version("A", 2, 1, "0.25", 300)},
		nil,
	)
	require.NoError(t, err)

	_, ok := c.PartnerAt("A", 99)
	assert.False(t, ok)
	v, ok := c.PartnerAt("A", 299)
	require.True(t, ok)
	assert.Equal(t, "0.5", v.RakebackRate.String())
	v, ok = c.PartnerAt("A", 300)
	require.True(t, ok)
	assert.Equal(t, "0.25", v.RakebackRate.String())
}

func TestClassify_SubnetFilterConstrainsOwnPartner(t *testing.T) {
	filter := model.EligibilityRule{
		ID: "f", PartnerID: "A", CreatedAt: t0,
		Config: &model.SubnetFilterRule{SubnetIDs: []int{7}},
	}
	c, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.5", 0), version("B", 1, 2, "0.1", 0)},
		[]model.EligibilityRule{
			walletRule("r-a", "A", "W1", 0, t0),
			filter,
			walletRule("r-b", "B", "W1", 0, t0),
		},
	)
	require.NoError(t, err)

	seven, eight := 7, 8
	m, ok := c.Classify(model.Delegation{Wallet: "W1", SubnetID: &seven, Kind: model.DelegationSubnet}, 10)
	require.True(t, ok)
	assert.Equal(t, "A", m.PartnerID)

	m, ok = c.Classify(model.Delegation{Wallet: "W1", SubnetID: &eight, Kind: model.DelegationSubnet}, 10)
	require.True(t, ok)
	assert.Equal(t, "B", m.PartnerID, "filter must not block other partners")

	m, ok = c.Classify(model.Delegation{Wallet: "W1", Kind: model.DelegationRoot}, 10)
	require.True(t, ok)
	assert.Equal(t, "B", m.PartnerID, "root stake never matches a subnet list")
}

func TestClassify_MemoMatchKinds(t *testing.T) {
	rules := []model.EligibilityRule{
		memoRule("exact", "A", "talisman", model.MatchExact, 0, t0),
		memoRule("contains", "B", "nova", model.MatchContains, 0, t0),
		memoRule("regex", "C", `^ref-[0-9]{4}$`, model.MatchRegex, 0, t0),
	}
	c, err := NewClassifier([]model.PartnerVersion{
		version("A", 1, 1, "0.1", 0), version("B", 1, 2, "0.1", 0), version("C", 1, 3, "0.1", 0),
	}, rules)
	require.NoError(t, err)

	tests := []struct {
		memo string
		want string
	}{
		{"talisman", "A"},
		{"talisman wallet", ""},
		{"via nova app", "B"},
		{"ref-1234", "C"},
		{"ref-12345", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.memo, func(t *testing.T) {
			m, ok := c.Classify(model.Delegation{Wallet: "Wx", Memo: tt.memo}, 1)
			if tt.want == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, m.PartnerID)
		})
	}
}

func TestClassify_MemoExtrinsicKinds(t *testing.T) {
	r := model.EligibilityRule{ID: "m", PartnerID: "A", CreatedAt: t0, Config: &model.MemoRule{
		Pattern: "talisman", MatchKind: model.MatchExact, ExtrinsicKinds: []string{"add_stake"},
	}}
	c, err := NewClassifier([]model.PartnerVersion{version("A", 1, 1, "0.1", 0)}, []model.EligibilityRule{r})
	require.NoError(t, err)

	_, ok := c.Classify(model.Delegation{Memo: "talisman", ExtrinsicKind: "add_stake"}, 1)
	assert.True(t, ok)
	_, ok = c.Classify(model.Delegation{Memo: "talisman", ExtrinsicKind: "move_stake"}, 1)
	assert.False(t, ok)
}

func TestClassify_MemoIsNFCNormalized(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	c, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.1", 0)},
		[]model.EligibilityRule{memoRule("m", "A", decomposed, model.MatchExact, 0, t0)},
	)
	require.NoError(t, err)

	_, ok := c.Classify(model.Delegation{Memo: composed}, 1)
	assert.True(t, ok)
}

func TestNewClassifier_BadRegex(t *testing.T) {
	_, err := NewClassifier(
		[]model.PartnerVersion{version("A", 1, 1, "0.1", 0)},
		[]model.EligibilityRule{memoRule("m", "A", "([", model.MatchRegex, 0, t0)},
	)
	require.Error(t, err)
}

// Adding a rule or a partner version at block h never changes the result for
// any height below h.
func TestClassify_ForwardOnlyRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	wallets := []string{"W1", "W2", "W3", "W4"}
	memos := []string{"", "talisman", "nova", "ref-0001"}

	for iter := 0; iter < 200; iter++ {
		var versions []model.PartnerVersion
		var rules []model.EligibilityRule
		partners := 1 + rng.IntN(4)
		for p := 0; p < partners; p++ {
			id := fmt.Sprintf("P%d", p)
			versions = append(versions, version(id, 1, rng.IntN(3), "0.1", int64(rng.IntN(50))))
			for r := 0; r < 1+rng.IntN(3); r++ {
				created := t0.Add(time.Duration(rng.IntN(1000)) * time.Second)
				ruleID := fmt.Sprintf("%s-r%d", id, r)
				if rng.IntN(2) == 0 {
					rules = append(rules, walletRule(ruleID, id, wallets[rng.IntN(len(wallets))], int64(rng.IntN(100)), created))
				} else {
					rules = append(rules, memoRule(ruleID, id, memos[1+rng.IntN(len(memos)-1)], model.MatchContains, int64(rng.IntN(100)), created))
				}
			}
		}
		before, err := NewClassifier(versions, rules)
		require.NoError(t, err)

		h := int64(100 + rng.IntN(100))
		target := fmt.Sprintf("P%d", rng.IntN(partners))
		changed := append([]model.EligibilityRule(nil), rules...)
		changed = append(changed, walletRule("new", target, wallets[rng.IntN(len(wallets))], h, t0.Add(-time.Hour)))
		bumped := version(target, 2, 0, "0.9", h)
		if rng.IntN(2) == 0 {
			bumped.Status = model.PartnerStatusDisabled
		}
		after, err := NewClassifier(append(append([]model.PartnerVersion(nil), versions...), bumped), changed)
		require.NoError(t, err)

		for probe := 0; probe < 20; probe++ {
			d := model.Delegation{Wallet: wallets[rng.IntN(len(wallets))], Memo: memos[rng.IntN(len(memos))]}
			height := int64(rng.IntN(int(h)))
			m1, ok1 := before.Classify(d, height)
			m2, ok2 := after.Classify(d, height)
			require.Equal(t, ok1, ok2, "iteration %d height %d", iter, height)
			require.Equal(t, m1, m2, "iteration %d height %d", iter, height)
		}
	}
}

// The same inputs in any order produce the same owner.
func TestClassify_DeterministicOrder(t *testing.T) {
	versions := []model.PartnerVersion{version("A", 1, 1, "0.1", 0), version("B", 1, 1, "0.2", 0), version("C", 1, 1, "0.3", 0)}
	rules := []model.EligibilityRule{
		walletRule("r-c", "C", "W1", 0, t0),
		walletRule("r-b", "B", "W1", 0, t0),
		walletRule("r-a", "A", "W1", 0, t0),
	}
	rng := rand.New(rand.NewPCG(1, 2))
	var first Match
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(rules), func(a, b int) { rules[a], rules[b] = rules[b], rules[a] })
		rng.Shuffle(len(versions), func(a, b int) { versions[a], versions[b] = versions[b], versions[a] })
		c, err := NewClassifier(versions, rules)
		require.NoError(t, err)
		m, ok := c.Classify(model.Delegation{Wallet: "W1"}, 5)
		require.True(t, ok)
		if i == 0 {
			first = m
			continue
		}
		assert.Equal(t, first, m)
	}
	assert.Equal(t, "r-a", first.RuleID)
}
