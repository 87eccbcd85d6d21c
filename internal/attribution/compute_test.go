package attribution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func yield(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func rootStake(wallet, amount string) chain.StakeEntry {
	return chain.StakeEntry{Wallet: wallet, Kind: model.DelegationRoot, Stake: dec(amount)}
}

func sumYield(attrs []model.BlockAttribution) decimal.Decimal {
	s := decimal.Zero
	for _, a := range attrs {
		s = s.Add(a.AttributedYield)
	}
	return s
}

func TestCompute_ProRata(t *testing.T) {
	ing, attrs := Compute(&chain.BlockStakes{
		Validator: "H1", Block: 100, Yield: yield("10"), BlockTime: t0, ExpectedDelegators: 3,
		Stakes: []chain.StakeEntry{rootStake("W1", "50"), rootStake("W2", "30"), rootStake("W3", "20")},
	}, t0)

	assert.Equal(t, model.FlagComplete, ing.CompletenessFlag)
	assert.Equal(t, 3, ing.AttributionCount)
	assert.Equal(t, "100", ing.TotalStake.String())
	require.Len(t, attrs, 3)
	got := map[string]string{}
	for _, a := range attrs {
		got[a.DelegatorAddress] = a.AttributedYield.String()
		assert.Equal(t, ing.ID, a.IngestionID)
		assert.Equal(t, model.FlagComplete, a.CompletenessFlag)
	}
	assert.Equal(t, map[string]string{"W1": "5", "W2": "3", "W3": "2"}, got)
}

func TestCompute_ResidualToLargestStake(t *testing.T) {
	_, attrs := Compute(&chain.BlockStakes{
		Validator: "H1", Block: 1, Yield: yield("1"), ExpectedDelegators: 3,
		Stakes: []chain.StakeEntry{rootStake("W1", "1"), rootStake("W2", "1"), rootStake("W3", "1")},
	}, t0)

	require.Len(t, attrs, 3)
	assert.True(t, sumYield(attrs).Equal(dec("1")))
	// Equal stakes: the lowest wallet takes the remainder.
	assert.Equal(t, "0.333333334", attrs[0].AttributedYield.String())
	assert.Equal(t, "W1", attrs[0].DelegatorAddress)
	assert.Equal(t, "0.333333333", attrs[1].AttributedYield.String())
	assert.Equal(t, "0.333333333", attrs[2].AttributedYield.String())
}

func TestCompute_MergesDuplicateKeys(t *testing.T) {
	seven := 7
	sub := chain.StakeEntry{Wallet: "W1", SubnetID: &seven, Kind: model.DelegationSubnet, Stake: dec("10"), Memo: "talisman"}
	_, attrs := Compute(&chain.BlockStakes{
		Validator: "H1", Block: 1, Yield: yield("4"), ExpectedDelegators: 2,
		Stakes: []chain.StakeEntry{rootStake("W1", "10"), rootStake("W1", "10"), sub},
	}, t0)

	require.Len(t, attrs, 2)
	assert.Equal(t, model.DelegationRoot, attrs[0].DelegationKind)
	assert.Equal(t, "20", attrs[0].Stake.String())
	assert.Equal(t, "talisman", attrs[1].Memo)
	assert.True(t, sumYield(attrs).Equal(dec("4")))
}

func TestCompute_MissingYield(t *testing.T) {
	ing, attrs := Compute(&chain.BlockStakes{Validator: "H1", Block: 9, Stakes: []chain.StakeEntry{rootStake("W1", "1")}}, t0)
	assert.Equal(t, model.FlagMissing, ing.CompletenessFlag)
	assert.Empty(t, attrs)
	assert.False(t, ing.BlockYield.Valid)
}

func TestCompute_PartialWhenDelegatorsMissing(t *testing.T) {
	ing, attrs := Compute(&chain.BlockStakes{
		Validator: "H1", Block: 1, Yield: yield("10"), ExpectedDelegators: 3,
		Stakes: []chain.StakeEntry{rootStake("W1", "50"), rootStake("W2", "50")},
	}, t0)
	assert.Equal(t, model.FlagPartial, ing.CompletenessFlag)
	assert.Contains(t, ing.ConsistencyNote, "retrieved 2 of 3")
	for _, a := range attrs {
		assert.Equal(t, model.FlagPartial, a.CompletenessFlag)
	}
}

func TestCompute_ZeroStakeDowngradesNotErrors(t *testing.T) {
	ing, attrs := Compute(&chain.BlockStakes{
		Validator: "H1", Block: 1, Yield: yield("10"), ExpectedDelegators: 1,
		Stakes: []chain.StakeEntry{rootStake("W1", "0")},
	}, t0)
	assert.Equal(t, model.FlagPartial, ing.CompletenessFlag)
	assert.Contains(t, ing.ConsistencyNote, "does not match block yield")
	require.Len(t, attrs, 1)
	assert.True(t, attrs[0].AttributedYield.IsZero())
}

func TestCompute_DropsNegativeStake(t *testing.T) {
	ing, attrs := Compute(&chain.BlockStakes{
		Validator: "H1", Block: 1, Yield: yield("10"),
		Stakes: []chain.StakeEntry{rootStake("W1", "5"), rootStake("W2", "-5")},
	}, t0)
	assert.Equal(t, model.FlagPartial, ing.CompletenessFlag)
	require.Len(t, attrs, 1)
	assert.Equal(t, "10", attrs[0].AttributedYield.String())
}

func TestCompute_SumInvariant(t *testing.T) {
	stakes := []chain.StakeEntry{
		rootStake("A", "123.456789"), rootStake("B", "0.000000007"), rootStake("C", "98765.4321"),
		rootStake("D", "3"), rootStake("E", "3"), rootStake("F", "17.17"),
	}
	for _, y := range []string{"0.000000001", "1", "7.123456789", "1000000", "0.1"} {
		ing, attrs := Compute(&chain.BlockStakes{Validator: "H", Block: 1, Yield: yield(y), ExpectedDelegators: len(stakes), Stakes: stakes}, t0)
		require.Equal(t, model.FlagComplete, ing.CompletenessFlag, y)
		assert.True(t, sumYield(attrs).Equal(dec(y)), "yield %s summed to %s", y, sumYield(attrs))
		for _, a := range attrs {
			assert.True(t, a.AttributedYield.Equal(a.AttributedYield.Truncate(model.AmountScale)))
		}
	}
}
