package attribution

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rakeback-engine/internal/chain"
	"github.com/sells-group/rakeback-engine/internal/model"
)

type delegationKey struct {
	wallet string
	subnet int // -1 for root stake without a subnet
	kind   model.DelegationKind
}

func keyOf(e chain.StakeEntry) delegationKey {
	k := delegationKey{wallet: e.Wallet, subnet: -1, kind: e.Kind}
	if e.SubnetID != nil {
		k.subnet = *e.SubnetID
	}
	return k
}

func (k delegationKey) less(o delegationKey) bool {
	if k.wallet != o.wallet {
		return k.wallet < o.wallet
	}
	if k.subnet != o.subnet {
		return k.subnet < o.subnet
	}
	return k.kind < o.kind
}

type merged struct {
	key   delegationKey
	entry chain.StakeEntry
	stake decimal.Decimal
}

// Compute splits one block's yield across its delegations. The returned
// ingestion carries the completeness flag shared by every attribution.
//
// Shares are truncated to the amount scale and the remainder goes to the
// largest stake, so a complete block sums to its yield exactly.
func Compute(bs *chain.BlockStakes, now time.Time) (model.BlockIngestion, []model.BlockAttribution) {
	ing := model.BlockIngestion{
		ID:                 uuid.NewString(),
		ValidatorHotkey:    bs.Validator,
		BlockNumber:        bs.Block,
		BlockYield:         bs.Yield,
		TotalStake:         decimal.Zero,
		ExpectedDelegators: bs.ExpectedDelegators,
		BlockTime:          bs.BlockTime.UTC(),
		CreatedAt:          now,
	}
	if !bs.Yield.Valid {
		ing.CompletenessFlag = model.FlagMissing
		ing.ConsistencyNote = "no yield record for block"
		return ing, nil
	}

	var notes []string
	entries, dropped := mergeStakes(bs.Stakes)
	if dropped > 0 {
		notes = append(notes, strconv.Itoa(dropped)+" stake entries with negative or invalid stake ignored")
	}
	ing.RetrievedDelegators = len(entries)

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.stake)
	}
	ing.TotalStake = total

	flag := model.FlagComplete
	if ing.RetrievedDelegators < bs.ExpectedDelegators || dropped > 0 {
		flag = model.FlagPartial
		if ing.RetrievedDelegators < bs.ExpectedDelegators {
			notes = append(notes, "retrieved "+strconv.Itoa(ing.RetrievedDelegators)+" of "+
				strconv.Itoa(bs.ExpectedDelegators)+" delegators")
		}
	}

	yield := model.Quantize(bs.Yield.Decimal)
	attrs := make([]model.BlockAttribution, 0, len(entries))
	sum := decimal.Zero
	largest := -1
	for i, e := range entries {
		share := model.ShareOf(yield, e.stake, total)
		sum = sum.Add(share)
		attrs = append(attrs, model.BlockAttribution{
			ID:                  uuid.NewString(),
			IngestionID:         ing.ID,
			BlockNumber:         bs.Block,
			ValidatorHotkey:     bs.Validator,
			DelegatorAddress:    e.entry.Wallet,
			SubnetID:            e.entry.SubnetID,
			DelegationKind:      e.entry.Kind,
			Memo:                e.entry.Memo,
			ExtrinsicKind:       e.entry.ExtrinsicKind,
			Stake:               e.stake,
			StakeProportion:     model.Ratio(e.stake, total),
			AttributedYield:     share,
			SettlementAllocated: decimal.Zero,
			YieldAllocated:      decimal.Zero,
			BlockTime:           ing.BlockTime,
			CreatedAt:           now,
		})
		if e.stake.IsPositive() && (largest < 0 || e.stake.GreaterThan(entries[largest].stake)) {
			largest = i
		}
	}
	if residual := yield.Sub(sum); largest >= 0 && residual.IsPositive() {
		attrs[largest].AttributedYield = attrs[largest].AttributedYield.Add(residual)
		sum = sum.Add(residual)
	}

	if flag == model.FlagComplete && !model.WithinEpsilon(sum, yield) {
		flag = model.FlagPartial
		notes = append(notes, "attributed sum "+sum.String()+" does not match block yield "+yield.String())
	}
	for i := range attrs {
		attrs[i].CompletenessFlag = flag
	}
	ing.CompletenessFlag = flag
	ing.ConsistencyNote = strings.Join(notes, "; ")
	ing.AttributionCount = len(attrs)
	return ing, attrs
}

// mergeStakes folds duplicate entries for the same (wallet, subnet, kind) and
// returns them in key order. Entries with a negative stake or an unknown kind
// are dropped and counted.
func mergeStakes(in []chain.StakeEntry) ([]merged, int) {
	byKey := make(map[delegationKey]*merged, len(in))
	dropped := 0
	for _, e := range in {
		if e.Stake.IsNegative() || !e.Kind.Valid() || e.Wallet == "" {
			dropped++
			continue
		}
		k := keyOf(e)
		if m, ok := byKey[k]; ok {
			m.stake = m.stake.Add(e.Stake)
			if m.entry.Memo == "" {
				m.entry.Memo = e.Memo
				m.entry.ExtrinsicKind = e.ExtrinsicKind
			}
			continue
		}
		byKey[k] = &merged{key: k, entry: e, stake: e.Stake}
	}
	out := make([]merged, 0, len(byKey))
	for _, m := range byKey {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.less(out[j].key) })
	return out, dropped
}
