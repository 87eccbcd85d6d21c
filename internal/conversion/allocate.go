// Package conversion records yield-for-settlement sales and spreads their
// proceeds across the attributions that produced the sold yield.
package conversion

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rakeback-engine/internal/model"
)

// Plan is the allocation of one event, ready to be saved.
type Plan struct {
	Status      model.AllocationStatus
	Allocations []model.Allocation
	Updates     []model.AttributionAllocation
}

// PlanAllocation splits ev across targets pro rata by unallocated yield.
//
// Settlement shares and consumed yield are truncated to the amount scale and
// the remainder of each goes to the largest weight (earliest block, then
// lowest id, on ties). Settlement therefore sums to the event amount exactly.
// Consumed yield never exceeds a target's unallocated yield.
func PlanAllocation(ev model.ConversionEvent, targets []model.BlockAttribution, now time.Time) Plan {
	sorted := make([]model.BlockAttribution, 0, len(targets))
	for _, t := range targets {
		if t.Unallocated().IsPositive() {
			sorted = append(sorted, t)
		}
	}
	if len(sorted) == 0 {
		return Plan{Status: model.AllocationUnallocated}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].ID < sorted[j].ID
	})

	weights := make([]decimal.Decimal, len(sorted))
	total := decimal.Zero
	largest := 0
	for i, t := range sorted {
		weights[i] = t.Unallocated()
		total = total.Add(weights[i])
		if weights[i].GreaterThan(weights[largest]) {
			largest = i
		}
	}

	settlement := model.Quantize(ev.SettlementAmount)
	sold := model.Quantize(ev.YieldAmount)

	shares := make([]decimal.Decimal, len(sorted))
	consumed := make([]decimal.Decimal, len(sorted))
	shareSum, consumedSum := decimal.Zero, decimal.Zero
	soldCoversAll := sold.GreaterThanOrEqual(total)
	for i, w := range weights {
		shares[i] = model.ShareOf(settlement, w, total)
		shareSum = shareSum.Add(shares[i])
		if soldCoversAll {
			consumed[i] = w
		} else {
			consumed[i] = model.ShareOf(sold, w, total)
		}
		consumedSum = consumedSum.Add(consumed[i])
	}
	if rest := settlement.Sub(shareSum); rest.IsPositive() {
		shares[largest] = shares[largest].Add(rest)
	}
	if !soldCoversAll {
		if rest := sold.Sub(consumedSum); rest.IsPositive() {
			consumed[largest] = decimal.Min(consumed[largest].Add(rest), weights[largest])
		}
	}

	plan := Plan{Status: model.AllocationAllocated}
	for i, t := range sorted {
		if !shares[i].IsPositive() && !consumed[i].IsPositive() {
			continue
		}
		plan.Allocations = append(plan.Allocations, model.Allocation{
			ID:                uuid.NewString(),
			ConversionEventID: ev.ID,
			AttributionID:     t.ID,
			SettlementAmount:  shares[i],
			YieldConsumed:     consumed[i],
			Method:            model.AllocationMethodProRata,
			CreatedAt:         now,
		})
		allocated := t.YieldAllocated.Add(consumed[i])
		plan.Updates = append(plan.Updates, model.AttributionAllocation{
			AttributionID:       t.ID,
			PrevYieldAllocated:  t.YieldAllocated,
			YieldAllocated:      allocated,
			SettlementAllocated: t.SettlementAllocated.Add(shares[i]),
			FullyAllocated:      allocated.GreaterThanOrEqual(t.AttributedYield),
		})
	}
	return plan
}
