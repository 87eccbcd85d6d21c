package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// Pay marks a PENDING entry as paid. The payment reference is required.
func (a *Aggregator) Pay(ctx context.Context, entryID, reference string) (*model.RakebackLedgerEntry, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, model.Invalid("paymentTxHash", "is required")
	}
	return a.transition(ctx, entryID, model.LedgerPaid, reference, "")
}

// Dispute flags a PENDING entry. The reason is required.
func (a *Aggregator) Dispute(ctx context.Context, entryID, reason string) (*model.RakebackLedgerEntry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, model.Invalid("reason", "is required")
	}
	return a.transition(ctx, entryID, model.LedgerDisputed, "", reason)
}

// Reopen moves a DISPUTED entry back to PENDING and re-aggregates its period
// from scratch.
func (a *Aggregator) Reopen(ctx context.Context, entryID string) (*model.RakebackLedgerEntry, error) {
	cur, err := a.transition(ctx, entryID, model.LedgerPending, "", "")
	if err != nil {
		return nil, err
	}
	return a.Aggregate(ctx, cur.PartnerID, Period{Start: cur.PeriodStart, End: cur.PeriodEnd})
}

func (a *Aggregator) transition(ctx context.Context, entryID string, to model.LedgerStatus, ref, reason string) (*model.RakebackLedgerEntry, error) {
	cur, err := a.st.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	p := Period{Start: cur.PeriodStart, End: cur.PeriodEnd}

	err = a.withPeriodLock(ctx, cur.PartnerID, p, func() error {
		// Re-read under the lock; an aggregation may have just finished.
		cur, err = a.st.GetLedgerEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if !model.CanTransition(cur.Status, to) {
			return model.Invalid("paymentStatus", "cannot move entry from %s to %s", cur.Status, to)
		}
		err := a.st.UpdateLedgerStatus(ctx, entryID, cur.Status, to, ref, reason, a.clock.Now().UTC())
		if errors.Is(err, store.ErrConflict) {
			return model.Invalid("paymentStatus", "entry %s changed status concurrently", entryID)
		}
		return eris.Wrapf(err, "ledger: update status of %s", entryID)
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("ledger status changed",
		zap.String("entry_id", entryID),
		zap.String("partner_id", cur.PartnerID),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
	)
	a.activity.Record(ctx, model.ActivityLedgerState, "entry "+entryID+" "+string(cur.Status)+" -> "+string(to), map[string]any{
		"entryId":       entryID,
		"partnerId":     cur.PartnerID,
		"from":          cur.Status,
		"to":            to,
		"paymentTxHash": ref,
		"reason":        reason,
	})
	return a.st.GetLedgerEntry(ctx, entryID)
}
