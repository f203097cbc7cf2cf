/*
projector.go - SellerBalance maintenance

PURPOSE:
  SellerBalance is a cache. The wallet journal and the commission table are
  the truth. The projector keeps the cache current incrementally (inside the
  same transaction as the write that moved the money) and can rebuild it
  from a full replay when drift is suspected.

PROJECTION RULES:
  Balance   = Σ CREDIT − Σ DEBIT
  Pending   = Σ commission_amount of PENDING commissions
  Due       = Σ commission_amount of PROCEED commissions
  PaidTotal = Σ commission_amount of COMPLETE commissions

SEE ALSO:
  - wallet.go: Applies Balance deltas
  - commission/machine.go: Applies Pending/Due/PaidTotal deltas
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Delta is an incremental change to a cached balance.
type Delta struct {
	Balance   Money
	Pending   Money
	Due       Money
	PaidTotal Money
}

// Drift is the difference between the cached balance and a replay.
// Positive values mean the cache is higher than the truth.
type Drift struct {
	SellerID  SellerID
	Cached    SellerBalance
	Replayed  SellerBalance
	Balance   Money
	Pending   Money
	Due       Money
	PaidTotal Money
}

// Clean reports whether cache and replay agree.
func (d Drift) Clean() bool {
	return d.Balance == 0 && d.Pending == 0 && d.Due == 0 && d.PaidTotal == 0
}

type Projector struct {
	now func() time.Time
}

func NewProjector(now func() time.Time) *Projector {
	if now == nil {
		now = time.Now
	}
	return &Projector{now: now}
}

// Apply adds d to the seller's cached balance.
func (p *Projector) Apply(ctx context.Context, tx BalanceStore, sellerID SellerID, d Delta) (SellerBalance, error) {
	b, err := tx.GetBalance(ctx, sellerID)
	if err != nil {
		return SellerBalance{}, fmt.Errorf("load balance for %s: %w", sellerID, err)
	}
	b.SellerID = sellerID
	b.Balance += d.Balance
	b.Pending += d.Pending
	b.Due += d.Due
	b.PaidTotal += d.PaidTotal
	b.UpdatedAt = p.now().UTC()
	if err := tx.PutBalance(ctx, b); err != nil {
		return SellerBalance{}, fmt.Errorf("save balance for %s: %w", sellerID, err)
	}
	return b, nil
}

// Replay recomputes a seller's balance from the journal and commission history.
func (p *Projector) Replay(ctx context.Context, tx Tx, sellerID SellerID) (SellerBalance, error) {
	credits, debits, err := tx.SumEntries(ctx, sellerID)
	if err != nil {
		return SellerBalance{}, fmt.Errorf("sum entries for %s: %w", sellerID, err)
	}
	totals, err := tx.SummarizeCommissions(ctx, CommissionFilter{SellerID: sellerID})
	if err != nil {
		return SellerBalance{}, fmt.Errorf("summarize commissions for %s: %w", sellerID, err)
	}

	b := SellerBalance{SellerID: sellerID, Balance: credits - debits, UpdatedAt: p.now().UTC()}
	for _, t := range totals {
		switch t.Status {
		case StatusPending:
			b.Pending = t.Amount
		case StatusProceed:
			b.Due = t.Amount
		case StatusComplete:
			b.PaidTotal = t.Amount
		}
	}
	return b, nil
}

// Verify compares the cached balance with a replay without writing anything.
func (p *Projector) Verify(ctx context.Context, tx Tx, sellerID SellerID) (Drift, error) {
	cached, err := tx.GetBalance(ctx, sellerID)
	if err != nil {
		return Drift{}, fmt.Errorf("load balance for %s: %w", sellerID, err)
	}
	replayed, err := p.Replay(ctx, tx, sellerID)
	if err != nil {
		return Drift{}, err
	}
	return Drift{
		SellerID:  sellerID,
		Cached:    cached,
		Replayed:  replayed,
		Balance:   cached.Balance - replayed.Balance,
		Pending:   cached.Pending - replayed.Pending,
		Due:       cached.Due - replayed.Due,
		PaidTotal: cached.PaidTotal - replayed.PaidTotal,
	}, nil
}

// Rebuild overwrites the cached balance with a replay and returns the drift
// that was corrected.
func (p *Projector) Rebuild(ctx context.Context, store Store, sellerID SellerID) (Drift, error) {
	var drift Drift
	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockBalance(ctx, sellerID); err != nil {
			return err
		}
		var err error
		drift, err = p.Verify(ctx, tx, sellerID)
		if err != nil {
			return err
		}
		return tx.PutBalance(ctx, drift.Replayed)
	})
	return drift, err
}
