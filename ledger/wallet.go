/*
wallet.go - Double-entry wallet for platform-held sellers

PURPOSE:
  Records CREDIT and DEBIT entries against a seller's wallet and keeps the
  cached SellerBalance.Balance in step, inside the caller's transaction.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. FAIL-CLOSED: a debit larger than Σ CREDIT − Σ DEBIT is rejected,
     never clamped and never allowed to go negative
  3. ONE ENTRY PER REFERENCE: a commission is credited once, a payout or
     gift card debited once (enforced by the store's unique index)
  4. BalanceAfter is written for display only; balance is always re-summed

SEE ALSO:
  - projector.go: Maintains the cached SellerBalance
  - commission/machine.go: Credits on maturation
  - payout/orchestrator.go: Debits on confirmed payout
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reference points a wallet entry at the record that caused it.
type Reference struct {
	Type ReferenceType
	ID   string
}

// Wallet writes wallet entries. It holds no state besides its clock.
type Wallet struct {
	projector *Projector
	now       func() time.Time
}

func NewWallet(projector *Projector, now func() time.Time) *Wallet {
	if now == nil {
		now = time.Now
	}
	return &Wallet{projector: projector, now: now}
}

// Available returns the confirmed withdrawable amount: Σ CREDIT − Σ DEBIT.
func (w *Wallet) Available(ctx context.Context, tx JournalStore, sellerID SellerID) (Money, error) {
	credits, debits, err := tx.SumEntries(ctx, sellerID)
	if err != nil {
		return 0, fmt.Errorf("sum wallet entries for %s: %w", sellerID, err)
	}
	return credits - debits, nil
}

// Credit adds amount to the seller's wallet.
func (w *Wallet) Credit(ctx context.Context, tx Tx, sellerID SellerID, amount Money, ref Reference, description string) (*WalletEntry, error) {
	return w.write(ctx, tx, EntryCredit, sellerID, amount, ref, description)
}

// Debit removes amount from the seller's wallet, failing closed with an
// *InsufficientFundsError when the confirmed balance does not cover it.
func (w *Wallet) Debit(ctx context.Context, tx Tx, sellerID SellerID, amount Money, ref Reference, description string) (*WalletEntry, error) {
	return w.write(ctx, tx, EntryDebit, sellerID, amount, ref, description)
}

func (w *Wallet) write(ctx context.Context, tx Tx, typ EntryType, sellerID SellerID, amount Money, ref Reference, description string) (*WalletEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s of %d", ErrInvalidAmount, typ, amount)
	}
	if err := tx.LockBalance(ctx, sellerID); err != nil {
		return nil, fmt.Errorf("lock balance for %s: %w", sellerID, err)
	}
	available, err := w.Available(ctx, tx, sellerID)
	if err != nil {
		return nil, err
	}

	after := available + amount
	delta := Delta{Balance: amount}
	if typ == EntryDebit {
		if amount > available {
			return nil, &InsufficientFundsError{
				SellerID:  sellerID,
				Available: available,
				Requested: amount,
				Shortfall: amount - available,
			}
		}
		after = available - amount
		delta = Delta{Balance: -amount}
	}

	entry := &WalletEntry{
		ID:            uuid.NewString(),
		SellerID:      sellerID,
		Type:          typ,
		Amount:        amount,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		BalanceAfter:  after,
		Description:   description,
		CreatedAt:     w.now().UTC(),
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append %s for %s %s: %w", typ, ref.Type, ref.ID, err)
	}
	if _, err := w.projector.Apply(ctx, tx, sellerID, delta); err != nil {
		return nil, err
	}
	return entry, nil
}
