/*
orchestrator_test.go - Tests for payout selection and execution

Tests for:
- Threshold and grouping
- Confirmed payout: COMPLETE + DEBIT atomically, idempotent callbacks
- Rail failure and cancellation leave commissions in PROCEED
- Fail-closed funding and stale batches
- Direct-rail sellers never touch the wallet
*/
package payout_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/payout"
)

func TestSelectPayable_ThresholdAndGrouping(t *testing.T) {
	// GIVEN: One seller above the minimum over two sales, one below
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	h.seller(t, "seller-b", ledger.RailPlatform, "")
	h.sell(t, "seller-a", 800)
	h.sell(t, "seller-a", 800)
	h.sell(t, "seller-b", 1000)
	h.mature(t)

	// WHEN: Payable batches are selected
	batches, err := h.payouts.SelectPayable(ctx, nil)

	// THEN: seller-a has one batch of 680 + 680, seller-b's 850 waits
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, ledger.SellerID("seller-a"), batches[0].SellerID)
	assert.Equal(t, ledger.Money(1360), batches[0].Amount)
	assert.Len(t, batches[0].CommissionIDs, 2)
	assert.Equal(t, ledger.RailPlatform, batches[0].Rail)
}

func TestSelectPayable_IgnoresPendingAndClaimed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	h.sell(t, "seller-a", 10000)

	batches, err := h.payouts.SelectPayable(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, batches, "pending commissions are not payable")

	h.mature(t)
	batches, err = h.payouts.SelectPayable(ctx, []ledger.SellerID{"seller-a"})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	_, err = h.payouts.Execute(ctx, batches[0])
	require.NoError(t, err)

	batches, err = h.payouts.SelectPayable(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, batches, "claimed commissions are not selected twice")
}

func TestPayout_ConfirmedPayoutCompletesAndDebits(t *testing.T) {
	// GIVEN: A platform seller with a matured 8500 commission
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	id := h.sell(t, "seller-a", 10000)
	h.mature(t)
	require.Equal(t, ledger.Money(8500), ledgertest.Balance(t, h.store, "seller-a").Balance)

	// WHEN: The payout run submits it and the rail confirms
	res, err := h.payouts.Run(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	submitted := res.Payouts[0]
	assert.Equal(t, ledger.PayoutSubmitted, submitted.Status)
	assert.Empty(t, h.debits(t, "seller-a"), "no DEBIT before confirmation")

	settled, err := h.payouts.Confirm(ctx, submitted.ID, true, "bank-123", "")

	// THEN: COMPLETE, one DEBIT of 8500, balance back to 0
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutSettled, settled.Status)
	assert.Equal(t, "bank-123", settled.TransferRef)
	assert.NotNil(t, settled.SettledAt)

	c := h.commission(t, id)
	assert.Equal(t, ledger.StatusComplete, c.Status)
	assert.NotNil(t, c.PaidAt)

	debits := h.debits(t, "seller-a")
	require.Len(t, debits, 1)
	assert.Equal(t, ledger.Money(8500), debits[0].Amount)
	assert.Equal(t, string(submitted.ID), debits[0].ReferenceID)

	b := ledgertest.Balance(t, h.store, "seller-a")
	assert.Equal(t, ledger.Money(0), b.Balance)
	assert.Equal(t, ledger.Money(0), b.Due)
	assert.Equal(t, ledger.Money(8500), b.PaidTotal)

	// A repeated callback changes nothing
	again, err := h.payouts.Confirm(ctx, submitted.ID, true, "bank-123", "")
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutSettled, again.Status)
	assert.Len(t, h.debits(t, "seller-a"), 1)
}

func TestPayout_RailSettlesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.rail.status = payout.TransferSettled
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	h.sell(t, "seller-a", 10000)
	h.mature(t)

	res, err := h.payouts.Run(ctx, nil)

	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, ledger.PayoutSettled, res.Payouts[0].Status)
	assert.Len(t, h.debits(t, "seller-a"), 1)
}

func TestExecute_SettlesEvenIfRunIsCanceled(t *testing.T) {
	// GIVEN: A rail that settles while the run is being canceled
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rail.status = payout.TransferSettled
	h.rail.onTransfer = cancel
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	id := h.sell(t, "seller-a", 10000)
	h.mature(t)
	batches, err := h.payouts.SelectPayable(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// WHEN: The batch executes
	p, err := h.payouts.Execute(ctx, batches[0])

	// THEN: The settlement is recorded in full
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutSettled, p.Status)
	assert.Equal(t, ledger.StatusComplete, h.commission(t, id).Status)
	assert.Len(t, h.debits(t, "seller-a"), 1)
}

func TestPayout_RailFailureKeepsCommissionsProceed(t *testing.T) {
	// GIVEN: A rail that rejects transfers
	ctx := context.Background()
	h := newHarness(t)
	h.rail.err = errRailDown
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	id := h.sell(t, "seller-a", 10000)
	h.mature(t)

	// WHEN: The payout runs
	res, err := h.payouts.Run(ctx, nil)

	// THEN: The payout is FAILED with the rail's reason and nothing is debited
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	failed := res.Payouts[0]
	assert.Equal(t, ledger.PayoutFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "account closed")
	assert.Empty(t, h.debits(t, "seller-a"))

	c := h.commission(t, id)
	assert.Equal(t, ledger.StatusProceed, c.Status)
	assert.Empty(t, c.PayoutID, "released for retry")
	assert.Equal(t, ledger.Money(8500), ledgertest.Balance(t, h.store, "seller-a").Balance)

	// The next run retries the same commission
	h.rail.err = nil
	res, err = h.payouts.Run(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, []ledger.CommissionID{id}, res.Payouts[0].CommissionIDs)
}

func TestPayout_Cancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	id := h.sell(t, "seller-a", 10000)
	h.mature(t)
	res, err := h.payouts.Run(ctx, nil)
	require.NoError(t, err)
	p := res.Payouts[0]

	canceled, err := h.payouts.Cancel(ctx, p.ID, "seller changed bank details")
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutCanceled, canceled.Status)
	assert.Empty(t, h.commission(t, id).PayoutID)

	// A late confirmation of a canceled payout is refused
	_, err = h.payouts.Confirm(ctx, p.ID, true, "late", "")
	assert.ErrorIs(t, err, ledger.ErrNotPending)
	assert.Empty(t, h.debits(t, "seller-a"))
	assert.Equal(t, ledger.StatusProceed, h.commission(t, id).Status)
}

func TestExecute_BelowMinimum(t *testing.T) {
	h := newHarness(t)
	_, err := h.payouts.Execute(context.Background(), payout.Batch{SellerID: "seller-a", Amount: 999})
	assert.ErrorIs(t, err, ledger.ErrBelowMinimum)
}

func TestExecute_StaleBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	h.sell(t, "seller-a", 10000)
	h.mature(t)
	batches, err := h.payouts.SelectPayable(ctx, nil)
	require.NoError(t, err)

	_, err = h.payouts.Execute(ctx, batches[0])
	require.NoError(t, err)
	_, err = h.payouts.Execute(ctx, batches[0])

	assert.ErrorIs(t, err, ledger.ErrStaleBatch)
	assert.True(t, ledger.IsRetryable(err))
	assert.Len(t, h.rail.calls, 1)
}

func TestExecute_ReservedGiftCardFailsClosed(t *testing.T) {
	// GIVEN: 8500 available, 5000 of it reserved by a pending gift card
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	id := h.sell(t, "seller-a", 10000)
	h.mature(t)
	_, err := h.giftCards.Request(ctx, "seller-a", "amazon", 5000)
	require.NoError(t, err)

	// WHEN: The 8500 payout executes
	res, err := h.payouts.Run(ctx, nil)

	// THEN: It is refused with the shortfall and nothing is claimed
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)
	require.Len(t, res.Errors, 1)
	var insufficient *ledger.InsufficientFundsError
	require.True(t, errors.As(res.Errors[0], &insufficient))
	assert.Equal(t, ledger.Money(5000), insufficient.Shortfall)
	assert.Empty(t, h.commission(t, id).PayoutID)
	assert.Empty(t, h.rail.calls)
}

func TestPayout_DirectSellerHasNoWalletEffect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-b", ledger.RailStripeConnect, "")
	id := h.sell(t, "seller-b", 10000)
	h.mature(t)

	res, err := h.payouts.Run(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, ledger.RailStripeConnect, res.Payouts[0].Rail)

	_, err = h.payouts.Confirm(ctx, res.Payouts[0].ID, true, "po_123", "")
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusComplete, h.commission(t, id).Status)
	entries, err := h.store.ListEntries(ctx, "seller-b", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	b := ledgertest.Balance(t, h.store, "seller-b")
	assert.Equal(t, ledger.Money(8500), b.PaidTotal)
	assert.Equal(t, ledger.Money(0), b.Due)
}

func TestPayout_MissingRailFailsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	h.sell(t, "seller-a", 10000)
	h.mature(t)
	orchestrator := payout.NewOrchestrator(h.store, h.machine, map[ledger.Rail]payout.Rail{}, payout.Config{}, nil)

	res, err := orchestrator.Run(ctx, nil)

	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, ledger.PayoutFailed, res.Payouts[0].Status)
	assert.Contains(t, res.Payouts[0].FailureReason, "no rail configured")
}

func TestRun_ManySellers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sellers := []ledger.SellerID{"s-1", "s-2", "s-3", "s-4", "s-5"}
	for _, s := range sellers {
		h.seller(t, s, ledger.RailPlatform, "")
		h.sell(t, s, 10000)
	}
	h.mature(t)

	res, err := h.payouts.Run(ctx, nil)

	require.NoError(t, err)
	assert.Len(t, res.Payouts, len(sellers))
	assert.Empty(t, res.Errors)
	assert.Len(t, h.rail.calls, len(sellers))
}
