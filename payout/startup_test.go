package payout_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
)

func TestStartupPayment_CreateAndConfirm(t *testing.T) {
	// GIVEN: Two matured commissions, one of them with a referral
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "referrer", ledger.RailPlatform, "")
	h.seller(t, "seller-a", ledger.RailPlatform, "referrer")
	first := h.sell(t, "seller-a", 10000)
	second := h.sell(t, "seller-a", 2000)
	h.mature(t)

	// WHEN: The merchant pays for everything it owes
	p, err := h.startup.Create(ctx, ws, nil)

	// THEN: Partner and platform totals cover the seller commissions only
	require.NoError(t, err)
	assert.Equal(t, ledger.StartupPaymentPending, p.Status)
	assert.ElementsMatch(t, []ledger.CommissionID{first, second}, p.CommissionIDs)
	assert.Equal(t, ledger.Money(8500+1700), p.PartnerTotal)
	assert.Equal(t, ledger.Money(1500+300), p.PlatformTotal)
	assert.Equal(t, ledger.Money(12000), p.Total)
	assert.Equal(t, "EUR", p.Currency)

	// WHEN: The payment clears
	paid, err := h.startup.Confirm(ctx, p.ID, "pi_123")

	// THEN: The commissions are funded
	require.NoError(t, err)
	assert.Equal(t, ledger.StartupPaymentPaid, paid.Status)
	assert.Equal(t, "pi_123", paid.ExternalRef)
	assert.Equal(t, ledger.PaymentPaid, h.commission(t, first).StartupPaymentStatus)
	assert.Equal(t, ledger.PaymentPaid, h.commission(t, second).StartupPaymentStatus)

	// Confirming twice is a no-op, failing a paid payment is refused
	_, err = h.startup.Confirm(ctx, p.ID, "pi_123")
	require.NoError(t, err)
	_, err = h.startup.Fail(ctx, p.ID, "chargeback")
	assert.ErrorIs(t, err, ledger.ErrNotPending)
}

func TestStartupPayment_FailUnlinks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	id := h.sell(t, "seller-a", 10000)
	h.mature(t)

	p, err := h.startup.Create(ctx, ws, []ledger.CommissionID{id})
	require.NoError(t, err)
	_, err = h.startup.Create(ctx, ws, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "already covered by a pending payment")

	failed, err := h.startup.Fail(ctx, p.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, ledger.StartupPaymentFailed, failed.Status)
	assert.Equal(t, ledger.PaymentUnpaid, h.commission(t, id).StartupPaymentStatus)

	retry, err := h.startup.Create(ctx, ws, nil)
	require.NoError(t, err)
	assert.Equal(t, []ledger.CommissionID{id}, retry.CommissionIDs)
}

func TestStartupPayment_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seller(t, "seller-a", ledger.RailPlatform, "")
	pending := h.sell(t, "seller-a", 10000)

	_, err := h.startup.Create(ctx, "ws-ghost", nil)
	assert.ErrorIs(t, err, ledger.ErrUnknownWorkspace)

	_, err = h.startup.Create(ctx, ws, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "nothing matured yet")

	h.mature(t)
	_, err = h.startup.Create(ctx, ws, []ledger.CommissionID{pending, "unknown"})
	assert.ErrorIs(t, err, ledger.ErrStaleBatch)

	_, err = h.startup.Confirm(ctx, "missing", "ref")
	assert.True(t, ledger.IsNotFound(err))
}
