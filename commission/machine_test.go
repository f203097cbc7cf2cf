/*
machine_test.go - Tests for the commission lifecycle

Tests for:
- Maturation boundary and the CREDIT it writes
- Re-entrant and concurrent sweeps (no double credit)
- Refunds (PENDING only, derived commissions included)
- Administrative force-maturation
*/
package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/logging"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ledger.Status
		want     bool
	}{
		{ledger.StatusPending, ledger.StatusProceed, true},
		{ledger.StatusPending, ledger.StatusRejected, true},
		{ledger.StatusProceed, ledger.StatusComplete, true},
		{ledger.StatusProceed, ledger.StatusRejected, false},
		{ledger.StatusComplete, ledger.StatusRejected, false},
		{ledger.StatusPending, ledger.StatusComplete, false},
		{ledger.StatusRejected, ledger.StatusProceed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, commission.CanTransition(tt.from, tt.to), "%s → %s", tt.from, tt.to)
	}
}

func TestMatureDue_HoldBoundary(t *testing.T) {
	// GIVEN: A platform seller with one 8500 commission under a 30 day hold
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	out := h.ingest(t, sale("evt-1", click, 10000))
	require.Len(t, out.CommissionIDs, 1)
	id := out.CommissionIDs[0]
	created := h.get(t, id).CreatedAt

	before := ledgertest.Balance(t, h.store, "seller-a")
	assert.Equal(t, ledger.Money(8500), before.Pending)
	assert.Equal(t, ledger.Money(0), before.Balance)

	// WHEN: The sweep runs one second before the hold ends
	res, err := h.machine.MatureDue(ctx, created.Add(days(30)-time.Second), 0)

	// THEN: Nothing matures
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matured)
	assert.Equal(t, ledger.StatusPending, h.get(t, id).Status)
	assert.Empty(t, h.entries(t, "seller-a"))

	// WHEN: The sweep runs one second after
	res, err = h.machine.MatureDue(ctx, created.Add(days(30)+time.Second), 0)

	// THEN: The commission is PROCEED with one CREDIT of 8500
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matured)
	c := h.get(t, id)
	assert.Equal(t, ledger.StatusProceed, c.Status)
	assert.NotNil(t, c.MaturedAt)

	entries := h.entries(t, "seller-a")
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryCredit, entries[0].Type)
	assert.Equal(t, ledger.Money(8500), entries[0].Amount)
	assert.Equal(t, string(id), entries[0].ReferenceID)

	after := ledgertest.Balance(t, h.store, "seller-a")
	assert.Equal(t, ledger.Money(0), after.Pending)
	assert.Equal(t, ledger.Money(8500), after.Due)
	assert.Equal(t, ledger.Money(8500), after.Balance)
}

func TestMatureDue_IsReentrant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	h.ingest(t, sale("evt-1", click, 10000))
	h.ingest(t, sale("evt-2", click, 20000))
	asOf := h.machine.Now().Add(days(31))

	first, err := h.machine.MatureDue(ctx, asOf, 1)
	require.NoError(t, err)
	second, err := h.machine.MatureDue(ctx, asOf, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Matured)
	assert.Equal(t, 0, second.Matured)
	assert.Len(t, h.entries(t, "seller-a"), 2)
	assert.Equal(t, ledger.Money(8500+17000), ledgertest.Balance(t, h.store, "seller-a").Balance)
}

func TestMatureDue_FailuresDoNotHideLaterPages(t *testing.T) {
	// GIVEN: One due commission behind a full page of commissions that
	// cannot mature (their seller is gone)
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	good := h.ingest(t, sale("evt-1", click, 10000)).CommissionIDs[0]
	h.clock.Advance(time.Hour)
	for _, id := range []ledger.CommissionID{"c-orphan-1", "c-orphan-2"} {
		now := h.machine.Now()
		require.NoError(t, h.store.InsertCommission(ctx, &ledger.Commission{
			ID: id, WorkspaceID: ws, SellerID: "seller-gone", MissionID: "mission-shop",
			SaleID: "sale-" + string(id), EventID: "evt-" + string(id), EventKind: ledger.EventSale,
			SaleAmount: 1000, GrossAmount: 1000, PlatformFee: 150, CommissionAmount: 850,
			Currency: "EUR", RateSnapshot: "100%", Status: ledger.StatusPending,
			StartupPaymentStatus: ledger.PaymentUnpaid,
			OccurredAt: now, CreatedAt: now, MaturesAt: now,
		}))
	}

	// WHEN: Sweeping in pages of two
	res, err := h.machine.MatureDue(ctx, h.machine.Now().Add(days(31)), 2)

	// THEN: The failures are reported and the older commission still matures
	assert.Error(t, err)
	assert.Equal(t, 3, res.Examined)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Matured)
	assert.Equal(t, ledger.StatusProceed, h.get(t, good).Status)
}

func TestMatureDue_ConcurrentSweepsCreditOnce(t *testing.T) {
	// GIVEN: Ten matured-by-now commissions
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	for i := 0; i < 10; i++ {
		h.ingest(t, sale("evt-"+string(rune('a'+i)), click, 10000))
	}
	asOf := h.machine.Now().Add(days(31))

	// WHEN: Four sweeps race
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.machine.MatureDue(ctx, asOf, 3)
			assert.NoError(t, err)
			mu.Lock()
			total += res.Matured
			mu.Unlock()
		}()
	}
	wg.Wait()

	// THEN: Each commission was matured and credited exactly once
	assert.Equal(t, 10, total)
	assert.Len(t, h.entries(t, "seller-a"), 10)
	assert.Equal(t, ledger.Money(85000), ledgertest.Balance(t, h.store, "seller-a").Balance)
}

func TestMature_DirectSellerGetsNoCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dir.Seller("seller-b", ledger.RailStripeConnect, "")
	h.dir.SaleMission("mission-shop", 0, "100%")
	click := h.dir.Enroll("seller-b", "mission-shop", "")
	h.ingest(t, sale("evt-1", click, 10000))

	res, err := h.machine.MatureDue(ctx, h.machine.Now(), 0)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Matured)
	assert.Empty(t, h.entries(t, "seller-b"))
	b := ledgertest.Balance(t, h.store, "seller-b")
	assert.Equal(t, ledger.Money(8500), b.Due)
	assert.Equal(t, ledger.Money(0), b.Balance)
}

func TestRefund_PendingCommission(t *testing.T) {
	// GIVEN: A pending commission
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	out := h.ingest(t, sale("evt-1", click, 10000))

	// WHEN: The sale is refunded
	res, err := h.machine.Refund(ctx, ws, "order-evt-1", "chargeback")

	// THEN: REJECTED, no CREDIT, nothing pending or available
	require.NoError(t, err)
	assert.Equal(t, out.CommissionIDs, res.Rejected)
	c := h.get(t, out.CommissionIDs[0])
	assert.Equal(t, ledger.StatusRejected, c.Status)
	assert.Equal(t, "chargeback", c.RejectReason)
	assert.Empty(t, h.entries(t, "seller-a"))
	b := ledgertest.Balance(t, h.store, "seller-a")
	assert.Equal(t, ledger.Money(0), b.Pending)
	assert.Equal(t, ledger.Money(0), b.Balance)

	// A later sweep does not resurrect it
	swept, err := h.machine.MatureDue(ctx, h.machine.Now().Add(days(60)), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, swept.Matured)

	// Refunding twice is a no-op
	res, err = h.machine.Refund(ctx, ws, "order-evt-1", "chargeback")
	require.NoError(t, err)
	assert.Empty(t, res.Rejected)
}

func TestRefund_RejectsDerivedCommissions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dir.Seller("referrer", ledger.RailPlatform, "")
	h.dir.Seller("seller-a", ledger.RailPlatform, "referrer")
	h.dir.SaleMission("mission-shop", 30, "100%")
	click := h.dir.Enroll("seller-a", "mission-shop", "")
	out := h.ingest(t, sale("evt-1", click, 10000))
	require.Len(t, out.CommissionIDs, 2)

	res, err := h.machine.Refund(ctx, ws, "order-evt-1", "refund")

	require.NoError(t, err)
	assert.Len(t, res.Rejected, 2)
	assert.Equal(t, ledger.Money(0), ledgertest.Balance(t, h.store, "referrer").Pending)
}

func TestRefund_MaturedCommissionIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dir.Seller("seller-a", ledger.RailPlatform, "")
	h.dir.SaleMission("mission-shop", 0, "100%")
	click := h.dir.Enroll("seller-a", "mission-shop", "")
	out := h.ingest(t, sale("evt-1", click, 10000))
	_, err := h.machine.MatureDue(ctx, h.machine.Now(), 0)
	require.NoError(t, err)

	_, err = h.machine.Refund(ctx, ws, "order-evt-1", "too late")

	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.True(t, ledger.IsIntegrityViolation(err))
	assert.Equal(t, ledger.StatusProceed, h.get(t, out.CommissionIDs[0]).Status)
}

func TestRefund_UnknownSale(t *testing.T) {
	h := newHarness(t)
	_, err := h.machine.Refund(context.Background(), ws, "missing", "refund")
	assert.True(t, ledger.IsNotFound(err))
}

func TestForceMature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	h.ingest(t, sale("evt-1", click, 10000))
	h.ingest(t, sale("evt-2", click, 10000))

	res, err := h.machine.ForceMature(ctx, nil, "seller-a")

	require.NoError(t, err)
	assert.Equal(t, 2, res.Matured)
	assert.Equal(t, ledger.Money(17000), ledgertest.Balance(t, h.store, "seller-a").Balance)
}

func TestForceMature_ForbiddenWithoutOverrides(t *testing.T) {
	h := newHarness(t)
	strict := commission.NewMachine(h.store, commission.WithLogger(logging.Discard()))

	_, err := strict.ForceMature(context.Background(), []ledger.CommissionID{"c-1"}, "")

	assert.ErrorIs(t, err, ledger.ErrOverrideForbidden)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	h.ingest(t, sale("evt-1", click, 10000))
	h.ingest(t, sale("evt-2", click, 10000))
	_, err := h.machine.Refund(ctx, ws, "order-evt-2", "refund")
	require.NoError(t, err)

	sum, err := h.machine.Summary(ctx, ledger.CommissionFilter{WorkspaceID: ws})

	require.NoError(t, err)
	assert.Len(t, sum, len(ledger.Statuses))
	assert.Equal(t, 1, sum[ledger.StatusPending].Count)
	assert.Equal(t, ledger.Money(8500), sum[ledger.StatusPending].Amount)
	assert.Equal(t, 1, sum[ledger.StatusRejected].Count)
	assert.Equal(t, 0, sum[ledger.StatusComplete].Count)
}

func TestBalanceMatchesReplayAfterLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	click := h.platformSeller(t, "seller-a")
	h.ingest(t, sale("evt-1", click, 10000))
	h.ingest(t, sale("evt-2", click, 4000))
	_, err := h.machine.Refund(ctx, ws, "order-evt-2", "refund")
	require.NoError(t, err)
	h.ingest(t, sale("evt-3", click, 2000))
	_, err = h.machine.MatureDue(ctx, h.machine.Now().Add(days(31)), 0)
	require.NoError(t, err)

	var drift ledger.Drift
	require.NoError(t, h.store.WithTx(ctx, func(tx ledger.Tx) error {
		drift, err = h.machine.Projector().Verify(ctx, tx, "seller-a")
		return err
	}))
	assert.True(t, drift.Clean(), "%+v", drift)
}
