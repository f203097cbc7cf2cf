/*
sqlstore_test.go - Tests for the SQL store

Tests for:
- Uniqueness keys (events, sales, wallet references)
- Conditional status updates
- Payout claims and merchant payment links
- Commission filters and pagination
- Transaction rollback
*/
package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlstore.Store {
	return ledgertest.NewStore(t)
}

func commission(id, seller string, status ledger.Status, created time.Time) *ledger.Commission {
	return &ledger.Commission{
		ID:                   ledger.CommissionID(id),
		WorkspaceID:          "ws-acme",
		SellerID:             ledger.SellerID(seller),
		MissionID:            "mission-1",
		SaleID:               "sale-" + id,
		EventID:              "evt-" + id,
		EventKind:            ledger.EventSale,
		SaleAmount:           10000,
		GrossAmount:          10000,
		PlatformFee:          1500,
		CommissionAmount:     8500,
		Currency:             "EUR",
		RateSnapshot:         "100%",
		HoldDays:             30,
		Status:               status,
		StartupPaymentStatus: ledger.PaymentUnpaid,
		OccurredAt:           created,
		CreatedAt:            created,
		MaturesAt:            created.AddDate(0, 0, 30),
	}
}

func insert(t *testing.T, store *sqlstore.Store, cs ...*ledger.Commission) {
	t.Helper()
	for _, c := range cs {
		require.NoError(t, store.InsertCommission(context.Background(), c))
	}
}

// =============================================================================
// UNIQUENESS
// =============================================================================

func TestRecordEvent_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ev := ledger.ProcessedEvent{EventID: "evt-1", EventType: ledger.EventSale, WorkspaceID: "ws-acme", AmountCents: 4200, ReceivedAt: ledgertest.Epoch}

	require.NoError(t, store.RecordEvent(ctx, ev))
	got, err := store.GetEvent(ctx, "evt-1", ledger.EventSale, "ws-acme")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(4200), got.AmountCents)
	assert.True(t, ledgertest.Epoch.Equal(got.ReceivedAt))

	err = store.RecordEvent(ctx, ev)
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	// Same id under another type or workspace is a different event.
	ev.EventType = ledger.EventLead
	assert.NoError(t, store.RecordEvent(ctx, ev))
	ev.WorkspaceID = "ws-other"
	assert.NoError(t, store.RecordEvent(ctx, ev))

	_, err = store.GetEvent(ctx, "evt-404", ledger.EventSale, "ws-acme")
	assert.True(t, ledger.IsNotFound(err))
}

func TestInsertCommission_DuplicateSale(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	insert(t, store, commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch))

	dup := commission("c-2", "seller-a", ledger.StatusPending, ledgertest.Epoch)
	dup.SaleID = "sale-c-1"
	err := store.InsertCommission(ctx, dup)

	assert.ErrorIs(t, err, ledger.ErrDuplicateSale)
	_, err = store.GetCommission(ctx, "c-2")
	assert.True(t, ledger.IsNotFound(err))
}

func TestGetCommission_RoundTripsOptionalTimes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch)
	insert(t, store, c)

	got, err := store.GetCommission(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, c.CreatedAt, got.CreatedAt)
	assert.Equal(t, c.MaturesAt, got.MaturesAt)
	assert.Nil(t, got.MaturedAt)
	assert.Equal(t, ledger.Money(8500), got.CommissionAmount)
}

// =============================================================================
// CONDITIONAL UPDATES
// =============================================================================

func TestTransitionCommission_OnlyFromExpectedStatus(t *testing.T) {
	// GIVEN: A pending commission
	ctx := context.Background()
	store := newStore(t)
	insert(t, store, commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch))
	at := ledgertest.Epoch.AddDate(0, 0, 31)

	// WHEN: Two workers both try to mature it
	first, err := store.TransitionCommission(ctx, ledger.Transition{ID: "c-1", From: ledger.StatusPending, To: ledger.StatusProceed, At: at})
	require.NoError(t, err)
	second, err := store.TransitionCommission(ctx, ledger.Transition{ID: "c-1", From: ledger.StatusPending, To: ledger.StatusProceed, At: at})
	require.NoError(t, err)

	// THEN: Exactly one moves it and matured_at is set
	assert.True(t, first)
	assert.False(t, second)
	got, err := store.GetCommission(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProceed, got.Status)
	require.NotNil(t, got.MaturedAt)
	assert.Equal(t, at, *got.MaturedAt)
}

func TestTransitionCommission_CompleteRequiresClaim(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	insert(t, store, commission("c-1", "seller-a", ledger.StatusProceed, ledgertest.Epoch))

	moved, err := store.TransitionCommission(ctx, ledger.Transition{
		ID: "c-1", From: ledger.StatusProceed, To: ledger.StatusComplete, At: ledgertest.Epoch, PayoutID: "p-1",
	})
	require.NoError(t, err)
	assert.False(t, moved, "unclaimed commission must not complete")

	n, err := store.ClaimCommissions(ctx, "p-1", []ledger.CommissionID{"c-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	moved, err = store.TransitionCommission(ctx, ledger.Transition{
		ID: "c-1", From: ledger.StatusProceed, To: ledger.StatusComplete, At: ledgertest.Epoch, PayoutID: "p-1",
	})
	require.NoError(t, err)
	assert.True(t, moved)
}

func TestClaimCommissions_NoDoubleClaim(t *testing.T) {
	// GIVEN: Two matured commissions and one pending
	ctx := context.Background()
	store := newStore(t)
	insert(t, store,
		commission("c-1", "seller-a", ledger.StatusProceed, ledgertest.Epoch),
		commission("c-2", "seller-a", ledger.StatusProceed, ledgertest.Epoch),
		commission("c-3", "seller-a", ledger.StatusPending, ledgertest.Epoch))
	ids := []ledger.CommissionID{"c-1", "c-2", "c-3"}

	// WHEN: Two payouts claim the same commissions
	n1, err := store.ClaimCommissions(ctx, "p-1", ids)
	require.NoError(t, err)
	n2, err := store.ClaimCommissions(ctx, "p-2", ids)
	require.NoError(t, err)

	// THEN: Only the first claims, and only the matured ones
	assert.Equal(t, 2, n1)
	assert.Equal(t, 0, n2)

	// Releasing frees them for another payout
	require.NoError(t, store.ReleaseCommissions(ctx, "p-1"))
	n3, err := store.ClaimCommissions(ctx, "p-2", ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n3)
}

func TestStartupPaymentLink_AndSettle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	insert(t, store,
		commission("c-1", "seller-a", ledger.StatusProceed, ledgertest.Epoch),
		commission("c-2", "seller-a", ledger.StatusProceed, ledgertest.Epoch))
	ids := []ledger.CommissionID{"c-1", "c-2"}

	n, err := store.LinkStartupPayment(ctx, "sp-1", ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.LinkStartupPayment(ctx, "sp-2", ids)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already linked")

	require.NoError(t, store.SettleStartupPayment(ctx, "sp-1", true))
	paid, err := store.ListCommissions(ctx, ledger.CommissionFilter{StartupPaymentStatus: ledger.PaymentPaid})
	require.NoError(t, err)
	assert.Len(t, paid, 2)
}

func TestUpdatePayout_Conditional(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.InsertPayout(ctx, &ledger.Payout{
		ID: "p-1", SellerID: "seller-a", Amount: 8500, Currency: "EUR", Rail: ledger.RailPlatform,
		Status: ledger.PayoutPending, CommissionIDs: []ledger.CommissionID{"c-1"}, CreatedAt: ledgertest.Epoch,
	}))

	moved, err := store.UpdatePayout(ctx, ledger.PayoutUpdate{
		ID: "p-1", From: []ledger.PayoutStatus{ledger.PayoutPending, ledger.PayoutSubmitted},
		To: ledger.PayoutSettled, TransferRef: "tr-1", At: ledgertest.Epoch,
	})
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = store.UpdatePayout(ctx, ledger.PayoutUpdate{
		ID: "p-1", From: []ledger.PayoutStatus{ledger.PayoutPending, ledger.PayoutSubmitted},
		To: ledger.PayoutFailed, Reason: "late failure", At: ledgertest.Epoch,
	})
	require.NoError(t, err)
	assert.False(t, moved)

	p, err := store.GetPayout(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutSettled, p.Status)
	assert.Equal(t, "tr-1", p.TransferRef)
	assert.Equal(t, []ledger.CommissionID{"c-1"}, p.CommissionIDs)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListCommissions_Filters(t *testing.T) {
	// GIVEN: Commissions for a platform seller and a direct seller
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.SaveSeller(ctx, &ledger.Seller{ID: "seller-a", Rail: ledger.RailPlatform, Active: true}))
	require.NoError(t, store.SaveSeller(ctx, &ledger.Seller{ID: "seller-b", Rail: ledger.RailStripeConnect, Active: true}))

	ref := commission("c-3", "seller-a", ledger.StatusPending, ledgertest.Epoch.Add(2*time.Hour))
	ref.ReferralGeneration = 1
	insert(t, store,
		commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch),
		commission("c-2", "seller-b", ledger.StatusPending, ledgertest.Epoch.Add(time.Hour)),
		ref)

	tests := []struct {
		name   string
		filter ledger.CommissionFilter
		want   []ledger.CommissionID
	}{
		{"all newest first", ledger.CommissionFilter{}, []ledger.CommissionID{"c-3", "c-2", "c-1"}},
		{"platform rail", ledger.CommissionFilter{Rail: ledger.RailPlatform}, []ledger.CommissionID{"c-3", "c-1"}},
		{"exclude referrals", ledger.CommissionFilter{ExcludeReferrals: true}, []ledger.CommissionID{"c-2", "c-1"}},
		{"only referrals", ledger.CommissionFilter{OnlyReferrals: true}, []ledger.CommissionID{"c-3"}},
		{"cursor", ledger.CommissionFilter{Before: ledgertest.Epoch.Add(2 * time.Hour)}, []ledger.CommissionID{"c-2", "c-1"}},
		{"limit", ledger.CommissionFilter{Limit: 1}, []ledger.CommissionID{"c-3"}},
		{"matures by", ledger.CommissionFilter{MaturesBy: ledgertest.Epoch.AddDate(0, 0, 30)}, []ledger.CommissionID{"c-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListCommissions(ctx, tt.filter)
			require.NoError(t, err)
			var ids []ledger.CommissionID
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListCommissions_KeysetCursorBreaksTies(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	insert(t, store,
		commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch),
		commission("c-2", "seller-a", ledger.StatusPending, ledgertest.Epoch),
		commission("c-3", "seller-a", ledger.StatusPending, ledgertest.Epoch))

	first, err := store.ListCommissions(ctx, ledger.CommissionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	last := first[1]
	rest, err := store.ListCommissions(ctx, ledger.CommissionFilter{Before: last.CreatedAt, BeforeID: last.ID, Limit: 2})
	require.NoError(t, err)

	require.Len(t, rest, 1)
	assert.Equal(t, []ledger.CommissionID{"c-3", "c-2"}, []ledger.CommissionID{first[0].ID, first[1].ID})
	assert.Equal(t, ledger.CommissionID("c-1"), rest[0].ID)
}

func TestSummarizeCommissions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	insert(t, store,
		commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch),
		commission("c-2", "seller-a", ledger.StatusPending, ledgertest.Epoch),
		commission("c-3", "seller-a", ledger.StatusProceed, ledgertest.Epoch))

	totals, err := store.SummarizeCommissions(ctx, ledger.CommissionFilter{SellerID: "seller-a"})
	require.NoError(t, err)

	byStatus := map[ledger.Status]ledger.StatusTotal{}
	for _, tt := range totals {
		byStatus[tt.Status] = tt
	}
	assert.Equal(t, 2, byStatus[ledger.StatusPending].Count)
	assert.Equal(t, ledger.Money(17000), byStatus[ledger.StatusPending].Amount)
	assert.Equal(t, ledger.Money(8500), byStatus[ledger.StatusProceed].Amount)
}

func TestGetBalance_ZeroForUnknownSeller(t *testing.T) {
	b, err := newStore(t).GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(0), b.Balance)
}

func TestDirectory_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.GetWorkspace(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = store.GetSeller(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = store.ResolveClick(ctx, "ws-acme", "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	deal, err := store.GetOrgDeal(ctx, "org", "mission")
	assert.NoError(t, err)
	assert.Nil(t, deal)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertCommission(ctx, commission("c-1", "seller-a", ledger.StatusPending, ledgertest.Epoch)); err != nil {
			return err
		}
		return fmt.Errorf("after insert: %w", boom)
	})

	assert.ErrorIs(t, err, boom)
	_, err = store.GetCommission(ctx, "c-1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := sqlstore.Open("mysql", "dsn")
	assert.Error(t, err)
}
