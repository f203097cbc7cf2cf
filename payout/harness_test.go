package payout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/payout"
	"github.com/warp/commission-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const ws ledger.WorkspaceID = "ws-acme"

// stubRail answers transfers with a fixed status or error.
type stubRail struct {
	mu         sync.Mutex
	status     payout.TransferStatus
	err        error
	calls      []payout.TransferRequest
	onTransfer func()
}

func (r *stubRail) Transfer(_ context.Context, req payout.TransferRequest) (payout.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.onTransfer != nil {
		r.onTransfer()
	}
	if r.err != nil {
		return payout.Receipt{}, r.err
	}
	return payout.Receipt{Ref: "tr-" + string(req.PayoutID), Status: r.status}, nil
}

var errRailDown = errors.New("rail rejected transfer: account closed")

type harness struct {
	store     *sqlstore.Store
	dir       *ledgertest.Directory
	machine   *commission.Machine
	ingestor  *commission.Ingestor
	rail      *stubRail
	payouts   *payout.Orchestrator
	giftCards *payout.GiftCards
	startup   *payout.StartupPayments
	clicks    map[ledger.SellerID]string
	events    int
}

// newHarness wires payouts with a stub rail for both payout rails. Missions
// have no hold so commissions mature on the next sweep.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := ledgertest.NewStore(t)
	clock := ledgertest.NewClock(ledgertest.Epoch)
	machine := commission.NewMachine(store, commission.WithClock(clock.Now), commission.WithLogger(logging.Discard()))
	rail := &stubRail{status: payout.TransferPending}
	rails := map[ledger.Rail]payout.Rail{
		ledger.RailPlatform:      rail,
		ledger.RailStripeConnect: rail,
	}
	dir := ledgertest.NewDirectory(t, store, ws, "")
	dir.SaleMission("mission-shop", 0, "100%")

	return &harness{
		store:     store,
		dir:       dir,
		machine:   machine,
		ingestor:  commission.NewIngestor(store, commission.NewCalculator(commission.DefaultPolicy()), machine, factory.NewResolver(8), logging.Discard()),
		rail:      rail,
		payouts:   payout.NewOrchestrator(store, machine, rails, payout.Config{MinPayout: payout.MinPayout, Concurrency: 2}, logging.Discard()),
		giftCards: payout.NewGiftCards(store, machine, logging.Discard()),
		startup:   payout.NewStartupPayments(store, machine, logging.Discard()),
		clicks:    map[ledger.SellerID]string{},
	}
}

func (h *harness) seller(t *testing.T, id ledger.SellerID, rail ledger.Rail, referredBy ledger.SellerID) {
	t.Helper()
	h.dir.Seller(id, rail, referredBy)
	h.clicks[id] = h.dir.Enroll(id, "mission-shop", "")
}

// sell ingests a sale and returns the primary commission id.
func (h *harness) sell(t *testing.T, seller ledger.SellerID, amount ledger.Money) ledger.CommissionID {
	t.Helper()
	h.events++
	id := fmt.Sprintf("evt-%d", h.events)
	out, err := h.ingestor.Ingest(context.Background(), commission.Event{
		ID: id, Kind: ledger.EventSale, WorkspaceID: ws, ClickID: h.clicks[seller],
		ExternalID: "order-" + id, Amount: amount, Currency: "EUR",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.CommissionIDs)
	return out.CommissionIDs[0]
}

func (h *harness) mature(t *testing.T) {
	t.Helper()
	_, err := h.machine.MatureDue(context.Background(), h.machine.Now(), 0)
	require.NoError(t, err)
}

func (h *harness) commission(t *testing.T, id ledger.CommissionID) *ledger.Commission {
	t.Helper()
	c, err := h.store.GetCommission(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) debits(t *testing.T, seller ledger.SellerID) []ledger.WalletEntry {
	t.Helper()
	entries, err := h.store.ListEntries(context.Background(), seller, 100)
	require.NoError(t, err)
	var out []ledger.WalletEntry
	for _, e := range entries {
		if e.Type == ledger.EntryDebit {
			out = append(out, e)
		}
	}
	return out
}
