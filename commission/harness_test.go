package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const ws ledger.WorkspaceID = "ws-acme"

type harness struct {
	store    *sqlstore.Store
	clock    *ledgertest.Clock
	dir      *ledgertest.Directory
	machine  *commission.Machine
	ingestor *commission.Ingestor
}

// newHarness wires the engine over an in-memory store with the default
// policy (15% fee, 30 day hold, 5/3/2% referrals) and overrides enabled.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := ledgertest.NewStore(t)
	clock := ledgertest.NewClock(ledgertest.Epoch)
	machine := commission.NewMachine(store,
		commission.WithClock(clock.Now),
		commission.WithLogger(logging.Discard()),
		commission.WithOverrides(true))
	calc := commission.NewCalculator(commission.DefaultPolicy())
	return &harness{
		store:    store,
		clock:    clock,
		dir:      ledgertest.NewDirectory(t, store, ws, ""),
		machine:  machine,
		ingestor: commission.NewIngestor(store, calc, machine, factory.NewResolver(16), logging.Discard()),
	}
}

// platformSeller seeds a platform-held seller on a 100% sale mission with
// the default hold and returns the click to attribute sales with.
func (h *harness) platformSeller(t *testing.T, seller ledger.SellerID) string {
	t.Helper()
	h.dir.Seller(seller, ledger.RailPlatform, "")
	h.dir.Mission("mission-shop", map[string]any{
		"sale": map[string]any{"enabled": true, "reward": "100%"},
	})
	return h.dir.Enroll(seller, "mission-shop", "")
}

func sale(id, click string, amount ledger.Money) commission.Event {
	return commission.Event{
		ID:          id,
		Kind:        ledger.EventSale,
		WorkspaceID: ws,
		ClickID:     click,
		ExternalID:  "order-" + id,
		Amount:      amount,
		Currency:    "EUR",
	}
}

func (h *harness) ingest(t *testing.T, ev commission.Event) commission.IngestOutcome {
	t.Helper()
	out, err := h.ingestor.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func (h *harness) commissions(t *testing.T, f ledger.CommissionFilter) []ledger.Commission {
	t.Helper()
	cs, err := h.store.ListCommissions(context.Background(), f)
	require.NoError(t, err)
	return cs
}

func (h *harness) get(t *testing.T, id ledger.CommissionID) *ledger.Commission {
	t.Helper()
	c, err := h.store.GetCommission(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) entries(t *testing.T, seller ledger.SellerID) []ledger.WalletEntry {
	t.Helper()
	es, err := h.store.ListEntries(context.Background(), seller, 100)
	require.NoError(t, err)
	return es
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
