// Package ledgertest seeds in-memory stores for tests of the packages built
// on top of the ledger.
package ledgertest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/store/sqlstore"
)

// Epoch is the fixed start time of test clocks.
var Epoch = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// NewStore opens an in-memory SQLite store closed at test cleanup.
func NewStore(t testing.TB) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// =============================================================================
// DIRECTORY
// =============================================================================

// Directory writes workspace reference data.
type Directory struct {
	t     testing.TB
	ctx   context.Context
	store ledger.Store
	WS    ledger.WorkspaceID
}

// NewDirectory saves a EUR workspace with the given signing secret.
func NewDirectory(t testing.TB, store ledger.Store, ws ledger.WorkspaceID, secret string) *Directory {
	t.Helper()
	d := &Directory{t: t, ctx: context.Background(), store: store, WS: ws}
	require.NoError(t, store.SaveWorkspace(d.ctx, &ledger.Workspace{
		ID: ws, Name: string(ws), Currency: "EUR", SigningSecret: secret,
	}))
	return d
}

// Seller saves an active seller.
func (d *Directory) Seller(id ledger.SellerID, rail ledger.Rail, referredBy ledger.SellerID) {
	d.t.Helper()
	require.NoError(d.t, d.store.SaveSeller(d.ctx, &ledger.Seller{
		ID: id, Name: string(id), Email: string(id) + "@example.com",
		Rail: rail, ReferredBy: referredBy, Active: true,
	}))
}

// Mission saves a mission whose document is doc encoded as JSON.
func (d *Directory) Mission(id string, doc map[string]any) {
	d.t.Helper()
	doc["id"] = id
	raw, err := json.Marshal(doc)
	require.NoError(d.t, err)
	require.NoError(d.t, d.store.SaveMission(d.ctx, &ledger.Mission{
		ID: id, WorkspaceID: d.WS, Name: id, Version: 1, Config: raw,
	}))
}

// SaleMission saves a mission paying reward on sales after holdDays.
func (d *Directory) SaleMission(id string, holdDays int, reward string) {
	d.Mission(id, map[string]any{
		"hold_days": holdDays,
		"sale":      map[string]any{"enabled": true, "reward": reward},
	})
}

// Enroll approves seller on mission and returns the click id attributed to it.
func (d *Directory) Enroll(seller ledger.SellerID, missionID, organizationID string) string {
	d.t.Helper()
	enrollmentID := "enr-" + string(seller) + "-" + missionID
	require.NoError(d.t, d.store.SaveEnrollment(d.ctx, &ledger.Enrollment{
		ID:             enrollmentID,
		WorkspaceID:    d.WS,
		MissionID:      missionID,
		SellerID:       seller,
		OrganizationID: organizationID,
		Status:         ledger.EnrollmentApproved,
		CreatedAt:      Epoch,
	}))
	clickID := "click-" + string(seller) + "-" + missionID
	require.NoError(d.t, d.store.SaveClick(d.ctx, &ledger.Click{
		ClickID: clickID, WorkspaceID: d.WS, EnrollmentID: enrollmentID,
	}))
	return clickID
}

// OrgDeal gives leader share of member commissions on mission.
func (d *Directory) OrgDeal(organizationID, missionID string, leader ledger.SellerID, share string) {
	d.t.Helper()
	require.NoError(d.t, d.store.SaveOrgDeal(d.ctx, &ledger.OrgDeal{
		OrganizationID: organizationID,
		MissionID:      missionID,
		LeaderSellerID: leader,
		LeaderShare:    share,
	}))
}

// Balance reads a seller's cached balance.
func Balance(t testing.TB, store ledger.Store, seller ledger.SellerID) ledger.SellerBalance {
	t.Helper()
	b, err := store.GetBalance(context.Background(), seller)
	require.NoError(t, err)
	return b
}
