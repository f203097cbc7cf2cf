/*
scenarios_test.go - Tests for demo scenario loading

Tests for:
- Every scenario loads through the real ingress
- Reloading is idempotent
- Expected balances for the platform and direct scenarios
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/ledger"
)

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	for _, sc := range s.handler.scenarios.List() {
		t.Run(sc.ID, func(t *testing.T) {
			res, err := s.handler.scenarios.Load(context.Background(), sc.ID)
			require.NoError(t, err)
			for _, ev := range res.Events {
				assert.Equal(t, "accepted", ev.Result, "%s: %s", ev.EventID, ev.Reason)
			}
		})
	}
}

func TestScenario_PlatformSeller(t *testing.T) {
	// GIVEN: A fresh database
	s := newTestServer(t, RouterOptions{})

	// WHEN: The platform-seller scenario is loaded over HTTP
	rec := s.post("/api/scenarios", LoadScenarioRequest{ScenarioID: "platform-seller"})

	// THEN: The 100.00 sale is credited as 85.00
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ScenarioResult](t, rec)
	assert.Equal(t, 1, res.Matured)

	b := decode[BalanceDTO](t, s.get("/api/sellers/seller-alice/balance"))
	assert.Equal(t, ledger.Money(8500), b.Available)

	// Reloading replays duplicates only
	again := decode[ScenarioResult](t, s.post("/api/scenarios", LoadScenarioRequest{ScenarioID: "platform-seller"}))
	require.Len(t, again.Events, 1)
	assert.Equal(t, "duplicate", again.Events[0].Result)
	assert.Equal(t, 0, again.Matured)
	assert.Equal(t, ledger.Money(8500), decode[BalanceDTO](t, s.get("/api/sellers/seller-alice/balance")).Available)
}

func TestScenario_DirectSellerHasNoWallet(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	_, err := s.handler.scenarios.Load(context.Background(), "direct-seller")
	require.NoError(t, err)

	b := decode[BalanceDTO](t, s.get("/api/sellers/seller-connect/balance"))
	assert.Equal(t, ledger.Money(0), b.Available)
	assert.Equal(t, ledger.Money(1275), b.Due, "15.00 flat less the 15% fee")

	entries := decode[[]EntryDTO](t, s.get("/api/sellers/seller-connect/ledger"))
	assert.Empty(t, entries)
}

func TestScenario_ReferralChain(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	res, err := s.handler.scenarios.Load(context.Background(), "referral-chain")
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Len(t, res.Events[0].CommissionIDs, 4, "seller plus three referral generations")

	for seller, want := range map[string]ledger.Money{
		"seller-seller": 17000,
		"seller-gen1":   1000,
		"seller-gen2":   600,
		"seller-gen3":   400,
	} {
		b := decode[BalanceDTO](t, s.get("/api/sellers/"+seller+"/balance"))
		assert.Equal(t, want, b.Pending, seller)
	}
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	assert.Equal(t, http.StatusNotFound, s.post("/api/scenarios", LoadScenarioRequest{ScenarioID: "nope"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, s.post("/api/scenarios", LoadScenarioRequest{}).Code)

	list := decode[[]ScenarioDTO](t, s.get("/api/scenarios"))
	assert.Len(t, list, 5)
}
