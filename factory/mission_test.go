package factory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/ledgertest"
)

const saasMission = `{
  "id": "mission-saas",
  "hold_days": 14,
  "currency": "EUR",
  "lead":      {"enabled": true, "reward": "2€"},
  "sale":      {"enabled": false, "reward": "20%"},
  "recurring": {"enabled": true, "reward": "10%", "duration_months": 12}
}`

func TestParseMission(t *testing.T) {
	cfg, err := factory.ParseMission([]byte(saasMission))
	require.NoError(t, err)

	assert.Equal(t, "mission-saas", cfg.MissionID)
	require.NotNil(t, cfg.HoldDays)
	assert.Equal(t, 14, *cfg.HoldDays)
	require.NotNil(t, cfg.Lead)
	assert.Equal(t, commission.FlatReward(200), *cfg.Lead)
	assert.Nil(t, cfg.Sale, "disabled kinds have no reward")
	require.NotNil(t, cfg.Recurring)
	assert.Equal(t, 12, cfg.Recurring.DurationMonths)
	assert.Equal(t, commission.PercentReward(1000), cfg.Recurring.Reward)
}

func TestParseMissionYAML(t *testing.T) {
	doc := []byte(`
id: mission-shop
hold_days: 0
sale:
  enabled: true
  reward: "15%"
`)
	cfg, err := factory.ParseMissionYAML(doc)
	require.NoError(t, err)

	require.NotNil(t, cfg.HoldDays)
	assert.Equal(t, 0, *cfg.HoldDays)
	assert.Equal(t, commission.PercentReward(1500), *cfg.Sale)
	assert.Nil(t, cfg.Lead)
}

func TestParseMission_DefaultHold(t *testing.T) {
	cfg, err := factory.ParseMission([]byte(`{"id": "m", "sale": {"enabled": true, "reward": "5"}}`))
	require.NoError(t, err)
	assert.Nil(t, cfg.HoldDays)
	assert.Equal(t, "EUR", cfg.Currency, "flat rewards default to EUR")
}

func TestParseMission_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":          `{`,
		"unknown field":     `{"id": "m", "bonus": 1}`,
		"missing id":        `{"sale": {"enabled": true, "reward": "5%"}}`,
		"negative hold":     `{"id": "m", "hold_days": -1}`,
		"bad reward":        `{"id": "m", "sale": {"enabled": true, "reward": "lots"}}`,
		"negative months":   `{"id": "m", "recurring": {"enabled": true, "reward": "5%", "duration_months": -1}}`,
		"percent above 100": `{"id": "m", "lead": {"enabled": true, "reward": "120%"}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := factory.ParseMission([]byte(doc))
			assert.ErrorIs(t, err, ledger.ErrInvalidConfig)
		})
	}
}

func TestResolver_CachesByVersion(t *testing.T) {
	// GIVEN: A stored mission
	ctx := context.Background()
	store := ledgertest.NewStore(t)
	dir := ledgertest.NewDirectory(t, store, "ws-acme", "")
	dir.SaleMission("mission-shop", 30, "10%")
	resolver := factory.NewResolver(4)

	first, err := resolver.Resolve(ctx, store, "mission-shop")
	require.NoError(t, err)
	assert.Equal(t, commission.PercentReward(1000), *first.Sale)
	assert.Equal(t, 1, first.Version)

	// WHEN: The merchant publishes version 2 with a new rate
	require.NoError(t, store.SaveMission(ctx, &ledger.Mission{
		ID: "mission-shop", WorkspaceID: "ws-acme", Version: 2,
		Config: []byte(`{"id": "mission-shop", "sale": {"enabled": true, "reward": "12%"}}`),
	}))
	second, err := resolver.Resolve(ctx, store, "mission-shop")

	// THEN: The new version is parsed instead of the cached one
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, commission.PercentReward(1200), *second.Sale)
}

func TestResolver_MissingMission(t *testing.T) {
	store := ledgertest.NewStore(t)
	_, err := factory.NewResolver(0).Resolve(context.Background(), store, "nope")
	assert.ErrorIs(t, err, ledger.ErrMissionNotFound)
}
