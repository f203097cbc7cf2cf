/*
Package factory converts mission reward documents into commission.MissionConfig.

PURPOSE:
  Merchants configure rewards per mission without code changes. The
  document is stored with the mission (JSON) or kept in version control
  (YAML); the factory validates it and produces the immutable value type
  the calculator consumes.

SCHEMA (JSON; YAML uses the same keys):
  {
    "id": "mission-saas",
    "hold_days": 30,
    "currency": "EUR",
    "lead":      {"enabled": true, "reward": "2€"},
    "sale":      {"enabled": true, "reward": "20%"},
    "recurring": {"enabled": true, "reward": "10%", "duration_months": 12}
  }

  reward: "N%" is a percentage of the event amount; anything else is a flat
  amount in major units ("5€", "12.50"). duration_months 0 means lifetime.

USAGE:
  cfg, err := factory.ParseMission(doc)
  resolver := factory.NewResolver(256)
  cfg, err = resolver.Resolve(ctx, tx, "mission-saas")

SEE ALSO:
  - commission/reward.go: Reward and MissionConfig
  - commission/ingress.go: Uses Resolver
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// DOCUMENT SCHEMA
// =============================================================================

// MissionDoc is the serialized reward configuration of a mission.
type MissionDoc struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name,omitempty" yaml:"name,omitempty"`
	HoldDays  *int          `json:"hold_days,omitempty" yaml:"hold_days,omitempty"`
	Currency  string        `json:"currency,omitempty" yaml:"currency,omitempty"`
	Lead      *RewardDoc    `json:"lead,omitempty" yaml:"lead,omitempty"`
	Sale      *RewardDoc    `json:"sale,omitempty" yaml:"sale,omitempty"`
	Recurring *RecurringDoc `json:"recurring,omitempty" yaml:"recurring,omitempty"`
}

type RewardDoc struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Reward  string `json:"reward" yaml:"reward"`
}

type RecurringDoc struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Reward         string `json:"reward" yaml:"reward"`
	DurationMonths int    `json:"duration_months,omitempty" yaml:"duration_months,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseMission parses a JSON mission document.
func ParseMission(data []byte) (commission.MissionConfig, error) {
	doc, err := decodeMission(data)
	if err != nil {
		return commission.MissionConfig{}, err
	}
	return doc.Build()
}

func decodeMission(data []byte) (MissionDoc, error) {
	var doc MissionDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return MissionDoc{}, fmt.Errorf("%w: %v", ledger.ErrInvalidConfig, err)
	}
	return doc, nil
}

// ParseMissionYAML parses a YAML mission document.
func ParseMissionYAML(data []byte) (commission.MissionConfig, error) {
	var doc MissionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return commission.MissionConfig{}, fmt.Errorf("%w: %v", ledger.ErrInvalidConfig, err)
	}
	return doc.Build()
}

// Build validates the document and converts it.
func (d MissionDoc) Build() (commission.MissionConfig, error) {
	if d.ID == "" {
		return commission.MissionConfig{}, fmt.Errorf("%w: mission id is required", ledger.ErrInvalidConfig)
	}
	if d.HoldDays != nil && *d.HoldDays < 0 {
		return commission.MissionConfig{}, fmt.Errorf("%w: hold_days must not be negative", ledger.ErrInvalidConfig)
	}
	currency := d.Currency
	if currency == "" {
		currency = "EUR"
	}

	cfg := commission.MissionConfig{MissionID: d.ID, Currency: currency, HoldDays: d.HoldDays}
	var err error
	if cfg.Lead, err = buildReward(d.Lead, currency, "lead"); err != nil {
		return commission.MissionConfig{}, err
	}
	if cfg.Sale, err = buildReward(d.Sale, currency, "sale"); err != nil {
		return commission.MissionConfig{}, err
	}
	if d.Recurring != nil && d.Recurring.Enabled {
		if d.Recurring.DurationMonths < 0 {
			return commission.MissionConfig{}, fmt.Errorf("%w: duration_months must not be negative", ledger.ErrInvalidConfig)
		}
		r, err := commission.ParseReward(d.Recurring.Reward, currency)
		if err != nil {
			return commission.MissionConfig{}, fmt.Errorf("recurring: %w", err)
		}
		cfg.Recurring = &commission.RecurringReward{Reward: r, DurationMonths: d.Recurring.DurationMonths}
	}
	return cfg, nil
}

func buildReward(doc *RewardDoc, currency, kind string) (*commission.Reward, error) {
	if doc == nil || !doc.Enabled {
		return nil, nil
	}
	r, err := commission.ParseReward(doc.Reward, currency)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return &r, nil
}

// =============================================================================
// RESOLVER - parsed config cache
// =============================================================================

// Resolver loads missions from the directory and caches the parsed config
// keyed by mission id and version.
type Resolver struct {
	cache *lru.Cache[string, commission.MissionConfig]
}

var _ commission.MissionResolver = (*Resolver)(nil)

func NewResolver(size int) *Resolver {
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, commission.MissionConfig](size)
	return &Resolver{cache: cache}
}

func (r *Resolver) Resolve(ctx context.Context, dir ledger.DirectoryStore, missionID string) (commission.MissionConfig, error) {
	m, err := dir.GetMission(ctx, missionID)
	if err != nil {
		return commission.MissionConfig{}, err
	}
	key := m.ID + "@" + strconv.Itoa(m.Version)
	if cfg, ok := r.cache.Get(key); ok {
		return cfg, nil
	}

	doc, err := decodeMission(m.Config)
	if err == nil {
		doc.ID = m.ID
	}
	var cfg commission.MissionConfig
	if err == nil {
		cfg, err = doc.Build()
	}
	if err != nil {
		return commission.MissionConfig{}, fmt.Errorf("mission %s v%d: %w", m.ID, m.Version, err)
	}
	cfg.Version = m.Version
	r.cache.Add(key, cfg)
	return cfg, nil
}

// Purge drops every cached config.
func (r *Resolver) Purge() { r.cache.Purge() }
