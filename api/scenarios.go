/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Seeds the directory (workspace, sellers, missions, enrollments, clicks,
  organization deals) and replays merchant events through the real ingress,
  so a fresh database shows commissions moving through the lifecycle.

AVAILABLE SCENARIOS:
  platform-seller:    One platform-held seller, a 20% sale mission, matured
  organization-split: Member and leader sharing a sale through an org deal
  referral-chain:     Three referral generations funded by the platform fee
  direct-seller:      Seller paid by direct transfer, never touches a wallet
  recurring-saas:     Lead, first charge and renewals of a subscription

HOW SCENARIOS WORK:
  1. Parse the scenario YAML below
  2. Upsert directory records in one transaction
  3. Ingest every event (re-loading a scenario is a no-op: duplicates)
  4. Optionally run the maturation sweep with no hold period

ADDING NEW SCENARIOS:
  Append a YAML document to scenarioYAML. Mission reward documents use the
  same schema as factory.MissionDoc.

NOTE:
  Scenarios write to the configured database. Only use in development/demo
  environments.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Mature      bool   `yaml:"mature"`
	Workspace   struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Currency string `yaml:"currency"`
		Secret   string `yaml:"secret"`
	} `yaml:"workspace"`
	Sellers []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Email      string `yaml:"email"`
		Rail       string `yaml:"rail"`
		ReferredBy string `yaml:"referred_by"`
	} `yaml:"sellers"`
	Missions    []factory.MissionDoc `yaml:"missions"`
	Enrollments []struct {
		ID           string `yaml:"id"`
		Mission      string `yaml:"mission"`
		Seller       string `yaml:"seller"`
		Organization string `yaml:"organization"`
	} `yaml:"enrollments"`
	Clicks []struct {
		ID         string `yaml:"id"`
		Enrollment string `yaml:"enrollment"`
	} `yaml:"clicks"`
	OrgDeals []struct {
		Organization string `yaml:"organization"`
		Mission      string `yaml:"mission"`
		Leader       string `yaml:"leader"`
		Share        string `yaml:"share"`
	} `yaml:"org_deals"`
	Events []struct {
		ID           string `yaml:"id"`
		Type         string `yaml:"type"`
		Click        string `yaml:"click"`
		Seller       string `yaml:"seller"`
		Order        string `yaml:"order"`
		Amount       string `yaml:"amount"`
		Subscription string `yaml:"subscription"`
		DaysAgo      int    `yaml:"days_ago"`
	} `yaml:"events"`
}

const scenarioYAML = `
id: platform-seller
name: Platform-held seller
description: One seller paid from the platform wallet; a 100.00 sale earns 85.00 after the 15% fee
mature: true
workspace: {id: ws-demo, name: Demo Shop, currency: EUR}
sellers:
  - {id: seller-alice, name: Alice, email: alice@example.com, rail: PLATFORM}
missions:
  - id: mission-shop
    name: Shop sales
    hold_days: 0
    sale: {enabled: true, reward: "100%"}
enrollments:
  - {id: enr-alice, mission: mission-shop, seller: seller-alice}
clicks:
  - {id: click-alice-1, enrollment: enr-alice}
events:
  - {id: evt-demo-1, type: sale, click: click-alice-1, order: order-1001, amount: "100.00"}
---
id: organization-split
name: Organization split
description: A member sells for an organization whose leader takes 20% of the member's net
workspace: {id: ws-org, name: Org Shop, currency: EUR}
sellers:
  - {id: seller-member, name: Member, email: member@example.com, rail: PLATFORM}
  - {id: seller-leader, name: Leader, email: leader@example.com, rail: PLATFORM}
missions:
  - id: mission-org
    name: Team sales
    hold_days: 30
    sale: {enabled: true, reward: "20%"}
enrollments:
  - {id: enr-member, mission: mission-org, seller: seller-member, organization: org-north}
clicks:
  - {id: click-member-1, enrollment: enr-member}
org_deals:
  - {organization: org-north, mission: mission-org, leader: seller-leader, share: "20%"}
events:
  - {id: evt-org-1, type: sale, click: click-member-1, order: order-2001, amount: "500.00"}
---
id: referral-chain
name: Referral chain
description: A sale by a seller three generations deep pays 5/3/2% to the referrers
workspace: {id: ws-ref, name: Referral Shop, currency: EUR}
sellers:
  - {id: seller-gen3, name: Root, email: root@example.com, rail: PLATFORM}
  - {id: seller-gen2, name: Second, email: second@example.com, rail: PLATFORM, referred_by: seller-gen3}
  - {id: seller-gen1, name: First, email: first@example.com, rail: PLATFORM, referred_by: seller-gen2}
  - {id: seller-seller, name: Seller, email: seller@example.com, rail: PLATFORM, referred_by: seller-gen1}
missions:
  - id: mission-ref
    name: Referral sales
    hold_days: 14
    sale: {enabled: true, reward: "100%"}
enrollments:
  - {id: enr-seller, mission: mission-ref, seller: seller-seller}
clicks:
  - {id: click-seller-1, enrollment: enr-seller}
events:
  - {id: evt-ref-1, type: sale, click: click-seller-1, order: order-3001, amount: "200.00"}
---
id: direct-seller
name: Direct transfer seller
description: Commissions paid by direct transfer; no wallet credit is ever written
mature: true
workspace: {id: ws-direct, name: Direct Shop, currency: EUR}
sellers:
  - {id: seller-connect, name: Connect, email: connect@example.com, rail: STRIPE_CONNECT}
missions:
  - id: mission-direct
    name: Direct sales
    hold_days: 0
    sale: {enabled: true, reward: "15.00"}
enrollments:
  - {id: enr-connect, mission: mission-direct, seller: seller-connect}
events:
  - {id: evt-direct-1, type: sale, click: direct, seller: seller-connect, order: order-4001, amount: "80.00"}
---
id: recurring-saas
name: Recurring SaaS
description: A lead, then monthly charges rewarded for the first 12 months
workspace: {id: ws-saas, name: SaaS Co, currency: USD}
sellers:
  - {id: seller-saas, name: Sam, email: sam@example.com, rail: PLATFORM}
missions:
  - id: mission-saas
    name: SaaS subscriptions
    hold_days: 30
    currency: USD
    lead: {enabled: true, reward: "2.00"}
    recurring: {enabled: true, reward: "10%", duration_months: 12}
enrollments:
  - {id: enr-saas, mission: mission-saas, seller: seller-saas}
clicks:
  - {id: click-saas-1, enrollment: enr-saas}
events:
  - {id: evt-saas-lead, type: lead, click: click-saas-1, order: signup-1, days_ago: 60}
  - {id: evt-saas-m1, type: recurring_charge, click: click-saas-1, subscription: sub-1, order: inv-1, amount: "49.00", days_ago: 60}
  - {id: evt-saas-m2, type: recurring_charge, click: click-saas-1, subscription: sub-1, order: inv-2, amount: "49.00", days_ago: 30}
  - {id: evt-saas-m3, type: recurring_charge, click: click-saas-1, subscription: sub-1, order: inv-3, amount: "49.00"}
`

func parseScenarios() ([]scenarioSeed, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(scenarioYAML)))
	var seeds []scenarioSeed
	for {
		var s scenarioSeed
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				return seeds, nil
			}
			return nil, fmt.Errorf("parse scenarios: %w", err)
		}
		seeds = append(seeds, s)
	}
}

// =============================================================================
// LOADER
// =============================================================================

// ScenarioLoader seeds demo data through the real ingress.
type ScenarioLoader struct {
	store    ledger.Store
	ingestor *commission.Ingestor
	machine  *commission.Machine
	seeds    []scenarioSeed
}

func NewScenarioLoader(store ledger.Store, ingestor *commission.Ingestor, machine *commission.Machine) (*ScenarioLoader, error) {
	seeds, err := parseScenarios()
	if err != nil {
		return nil, err
	}
	return &ScenarioLoader{store: store, ingestor: ingestor, machine: machine, seeds: seeds}, nil
}

func (l *ScenarioLoader) List() []ScenarioDTO {
	out := make([]ScenarioDTO, len(l.seeds))
	for i, s := range l.seeds {
		out[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	return out
}

// ScenarioResult reports what loading a scenario did.
type ScenarioResult struct {
	ScenarioID string           `json:"scenario_id"`
	Events     []IngestResponse `json:"events"`
	Matured    int              `json:"matured"`
}

func (l *ScenarioLoader) Load(ctx context.Context, id string) (ScenarioResult, error) {
	var seed *scenarioSeed
	for i := range l.seeds {
		if l.seeds[i].ID == id {
			seed = &l.seeds[i]
		}
	}
	if seed == nil {
		return ScenarioResult{}, fmt.Errorf("scenario %q: %w", id, ledger.ErrNotFound)
	}
	if err := l.seedDirectory(ctx, seed); err != nil {
		return ScenarioResult{}, fmt.Errorf("seed %s: %w", id, err)
	}

	res := ScenarioResult{ScenarioID: id}
	now := l.machine.Now()
	ws := ledger.WorkspaceID(seed.Workspace.ID)
	for _, e := range seed.Events {
		amount, err := ledger.ParseMajor(orZero(e.Amount), seed.Workspace.Currency)
		if err != nil {
			return res, fmt.Errorf("event %s: %w", e.ID, err)
		}
		out, err := l.ingestor.Ingest(ctx, commission.Event{
			ID:             e.ID,
			Kind:           ledger.EventKind(e.Type),
			WorkspaceID:    ws,
			ClickID:        e.Click,
			SellerID:       ledger.SellerID(e.Seller),
			ExternalID:     e.Order,
			Amount:         amount,
			Currency:       seed.Workspace.Currency,
			SubscriptionID: e.Subscription,
			OccurredAt:     now.AddDate(0, 0, -e.DaysAgo),
		})
		if err != nil {
			return res, fmt.Errorf("event %s: %w", e.ID, err)
		}
		res.Events = append(res.Events, toIngestResponse(out))
	}

	if seed.Mature {
		sweep, err := l.machine.MatureDue(ctx, now, 0)
		if err != nil {
			return res, err
		}
		res.Matured = sweep.Matured
	}
	return res, nil
}

func (l *ScenarioLoader) seedDirectory(ctx context.Context, seed *scenarioSeed) error {
	ws := ledger.WorkspaceID(seed.Workspace.ID)
	return l.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.SaveWorkspace(ctx, &ledger.Workspace{
			ID: ws, Name: seed.Workspace.Name, Currency: seed.Workspace.Currency, SigningSecret: seed.Workspace.Secret,
		}); err != nil {
			return err
		}
		for _, s := range seed.Sellers {
			if err := tx.SaveSeller(ctx, &ledger.Seller{
				ID: ledger.SellerID(s.ID), Name: s.Name, Email: s.Email,
				Rail: ledger.Rail(s.Rail), ReferredBy: ledger.SellerID(s.ReferredBy), Active: true,
			}); err != nil {
				return err
			}
		}
		for _, m := range seed.Missions {
			if _, err := m.Build(); err != nil {
				return fmt.Errorf("mission %s: %w", m.ID, err)
			}
			doc, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := tx.SaveMission(ctx, &ledger.Mission{
				ID: m.ID, WorkspaceID: ws, Name: m.Name, Version: 1, Config: doc,
			}); err != nil {
				return err
			}
		}
		for _, e := range seed.Enrollments {
			if err := tx.SaveEnrollment(ctx, &ledger.Enrollment{
				ID: e.ID, WorkspaceID: ws, MissionID: e.Mission, SellerID: ledger.SellerID(e.Seller),
				OrganizationID: e.Organization, Status: ledger.EnrollmentApproved,
				CreatedAt: l.machine.Now(),
			}); err != nil {
				return err
			}
		}
		for _, c := range seed.Clicks {
			if err := tx.SaveClick(ctx, &ledger.Click{ClickID: c.ID, WorkspaceID: ws, EnrollmentID: c.Enrollment}); err != nil {
				return err
			}
		}
		for _, d := range seed.OrgDeals {
			if err := tx.SaveOrgDeal(ctx, &ledger.OrgDeal{
				OrganizationID: d.Organization, MissionID: d.Mission,
				LeaderSellerID: ledger.SellerID(d.Leader), LeaderShare: d.Share,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scenarios.List())
}

// LoadScenario seeds a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := h.scenarios.Load(ctx, req.ScenarioID)
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
