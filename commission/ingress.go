/*
ingress.go - Idempotent event ingestion

PURPOSE:
  Accepts conversion events (lead, sale, recurring charge) and records the
  commissions they earn exactly once, no matter how often the event is
  delivered or how many deliveries race.

FLOW (one database transaction):
  1. Validate the event shape                  → Rejected, nothing written
  2. Look up the workspace                     → Rejected if unknown
  3. Record the ProcessedEvent receipt         → Duplicate if it exists
  4. Resolve attribution to an active enrollment, the seller, the mission
     reward policy, the organization deal and the referral chain
  5. Calculate; create PENDING commissions     → Duplicate if the sale exists

  A validation failure after step 3 rolls the receipt back with everything
  else. A calculation that earns nothing still commits the receipt, so the
  event is not recalculated on redelivery.

SEE ALSO:
  - calculator.go: Amount rules
  - machine.go: Create applies the pending balance delta
  - api/handlers.go: Webhook endpoint
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// MissionResolver loads the parsed reward policy for a mission.
type MissionResolver interface {
	Resolve(ctx context.Context, dir ledger.DirectoryStore, missionID string) (MissionConfig, error)
}

// Result classifies an ingestion.
type Result string

const (
	Accepted  Result = "accepted"
	Duplicate Result = "duplicate"
	Rejected  Result = "rejected"
)

// IngestOutcome is reported back to the event source.
type IngestOutcome struct {
	Result        Result
	EventID       string
	CommissionIDs []ledger.CommissionID
	Reason        string
}

type Ingestor struct {
	store    ledger.Store
	calc     *Calculator
	machine  *Machine
	missions MissionResolver
	logger   *slog.Logger
}

func NewIngestor(store ledger.Store, calc *Calculator, machine *Machine, missions MissionResolver, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    store,
		calc:     calc,
		machine:  machine,
		missions: missions,
		logger:   logger.With("component", "ingress"),
	}
}

// Ingest processes one event. Duplicates return a nil error. Rejections
// return the client error that caused them alongside a Rejected outcome.
func (in *Ingestor) Ingest(ctx context.Context, ev Event) (IngestOutcome, error) {
	out := IngestOutcome{EventID: ev.ID}
	if err := ev.Validate(); err != nil {
		out.Result, out.Reason = Rejected, err.Error()
		in.logger.Warn("event rejected", "event_id", ev.ID, "reason", out.Reason)
		return out, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = in.machine.Now()
	}

	var outcome Outcome
	err := in.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		outcome, err = in.ingest(ctx, tx, &ev)
		return err
	})

	switch {
	case err == nil:
		out.Result = Accepted
		for _, c := range outcome.Commissions() {
			out.CommissionIDs = append(out.CommissionIDs, c.ID)
		}
		out.Reason = outcome.SkipReason
		in.logger.Info("event accepted",
			"event_id", ev.ID, "event_type", ev.Kind, "workspace_id", ev.WorkspaceID,
			"commissions", len(out.CommissionIDs), "skip_reason", outcome.SkipReason)
		return out, nil
	case errors.Is(err, ledger.ErrDuplicateEvent), errors.Is(err, ledger.ErrDuplicateSale):
		out.Result = Duplicate
		in.logger.Info("duplicate event ignored", "event_id", ev.ID, "event_type", ev.Kind, "workspace_id", ev.WorkspaceID)
		return out, nil
	case ledger.IsClientError(err):
		out.Result, out.Reason = Rejected, err.Error()
		in.logger.Warn("event rejected", "event_id", ev.ID, "reason", out.Reason)
		return out, err
	default:
		in.logger.Error("event ingestion failed", "event_id", ev.ID, "error", err)
		return out, err
	}
}

func (in *Ingestor) ingest(ctx context.Context, tx ledger.Tx, ev *Event) (Outcome, error) {
	ws, err := tx.GetWorkspace(ctx, ev.WorkspaceID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return Outcome{}, fmt.Errorf("%w: %s", ledger.ErrUnknownWorkspace, ev.WorkspaceID)
		}
		return Outcome{}, err
	}
	if ev.Currency == "" {
		ev.Currency = ws.Currency
	}

	if err := tx.RecordEvent(ctx, ledger.ProcessedEvent{
		EventID:     ev.ID,
		EventType:   ev.Kind,
		WorkspaceID: ev.WorkspaceID,
		AmountCents: ev.Amount,
		ReceivedAt:  in.machine.Now(),
	}); err != nil {
		return Outcome{}, err
	}

	enrollment, err := in.attribute(ctx, tx, ev)
	if err != nil {
		return Outcome{}, err
	}
	seller, err := tx.GetSeller(ctx, enrollment.SellerID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return Outcome{}, fmt.Errorf("%w: %s", ledger.ErrUnknownSeller, enrollment.SellerID)
		}
		return Outcome{}, err
	}

	mission, err := in.missions.Resolve(ctx, tx, enrollment.MissionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve mission %s: %w", enrollment.MissionID, err)
	}

	input := Input{
		Event:      *ev,
		Enrollment: *enrollment,
		Mission:    mission,
		Now:        in.machine.Now(),
	}
	if enrollment.OrganizationID != "" {
		if input.OrgDeal, err = tx.GetOrgDeal(ctx, enrollment.OrganizationID, enrollment.MissionID); err != nil {
			return Outcome{}, err
		}
	}
	if input.Referrers, err = in.referralChain(ctx, tx, seller); err != nil {
		return Outcome{}, err
	}
	if ev.Kind == ledger.EventRecurringCharge {
		start, ok, err := tx.FirstSubscriptionCharge(ctx, ev.WorkspaceID, ev.SubscriptionID)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			input.SubscriptionStart = &start
		}
	}

	outcome, err := in.calc.Calculate(input)
	if err != nil {
		return Outcome{}, err
	}
	records := outcome.Commissions()
	for i := range records {
		if err := in.machine.Create(ctx, tx, &records[i]); err != nil {
			return Outcome{}, err
		}
	}
	return outcome, nil
}

// attribute resolves the event's click (or direct seller) to an active enrollment.
func (in *Ingestor) attribute(ctx context.Context, tx ledger.Tx, ev *Event) (*ledger.Enrollment, error) {
	var (
		enrollment *ledger.Enrollment
		err        error
	)
	if ev.ClickID == DirectAttribution {
		enrollment, err = tx.ActiveEnrollment(ctx, ev.WorkspaceID, ev.SellerID)
	} else {
		enrollment, err = tx.ResolveClick(ctx, ev.WorkspaceID, ev.ClickID)
	}
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, fmt.Errorf("%w: click %s", ledger.ErrAttributionNotFound, ev.ClickID)
		}
		return nil, err
	}
	if !enrollment.Active() || enrollment.WorkspaceID != ev.WorkspaceID {
		return nil, fmt.Errorf("%w: enrollment %s is %s", ledger.ErrAttributionNotFound, enrollment.ID, enrollment.Status)
	}
	return enrollment, nil
}

// referralChain walks ReferredBy links up to the configured depth,
// stopping at cycles and inactive referrers.
func (in *Ingestor) referralChain(ctx context.Context, tx ledger.Tx, seller *ledger.Seller) ([]ledger.SellerID, error) {
	depth := in.calc.Policy().MaxReferralDepth
	visited := map[ledger.SellerID]bool{seller.ID: true}
	var chain []ledger.SellerID

	next := seller.ReferredBy
	for next != "" && len(chain) < depth {
		if visited[next] {
			break
		}
		visited[next] = true
		referrer, err := tx.GetSeller(ctx, next)
		if err != nil {
			if ledger.IsNotFound(err) {
				break
			}
			return nil, err
		}
		if !referrer.Active {
			break
		}
		chain = append(chain, referrer.ID)
		next = referrer.ReferredBy
	}
	return chain, nil
}

// Now is exposed for handlers that stamp events on receipt.
func (in *Ingestor) Now() time.Time { return in.machine.Now() }
