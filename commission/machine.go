/*
machine.go - Commission lifecycle state machine

PURPOSE:
  The only component allowed to change a commission's status. Every
  transition is a status-conditioned update applied together with its
  wallet and balance side effects in the caller's transaction.

TRANSITIONS:
  PENDING ──mature──► PROCEED ──complete──► COMPLETE
     │
     └────reject────► REJECTED

  mature:   hold period elapsed; CREDIT commission_amount to platform-held
            sellers; pending → due
  reject:   refund or fraud; only while PENDING; pending released
  complete: payout confirmed; due → paid_total (the payout writes the DEBIT)

CONCURRENCY:
  A transition whose source status no longer matches is a no-op (false,
  nil): another worker already moved the commission. Two sweeps racing on
  the same commission therefore credit it once.

SEE ALSO:
  - ledger/wallet.go: CREDIT/DEBIT
  - ledger/projector.go: SellerBalance deltas
  - payout/orchestrator.go: Calls Complete on confirmation
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

var transitions = map[ledger.Status][]ledger.Status{
	ledger.StatusPending: {ledger.StatusProceed, ledger.StatusRejected},
	ledger.StatusProceed: {ledger.StatusComplete},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to ledger.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine applies commission transitions.
type Machine struct {
	store     ledger.Store
	wallet    *ledger.Wallet
	projector *ledger.Projector
	logger    *slog.Logger
	now       func() time.Time
	// allowOverrides permits ForceMature (disabled in production).
	allowOverrides bool
}

type MachineOption func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the machine's logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// WithOverrides enables administrative force-maturation.
func WithOverrides(enabled bool) MachineOption {
	return func(m *Machine) { m.allowOverrides = enabled }
}

func NewMachine(store ledger.Store, opts ...MachineOption) *Machine {
	m := &Machine{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "machine")
	m.projector = ledger.NewProjector(m.now)
	m.wallet = ledger.NewWallet(m.projector, m.now)
	return m
}

func (m *Machine) Wallet() *ledger.Wallet       { return m.wallet }
func (m *Machine) Projector() *ledger.Projector { return m.projector }
func (m *Machine) Now() time.Time               { return m.now().UTC() }

// =============================================================================
// TRANSITIONS (run inside the caller's transaction)
// =============================================================================

// Create records a new PENDING commission.
func (m *Machine) Create(ctx context.Context, tx ledger.Tx, c *ledger.Commission) error {
	if c.Status != ledger.StatusPending {
		return &ledger.TransitionError{CommissionID: c.ID, From: c.Status, To: ledger.StatusPending}
	}
	if c.CommissionAmount < 0 || c.PlatformFee < 0 || c.GrossAmount < 0 {
		return fmt.Errorf("%w: negative amounts on commission %s", ledger.ErrInvalidAmount, c.ID)
	}
	if err := tx.InsertCommission(ctx, c); err != nil {
		return err
	}
	_, err := m.projector.Apply(ctx, tx, c.SellerID, ledger.Delta{Pending: c.CommissionAmount})
	return err
}

// Mature moves a PENDING commission to PROCEED and credits platform-held sellers.
func (m *Machine) Mature(ctx context.Context, tx ledger.Tx, id ledger.CommissionID) (bool, error) {
	c, err := tx.GetCommission(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != ledger.StatusPending {
		return false, nil
	}
	moved, err := tx.TransitionCommission(ctx, ledger.Transition{
		ID: id, From: ledger.StatusPending, To: ledger.StatusProceed, At: m.Now(),
	})
	if err != nil || !moved {
		return false, err
	}

	seller, err := tx.GetSeller(ctx, c.SellerID)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ledger.ErrUnknownSeller, c.SellerID)
	}
	if seller.Rail == ledger.RailPlatform && c.CommissionAmount > 0 {
		ref := ledger.Reference{Type: ledger.RefCommission, ID: string(c.ID)}
		if _, err := m.wallet.Credit(ctx, tx, c.SellerID, c.CommissionAmount, ref,
			fmt.Sprintf("commission %s matured", c.SaleID)); err != nil {
			return false, err
		}
	}
	_, err = m.projector.Apply(ctx, tx, c.SellerID, ledger.Delta{
		Pending: -c.CommissionAmount,
		Due:     c.CommissionAmount,
	})
	return err == nil, err
}

// Reject moves a PENDING commission to REJECTED. Rejecting an already
// rejected commission is a no-op; rejecting a matured one is an error.
func (m *Machine) Reject(ctx context.Context, tx ledger.Tx, id ledger.CommissionID, reason string) (bool, error) {
	c, err := tx.GetCommission(ctx, id)
	if err != nil {
		return false, err
	}
	switch c.Status {
	case ledger.StatusRejected:
		return false, nil
	case ledger.StatusPending:
	default:
		return false, &ledger.TransitionError{CommissionID: id, From: c.Status, To: ledger.StatusRejected}
	}

	moved, err := tx.TransitionCommission(ctx, ledger.Transition{
		ID: id, From: ledger.StatusPending, To: ledger.StatusRejected, At: m.Now(), Reason: reason,
	})
	if err != nil || !moved {
		return false, err
	}
	_, err = m.projector.Apply(ctx, tx, c.SellerID, ledger.Delta{Pending: -c.CommissionAmount})
	return err == nil, err
}

// Complete moves a PROCEED commission claimed by payoutID to COMPLETE.
func (m *Machine) Complete(ctx context.Context, tx ledger.Tx, id ledger.CommissionID, payoutID ledger.PayoutID) (bool, error) {
	c, err := tx.GetCommission(ctx, id)
	if err != nil {
		return false, err
	}
	switch c.Status {
	case ledger.StatusComplete:
		return false, nil
	case ledger.StatusProceed:
	default:
		return false, &ledger.TransitionError{CommissionID: id, From: c.Status, To: ledger.StatusComplete}
	}

	moved, err := tx.TransitionCommission(ctx, ledger.Transition{
		ID: id, From: ledger.StatusProceed, To: ledger.StatusComplete, At: m.Now(), PayoutID: payoutID,
	})
	if err != nil || !moved {
		return false, err
	}
	_, err = m.projector.Apply(ctx, tx, c.SellerID, ledger.Delta{
		Due:       -c.CommissionAmount,
		PaidTotal: c.CommissionAmount,
	})
	return err == nil, err
}

// =============================================================================
// BATCH OPERATIONS (own their transactions)
// =============================================================================

// SweepResult summarizes a maturation run.
type SweepResult struct {
	Examined int
	Matured  int
	Skipped  int
	Failed   int
}

// MatureDue matures every PENDING commission whose hold period ended by
// asOf. Each commission is matured in its own transaction so one failure
// does not block the rest. Safe to run concurrently with itself.
func (m *Machine) MatureDue(ctx context.Context, asOf time.Time, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var (
		res  SweepResult
		errs []error
		page = ledger.CommissionFilter{
			Statuses:  []ledger.Status{ledger.StatusPending},
			MaturesBy: asOf,
			Limit:     batchSize,
		}
	)
	for {
		due, err := m.store.ListCommissions(ctx, page)
		if err != nil {
			return res, fmt.Errorf("list due commissions: %w", err)
		}
		for _, c := range due {
			res.Examined++
			if err := ctx.Err(); err != nil {
				return res, err
			}

			var moved bool
			err := m.store.WithTx(ctx, func(tx ledger.Tx) error {
				var err error
				moved, err = m.Mature(ctx, tx, c.ID)
				return err
			})
			switch {
			case err != nil:
				res.Failed++
				errs = append(errs, fmt.Errorf("mature %s: %w", c.ID, err))
				m.logger.Error("maturation failed", "commission_id", c.ID, "error", err)
			case moved:
				res.Matured++
			default:
				res.Skipped++
			}
		}
		if len(due) < batchSize {
			break
		}
		// Keyset cursor: rows that failed stay PENDING but are never re-read.
		last := due[len(due)-1]
		page.Before, page.BeforeID = last.CreatedAt, last.ID
	}
	m.logger.Info("maturation sweep finished",
		"as_of", asOf, "examined", res.Examined, "matured", res.Matured,
		"skipped", res.Skipped, "failed", res.Failed)
	return res, errors.Join(errs...)
}

// ForceMature matures commissions ignoring their hold period. Pass ids, or a
// seller to force all of that seller's PENDING commissions.
func (m *Machine) ForceMature(ctx context.Context, ids []ledger.CommissionID, sellerID ledger.SellerID) (SweepResult, error) {
	if !m.allowOverrides {
		return SweepResult{}, ledger.ErrOverrideForbidden
	}
	if sellerID != "" {
		pending, err := m.store.ListCommissions(ctx, ledger.CommissionFilter{
			SellerID: sellerID,
			Statuses: []ledger.Status{ledger.StatusPending},
		})
		if err != nil {
			return SweepResult{}, err
		}
		for _, c := range pending {
			ids = append(ids, c.ID)
		}
	}

	var res SweepResult
	for _, id := range ids {
		res.Examined++
		var moved bool
		err := m.store.WithTx(ctx, func(tx ledger.Tx) error {
			var err error
			moved, err = m.Mature(ctx, tx, id)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("force mature %s: %w", id, err)
		}
		if moved {
			res.Matured++
		} else {
			res.Skipped++
		}
	}
	m.logger.Warn("commissions force-matured", "seller_id", sellerID, "matured", res.Matured)
	return res, nil
}

// RefundResult lists the commissions a refund rejected.
type RefundResult struct {
	Rejected []ledger.CommissionID
}

// Refund rejects the commission for a sale and every commission derived from
// it (organization leader, referral generations) in one transaction.
func (m *Machine) Refund(ctx context.Context, workspaceID ledger.WorkspaceID, saleRef, reason string) (RefundResult, error) {
	var res RefundResult
	err := m.store.WithTx(ctx, func(tx ledger.Tx) error {
		res = RefundResult{}
		primary, err := tx.GetCommissionBySale(ctx, workspaceID, saleRef)
		if err != nil {
			return err
		}
		moved, err := m.Reject(ctx, tx, primary.ID, reason)
		if err != nil {
			return err
		}
		if moved {
			res.Rejected = append(res.Rejected, primary.ID)
		}

		children, err := tx.DerivedCommissions(ctx, primary.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			moved, err := m.Reject(ctx, tx, child.ID, reason)
			if err != nil {
				return err
			}
			if moved {
				res.Rejected = append(res.Rejected, child.ID)
			}
		}
		return nil
	})
	if err != nil {
		return RefundResult{}, err
	}
	m.logger.Info("sale refunded", "workspace_id", workspaceID, "sale_id", saleRef, "rejected", len(res.Rejected))
	return res, nil
}

// Summary returns counts and totals per status for the filter.
func (m *Machine) Summary(ctx context.Context, f ledger.CommissionFilter) (map[ledger.Status]ledger.StatusTotal, error) {
	totals, err := m.store.SummarizeCommissions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make(map[ledger.Status]ledger.StatusTotal, len(ledger.Statuses))
	for _, s := range ledger.Statuses {
		out[s] = ledger.StatusTotal{Status: s}
	}
	for _, t := range totals {
		out[t.Status] = t
	}
	return out, nil
}
