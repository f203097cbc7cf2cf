package payout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// StartupPayments records money received from merchants for their
// sellers' commissions. Reconciliation counts only PAID payments.
type StartupPayments struct {
	store   ledger.Store
	machine *commission.Machine
	logger  *slog.Logger
}

func NewStartupPayments(store ledger.Store, machine *commission.Machine, logger *slog.Logger) *StartupPayments {
	if logger == nil {
		logger = slog.Default()
	}
	return &StartupPayments{store: store, machine: machine, logger: logger.With("component", "startup_payments")}
}

// Create links PROCEED commissions with no merchant payment yet to a new
// PENDING payment. An empty ids list takes every eligible commission of the
// workspace. Referral commissions are funded by the platform and never
// belong to a merchant payment.
func (s *StartupPayments) Create(ctx context.Context, ws ledger.WorkspaceID, ids []ledger.CommissionID) (*ledger.StartupPayment, error) {
	p := &ledger.StartupPayment{
		ID:          uuid.NewString(),
		WorkspaceID: ws,
		Status:      ledger.StartupPaymentPending,
		CreatedAt:   s.machine.Now(),
	}
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetWorkspace(ctx, ws); err != nil {
			if ledger.IsNotFound(err) {
				return fmt.Errorf("%w: %s", ledger.ErrUnknownWorkspace, ws)
			}
			return err
		}
		eligible, err := tx.ListCommissions(ctx, ledger.CommissionFilter{
			WorkspaceID:          ws,
			Statuses:             []ledger.Status{ledger.StatusProceed},
			StartupPaymentStatus: ledger.PaymentUnpaid,
			ExcludeReferrals:     true,
		})
		if err != nil {
			return err
		}
		wanted := make(map[ledger.CommissionID]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
		for _, c := range eligible {
			if c.StartupPaymentID != "" || (len(ids) > 0 && !wanted[c.ID]) {
				continue
			}
			if p.Currency == "" {
				p.Currency = c.Currency
			}
			p.PartnerTotal += c.CommissionAmount
			p.PlatformTotal += c.PlatformFee
			p.CommissionIDs = append(p.CommissionIDs, c.ID)
		}
		if len(p.CommissionIDs) == 0 {
			return fmt.Errorf("%w: no unpaid matured commissions in workspace %s", ledger.ErrInvalidAmount, ws)
		}
		if len(ids) > 0 && len(p.CommissionIDs) != len(wanted) {
			return fmt.Errorf("%w: %d of %d commissions are eligible", ledger.ErrStaleBatch, len(p.CommissionIDs), len(wanted))
		}
		p.Total = p.PartnerTotal + p.PlatformTotal

		if err := tx.InsertStartupPayment(ctx, p); err != nil {
			return err
		}
		n, err := tx.LinkStartupPayment(ctx, p.ID, p.CommissionIDs)
		if err != nil {
			return err
		}
		if n != len(p.CommissionIDs) {
			return fmt.Errorf("%w: linked %d of %d commissions", ledger.ErrStaleBatch, n, len(p.CommissionIDs))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("startup payment created", "payment_id", p.ID, "workspace_id", ws,
		"partner_total", p.PartnerTotal, "platform_total", p.PlatformTotal, "commissions", len(p.CommissionIDs))
	return p, nil
}

// Confirm marks the payment PAID and its commissions funded. Idempotent.
func (s *StartupPayments) Confirm(ctx context.Context, id, externalRef string) (*ledger.StartupPayment, error) {
	return s.settle(ctx, id, ledger.StartupPaymentPaid, externalRef, "")
}

// Fail marks the payment FAILED and unlinks its commissions so a later
// payment can cover them.
func (s *StartupPayments) Fail(ctx context.Context, id, reason string) (*ledger.StartupPayment, error) {
	return s.settle(ctx, id, ledger.StartupPaymentFailed, "", reason)
}

func (s *StartupPayments) settle(ctx context.Context, id string, to ledger.StartupPaymentStatus, ref, reason string) (*ledger.StartupPayment, error) {
	var out *ledger.StartupPayment
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetStartupPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == to {
			out = p
			return nil
		}
		moved, err := tx.UpdateStartupPayment(ctx, id, to, ref, reason, s.machine.Now())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: startup payment %s is %s", ledger.ErrNotPending, id, p.Status)
		}
		if err := tx.SettleStartupPayment(ctx, id, to == ledger.StartupPaymentPaid); err != nil {
			return err
		}
		out, err = tx.GetStartupPayment(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("startup payment settled", "payment_id", id, "status", to)
	return out, nil
}
