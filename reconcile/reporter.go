/*
Package reconcile cross-checks the wallet ledger against money actually
received from merchants and paid out.

PURPOSE:
  A read-only diagnostic. For platform-held sellers:

    expected = received from merchants (commission_amount of non-referral
               commissions whose merchant payment is PAID)
             - paid out (confirmed DEBITs: settled payouts and delivered
               gift cards)
    actual   = Σ cached SellerBalance.balance
               (strict mode: Σ CREDIT - Σ DEBIT replayed from the journal)

  The run is reconciled when |expected - actual| < tolerance. A
  discrepancy is reported, never raised: it feeds a standing metric.

NEVER MUTATES:
  The reporter only reads. Repair goes through Projector.Rebuild.

SEE ALSO:
  - metrics.go: Prometheus gauges fed from each report
  - export.go: Treasury workbook
  - ledger/projector.go: Per-seller drift
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// DefaultTolerance absorbs rounding only, in minor units.
const DefaultTolerance ledger.Money = 100

// Options select how a report is computed.
type Options struct {
	// AsOf bounds the journal and merchant payments; zero means now.
	AsOf time.Time
	// Strict replays the journal instead of reading cached balances.
	Strict bool
}

// Report is the outcome of one reconciliation run.
type Report struct {
	AsOf         time.Time    `json:"as_of"`
	Strict       bool         `json:"strict"`
	Expected     ledger.Money `json:"expected"`
	Actual       ledger.Money `json:"actual"`
	Discrepancy  ledger.Money `json:"discrepancy"`
	Tolerance    ledger.Money `json:"tolerance"`
	IsReconciled bool         `json:"is_reconciled"`

	// Underlying sums, for audit.
	ReceivedFromMerchants ledger.Money `json:"received_from_merchants"`
	PaidOut               ledger.Money `json:"paid_out"`
	PlatformFees          ledger.Money `json:"platform_fees"`
	ReferralFunded        ledger.Money `json:"referral_funded"`
	MerchantPartnerTotal  ledger.Money `json:"merchant_partner_total"`
	MerchantPlatformTotal ledger.Money `json:"merchant_platform_total"`
	LedgerCredits         ledger.Money `json:"ledger_credits"`
	LedgerDebits          ledger.Money `json:"ledger_debits"`
	CachedBalance         ledger.Money `json:"cached_balance"`
	Sellers               int          `json:"sellers"`
}

type Reporter struct {
	store     ledger.Store
	tolerance ledger.Money
	now       func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
}

type Option func(*Reporter)

func WithTolerance(t ledger.Money) Option {
	return func(r *Reporter) {
		if t > 0 {
			r.tolerance = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithMetrics publishes every report to the given gauges.
func WithMetrics(m *Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

func NewReporter(store ledger.Store, opts ...Option) *Reporter {
	r := &Reporter{
		store:     store,
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	return r
}

func (r *Reporter) Tolerance() ledger.Money { return r.tolerance }

// Reconcile computes a report. Every read happens in one transaction so the
// sums describe a single committed state.
func (r *Reporter) Reconcile(ctx context.Context, opts Options) (Report, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = r.now()
	}
	rep := Report{AsOf: asOf.UTC(), Strict: opts.Strict, Tolerance: r.tolerance}

	err := r.store.WithTx(ctx, func(tx ledger.Tx) error {
		funded, err := tx.SummarizeCommissions(ctx, ledger.CommissionFilter{
			Rail:                 ledger.RailPlatform,
			StartupPaymentStatus: ledger.PaymentPaid,
			ExcludeReferrals:     true,
			CreatedAtOrBefore:    asOf,
		})
		if err != nil {
			return err
		}
		for _, t := range funded {
			rep.ReceivedFromMerchants += t.Amount
			rep.PlatformFees += t.PlatformFee
		}

		referrals, err := tx.SummarizeCommissions(ctx, ledger.CommissionFilter{
			Rail:              ledger.RailPlatform,
			Statuses:          []ledger.Status{ledger.StatusProceed, ledger.StatusComplete},
			OnlyReferrals:     true,
			CreatedAtOrBefore: asOf,
		})
		if err != nil {
			return err
		}
		for _, t := range referrals {
			rep.ReferralFunded += t.Amount
		}

		if rep.MerchantPartnerTotal, rep.MerchantPlatformTotal, _, err =
			tx.SumStartupPayments(ctx, ledger.StartupPaymentPaid, asOf); err != nil {
			return err
		}

		if rep.LedgerCredits, rep.LedgerDebits, err = tx.SumEntriesByRail(ctx, ledger.RailPlatform, asOf); err != nil {
			return err
		}
		rep.PaidOut = rep.LedgerDebits

		balances, err := tx.ListBalances(ctx, ledger.RailPlatform)
		if err != nil {
			return err
		}
		rep.Sellers = len(balances)
		for _, b := range balances {
			rep.CachedBalance += b.Balance
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: %w", err)
	}

	rep.Expected = rep.ReceivedFromMerchants - rep.PaidOut
	if opts.Strict {
		rep.Actual = rep.LedgerCredits - rep.LedgerDebits
	} else {
		rep.Actual = rep.CachedBalance
	}
	rep.Discrepancy = rep.Expected - rep.Actual
	rep.IsReconciled = abs(rep.Discrepancy) < r.tolerance

	level := slog.LevelInfo
	if !rep.IsReconciled {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "reconciliation run",
		"expected", rep.Expected, "actual", rep.Actual, "discrepancy", rep.Discrepancy,
		"strict", rep.Strict, "is_reconciled", rep.IsReconciled)
	if r.metrics != nil {
		r.metrics.Observe(rep)
	}
	return rep, nil
}

// Drift verifies every platform-held seller's cached balance against a
// replay and returns the sellers whose cache has drifted.
func (r *Reporter) Drift(ctx context.Context, projector *ledger.Projector) ([]ledger.Drift, error) {
	sellers, err := r.store.ListSellers(ctx, ledger.RailPlatform)
	if err != nil {
		return nil, err
	}
	var drifted []ledger.Drift
	for _, s := range sellers {
		var d ledger.Drift
		err := r.store.WithTx(ctx, func(tx ledger.Tx) error {
			var err error
			d, err = projector.Verify(ctx, tx, s.ID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", s.ID, err)
		}
		if !d.Clean() {
			drifted = append(drifted, d)
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveDrift(len(drifted))
	}
	return drifted, nil
}

func abs(m ledger.Money) ledger.Money {
	if m < 0 {
		return -m
	}
	return m
}
