/*
Package payout moves money out to sellers (and records money coming in from
merchants).

PURPOSE:
  The orchestrator pays sellers their matured (PROCEED) commissions in
  batches, one payout per seller. A commission is COMPLETE, and a
  platform-held wallet is debited, only once the rail confirms the money
  moved.

FLOW:
  SelectPayable   group unclaimed PROCEED commissions per seller, keep
                  batches at or above the minimum payout
  Execute         claim the commissions (status-guarded), check the wallet
                  covers the batch, ask the rail to transfer
  Settle          rail confirmed: payout SETTLED, commissions COMPLETE,
                  DEBIT written, all in one transaction
  Fail / Cancel   payout FAILED / CANCELED, claims released, commissions
                  stay PROCEED, no DEBIT

IDEMPOTENCY:
  Settling a settled payout, or failing a failed one, is a no-op. The
  DEBIT is unique per payout, so a replayed confirmation cannot debit twice.

SEE ALSO:
  - rail.go: Transfer rails
  - commission/machine.go: Complete
  - giftcard.go: The other way money leaves a platform-held wallet
*/
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// MinPayout is the default minimum batch amount in minor units.
const MinPayout ledger.Money = 1000

type Config struct {
	MinPayout   ledger.Money
	Concurrency int
}

// Batch is a planned payout: one seller, one currency.
type Batch struct {
	SellerID      ledger.SellerID
	Rail          ledger.Rail
	Currency      string
	Amount        ledger.Money
	CommissionIDs []ledger.CommissionID
}

type Orchestrator struct {
	store   ledger.Store
	machine *commission.Machine
	rails   map[ledger.Rail]Rail
	cfg     Config
	logger  *slog.Logger
}

func NewOrchestrator(store ledger.Store, machine *commission.Machine, rails map[ledger.Rail]Rail, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MinPayout <= 0 {
		cfg.MinPayout = MinPayout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		machine: machine,
		rails:   rails,
		cfg:     cfg,
		logger:  logger.With("component", "payout"),
	}
}

// =============================================================================
// SELECTION
// =============================================================================

// SelectPayable plans one batch per seller and currency from unclaimed
// PROCEED commissions. An empty sellers list considers every seller.
func (o *Orchestrator) SelectPayable(ctx context.Context, sellers []ledger.SellerID) ([]Batch, error) {
	filters := []ledger.CommissionFilter{{}}
	if len(sellers) > 0 {
		filters = filters[:0]
		for _, s := range sellers {
			filters = append(filters, ledger.CommissionFilter{SellerID: s})
		}
	}

	type key struct {
		seller   ledger.SellerID
		currency string
	}
	groups := make(map[key]*Batch)
	for _, f := range filters {
		f.Statuses = []ledger.Status{ledger.StatusProceed}
		f.Unclaimed = true
		eligible, err := o.store.ListCommissions(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list payable commissions: %w", err)
		}
		for _, c := range eligible {
			if c.CommissionAmount <= 0 {
				continue
			}
			k := key{c.SellerID, c.Currency}
			b, ok := groups[k]
			if !ok {
				b = &Batch{SellerID: c.SellerID, Currency: c.Currency}
				groups[k] = b
			}
			b.Amount += c.CommissionAmount
			b.CommissionIDs = append(b.CommissionIDs, c.ID)
		}
	}

	var batches []Batch
	for _, b := range groups {
		if b.Amount < o.cfg.MinPayout {
			continue
		}
		seller, err := o.store.GetSeller(ctx, b.SellerID)
		if err != nil {
			return nil, fmt.Errorf("seller %s: %w", b.SellerID, err)
		}
		b.Rail = seller.Rail
		batches = append(batches, *b)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].SellerID < batches[j].SellerID })
	return batches, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute claims the batch's commissions and asks the rail to transfer.
// A rail failure returns the FAILED payout with a nil error; claim or
// funding problems return an error and leave nothing behind.
func (o *Orchestrator) Execute(ctx context.Context, b Batch) (*ledger.Payout, error) {
	if b.Amount < o.cfg.MinPayout {
		return nil, fmt.Errorf("%w: batch of %d, minimum %d", ledger.ErrBelowMinimum, b.Amount, o.cfg.MinPayout)
	}
	p := &ledger.Payout{
		ID:            ledger.PayoutID(uuid.NewString()),
		SellerID:      b.SellerID,
		Amount:        b.Amount,
		Currency:      b.Currency,
		Rail:          b.Rail,
		Status:        ledger.PayoutPending,
		CommissionIDs: b.CommissionIDs,
		CreatedAt:     o.machine.Now(),
	}

	err := o.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertPayout(ctx, p); err != nil {
			return err
		}
		n, err := tx.ClaimCommissions(ctx, p.ID, b.CommissionIDs)
		if err != nil {
			return err
		}
		if n != len(b.CommissionIDs) {
			return fmt.Errorf("%w: claimed %d of %d commissions for seller %s",
				ledger.ErrStaleBatch, n, len(b.CommissionIDs), b.SellerID)
		}
		if b.Rail == ledger.RailPlatform {
			return ensureFree(ctx, tx, o.machine.Wallet(), b.SellerID, b.Amount, b.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rail, ok := o.rails[b.Rail]
	if !ok {
		return o.Fail(ctx, p.ID, fmt.Sprintf("no rail configured for %s", b.Rail))
	}
	if ctx.Err() != nil {
		return o.Cancel(context.WithoutCancel(ctx), p.ID, "payout run canceled before transfer")
	}

	receipt, err := rail.Transfer(ctx, TransferRequest{
		PayoutID: p.ID,
		SellerID: p.SellerID,
		Amount:   p.Amount,
		Currency: p.Currency,
		Rail:     p.Rail,
	})
	if err != nil {
		o.logger.Warn("transfer failed", "payout_id", p.ID, "seller_id", p.SellerID, "error", err)
		return o.Fail(context.WithoutCancel(ctx), p.ID, err.Error())
	}
	if receipt.Status == TransferSettled {
		// The money has moved; the run being canceled must not strand it.
		return o.Settle(context.WithoutCancel(ctx), p.ID, receipt.Ref)
	}

	moved, err := o.store.UpdatePayout(ctx, ledger.PayoutUpdate{
		ID: p.ID, From: []ledger.PayoutStatus{ledger.PayoutPending}, To: ledger.PayoutSubmitted,
		TransferRef: receipt.Ref, At: o.machine.Now(),
	})
	if err != nil {
		return nil, err
	}
	if moved {
		o.logger.Info("payout submitted", "payout_id", p.ID, "seller_id", p.SellerID, "amount", p.Amount)
	}
	return o.store.GetPayout(ctx, p.ID)
}

// inFlight payouts have claimed wallet money that is not debited yet.
var inFlight = []ledger.PayoutStatus{ledger.PayoutPending, ledger.PayoutSubmitted}

// ensureFree fails closed unless the wallet covers amount on top of what is
// already promised: pending gift cards and in-flight platform payouts. own
// is the share of those promises that belongs to the movement being checked.
// The caller must be inside a transaction.
func ensureFree(ctx context.Context, tx ledger.Tx, wallet *ledger.Wallet, sellerID ledger.SellerID, amount, own ledger.Money) error {
	if err := tx.LockBalance(ctx, sellerID); err != nil {
		return err
	}
	available, err := wallet.Available(ctx, tx, sellerID)
	if err != nil {
		return err
	}
	cards, err := tx.SumGiftCards(ctx, sellerID, ledger.GiftCardPending)
	if err != nil {
		return err
	}
	payouts, err := tx.SumPayouts(ctx, sellerID, ledger.RailPlatform, inFlight...)
	if err != nil {
		return err
	}
	if free := available - (cards + payouts - own); amount > free {
		return &ledger.InsufficientFundsError{
			SellerID: sellerID, Available: free, Requested: amount, Shortfall: amount - free,
		}
	}
	return nil
}

// =============================================================================
// CONFIRMATION
// =============================================================================

// Confirm applies a rail callback.
func (o *Orchestrator) Confirm(ctx context.Context, id ledger.PayoutID, settled bool, ref, reason string) (*ledger.Payout, error) {
	if settled {
		return o.Settle(ctx, id, ref)
	}
	return o.Fail(ctx, id, reason)
}

// Settle marks the payout SETTLED, completes its commissions and debits the
// platform-held wallet, atomically.
func (o *Orchestrator) Settle(ctx context.Context, id ledger.PayoutID, ref string) (*ledger.Payout, error) {
	var out *ledger.Payout
	err := o.store.WithTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetPayout(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == ledger.PayoutSettled {
			out = p
			return nil
		}
		moved, err := tx.UpdatePayout(ctx, ledger.PayoutUpdate{
			ID: id, From: []ledger.PayoutStatus{ledger.PayoutPending, ledger.PayoutSubmitted},
			To: ledger.PayoutSettled, TransferRef: ref, At: o.machine.Now(),
		})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: payout %s is %s", ledger.ErrNotPending, id, p.Status)
		}

		for _, cid := range p.CommissionIDs {
			if _, err := o.machine.Complete(ctx, tx, cid, id); err != nil {
				return err
			}
		}
		if p.Rail == ledger.RailPlatform {
			if _, err := o.machine.Wallet().Debit(ctx, tx, p.SellerID, p.Amount,
				ledger.Reference{Type: ledger.RefPayout, ID: string(id)},
				fmt.Sprintf("payout %s", id)); err != nil {
				return err
			}
		}
		out, err = tx.GetPayout(ctx, id)
		return err
	})
	if err != nil {
		o.logger.Error("payout settlement failed", "payout_id", id, "error", err)
		return nil, err
	}
	o.logger.Info("payout settled", "payout_id", id, "seller_id", out.SellerID, "amount", out.Amount)
	return out, nil
}

// Fail marks an in-flight payout FAILED and releases its commissions.
func (o *Orchestrator) Fail(ctx context.Context, id ledger.PayoutID, reason string) (*ledger.Payout, error) {
	return o.abandon(ctx, id, ledger.PayoutFailed, reason)
}

// Cancel aborts a payout before confirmation. Nothing reaches the ledger.
func (o *Orchestrator) Cancel(ctx context.Context, id ledger.PayoutID, reason string) (*ledger.Payout, error) {
	return o.abandon(ctx, id, ledger.PayoutCanceled, reason)
}

func (o *Orchestrator) abandon(ctx context.Context, id ledger.PayoutID, to ledger.PayoutStatus, reason string) (*ledger.Payout, error) {
	var out *ledger.Payout
	err := o.store.WithTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetPayout(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == to {
			out = p
			return nil
		}
		moved, err := tx.UpdatePayout(ctx, ledger.PayoutUpdate{
			ID: id, From: []ledger.PayoutStatus{ledger.PayoutPending, ledger.PayoutSubmitted},
			To: to, Reason: reason, At: o.machine.Now(),
		})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: payout %s is %s", ledger.ErrNotPending, id, p.Status)
		}
		if err := tx.ReleaseCommissions(ctx, id); err != nil {
			return err
		}
		out, err = tx.GetPayout(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("payout abandoned", "payout_id", id, "status", to, "reason", reason)
	return out, nil
}

// =============================================================================
// RUN
// =============================================================================

// BatchError records a batch that could not be executed.
type BatchError struct {
	SellerID ledger.SellerID
	Amount   ledger.Money
	Err      error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("payout for seller %s (%d): %v", e.SellerID, e.Amount, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// RunResult summarizes a payout run.
type RunResult struct {
	Payouts []ledger.Payout
	Errors  []BatchError
	Elapsed time.Duration
}

// Run selects and executes payable batches with bounded concurrency.
// One seller's failure never blocks another's payout.
func (o *Orchestrator) Run(ctx context.Context, sellers []ledger.SellerID) (RunResult, error) {
	start := time.Now()
	batches, err := o.SelectPayable(ctx, sellers)
	if err != nil {
		return RunResult{}, err
	}

	var (
		mu  sync.Mutex
		res RunResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			p, err := o.Execute(gctx, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, BatchError{SellerID: b.SellerID, Amount: b.Amount, Err: err})
				return nil
			}
			res.Payouts = append(res.Payouts, *p)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	res.Elapsed = time.Since(start)
	o.logger.Info("payout run finished",
		"batches", len(batches), "payouts", len(res.Payouts), "errors", len(res.Errors), "elapsed", res.Elapsed)
	return res, ctx.Err()
}
