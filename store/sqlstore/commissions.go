package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// PROCESSED EVENTS
// =============================================================================

func (q *queries) RecordEvent(ctx context.Context, ev ledger.ProcessedEvent) error {
	_, err := q.exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, workspace_id, amount_cents, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, string(ev.EventType), string(ev.WorkspaceID), int64(ev.AmountCents), formatTime(ev.ReceivedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s/%s in %s: %w", ev.EventType, ev.EventID, ev.WorkspaceID, ledger.ErrDuplicateEvent)
		}
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (q *queries) GetEvent(ctx context.Context, eventID string, kind ledger.EventKind, workspaceID ledger.WorkspaceID) (*ledger.ProcessedEvent, error) {
	var (
		ev       = ledger.ProcessedEvent{EventID: eventID, EventType: kind, WorkspaceID: workspaceID}
		amount   int64
		received string
	)
	err := q.queryRow(ctx, `
		SELECT amount_cents, received_at FROM processed_events
		WHERE event_id = ? AND event_type = ? AND workspace_id = ?`,
		eventID, string(kind), string(workspaceID)).Scan(&amount, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("event", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev.AmountCents = ledger.Money(amount)
	ev.ReceivedAt = parseTime(received)
	return &ev, nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `c.id, c.workspace_id, c.seller_id, c.mission_id, c.enrollment_id,
	c.sale_id, c.event_id, c.event_kind, c.subscription_id,
	c.sale_amount, c.gross_amount, c.platform_fee, c.commission_amount,
	c.currency, c.rate_snapshot, c.hold_days, c.status,
	c.startup_payment_status, c.startup_payment_id, c.payout_id,
	c.organization_id, c.org_parent_commission_id, c.referral_generation,
	c.referral_source_commission_id, c.reject_reason,
	c.occurred_at, c.created_at, c.matures_at, c.matured_at, c.paid_at, c.rejected_at`

func (q *queries) InsertCommission(ctx context.Context, c *ledger.Commission) error {
	_, err := q.exec(ctx, `
		INSERT INTO commissions (id, workspace_id, seller_id, mission_id, enrollment_id,
			sale_id, event_id, event_kind, subscription_id,
			sale_amount, gross_amount, platform_fee, commission_amount,
			currency, rate_snapshot, hold_days, status,
			startup_payment_status, startup_payment_id, payout_id,
			organization_id, org_parent_commission_id, referral_generation,
			referral_source_commission_id, reject_reason,
			occurred_at, created_at, matures_at, matured_at, paid_at, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.WorkspaceID), string(c.SellerID), c.MissionID, c.EnrollmentID,
		c.SaleID, c.EventID, string(c.EventKind), c.SubscriptionID,
		int64(c.SaleAmount), int64(c.GrossAmount), int64(c.PlatformFee), int64(c.CommissionAmount),
		c.Currency, c.RateSnapshot, c.HoldDays, string(c.Status),
		string(c.StartupPaymentStatus), c.StartupPaymentID, string(c.PayoutID),
		c.OrganizationID, string(c.OrgParentCommissionID), c.ReferralGeneration,
		string(c.ReferralSourceCommissionID), c.RejectReason,
		formatTime(c.OccurredAt), formatTime(c.CreatedAt), formatTime(c.MaturesAt),
		nullTime(c.MaturedAt), nullTime(c.PaidAt), nullTime(c.RejectedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sale %s: %w", c.SaleID, ledger.ErrDuplicateSale)
		}
		return fmt.Errorf("insert commission: %w", err)
	}
	return nil
}

func (q *queries) GetCommission(ctx context.Context, id ledger.CommissionID) (*ledger.Commission, error) {
	row := q.queryRow(ctx, `SELECT `+commissionColumns+` FROM commissions c WHERE c.id = ?`, string(id))
	c, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("commission", id)
	}
	return c, err
}

func (q *queries) GetCommissionBySale(ctx context.Context, workspaceID ledger.WorkspaceID, saleID string) (*ledger.Commission, error) {
	row := q.queryRow(ctx, `SELECT `+commissionColumns+` FROM commissions c
		WHERE c.workspace_id = ? AND c.sale_id = ?`, string(workspaceID), saleID)
	c, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sale", saleID)
	}
	return c, err
}

func (q *queries) ListCommissions(ctx context.Context, f ledger.CommissionFilter) ([]ledger.Commission, error) {
	join, where, args := commissionWhere(f)
	query := `SELECT ` + commissionColumns + ` FROM commissions c` + join + where +
		` ORDER BY c.created_at DESC, c.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.queryCommissions(ctx, query, args...)
}

func (q *queries) DerivedCommissions(ctx context.Context, id ledger.CommissionID) ([]ledger.Commission, error) {
	return q.queryCommissions(ctx, `SELECT `+commissionColumns+` FROM commissions c
		WHERE c.org_parent_commission_id = ? OR c.referral_source_commission_id = ?
		ORDER BY c.referral_generation, c.created_at`, string(id), string(id))
}

func (q *queries) TransitionCommission(ctx context.Context, t ledger.Transition) (bool, error) {
	var (
		set  []string
		args []any
	)
	set = append(set, "status = ?")
	args = append(args, string(t.To))
	switch t.To {
	case ledger.StatusProceed:
		set = append(set, "matured_at = ?")
		args = append(args, formatTime(t.At))
	case ledger.StatusComplete:
		set = append(set, "paid_at = ?")
		args = append(args, formatTime(t.At))
	case ledger.StatusRejected:
		set = append(set, "rejected_at = ?", "reject_reason = ?")
		args = append(args, formatTime(t.At), t.Reason)
	}

	query := `UPDATE commissions SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, string(t.ID), string(t.From))
	if t.PayoutID != "" {
		query += ` AND payout_id = ?`
		args = append(args, string(t.PayoutID))
	}

	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition commission %s: %w", t.ID, err)
	}
	return affected(res)
}

func (q *queries) ClaimCommissions(ctx context.Context, payoutID ledger.PayoutID, ids []ledger.CommissionID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(payoutID)}
	for _, id := range ids {
		args = append(args, string(id))
	}
	res, err := q.exec(ctx, `UPDATE commissions SET payout_id = ?
		WHERE status = 'PROCEED' AND payout_id = '' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("claim commissions for payout %s: %w", payoutID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *queries) ReleaseCommissions(ctx context.Context, payoutID ledger.PayoutID) error {
	_, err := q.exec(ctx, `UPDATE commissions SET payout_id = ''
		WHERE payout_id = ? AND status = 'PROCEED'`, string(payoutID))
	if err != nil {
		return fmt.Errorf("release commissions of payout %s: %w", payoutID, err)
	}
	return nil
}

func (q *queries) LinkStartupPayment(ctx context.Context, paymentID string, ids []ledger.CommissionID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{paymentID}
	for _, id := range ids {
		args = append(args, string(id))
	}
	res, err := q.exec(ctx, `UPDATE commissions SET startup_payment_id = ?
		WHERE status = 'PROCEED' AND startup_payment_status = 'UNPAID' AND startup_payment_id = ''
		AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("link startup payment %s: %w", paymentID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *queries) SettleStartupPayment(ctx context.Context, paymentID string, paid bool) error {
	query := `UPDATE commissions SET startup_payment_status = 'PAID' WHERE startup_payment_id = ?`
	if !paid {
		query = `UPDATE commissions SET startup_payment_id = ''
			WHERE startup_payment_id = ? AND startup_payment_status = 'UNPAID'`
	}
	if _, err := q.exec(ctx, query, paymentID); err != nil {
		return fmt.Errorf("settle startup payment %s: %w", paymentID, err)
	}
	return nil
}

func (q *queries) FirstSubscriptionCharge(ctx context.Context, workspaceID ledger.WorkspaceID, subscriptionID string) (time.Time, bool, error) {
	var first sql.NullString
	err := q.queryRow(ctx, `SELECT MIN(occurred_at) FROM commissions
		WHERE workspace_id = ? AND subscription_id = ?
		AND referral_generation = 0 AND org_parent_commission_id = ''`,
		string(workspaceID), subscriptionID).Scan(&first)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("first charge of subscription %s: %w", subscriptionID, err)
	}
	if !first.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(first.String), true, nil
}

func (q *queries) SummarizeCommissions(ctx context.Context, f ledger.CommissionFilter) ([]ledger.StatusTotal, error) {
	join, where, args := commissionWhere(f)
	rows, err := q.query(ctx, `SELECT c.status, COUNT(*),
			COALESCE(SUM(c.sale_amount), 0), COALESCE(SUM(c.gross_amount), 0),
			COALESCE(SUM(c.platform_fee), 0), COALESCE(SUM(c.commission_amount), 0)
		FROM commissions c`+join+where+` GROUP BY c.status`, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize commissions: %w", err)
	}
	defer rows.Close()

	var totals []ledger.StatusTotal
	for rows.Next() {
		var (
			t                            ledger.StatusTotal
			status                       string
			sale, gross, fee, commission int64
		)
		if err := rows.Scan(&status, &t.Count, &sale, &gross, &fee, &commission); err != nil {
			return nil, err
		}
		t.Status = ledger.Status(status)
		t.SaleAmount = ledger.Money(sale)
		t.Gross = ledger.Money(gross)
		t.PlatformFee = ledger.Money(fee)
		t.Amount = ledger.Money(commission)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func commissionWhere(f ledger.CommissionFilter) (join, where string, args []any) {
	var conds []string
	if f.Rail != "" {
		join = ` JOIN sellers s ON s.id = c.seller_id`
		conds = append(conds, "s.rail = ?")
		args = append(args, string(f.Rail))
	}
	if f.WorkspaceID != "" {
		conds = append(conds, "c.workspace_id = ?")
		args = append(args, string(f.WorkspaceID))
	}
	if f.SellerID != "" {
		conds = append(conds, "c.seller_id = ?")
		args = append(args, string(f.SellerID))
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "c.status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if !f.MaturesBy.IsZero() {
		conds = append(conds, "c.matures_at <= ?")
		args = append(args, formatTime(f.MaturesBy))
	}
	if f.Unclaimed {
		conds = append(conds, "c.payout_id = ''")
	}
	if f.PayoutID != "" {
		conds = append(conds, "c.payout_id = ?")
		args = append(args, string(f.PayoutID))
	}
	if f.StartupPaymentStatus != "" {
		conds = append(conds, "c.startup_payment_status = ?")
		args = append(args, string(f.StartupPaymentStatus))
	}
	if f.ExcludeReferrals {
		conds = append(conds, "c.referral_generation = 0")
	}
	if f.OnlyReferrals {
		conds = append(conds, "c.referral_generation > 0")
	}
	if !f.CreatedAtOrBefore.IsZero() {
		conds = append(conds, "c.created_at <= ?")
		args = append(args, formatTime(f.CreatedAtOrBefore))
	}
	switch {
	case !f.Before.IsZero() && f.BeforeID != "":
		conds = append(conds, "(c.created_at < ? OR (c.created_at = ? AND c.id < ?))")
		before := formatTime(f.Before)
		args = append(args, before, before, string(f.BeforeID))
	case !f.Before.IsZero():
		conds = append(conds, "c.created_at < ?")
		args = append(args, formatTime(f.Before))
	}
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	return join, where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommission(row rowScanner) (*ledger.Commission, error) {
	var (
		c                                              ledger.Commission
		id, ws, seller, kind, status, payStatus, payID string
		orgParent, refSource                           string
		sale, gross, fee, amount                       int64
		occurred, created, matures                     string
		matured, paid, rejected                        sql.NullString
	)
	err := row.Scan(&id, &ws, &seller, &c.MissionID, &c.EnrollmentID,
		&c.SaleID, &c.EventID, &kind, &c.SubscriptionID,
		&sale, &gross, &fee, &amount,
		&c.Currency, &c.RateSnapshot, &c.HoldDays, &status,
		&payStatus, &c.StartupPaymentID, &payID,
		&c.OrganizationID, &orgParent, &c.ReferralGeneration,
		&refSource, &c.RejectReason,
		&occurred, &created, &matures, &matured, &paid, &rejected)
	if err != nil {
		return nil, err
	}
	c.ID = ledger.CommissionID(id)
	c.WorkspaceID = ledger.WorkspaceID(ws)
	c.SellerID = ledger.SellerID(seller)
	c.EventKind = ledger.EventKind(kind)
	c.SaleAmount = ledger.Money(sale)
	c.GrossAmount = ledger.Money(gross)
	c.PlatformFee = ledger.Money(fee)
	c.CommissionAmount = ledger.Money(amount)
	c.Status = ledger.Status(status)
	c.StartupPaymentStatus = ledger.PaymentStatus(payStatus)
	c.PayoutID = ledger.PayoutID(payID)
	c.OrgParentCommissionID = ledger.CommissionID(orgParent)
	c.ReferralSourceCommissionID = ledger.CommissionID(refSource)
	c.OccurredAt = parseTime(occurred)
	c.CreatedAt = parseTime(created)
	c.MaturesAt = parseTime(matures)
	c.MaturedAt = timePtr(matured)
	c.PaidAt = timePtr(paid)
	c.RejectedAt = timePtr(rejected)
	return &c, nil
}

func (q *queries) queryCommissions(ctx context.Context, query string, args ...any) ([]ledger.Commission, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commissions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
