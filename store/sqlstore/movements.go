package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/commission-engine/ledger"
)

func encodeIDs(ids []ledger.CommissionID) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(s string) []ledger.CommissionID {
	var ids []ledger.CommissionID
	_ = json.Unmarshal([]byte(s), &ids)
	return ids
}

// =============================================================================
// STARTUP PAYMENTS
// =============================================================================

func (q *queries) InsertStartupPayment(ctx context.Context, p *ledger.StartupPayment) error {
	_, err := q.exec(ctx, `
		INSERT INTO startup_payments (id, workspace_id, partner_total, platform_total, total,
			currency, status, external_ref, failure_reason, commission_ids, created_at, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.WorkspaceID), int64(p.PartnerTotal), int64(p.PlatformTotal), int64(p.Total),
		p.Currency, string(p.Status), p.ExternalRef, p.FailureReason, encodeIDs(p.CommissionIDs),
		formatTime(p.CreatedAt), nullTime(p.PaidAt))
	if err != nil {
		return fmt.Errorf("insert startup payment: %w", err)
	}
	return nil
}

func (q *queries) GetStartupPayment(ctx context.Context, id string) (*ledger.StartupPayment, error) {
	var (
		p                        = ledger.StartupPayment{ID: id}
		ws, status, ids, created string
		partner, platform, total int64
		paid                     sql.NullString
	)
	err := q.queryRow(ctx, `SELECT workspace_id, partner_total, platform_total, total, currency,
			status, external_ref, failure_reason, commission_ids, created_at, paid_at
		FROM startup_payments WHERE id = ?`, id).
		Scan(&ws, &partner, &platform, &total, &p.Currency, &status, &p.ExternalRef,
			&p.FailureReason, &ids, &created, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("startup payment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get startup payment: %w", err)
	}
	p.WorkspaceID = ledger.WorkspaceID(ws)
	p.PartnerTotal = ledger.Money(partner)
	p.PlatformTotal = ledger.Money(platform)
	p.Total = ledger.Money(total)
	p.Status = ledger.StartupPaymentStatus(status)
	p.CommissionIDs = decodeIDs(ids)
	p.CreatedAt = parseTime(created)
	p.PaidAt = timePtr(paid)
	return &p, nil
}

func (q *queries) UpdateStartupPayment(ctx context.Context, id string, to ledger.StartupPaymentStatus, ref, reason string, at time.Time) (bool, error) {
	var paidAt sql.NullString
	if to == ledger.StartupPaymentPaid {
		paidAt = nullTime(&at)
	}
	res, err := q.exec(ctx, `UPDATE startup_payments
		SET status = ?, external_ref = ?, failure_reason = ?, paid_at = ?
		WHERE id = ? AND status = 'PENDING'`, string(to), ref, reason, paidAt, id)
	if err != nil {
		return false, fmt.Errorf("update startup payment %s: %w", id, err)
	}
	return affected(res)
}

func (q *queries) SumStartupPayments(ctx context.Context, status ledger.StartupPaymentStatus, asOf time.Time) (ledger.Money, ledger.Money, ledger.Money, error) {
	var partner, platform, total int64
	err := q.queryRow(ctx, `SELECT COALESCE(SUM(partner_total), 0), COALESCE(SUM(platform_total), 0),
			COALESCE(SUM(total), 0)
		FROM startup_payments WHERE status = ? AND created_at <= ?`, string(status), formatTime(asOf)).
		Scan(&partner, &platform, &total)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum startup payments: %w", err)
	}
	return ledger.Money(partner), ledger.Money(platform), ledger.Money(total), nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, seller_id, amount, currency, rail, status, commission_ids,
	transfer_ref, failure_reason, created_at, settled_at`

func scanPayout(row rowScanner) (*ledger.Payout, error) {
	var (
		p                                      ledger.Payout
		id, seller, rail, status, ids, created string
		amount                                 int64
		settled                                sql.NullString
	)
	if err := row.Scan(&id, &seller, &amount, &p.Currency, &rail, &status, &ids,
		&p.TransferRef, &p.FailureReason, &created, &settled); err != nil {
		return nil, err
	}
	p.ID = ledger.PayoutID(id)
	p.SellerID = ledger.SellerID(seller)
	p.Amount = ledger.Money(amount)
	p.Rail = ledger.Rail(rail)
	p.Status = ledger.PayoutStatus(status)
	p.CommissionIDs = decodeIDs(ids)
	p.CreatedAt = parseTime(created)
	p.SettledAt = timePtr(settled)
	return &p, nil
}

func (q *queries) InsertPayout(ctx context.Context, p *ledger.Payout) error {
	_, err := q.exec(ctx, `INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), string(p.SellerID), int64(p.Amount), p.Currency, string(p.Rail), string(p.Status),
		encodeIDs(p.CommissionIDs), p.TransferRef, p.FailureReason, formatTime(p.CreatedAt), nullTime(p.SettledAt))
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (q *queries) GetPayout(ctx context.Context, id ledger.PayoutID) (*ledger.Payout, error) {
	p, err := scanPayout(q.queryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("payout", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return p, nil
}

func (q *queries) ListPayouts(ctx context.Context, sellerID ledger.SellerID, status ledger.PayoutStatus, limit int) ([]ledger.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE 1 = 1`
	var args []any
	if sellerID != "" {
		query += ` AND seller_id = ?`
		args = append(args, string(sellerID))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (q *queries) UpdatePayout(ctx context.Context, u ledger.PayoutUpdate) (bool, error) {
	if len(u.From) == 0 {
		return false, fmt.Errorf("update payout %s: no source status", u.ID)
	}
	var settledAt sql.NullString
	if u.To == ledger.PayoutSettled {
		settledAt = nullTime(&u.At)
	}
	args := []any{string(u.To), u.TransferRef, u.TransferRef, u.Reason, settledAt, string(u.ID)}
	for _, s := range u.From {
		args = append(args, string(s))
	}
	res, err := q.exec(ctx, `UPDATE payouts
		SET status = ?,
			transfer_ref = CASE WHEN ? = '' THEN transfer_ref ELSE ? END,
			failure_reason = ?, settled_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(u.From))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("update payout %s: %w", u.ID, err)
	}
	return affected(res)
}

func (q *queries) SumPayouts(ctx context.Context, sellerID ledger.SellerID, rail ledger.Rail, statuses ...ledger.PayoutStatus) (ledger.Money, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{string(sellerID), string(rail)}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	var total int64
	if err := q.queryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payouts
		WHERE seller_id = ? AND rail = ? AND status IN (`+placeholders(len(statuses))+`)`, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum payouts: %w", err)
	}
	return ledger.Money(total), nil
}

// =============================================================================
// GIFT CARDS
// =============================================================================

const giftCardColumns = `id, seller_id, card_type, amount, status, code, reason, created_at, processed_at`

func scanGiftCard(row rowScanner) (*ledger.GiftCard, error) {
	var (
		g                       ledger.GiftCard
		seller, status, created string
		amount                  int64
		processed               sql.NullString
	)
	if err := row.Scan(&g.ID, &seller, &g.CardType, &amount, &status, &g.Code, &g.Reason,
		&created, &processed); err != nil {
		return nil, err
	}
	g.SellerID = ledger.SellerID(seller)
	g.Amount = ledger.Money(amount)
	g.Status = ledger.GiftCardStatus(status)
	g.CreatedAt = parseTime(created)
	g.ProcessedAt = timePtr(processed)
	return &g, nil
}

func (q *queries) InsertGiftCard(ctx context.Context, g *ledger.GiftCard) error {
	_, err := q.exec(ctx, `INSERT INTO gift_cards (`+giftCardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, string(g.SellerID), g.CardType, int64(g.Amount), string(g.Status), g.Code, g.Reason,
		formatTime(g.CreatedAt), nullTime(g.ProcessedAt))
	if err != nil {
		return fmt.Errorf("insert gift card: %w", err)
	}
	return nil
}

func (q *queries) GetGiftCard(ctx context.Context, id string) (*ledger.GiftCard, error) {
	g, err := scanGiftCard(q.queryRow(ctx, `SELECT `+giftCardColumns+` FROM gift_cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("gift card", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get gift card: %w", err)
	}
	return g, nil
}

func (q *queries) ListGiftCards(ctx context.Context, sellerID ledger.SellerID, status ledger.GiftCardStatus) ([]ledger.GiftCard, error) {
	query := `SELECT ` + giftCardColumns + ` FROM gift_cards WHERE 1 = 1`
	var args []any
	if sellerID != "" {
		query += ` AND seller_id = ?`
		args = append(args, string(sellerID))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	rows, err := q.query(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list gift cards: %w", err)
	}
	defer rows.Close()

	var out []ledger.GiftCard
	for rows.Next() {
		g, err := scanGiftCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (q *queries) UpdateGiftCard(ctx context.Context, id string, to ledger.GiftCardStatus, code, reason string, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE gift_cards SET status = ?, code = ?, reason = ?, processed_at = ?
		WHERE id = ? AND status = 'PENDING'`, string(to), code, reason, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("update gift card %s: %w", id, err)
	}
	return affected(res)
}

func (q *queries) SumGiftCards(ctx context.Context, sellerID ledger.SellerID, status ledger.GiftCardStatus) (ledger.Money, error) {
	var total int64
	query := `SELECT COALESCE(SUM(amount), 0) FROM gift_cards WHERE status = ?`
	args := []any{string(status)}
	if sellerID != "" {
		query += ` AND seller_id = ?`
		args = append(args, string(sellerID))
	}
	if err := q.queryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum gift cards: %w", err)
	}
	return ledger.Money(total), nil
}
