package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// =============================================================================
// WALLET ENTRIES (append-only: no UPDATE, no DELETE)
// =============================================================================

func (q *queries) AppendEntry(ctx context.Context, e *ledger.WalletEntry) error {
	_, err := q.exec(ctx, `
		INSERT INTO wallet_entries (id, seller_id, entry_type, amount, reference_type,
			reference_id, balance_after, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.SellerID), string(e.Type), int64(e.Amount), string(e.ReferenceType),
		e.ReferenceID, int64(e.BalanceAfter), e.Description, formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s/%s for seller %s: %w",
				e.Type, e.ReferenceType, e.ReferenceID, e.SellerID, ledger.ErrDuplicateEntry)
		}
		return fmt.Errorf("append wallet entry: %w", err)
	}
	return nil
}

func (q *queries) SumEntries(ctx context.Context, sellerID ledger.SellerID) (ledger.Money, ledger.Money, error) {
	var credits, debits int64
	err := q.queryRow(ctx, `SELECT
			COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN entry_type = 'DEBIT' THEN amount ELSE 0 END), 0)
		FROM wallet_entries WHERE seller_id = ?`, string(sellerID)).Scan(&credits, &debits)
	if err != nil {
		return 0, 0, fmt.Errorf("sum wallet entries: %w", err)
	}
	return ledger.Money(credits), ledger.Money(debits), nil
}

func (q *queries) SumEntriesByRail(ctx context.Context, rail ledger.Rail, asOf time.Time) (ledger.Money, ledger.Money, error) {
	var credits, debits int64
	err := q.queryRow(ctx, `SELECT
			COALESCE(SUM(CASE WHEN w.entry_type = 'CREDIT' THEN w.amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN w.entry_type = 'DEBIT' THEN w.amount ELSE 0 END), 0)
		FROM wallet_entries w JOIN sellers s ON s.id = w.seller_id
		WHERE s.rail = ? AND w.created_at <= ?`, string(rail), formatTime(asOf)).Scan(&credits, &debits)
	if err != nil {
		return 0, 0, fmt.Errorf("sum wallet entries by rail: %w", err)
	}
	return ledger.Money(credits), ledger.Money(debits), nil
}

func (q *queries) ListEntries(ctx context.Context, sellerID ledger.SellerID, limit int) ([]ledger.WalletEntry, error) {
	query := `SELECT id, seller_id, entry_type, amount, reference_type, reference_id,
			balance_after, description, created_at
		FROM wallet_entries WHERE seller_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{string(sellerID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wallet entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.WalletEntry
	for rows.Next() {
		var (
			e                           ledger.WalletEntry
			seller, typ, ref, createdAt string
			amount, after               int64
		)
		if err := rows.Scan(&e.ID, &seller, &typ, &amount, &ref, &e.ReferenceID,
			&after, &e.Description, &createdAt); err != nil {
			return nil, err
		}
		e.SellerID = ledger.SellerID(seller)
		e.Type = ledger.EntryType(typ)
		e.Amount = ledger.Money(amount)
		e.ReferenceType = ledger.ReferenceType(ref)
		e.BalanceAfter = ledger.Money(after)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SELLER BALANCES (cache)
// =============================================================================

func (q *queries) GetBalance(ctx context.Context, sellerID ledger.SellerID) (ledger.SellerBalance, error) {
	var (
		b                              = ledger.SellerBalance{SellerID: sellerID}
		balance, pending, due, paidTot int64
		updated                        string
	)
	err := q.queryRow(ctx, `SELECT balance, pending, due, paid_total, updated_at
		FROM seller_balances WHERE seller_id = ?`, string(sellerID)).
		Scan(&balance, &pending, &due, &paidTot, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("get balance: %w", err)
	}
	b.Balance = ledger.Money(balance)
	b.Pending = ledger.Money(pending)
	b.Due = ledger.Money(due)
	b.PaidTotal = ledger.Money(paidTot)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// LockBalance takes a row lock on PostgreSQL. SQLite transactions are
// already serialized by the single connection.
func (q *queries) LockBalance(ctx context.Context, sellerID ledger.SellerID) error {
	if q.dialect != Postgres {
		return nil
	}
	if _, err := q.exec(ctx, `INSERT INTO seller_balances (seller_id, updated_at) VALUES (?, ?)
		ON CONFLICT (seller_id) DO NOTHING`, string(sellerID), formatTime(time.Now())); err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	var id string
	if err := q.queryRow(ctx, `SELECT seller_id FROM seller_balances WHERE seller_id = ? FOR UPDATE`,
		string(sellerID)).Scan(&id); err != nil {
		return fmt.Errorf("lock balance row: %w", err)
	}
	return nil
}

func (q *queries) PutBalance(ctx context.Context, b ledger.SellerBalance) error {
	_, err := q.exec(ctx, `
		INSERT INTO seller_balances (seller_id, balance, pending, due, paid_total, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (seller_id) DO UPDATE SET
			balance = excluded.balance,
			pending = excluded.pending,
			due = excluded.due,
			paid_total = excluded.paid_total,
			updated_at = excluded.updated_at`,
		string(b.SellerID), int64(b.Balance), int64(b.Pending), int64(b.Due), int64(b.PaidTotal),
		formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

func (q *queries) ListBalances(ctx context.Context, rail ledger.Rail) ([]ledger.SellerBalance, error) {
	query := `SELECT b.seller_id, b.balance, b.pending, b.due, b.paid_total, b.updated_at
		FROM seller_balances b`
	var args []any
	if rail != "" {
		query += ` JOIN sellers s ON s.id = b.seller_id WHERE s.rail = ?`
		args = append(args, string(rail))
	}
	query += ` ORDER BY b.seller_id`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.SellerBalance
	for rows.Next() {
		var (
			seller, updated                string
			balance, pending, due, paidTot int64
		)
		if err := rows.Scan(&seller, &balance, &pending, &due, &paidTot, &updated); err != nil {
			return nil, err
		}
		out = append(out, ledger.SellerBalance{
			SellerID:  ledger.SellerID(seller),
			Balance:   ledger.Money(balance),
			Pending:   ledger.Money(pending),
			Due:       ledger.Money(due),
			PaidTotal: ledger.Money(paidTot),
			UpdatedAt: parseTime(updated),
		})
	}
	return out, rows.Err()
}
