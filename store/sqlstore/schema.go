package sqlstore

import (
	"context"
	"fmt"
)

// schema is portable between SQLite and PostgreSQL. Money columns are
// BIGINT minor units; timestamps are fixed-width UTC text.
var schema = []string{
	// Directory
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'EUR',
		signing_secret TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sellers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		rail TEXT NOT NULL CHECK (rail IN ('PLATFORM', 'STRIPE_CONNECT')),
		referred_by TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		config TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enrollments_seller
		ON enrollments(workspace_id, seller_id, status)`,
	`CREATE TABLE IF NOT EXISTS clicks (
		click_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		enrollment_id TEXT NOT NULL,
		PRIMARY KEY (workspace_id, click_id)
	)`,
	`CREATE TABLE IF NOT EXISTS org_deals (
		organization_id TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		leader_seller_id TEXT NOT NULL,
		leader_share TEXT NOT NULL,
		PRIMARY KEY (organization_id, mission_id)
	)`,

	// Ingress idempotency: the composite key is the serialization point.
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		received_at TEXT NOT NULL,
		PRIMARY KEY (event_id, event_type, workspace_id)
	)`,

	// Commission ledger
	`CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		mission_id TEXT NOT NULL DEFAULT '',
		enrollment_id TEXT NOT NULL DEFAULT '',
		sale_id TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		event_kind TEXT NOT NULL,
		subscription_id TEXT NOT NULL DEFAULT '',
		sale_amount BIGINT NOT NULL DEFAULT 0,
		gross_amount BIGINT NOT NULL CHECK (gross_amount >= 0),
		platform_fee BIGINT NOT NULL CHECK (platform_fee >= 0),
		commission_amount BIGINT NOT NULL CHECK (commission_amount >= 0),
		currency TEXT NOT NULL,
		rate_snapshot TEXT NOT NULL DEFAULT '',
		hold_days INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCEED', 'COMPLETE', 'REJECTED')),
		startup_payment_status TEXT NOT NULL DEFAULT 'UNPAID',
		startup_payment_id TEXT NOT NULL DEFAULT '',
		payout_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		org_parent_commission_id TEXT NOT NULL DEFAULT '',
		referral_generation INTEGER NOT NULL DEFAULT 0,
		referral_source_commission_id TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		matures_at TEXT NOT NULL,
		matured_at TEXT,
		paid_at TEXT,
		rejected_at TEXT,
		UNIQUE (workspace_id, sale_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_seller_status
		ON commissions(seller_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_maturation
		ON commissions(status, matures_at)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_payout
		ON commissions(payout_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_org_parent
		ON commissions(org_parent_commission_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_referral_source
		ON commissions(referral_source_commission_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_subscription
		ON commissions(workspace_id, subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_created
		ON commissions(seller_id, created_at)`,

	// Wallet journal (append-only)
	`CREATE TABLE IF NOT EXISTS wallet_entries (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		entry_type TEXT NOT NULL CHECK (entry_type IN ('CREDIT', 'DEBIT')),
		amount BIGINT NOT NULL CHECK (amount > 0),
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		balance_after BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (seller_id, entry_type, reference_type, reference_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_entries_seller
		ON wallet_entries(seller_id, created_at)`,

	// Balance projection
	`CREATE TABLE IF NOT EXISTS seller_balances (
		seller_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		pending BIGINT NOT NULL DEFAULT 0,
		due BIGINT NOT NULL DEFAULT 0,
		paid_total BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,

	// Money movement
	`CREATE TABLE IF NOT EXISTS startup_payments (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		partner_total BIGINT NOT NULL,
		platform_total BIGINT NOT NULL,
		total BIGINT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		commission_ids TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		paid_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		rail TEXT NOT NULL,
		status TEXT NOT NULL,
		commission_ids TEXT NOT NULL DEFAULT '[]',
		transfer_ref TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		settled_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payouts_seller_status
		ON payouts(seller_id, status)`,
	`CREATE TABLE IF NOT EXISTS gift_cards (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		card_type TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		status TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		processed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gift_cards_seller_status
		ON gift_cards(seller_id, status)`,
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
