/*
store.go - Persistence contract for the commission engine

PURPOSE:
  Defines the interface between the domain packages (commission, payout,
  reconcile) and the database. One implementation (store/sqlstore) backs
  it with SQLite or PostgreSQL.

KEY INTERFACES:
  Tx:    Everything a unit of work may read or write
  Store: Tx plus WithTx for atomic multi-table writes

UNIQUENESS IS THE SERIALIZATION POINT:
  - processed_events (event_id, event_type, workspace_id) → ErrDuplicateEvent
  - commissions (workspace_id, sale_id)                   → ErrDuplicateSale
  - wallet_entries (seller, type, reference)              → ErrDuplicateEntry
  Concurrent writers racing on the same key see exactly one winner; the
  losers get the sentinel and their transaction rolls back.

CONDITIONAL UPDATES:
  Status changes are written as "UPDATE ... WHERE status = <from>" and
  report whether a row moved. A false result means another worker got
  there first; it is never an error.

SEE ALSO:
  - store/sqlstore: Concrete implementation
  - wallet.go, projector.go: Use JournalStore and BalanceStore
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// INGRESS
// =============================================================================

type EventStore interface {
	// RecordEvent writes the idempotency receipt. Returns ErrDuplicateEvent
	// if the (event, type, workspace) triple was already recorded.
	RecordEvent(ctx context.Context, ev ProcessedEvent) error
	GetEvent(ctx context.Context, eventID string, kind EventKind, workspaceID WorkspaceID) (*ProcessedEvent, error)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// CommissionFilter narrows commission queries. Zero fields are ignored.
type CommissionFilter struct {
	WorkspaceID WorkspaceID
	SellerID    SellerID
	Statuses    []Status
	// MaturesBy selects commissions whose hold period ends at or before it.
	MaturesBy time.Time
	// Unclaimed selects commissions not attached to any payout.
	Unclaimed            bool
	PayoutID             PayoutID
	StartupPaymentStatus PaymentStatus
	// Rail joins sellers and keeps only commissions of sellers on that rail.
	Rail              Rail
	ExcludeReferrals  bool
	OnlyReferrals     bool
	CreatedAtOrBefore time.Time
	// Before is the pagination cursor: strictly older than this creation
	// time, or equally old with an id below BeforeID when that is set.
	Before   time.Time
	BeforeID CommissionID
	Limit    int
}

// Transition is a status-conditioned commission update.
type Transition struct {
	ID     CommissionID
	From   Status
	To     Status
	At     time.Time
	Reason string
	// PayoutID must match the commission's claim when completing.
	PayoutID PayoutID
}

// StatusTotal aggregates commissions sharing a status.
type StatusTotal struct {
	Status      Status
	Count       int
	SaleAmount  Money
	Gross       Money
	PlatformFee Money
	Amount      Money
}

type CommissionStore interface {
	// InsertCommission returns ErrDuplicateSale on a repeated sale reference.
	InsertCommission(ctx context.Context, c *Commission) error
	GetCommission(ctx context.Context, id CommissionID) (*Commission, error)
	GetCommissionBySale(ctx context.Context, workspaceID WorkspaceID, saleID string) (*Commission, error)
	// ListCommissions returns matches newest first.
	ListCommissions(ctx context.Context, f CommissionFilter) ([]Commission, error)
	// DerivedCommissions returns leader and referral commissions sourced from id.
	DerivedCommissions(ctx context.Context, id CommissionID) ([]Commission, error)
	// TransitionCommission applies t only if the commission is still in t.From.
	TransitionCommission(ctx context.Context, t Transition) (bool, error)
	// ClaimCommissions attaches unclaimed PROCEED commissions to a payout and
	// returns how many were claimed.
	ClaimCommissions(ctx context.Context, payoutID PayoutID, ids []CommissionID) (int, error)
	// ReleaseCommissions detaches every still-PROCEED commission from a payout.
	ReleaseCommissions(ctx context.Context, payoutID PayoutID) error
	// LinkStartupPayment attaches unfunded PROCEED commissions to a merchant payment.
	LinkStartupPayment(ctx context.Context, paymentID string, ids []CommissionID) (int, error)
	// SettleStartupPayment marks linked commissions PAID, or unlinks them when paid is false.
	SettleStartupPayment(ctx context.Context, paymentID string, paid bool) error
	// FirstSubscriptionCharge returns when the subscription first earned a commission.
	FirstSubscriptionCharge(ctx context.Context, workspaceID WorkspaceID, subscriptionID string) (time.Time, bool, error)
	SummarizeCommissions(ctx context.Context, f CommissionFilter) ([]StatusTotal, error)
}

// =============================================================================
// WALLET JOURNAL + BALANCE CACHE
// =============================================================================

type JournalStore interface {
	// AppendEntry returns ErrDuplicateEntry if the seller already has an
	// entry of the same type for the same reference.
	AppendEntry(ctx context.Context, e *WalletEntry) error
	SumEntries(ctx context.Context, sellerID SellerID) (credits, debits Money, err error)
	ListEntries(ctx context.Context, sellerID SellerID, limit int) ([]WalletEntry, error)
	// SumEntriesByRail totals entries of every seller on rail created at or before asOf.
	SumEntriesByRail(ctx context.Context, rail Rail, asOf time.Time) (credits, debits Money, err error)
}

type BalanceStore interface {
	// GetBalance returns a zero balance for sellers with no cached row.
	GetBalance(ctx context.Context, sellerID SellerID) (SellerBalance, error)
	// LockBalance serializes writers on one seller's money for the rest of the transaction.
	LockBalance(ctx context.Context, sellerID SellerID) error
	PutBalance(ctx context.Context, b SellerBalance) error
	ListBalances(ctx context.Context, rail Rail) ([]SellerBalance, error)
}

// =============================================================================
// DIRECTORY
// =============================================================================

// DirectoryStore serves reference data. Missing records return ErrNotFound.
type DirectoryStore interface {
	GetWorkspace(ctx context.Context, id WorkspaceID) (*Workspace, error)
	SaveWorkspace(ctx context.Context, w *Workspace) error
	GetSeller(ctx context.Context, id SellerID) (*Seller, error)
	SaveSeller(ctx context.Context, s *Seller) error
	ListSellers(ctx context.Context, rail Rail) ([]Seller, error)
	GetMission(ctx context.Context, id string) (*Mission, error)
	SaveMission(ctx context.Context, m *Mission) error
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	SaveEnrollment(ctx context.Context, e *Enrollment) error
	// ActiveEnrollment returns the seller's most recent approved enrollment in the workspace.
	ActiveEnrollment(ctx context.Context, workspaceID WorkspaceID, sellerID SellerID) (*Enrollment, error)
	SaveClick(ctx context.Context, c *Click) error
	ResolveClick(ctx context.Context, workspaceID WorkspaceID, clickID string) (*Enrollment, error)
	// GetOrgDeal returns (nil, nil) when the organization has no deal on the mission.
	GetOrgDeal(ctx context.Context, organizationID, missionID string) (*OrgDeal, error)
	SaveOrgDeal(ctx context.Context, d *OrgDeal) error
}

// =============================================================================
// MONEY MOVEMENT
// =============================================================================

type PaymentStore interface {
	InsertStartupPayment(ctx context.Context, p *StartupPayment) error
	GetStartupPayment(ctx context.Context, id string) (*StartupPayment, error)
	// UpdateStartupPayment moves a PENDING payment to a final status.
	UpdateStartupPayment(ctx context.Context, id string, to StartupPaymentStatus, ref, reason string, at time.Time) (bool, error)
	SumStartupPayments(ctx context.Context, status StartupPaymentStatus, asOf time.Time) (partner, platform, total Money, err error)
}

// PayoutUpdate moves a payout out of one of the From statuses.
type PayoutUpdate struct {
	ID          PayoutID
	From        []PayoutStatus
	To          PayoutStatus
	TransferRef string
	Reason      string
	At          time.Time
}

type PayoutStore interface {
	InsertPayout(ctx context.Context, p *Payout) error
	GetPayout(ctx context.Context, id PayoutID) (*Payout, error)
	ListPayouts(ctx context.Context, sellerID SellerID, status PayoutStatus, limit int) ([]Payout, error)
	UpdatePayout(ctx context.Context, u PayoutUpdate) (bool, error)
	// SumPayouts totals a seller's payouts on rail in any of statuses.
	SumPayouts(ctx context.Context, sellerID SellerID, rail Rail, statuses ...PayoutStatus) (Money, error)

	InsertGiftCard(ctx context.Context, g *GiftCard) error
	GetGiftCard(ctx context.Context, id string) (*GiftCard, error)
	ListGiftCards(ctx context.Context, sellerID SellerID, status GiftCardStatus) ([]GiftCard, error)
	// UpdateGiftCard moves a PENDING gift card to a final status.
	UpdateGiftCard(ctx context.Context, id string, to GiftCardStatus, code, reason string, at time.Time) (bool, error)
	SumGiftCards(ctx context.Context, sellerID SellerID, status GiftCardStatus) (Money, error)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Tx is everything a unit of work can touch.
type Tx interface {
	EventStore
	CommissionStore
	JournalStore
	BalanceStore
	DirectoryStore
	PaymentStore
	PayoutStore
}

// Store is a Tx bound to the database plus transaction support.
type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}
