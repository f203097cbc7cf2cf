/*
Package ledger holds the data model of the commission engine and the
double-entry wallet journal that sits underneath it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Commission: what a seller earned from one attributed event
  - WalletEntry: an immutable CREDIT or DEBIT on a platform-held wallet
  - SellerBalance: a cached projection of a seller's money
  - ProcessedEvent: the receipt that makes event ingestion idempotent
  - StartupPayment, Payout, GiftCard: money moving in and out
  - Directory records (Workspace, Seller, Mission, Enrollment, Click, OrgDeal)

MONEY FLOW:
  merchant pays ──► StartupPayment (PAID) ──► commissions marked PAID
  event ──► Commission PENDING ──hold──► PROCEED ──► CREDIT (platform rail)
  PROCEED ──payout confirmed──► COMPLETE ──► DEBIT (platform rail)
  gift card delivered ──► DEBIT

  Sellers on the STRIPE_CONNECT rail are paid by the processor directly
  and never get wallet entries.

SEE ALSO:
  - store.go: Persistence contract (Store / Tx)
  - wallet.go: Fail-closed credit/debit
  - projector.go: SellerBalance maintenance and replay
  - commission/machine.go: The only place a commission status changes
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	WorkspaceID  string
	SellerID     string
	CommissionID string
	PayoutID     string
)

// =============================================================================
// ENUMS
// =============================================================================

// Status is the lifecycle state of a Commission.
//
//	PENDING ──► PROCEED ──► COMPLETE
//	   │
//	   └──────► REJECTED
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusProceed  Status = "PROCEED"
	StatusComplete Status = "COMPLETE"
	StatusRejected Status = "REJECTED"
)

// Statuses lists every commission status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProceed, StatusComplete, StatusRejected}

// PaymentStatus tracks whether the merchant has funded a commission.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

// Rail is how a seller receives money.
type Rail string

const (
	// RailPlatform sellers are paid from a wallet held by the platform.
	RailPlatform Rail = "PLATFORM"
	// RailStripeConnect sellers are paid by the processor directly.
	RailStripeConnect Rail = "STRIPE_CONNECT"
)

func (r Rail) Valid() bool { return r == RailPlatform || r == RailStripeConnect }

// EventKind discriminates inbound conversion events.
type EventKind string

const (
	EventLead            EventKind = "lead"
	EventSale            EventKind = "sale"
	EventRecurringCharge EventKind = "recurring_charge"
)

func (k EventKind) Valid() bool {
	return k == EventLead || k == EventSale || k == EventRecurringCharge
}

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// ReferenceType names what a wallet entry points at.
type ReferenceType string

const (
	RefCommission ReferenceType = "commission"
	RefPayout     ReferenceType = "payout"
	RefGiftCard   ReferenceType = "gift_card"
)

// =============================================================================
// COMMISSION
// =============================================================================

// Commission is one seller's earning from one attributed event.
//
// Amounts satisfy GrossAmount = PlatformFee + CommissionAmount + leader share
// for primary commissions. Derived commissions (organization leader cut,
// referral generations) carry GrossAmount = PlatformFee = 0 and point back
// at their source.
type Commission struct {
	ID             CommissionID
	WorkspaceID    WorkspaceID
	SellerID       SellerID
	MissionID      string
	EnrollmentID   string
	SaleID         string
	EventID        string
	EventKind      EventKind
	SubscriptionID string

	SaleAmount       Money
	GrossAmount      Money
	PlatformFee      Money
	CommissionAmount Money
	Currency         string
	// RateSnapshot is the reward rule in force when the commission was created.
	RateSnapshot string
	HoldDays     int

	Status               Status
	StartupPaymentStatus PaymentStatus
	StartupPaymentID     string
	PayoutID             PayoutID

	OrganizationID             string
	OrgParentCommissionID      CommissionID
	ReferralGeneration         int // 0 when not a referral commission
	ReferralSourceCommissionID CommissionID

	RejectReason string
	OccurredAt   time.Time
	CreatedAt    time.Time
	MaturesAt    time.Time
	MaturedAt    *time.Time
	PaidAt       *time.Time
	RejectedAt   *time.Time
}

// IsDerived reports whether c was generated from another commission.
func (c *Commission) IsDerived() bool {
	return c.OrgParentCommissionID != "" || c.ReferralSourceCommissionID != ""
}

// IsReferral reports whether c rewards a referrer rather than the seller who converted.
func (c *Commission) IsReferral() bool { return c.ReferralGeneration > 0 }

// =============================================================================
// WALLET
// =============================================================================

// WalletEntry is one immutable line of a platform-held seller wallet.
// BalanceAfter is informational; the authoritative balance is always
// Σ CREDIT − Σ DEBIT.
type WalletEntry struct {
	ID            string
	SellerID      SellerID
	Type          EntryType
	Amount        Money
	ReferenceType ReferenceType
	ReferenceID   string
	BalanceAfter  Money
	Description   string
	CreatedAt     time.Time
}

// SellerBalance is the cached projection of a seller's money.
type SellerBalance struct {
	SellerID SellerID
	// Balance is the confirmed withdrawable wallet amount (CREDIT − DEBIT).
	Balance   Money
	Pending   Money // PENDING commissions
	Due       Money // PROCEED commissions not yet paid out
	PaidTotal Money // COMPLETE commissions
	UpdatedAt time.Time
}

// =============================================================================
// INGRESS
// =============================================================================

// ProcessedEvent is the idempotency receipt for an inbound event.
// (EventID, EventType, WorkspaceID) is unique.
type ProcessedEvent struct {
	EventID     string
	EventType   EventKind
	WorkspaceID WorkspaceID
	// AmountCents is the event's sale or charge amount; zero for leads.
	AmountCents Money
	ReceivedAt  time.Time
}

// =============================================================================
// MONEY MOVEMENT
// =============================================================================

type StartupPaymentStatus string

const (
	StartupPaymentPending StartupPaymentStatus = "PENDING"
	StartupPaymentPaid    StartupPaymentStatus = "PAID"
	StartupPaymentFailed  StartupPaymentStatus = "FAILED"
)

// StartupPayment is a merchant funding the commissions it owes.
type StartupPayment struct {
	ID            string
	WorkspaceID   WorkspaceID
	PartnerTotal  Money
	PlatformTotal Money
	Total         Money
	Currency      string
	Status        StartupPaymentStatus
	ExternalRef   string
	FailureReason string
	CommissionIDs []CommissionID
	CreatedAt     time.Time
	PaidAt        *time.Time
}

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutSubmitted PayoutStatus = "SUBMITTED"
	PayoutSettled   PayoutStatus = "SETTLED"
	PayoutFailed    PayoutStatus = "FAILED"
	PayoutCanceled  PayoutStatus = "CANCELED"
)

// InFlight reports whether the payout may still settle.
func (s PayoutStatus) InFlight() bool {
	return s == PayoutPending || s == PayoutSubmitted
}

// Payout is one transfer to one seller covering a batch of PROCEED commissions.
type Payout struct {
	ID            PayoutID
	SellerID      SellerID
	Amount        Money
	Currency      string
	Rail          Rail
	Status        PayoutStatus
	CommissionIDs []CommissionID
	TransferRef   string
	FailureReason string
	CreatedAt     time.Time
	SettledAt     *time.Time
}

type GiftCardStatus string

const (
	GiftCardPending   GiftCardStatus = "PENDING"
	GiftCardDelivered GiftCardStatus = "DELIVERED"
	GiftCardRejected  GiftCardStatus = "REJECTED"
)

// GiftCard is a redemption of wallet balance by a platform-held seller.
type GiftCard struct {
	ID          string
	SellerID    SellerID
	CardType    string
	Amount      Money
	Status      GiftCardStatus
	Code        string
	Reason      string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// =============================================================================
// DIRECTORY (read-only reference data for the core)
// =============================================================================

type Workspace struct {
	ID            WorkspaceID
	Name          string
	Currency      string
	SigningSecret string
}

type Seller struct {
	ID         SellerID
	Name       string
	Email      string
	Rail       Rail
	ReferredBy SellerID
	Active     bool
}

// Mission is a merchant program; Config holds its reward document.
type Mission struct {
	ID          string
	WorkspaceID WorkspaceID
	Name        string
	Version     int
	Config      []byte
}

type EnrollmentStatus string

const (
	EnrollmentApproved EnrollmentStatus = "APPROVED"
	EnrollmentPending  EnrollmentStatus = "PENDING"
	EnrollmentRevoked  EnrollmentStatus = "REVOKED"
)

// Enrollment binds a seller to a mission.
type Enrollment struct {
	ID             string
	WorkspaceID    WorkspaceID
	MissionID      string
	SellerID       SellerID
	OrganizationID string
	Status         EnrollmentStatus
	CreatedAt      time.Time
}

func (e *Enrollment) Active() bool { return e.Status == EnrollmentApproved }

// Click is the attribution reference recorded by the tracking layer.
type Click struct {
	ClickID      string
	WorkspaceID  WorkspaceID
	EnrollmentID string
}

// OrgDeal gives an organization leader a cut of member commissions on a mission.
// LeaderShare is a reward string ("20%" of the member net, or a flat "5.00").
type OrgDeal struct {
	OrganizationID string
	MissionID      string
	LeaderSellerID SellerID
	LeaderShare    string
}
