/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags, checked in handlers
  before anything reaches the domain. Monetary request fields are strings
  in major units ("100.00") and converted to integer minor units with
  ledger.ParseMajor; response amounts are always integer minor units.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/reconcile"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EventRequest is the merchant webhook payload.
type EventRequest struct {
	EventID        string `json:"event_id" validate:"required,max=128"`
	EventType      string `json:"event_type" validate:"required,oneof=lead sale recurring_charge"`
	ClickID        string `json:"click_id" validate:"required,max=128"`
	SellerID       string `json:"seller_id" validate:"required_if=ClickID direct"`
	OrderID        string `json:"order_id" validate:"max=128"`
	Amount         string `json:"amount" validate:"required_unless=EventType lead"`
	Currency       string `json:"currency" validate:"omitempty,len=3,alpha"`
	SubscriptionID string `json:"subscription_id" validate:"required_if=EventType recurring_charge"`
	Timestamp      string `json:"timestamp" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type RefundRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	Reason  string `json:"reason" validate:"max=256"`
}

type PayoutConfirmRequest struct {
	Status      string `json:"status" validate:"required,oneof=settled failed"`
	TransferRef string `json:"transfer_ref" validate:"required_if=Status settled"`
	Reason      string `json:"reason"`
}

type StartupConfirmRequest struct {
	Status      string `json:"status" validate:"required,oneof=paid failed"`
	ExternalRef string `json:"external_ref"`
	Reason      string `json:"reason"`
}

type GiftCardRequest struct {
	CardType string `json:"card_type" validate:"required"`
	Amount   string `json:"amount" validate:"required"`
}

type GiftCardDecisionRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type ForceMatureRequest struct {
	CommissionIDs []string `json:"commission_ids" validate:"required_without=SellerID"`
	SellerID      string   `json:"seller_id" validate:"required_without=CommissionIDs"`
}

type MaturationRunRequest struct {
	AsOf      string `json:"as_of" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	BatchSize int    `json:"batch_size" validate:"gte=0,lte=10000"`
}

type PayoutRunRequest struct {
	SellerIDs []string `json:"seller_ids"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type CreateStartupPaymentRequest struct {
	WorkspaceID   string   `json:"workspace_id" validate:"required"`
	CommissionIDs []string `json:"commission_ids"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type IngestResponse struct {
	Result        string   `json:"result"`
	EventID       string   `json:"event_id"`
	CommissionIDs []string `json:"commission_ids,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

type BalanceDTO struct {
	SellerID  string       `json:"seller_id"`
	Available ledger.Money `json:"available"`
	Pending   ledger.Money `json:"pending"`
	Due       ledger.Money `json:"due"`
	PaidTotal ledger.Money `json:"paid_total"`
	UpdatedAt string       `json:"updated_at,omitempty"`
}

type CommissionDTO struct {
	ID                   string       `json:"id"`
	SellerID             string       `json:"seller_id"`
	MissionID            string       `json:"mission_id"`
	SaleID               string       `json:"sale_id"`
	EventType            string       `json:"event_type"`
	SaleAmount           ledger.Money `json:"sale_amount"`
	GrossAmount          ledger.Money `json:"gross_amount"`
	PlatformFee          ledger.Money `json:"platform_fee"`
	CommissionAmount     ledger.Money `json:"commission_amount"`
	Currency             string       `json:"currency"`
	Status               string       `json:"status"`
	StartupPaymentStatus string       `json:"startup_payment_status"`
	HoldDays             int          `json:"hold_days"`
	OrgParentID          string       `json:"org_parent_commission_id,omitempty"`
	ReferralGeneration   int          `json:"referral_generation,omitempty"`
	ReferralSourceID     string       `json:"referral_source_commission_id,omitempty"`
	PayoutID             string       `json:"payout_id,omitempty"`
	CreatedAt            string       `json:"created_at"`
	MaturesAt            string       `json:"matures_at"`
	MaturedAt            string       `json:"matured_at,omitempty"`
	PaidAt               string       `json:"paid_at,omitempty"`
	RejectReason         string       `json:"reject_reason,omitempty"`
}

type CommissionPageDTO struct {
	Commissions []CommissionDTO `json:"commissions"`
	// NextBefore is the cursor for the next page; empty on the last page.
	NextBefore string `json:"next_before,omitempty"`
}

type EntryDTO struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Amount        ledger.Money `json:"amount"`
	BalanceAfter  ledger.Money `json:"balance_after"`
	ReferenceType string       `json:"reference_type"`
	ReferenceID   string       `json:"reference_id"`
	Description   string       `json:"description,omitempty"`
	CreatedAt     string       `json:"created_at"`
}

type PayoutDTO struct {
	ID            string       `json:"id"`
	SellerID      string       `json:"seller_id"`
	Amount        ledger.Money `json:"amount"`
	Currency      string       `json:"currency"`
	Method        string       `json:"method"`
	Status        string       `json:"status"`
	CommissionIDs []string     `json:"commission_ids"`
	TransferRef   string       `json:"transfer_ref,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     string       `json:"created_at"`
	SettledAt     string       `json:"settled_at,omitempty"`
}

type PayoutRunDTO struct {
	Payouts []PayoutDTO `json:"payouts"`
	Errors  []string    `json:"errors,omitempty"`
}

type GiftCardDTO struct {
	ID        string       `json:"id"`
	SellerID  string       `json:"seller_id"`
	CardType  string       `json:"card_type"`
	Amount    ledger.Money `json:"amount"`
	Status    string       `json:"status"`
	Code      string       `json:"code,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt string       `json:"created_at"`
}

type StartupPaymentDTO struct {
	ID            string       `json:"id"`
	WorkspaceID   string       `json:"workspace_id"`
	PartnerTotal  ledger.Money `json:"partner_total"`
	PlatformTotal ledger.Money `json:"platform_total"`
	TotalAmount   ledger.Money `json:"total_amount"`
	Currency      string       `json:"currency"`
	Status        string       `json:"status"`
	ExternalRef   string       `json:"external_ref,omitempty"`
	CommissionIDs []string     `json:"commission_ids"`
	CreatedAt     string       `json:"created_at"`
}

type SweepDTO struct {
	Examined int `json:"examined"`
	Matured  int `json:"matured"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type StatusTotalDTO struct {
	Count       int          `json:"count"`
	SaleAmount  ledger.Money `json:"sale_amount"`
	Gross       ledger.Money `json:"gross_amount"`
	PlatformFee ledger.Money `json:"platform_fee"`
	Amount      ledger.Money `json:"commission_amount"`
}

type DriftDTO struct {
	SellerID  string       `json:"seller_id"`
	Clean     bool         `json:"clean"`
	Cached    BalanceDTO   `json:"cached"`
	Replayed  BalanceDTO   `json:"replayed"`
	Balance   ledger.Money `json:"balance_drift"`
	Pending   ledger.Money `json:"pending_drift"`
	Due       ledger.Money `json:"due_drift"`
	PaidTotal ledger.Money `json:"paid_total_drift"`
}

// ReconciliationDTO is the reporter's output as served to the admin UI.
type ReconciliationDTO = reconcile.Report

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toBalanceDTO(b ledger.SellerBalance) BalanceDTO {
	return BalanceDTO{
		SellerID:  string(b.SellerID),
		Available: b.Balance,
		Pending:   b.Pending,
		Due:       b.Due,
		PaidTotal: b.PaidTotal,
		UpdatedAt: formatTime(b.UpdatedAt),
	}
}

func toCommissionDTO(c ledger.Commission) CommissionDTO {
	return CommissionDTO{
		ID:                   string(c.ID),
		SellerID:             string(c.SellerID),
		MissionID:            c.MissionID,
		SaleID:               c.SaleID,
		EventType:            string(c.EventKind),
		SaleAmount:           c.SaleAmount,
		GrossAmount:          c.GrossAmount,
		PlatformFee:          c.PlatformFee,
		CommissionAmount:     c.CommissionAmount,
		Currency:             c.Currency,
		Status:               string(c.Status),
		StartupPaymentStatus: string(c.StartupPaymentStatus),
		HoldDays:             c.HoldDays,
		OrgParentID:          string(c.OrgParentCommissionID),
		ReferralGeneration:   c.ReferralGeneration,
		ReferralSourceID:     string(c.ReferralSourceCommissionID),
		PayoutID:             string(c.PayoutID),
		CreatedAt:            formatTime(c.CreatedAt),
		MaturesAt:            formatTime(c.MaturesAt),
		MaturedAt:            formatTimePtr(c.MaturedAt),
		PaidAt:               formatTimePtr(c.PaidAt),
		RejectReason:         c.RejectReason,
	}
}

func toEntryDTO(e ledger.WalletEntry) EntryDTO {
	return EntryDTO{
		ID:            e.ID,
		Type:          string(e.Type),
		Amount:        e.Amount,
		BalanceAfter:  e.BalanceAfter,
		ReferenceType: string(e.ReferenceType),
		ReferenceID:   e.ReferenceID,
		Description:   e.Description,
		CreatedAt:     formatTime(e.CreatedAt),
	}
}

func toPayoutDTO(p ledger.Payout) PayoutDTO {
	return PayoutDTO{
		ID:            string(p.ID),
		SellerID:      string(p.SellerID),
		Amount:        p.Amount,
		Currency:      p.Currency,
		Method:        string(p.Rail),
		Status:        string(p.Status),
		CommissionIDs: idStrings(p.CommissionIDs),
		TransferRef:   p.TransferRef,
		FailureReason: p.FailureReason,
		CreatedAt:     formatTime(p.CreatedAt),
		SettledAt:     formatTimePtr(p.SettledAt),
	}
}

func toGiftCardDTO(g ledger.GiftCard) GiftCardDTO {
	return GiftCardDTO{
		ID:        g.ID,
		SellerID:  string(g.SellerID),
		CardType:  g.CardType,
		Amount:    g.Amount,
		Status:    string(g.Status),
		Code:      g.Code,
		Reason:    g.Reason,
		CreatedAt: formatTime(g.CreatedAt),
	}
}

func toStartupPaymentDTO(p ledger.StartupPayment) StartupPaymentDTO {
	return StartupPaymentDTO{
		ID:            p.ID,
		WorkspaceID:   string(p.WorkspaceID),
		PartnerTotal:  p.PartnerTotal,
		PlatformTotal: p.PlatformTotal,
		TotalAmount:   p.Total,
		Currency:      p.Currency,
		Status:        string(p.Status),
		ExternalRef:   p.ExternalRef,
		CommissionIDs: idStrings(p.CommissionIDs),
		CreatedAt:     formatTime(p.CreatedAt),
	}
}

func toSweepDTO(r commission.SweepResult) SweepDTO {
	return SweepDTO{Examined: r.Examined, Matured: r.Matured, Skipped: r.Skipped, Failed: r.Failed}
}

func toDriftDTO(d ledger.Drift) DriftDTO {
	return DriftDTO{
		SellerID:  string(d.SellerID),
		Clean:     d.Clean(),
		Cached:    toBalanceDTO(d.Cached),
		Replayed:  toBalanceDTO(d.Replayed),
		Balance:   d.Balance,
		Pending:   d.Pending,
		Due:       d.Due,
		PaidTotal: d.PaidTotal,
	}
}

func idStrings(ids []ledger.CommissionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func commissionIDs(ids []string) []ledger.CommissionID {
	out := make([]ledger.CommissionID, len(ids))
	for i, id := range ids {
		out[i] = ledger.CommissionID(id)
	}
	return out
}
