package commission

import (
	"time"

	"github.com/warp/commission-engine/ledger"
)

// DirectAttribution is the click reference for conversions attributed to a
// seller without a tracked click. The event must then name the seller.
const DirectAttribution = "direct"

// Event is an inbound conversion. Kind selects which fields are meaningful:
//
//	lead:             ClickID
//	sale:             ClickID, Amount, Currency, ExternalID (order reference)
//	recurring_charge: ClickID, Amount, Currency, SubscriptionID
type Event struct {
	ID          string
	Kind        ledger.EventKind
	WorkspaceID ledger.WorkspaceID
	ClickID     string
	SellerID    ledger.SellerID
	// ExternalID is the merchant's reference for the sale; defaults to ID.
	ExternalID     string
	Amount         ledger.Money
	Currency       string
	SubscriptionID string
	OccurredAt     time.Time
}

// Validate checks the event shape. It never touches storage.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return &ledger.ValidationError{Field: "event_id", Reason: "is required"}
	case !e.Kind.Valid():
		return &ledger.ValidationError{Field: "event_type", Reason: "must be lead, sale or recurring_charge"}
	case e.WorkspaceID == "":
		return &ledger.ValidationError{Field: "workspace_id", Reason: "is required"}
	case e.ClickID == "":
		return &ledger.ValidationError{Field: "click_id", Reason: "is required"}
	case e.ClickID == DirectAttribution && e.SellerID == "":
		return &ledger.ValidationError{Field: "seller_id", Reason: "is required for direct attribution"}
	case e.Amount < 0:
		return &ledger.ValidationError{Field: "amount", Reason: "must not be negative"}
	case e.Kind != ledger.EventLead && e.Amount == 0:
		return &ledger.ValidationError{Field: "amount", Reason: "must be positive for " + string(e.Kind)}
	}
	if e.Kind != ledger.EventLead && len(e.Currency) != 3 {
		return &ledger.ValidationError{Field: "currency", Reason: "must be an ISO 4217 code"}
	}
	if e.Kind == ledger.EventRecurringCharge && e.SubscriptionID == "" {
		return &ledger.ValidationError{Field: "subscription_id", Reason: "is required for recurring charges"}
	}
	return nil
}

// SaleRef is the per-workspace unique reference of the primary commission.
// Sales keep the merchant's order reference so refunds can find them.
func (e Event) SaleRef() string {
	ref := e.ExternalID
	if ref == "" {
		ref = e.ID
	}
	switch e.Kind {
	case ledger.EventLead:
		return "lead:" + ref
	case ledger.EventRecurringCharge:
		return "recurring:" + e.SubscriptionID + ":" + ref
	default:
		return ref
	}
}
