package commission

import (
	"fmt"
	"strings"

	"github.com/warp/commission-engine/ledger"
)

// RewardKind distinguishes fixed amounts from rates.
type RewardKind string

const (
	RewardFlat       RewardKind = "flat"
	RewardPercentage RewardKind = "percentage"
)

// Reward is an immutable reward rule: a flat amount or a percentage of a base.
type Reward struct {
	Kind RewardKind
	Flat ledger.Money
	Rate ledger.BasisPoints
}

func FlatReward(amount ledger.Money) Reward {
	return Reward{Kind: RewardFlat, Flat: amount}
}

func PercentReward(rate ledger.BasisPoints) Reward {
	return Reward{Kind: RewardPercentage, Rate: rate}
}

// Apply returns the reward earned on base, rounded half-up to the minor unit.
func (r Reward) Apply(base ledger.Money) ledger.Money {
	switch r.Kind {
	case RewardFlat:
		return r.Flat
	case RewardPercentage:
		return base.MulBps(r.Rate)
	default:
		return 0
	}
}

// String renders the rule for the commission's rate snapshot ("10%", "500").
func (r Reward) String() string {
	if r.Kind == RewardPercentage {
		return r.Rate.Percent()
	}
	return fmt.Sprintf("%d", r.Flat)
}

// currencyMarks are stripped from flat reward strings ("5€", "$5", "5 EUR").
var currencyMarks = []string{"€", "$", "£", "EUR", "USD", "GBP", "eur", "usd", "gbp"}

// ParseReward reads "10%" as a percentage and anything else ("5€", "12.50")
// as a flat amount in major units of currency.
func ParseReward(s, currency string) (Reward, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Reward{}, fmt.Errorf("%w: empty reward", ledger.ErrInvalidConfig)
	}
	if strings.HasSuffix(raw, "%") {
		rate, err := ledger.ParsePercent(raw)
		if err != nil {
			return Reward{}, fmt.Errorf("%w: %v", ledger.ErrInvalidConfig, err)
		}
		return PercentReward(rate), nil
	}
	for _, mark := range currencyMarks {
		raw = strings.ReplaceAll(raw, mark, "")
	}
	amount, err := ledger.ParseMajor(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), currency)
	if err != nil {
		return Reward{}, fmt.Errorf("%w: reward %q: %v", ledger.ErrInvalidConfig, s, err)
	}
	return FlatReward(amount), nil
}

// RecurringReward pays on subscription renewals for a limited number of months.
type RecurringReward struct {
	Reward Reward
	// DurationMonths of 0 pays for the subscription's lifetime.
	DurationMonths int
}

// MissionConfig is the parsed reward policy of a mission. A nil reward
// means the event kind is disabled.
type MissionConfig struct {
	MissionID string
	Version   int
	// Currency denominates flat rewards and flat leader shares. Empty
	// accepts any event currency.
	Currency string
	// HoldDays nil means the platform default.
	HoldDays  *int
	Lead      *Reward
	Sale      *Reward
	Recurring *RecurringReward
}

// RewardFor returns the reward rule for an event kind.
func (m MissionConfig) RewardFor(kind ledger.EventKind) (Reward, bool) {
	switch kind {
	case ledger.EventLead:
		if m.Lead != nil {
			return *m.Lead, true
		}
	case ledger.EventSale:
		if m.Sale != nil {
			return *m.Sale, true
		}
	case ledger.EventRecurringCharge:
		if m.Recurring != nil {
			return m.Recurring.Reward, true
		}
	}
	return Reward{}, false
}

func (m MissionConfig) currencyOr(fallback string) string {
	if m.Currency == "" {
		return fallback
	}
	return m.Currency
}

// checkCurrency refuses to pay a flat amount in a currency other than the
// one it was configured in. Percentages apply to any currency.
func (m MissionConfig) checkCurrency(r Reward, eventCurrency string) error {
	if r.Kind != RewardFlat || m.Currency == "" || strings.EqualFold(m.Currency, eventCurrency) {
		return nil
	}
	return &ledger.ValidationError{
		Field:  "currency",
		Reason: fmt.Sprintf("%s does not match the %s flat reward of mission %s", eventCurrency, m.Currency, m.MissionID),
	}
}
