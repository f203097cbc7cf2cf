/*
calculator.go - Commission amounts for one attributed event

PURPOSE:
  Turns (event, enrollment, mission reward policy, organization deal,
  referral chain) into the commission records the event earns. Pure: no
  storage access; all lookups are resolved by the caller.

AMOUNT RULES:
  gross        = mission reward applied to the event amount
  platform_fee = gross × platform fee rate (half-up)
  leader share = organization deal applied to (gross − platform_fee), capped
  commission   = gross − platform_fee − leader share

  So gross = platform_fee + commission + leader share, with no residue.

REFERRALS:
  Generation g of the seller's referral chain earns gross × rate[g]. These
  are funded from the platform fee: their sum never exceeds it.

EXAMPLE (15% fee, 100% sale reward, 100.00 sale):
  gross 10000, fee 1500, commission 8500

SEE ALSO:
  - reward.go: Reward rules
  - ingress.go: Resolves the inputs and persists the outcome
*/
package commission

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/ledger"
)

// Policy holds the platform-wide commission parameters.
type Policy struct {
	PlatformFee      ledger.BasisPoints
	DefaultHoldDays  int
	ReferralRates    []ledger.BasisPoints
	MaxReferralDepth int
}

// DefaultPolicy is a 15% platform fee, 30 day hold and a 5/3/2% referral chain.
func DefaultPolicy() Policy {
	return Policy{
		PlatformFee:      1500,
		DefaultHoldDays:  30,
		ReferralRates:    []ledger.BasisPoints{500, 300, 200},
		MaxReferralDepth: 3,
	}
}

func (p Policy) Validate() error {
	if !p.PlatformFee.Valid() {
		return fmt.Errorf("%w: platform fee %d bps out of range", ledger.ErrInvalidConfig, p.PlatformFee)
	}
	if p.DefaultHoldDays < 0 {
		return fmt.Errorf("%w: negative hold days", ledger.ErrInvalidConfig)
	}
	if p.MaxReferralDepth < 0 || p.MaxReferralDepth > len(p.ReferralRates) {
		return fmt.Errorf("%w: referral depth %d without a rate per generation",
			ledger.ErrInvalidConfig, p.MaxReferralDepth)
	}
	var sum ledger.BasisPoints
	for _, r := range p.ReferralRates[:p.MaxReferralDepth] {
		if !r.Valid() {
			return fmt.Errorf("%w: referral rate %d bps out of range", ledger.ErrInvalidConfig, r)
		}
		sum += r
	}
	if sum > p.PlatformFee {
		return fmt.Errorf("%w: referral rates (%d bps) exceed the platform fee (%d bps)",
			ledger.ErrInvalidConfig, sum, p.PlatformFee)
	}
	return nil
}

// Input is everything the calculator needs for one event.
type Input struct {
	Event      Event
	Enrollment ledger.Enrollment
	Mission    MissionConfig
	OrgDeal    *ledger.OrgDeal
	// Referrers is the seller's referral chain, generation 1 first.
	Referrers []ledger.SellerID
	// SubscriptionStart is set for recurring charges of a known subscription.
	SubscriptionStart *time.Time
	Now               time.Time
}

// Outcome lists the commissions an event earns. Primary is nil when the
// event earns nothing; SkipReason then says why.
type Outcome struct {
	Primary    *ledger.Commission
	Derived    []ledger.Commission
	SkipReason string
}

// Commissions returns the primary commission followed by derived ones.
func (o Outcome) Commissions() []ledger.Commission {
	if o.Primary == nil {
		return nil
	}
	return append([]ledger.Commission{*o.Primary}, o.Derived...)
}

type Calculator struct {
	policy Policy
}

func NewCalculator(policy Policy) *Calculator {
	return &Calculator{policy: policy}
}

func (c *Calculator) Policy() Policy { return c.policy }

// Calculate computes the commissions for in. A configuration problem returns
// an error; an event that simply earns nothing returns an empty Outcome.
func (c *Calculator) Calculate(in Input) (Outcome, error) {
	ev := in.Event
	reward, ok := in.Mission.RewardFor(ev.Kind)
	if !ok {
		return Outcome{SkipReason: fmt.Sprintf("%s rewards disabled for mission %s", ev.Kind, in.Mission.MissionID)}, nil
	}
	if ev.Kind == ledger.EventRecurringCharge && recurringExpired(in) {
		return Outcome{SkipReason: fmt.Sprintf("recurring duration of %d months elapsed for subscription %s",
			in.Mission.Recurring.DurationMonths, ev.SubscriptionID)}, nil
	}

	if err := in.Mission.checkCurrency(reward, ev.Currency); err != nil {
		return Outcome{}, err
	}

	gross := reward.Apply(ev.Amount)
	if gross <= 0 {
		return Outcome{SkipReason: "reward is zero"}, nil
	}
	fee := gross.MulBps(c.policy.PlatformFee)
	net := gross - fee

	var leaderShare ledger.Money
	deal := in.OrgDeal
	if deal != nil && deal.LeaderSellerID == in.Enrollment.SellerID {
		deal = nil
	}
	if deal != nil {
		share, err := ParseReward(deal.LeaderShare, in.Mission.currencyOr(ev.Currency))
		if err != nil {
			return Outcome{}, fmt.Errorf("organization %s leader share: %w", deal.OrganizationID, err)
		}
		if err := in.Mission.checkCurrency(share, ev.Currency); err != nil {
			return Outcome{}, err
		}
		leaderShare = share.Apply(net).Min(net)
	}

	holdDays := c.policy.DefaultHoldDays
	if in.Mission.HoldDays != nil {
		holdDays = *in.Mission.HoldDays
	}
	now := in.Now.UTC()
	matures := now.AddDate(0, 0, holdDays)
	saleRef := ev.SaleRef()

	primary := &ledger.Commission{
		ID:                   ledger.CommissionID(uuid.NewString()),
		WorkspaceID:          ev.WorkspaceID,
		SellerID:             in.Enrollment.SellerID,
		MissionID:            in.Enrollment.MissionID,
		EnrollmentID:         in.Enrollment.ID,
		SaleID:               saleRef,
		EventID:              ev.ID,
		EventKind:            ev.Kind,
		SubscriptionID:       ev.SubscriptionID,
		SaleAmount:           ev.Amount,
		GrossAmount:          gross,
		PlatformFee:          fee,
		CommissionAmount:     net - leaderShare,
		Currency:             ev.Currency,
		RateSnapshot:         reward.String(),
		HoldDays:             holdDays,
		Status:               ledger.StatusPending,
		StartupPaymentStatus: ledger.PaymentUnpaid,
		OrganizationID:       in.Enrollment.OrganizationID,
		OccurredAt:           ev.OccurredAt.UTC(),
		CreatedAt:            now,
		MaturesAt:            matures,
	}
	out := Outcome{Primary: primary}

	derived := func(seller ledger.SellerID, saleID string, amount ledger.Money, rate string) ledger.Commission {
		d := *primary
		d.ID = ledger.CommissionID(uuid.NewString())
		d.SellerID = seller
		d.SaleID = saleID
		d.SaleAmount = 0
		d.GrossAmount = 0
		d.PlatformFee = 0
		d.CommissionAmount = amount
		d.RateSnapshot = rate
		d.EnrollmentID = ""
		return d
	}

	if leaderShare > 0 {
		leader := derived(deal.LeaderSellerID,
			fmt.Sprintf("%s:leader:%s", saleRef, deal.OrganizationID), leaderShare, deal.LeaderShare)
		leader.OrgParentCommissionID = primary.ID
		out.Derived = append(out.Derived, leader)
	}

	depth := c.policy.MaxReferralDepth
	if len(in.Referrers) > depth {
		return Outcome{}, fmt.Errorf("%w: chain of %d for seller %s, limit %d",
			ledger.ErrDepthExceeded, len(in.Referrers), in.Enrollment.SellerID, depth)
	}
	var funded ledger.Money
	for i, referrer := range in.Referrers {
		rate := c.policy.ReferralRates[i]
		amount := gross.MulBps(rate)
		if funded+amount > fee {
			amount = fee - funded
		}
		if amount <= 0 {
			break
		}
		funded += amount
		gen := i + 1
		ref := derived(referrer, fmt.Sprintf("%s:ref:gen%d:%s", saleRef, gen, referrer), amount, rate.Percent())
		ref.ReferralGeneration = gen
		ref.ReferralSourceCommissionID = primary.ID
		ref.OrganizationID = ""
		out.Derived = append(out.Derived, ref)
	}
	return out, nil
}

func recurringExpired(in Input) bool {
	rec := in.Mission.Recurring
	if rec == nil || rec.DurationMonths <= 0 || in.SubscriptionStart == nil {
		return false
	}
	end := in.SubscriptionStart.AddDate(0, rec.DurationMonths, 0)
	return !in.Event.OccurredAt.Before(end)
}
