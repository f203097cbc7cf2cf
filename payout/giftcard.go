package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
)

// GiftCardMinimums is the smallest redeemable amount per card type, in minor units.
var GiftCardMinimums = map[string]ledger.Money{
	"amazon":      1000,
	"itunes":      1500,
	"steam":       2000,
	"paypal_gift": 1000,
	"fnac":        1000,
	"google_play": 1000,
	"netflix":     1500,
	"spotify":     1000,
}

// CardTypes lists the supported card types in a stable order.
func CardTypes() []string {
	types := make([]string, 0, len(GiftCardMinimums))
	for t := range GiftCardMinimums {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// GiftCards redeems platform-held wallet balance. A request reserves funds
// without touching the ledger; delivery writes the DEBIT. Money claimed by
// an in-flight payout is never redeemable.
type GiftCards struct {
	store   ledger.Store
	machine *commission.Machine
	logger  *slog.Logger
}

func NewGiftCards(store ledger.Store, machine *commission.Machine, logger *slog.Logger) *GiftCards {
	if logger == nil {
		logger = slog.Default()
	}
	return &GiftCards{store: store, machine: machine, logger: logger.With("component", "gift_cards")}
}

func (g *GiftCards) Request(ctx context.Context, sellerID ledger.SellerID, cardType string, amount ledger.Money) (*ledger.GiftCard, error) {
	cardType = strings.ToLower(strings.TrimSpace(cardType))
	minimum, ok := GiftCardMinimums[cardType]
	if !ok {
		return nil, &ledger.ValidationError{Field: "card_type", Reason: fmt.Sprintf("unsupported card type %q", cardType)}
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: gift card amount %d", ledger.ErrInvalidAmount, amount)
	}
	if amount < minimum {
		return nil, fmt.Errorf("%w: %s requires at least %d, got %d", ledger.ErrBelowMinimum, cardType, minimum, amount)
	}

	card := &ledger.GiftCard{
		ID:        uuid.NewString(),
		SellerID:  sellerID,
		CardType:  cardType,
		Amount:    amount,
		Status:    ledger.GiftCardPending,
		CreatedAt: g.machine.Now(),
	}
	err := g.store.WithTx(ctx, func(tx ledger.Tx) error {
		seller, err := tx.GetSeller(ctx, sellerID)
		if err != nil {
			if ledger.IsNotFound(err) {
				return fmt.Errorf("%w: %s", ledger.ErrUnknownSeller, sellerID)
			}
			return err
		}
		if seller.Rail != ledger.RailPlatform {
			return fmt.Errorf("%w: seller %s is paid via %s", ledger.ErrWrongRail, sellerID, seller.Rail)
		}
		if err := ensureFree(ctx, tx, g.machine.Wallet(), sellerID, amount, 0); err != nil {
			return err
		}
		return tx.InsertGiftCard(ctx, card)
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("gift card requested", "gift_card_id", card.ID, "seller_id", sellerID, "card_type", cardType, "amount", amount)
	return card, nil
}

// Deliver debits the wallet and marks the card DELIVERED. Delivering a
// delivered card returns it unchanged.
func (g *GiftCards) Deliver(ctx context.Context, id, code string) (*ledger.GiftCard, error) {
	var out *ledger.GiftCard
	err := g.store.WithTx(ctx, func(tx ledger.Tx) error {
		card, err := tx.GetGiftCard(ctx, id)
		if err != nil {
			return err
		}
		switch card.Status {
		case ledger.GiftCardDelivered:
			out = card
			return nil
		case ledger.GiftCardRejected:
			return fmt.Errorf("%w: gift card %s was rejected", ledger.ErrNotPending, id)
		}

		if err := ensureFree(ctx, tx, g.machine.Wallet(), card.SellerID, card.Amount, card.Amount); err != nil {
			return err
		}
		if _, err := g.machine.Wallet().Debit(ctx, tx, card.SellerID, card.Amount,
			ledger.Reference{Type: ledger.RefGiftCard, ID: card.ID},
			fmt.Sprintf("%s gift card", card.CardType)); err != nil {
			return err
		}
		moved, err := tx.UpdateGiftCard(ctx, id, ledger.GiftCardDelivered, code, "", g.machine.Now())
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: gift card %s", ledger.ErrNotPending, id)
		}
		out, err = tx.GetGiftCard(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("gift card delivered", "gift_card_id", id, "seller_id", out.SellerID, "amount", out.Amount)
	return out, nil
}

// Reject releases the reservation. No ledger effect.
func (g *GiftCards) Reject(ctx context.Context, id, reason string) (*ledger.GiftCard, error) {
	var out *ledger.GiftCard
	err := g.store.WithTx(ctx, func(tx ledger.Tx) error {
		card, err := tx.GetGiftCard(ctx, id)
		if err != nil {
			return err
		}
		switch card.Status {
		case ledger.GiftCardRejected:
			out = card
			return nil
		case ledger.GiftCardDelivered:
			return fmt.Errorf("%w: gift card %s was delivered", ledger.ErrNotPending, id)
		}
		if _, err := tx.UpdateGiftCard(ctx, id, ledger.GiftCardRejected, "", reason, g.machine.Now()); err != nil {
			return err
		}
		out, err = tx.GetGiftCard(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("gift card rejected", "gift_card_id", id, "reason", reason)
	return out, nil
}

func (g *GiftCards) List(ctx context.Context, sellerID ledger.SellerID, status ledger.GiftCardStatus) ([]ledger.GiftCard, error) {
	return g.store.ListGiftCards(ctx, sellerID, status)
}
