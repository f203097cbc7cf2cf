package reconcile

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/warp/commission-engine/ledger"
)

const (
	summarySheet  = "Summary"
	balancesSheet = "Balances"
	payoutsSheet  = "Payouts"
	giftSheet     = "Gift cards"
)

// ExportTreasury writes a treasury workbook: the reconciliation report, the
// cached balance of every platform-held seller, settled payouts and
// delivered gift cards. Amounts are minor units.
func (r *Reporter) ExportTreasury(ctx context.Context, w io.Writer, opts Options) (Report, error) {
	rep, err := r.Reconcile(ctx, opts)
	if err != nil {
		return Report{}, err
	}
	sellers, err := r.store.ListSellers(ctx, ledger.RailPlatform)
	if err != nil {
		return Report{}, err
	}
	balances, err := r.store.ListBalances(ctx, ledger.RailPlatform)
	if err != nil {
		return Report{}, err
	}
	payouts, err := r.store.ListPayouts(ctx, "", ledger.PayoutSettled, 0)
	if err != nil {
		return Report{}, err
	}
	cards, err := r.store.ListGiftCards(ctx, "", ledger.GiftCardDelivered)
	if err != nil {
		return Report{}, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return Report{}, err
	}
	summary := [][]any{
		{"As of", rep.AsOf.Format("2006-01-02 15:04:05 MST")},
		{"Mode", mode(rep.Strict)},
		{"Received from merchants", int64(rep.ReceivedFromMerchants)},
		{"Paid out", int64(rep.PaidOut)},
		{"Expected", int64(rep.Expected)},
		{"Actual", int64(rep.Actual)},
		{"Discrepancy", int64(rep.Discrepancy)},
		{"Tolerance", int64(rep.Tolerance)},
		{"Reconciled", rep.IsReconciled},
		{"Platform fees", int64(rep.PlatformFees)},
		{"Referral funded", int64(rep.ReferralFunded)},
		{"Merchant partner total", int64(rep.MerchantPartnerTotal)},
		{"Merchant platform total", int64(rep.MerchantPlatformTotal)},
		{"Ledger credits", int64(rep.LedgerCredits)},
		{"Ledger debits", int64(rep.LedgerDebits)},
	}
	if err := writeRows(f, summarySheet, []string{"Metric", "Value"}, summary); err != nil {
		return Report{}, err
	}

	names := make(map[ledger.SellerID]string, len(sellers))
	for _, s := range sellers {
		names[s.ID] = s.Name
	}
	rows := make([][]any, 0, len(balances))
	for _, b := range balances {
		rows = append(rows, []any{string(b.SellerID), names[b.SellerID],
			int64(b.Balance), int64(b.Pending), int64(b.Due), int64(b.PaidTotal)})
	}
	if _, err := f.NewSheet(balancesSheet); err != nil {
		return Report{}, err
	}
	if err := writeRows(f, balancesSheet,
		[]string{"Seller", "Name", "Balance", "Pending", "Due", "Paid total"}, rows); err != nil {
		return Report{}, err
	}

	rows = rows[:0]
	for _, p := range payouts {
		settled := ""
		if p.SettledAt != nil {
			settled = p.SettledAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, []any{string(p.ID), string(p.SellerID), string(p.Rail),
			int64(p.Amount), p.Currency, p.TransferRef, settled})
	}
	if _, err := f.NewSheet(payoutsSheet); err != nil {
		return Report{}, err
	}
	if err := writeRows(f, payoutsSheet,
		[]string{"Payout", "Seller", "Rail", "Amount", "Currency", "Transfer ref", "Settled at"}, rows); err != nil {
		return Report{}, err
	}

	rows = rows[:0]
	for _, g := range cards {
		rows = append(rows, []any{g.ID, string(g.SellerID), g.CardType, int64(g.Amount)})
	}
	if _, err := f.NewSheet(giftSheet); err != nil {
		return Report{}, err
	}
	if err := writeRows(f, giftSheet, []string{"Gift card", "Seller", "Type", "Amount"}, rows); err != nil {
		return Report{}, err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return Report{}, fmt.Errorf("write treasury workbook: %w", err)
	}
	return rep, nil
}

func writeRows(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func mode(strict bool) string {
	if strict {
		return "strict (journal replay)"
	}
	return "cached balances"
}
