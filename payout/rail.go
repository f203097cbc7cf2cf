package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/commission-engine/ledger"
)

// TransferRequest asks a rail to move money to a seller.
type TransferRequest struct {
	PayoutID ledger.PayoutID `json:"payout_id"`
	SellerID ledger.SellerID `json:"seller_id"`
	Amount   ledger.Money    `json:"amount"`
	Currency string          `json:"currency"`
	Rail     ledger.Rail     `json:"rail"`
}

type TransferStatus string

const (
	// TransferSettled means the money has moved.
	TransferSettled TransferStatus = "settled"
	// TransferPending means settlement will be confirmed by callback.
	TransferPending TransferStatus = "pending"
)

// Receipt is the rail's answer to a transfer request.
type Receipt struct {
	Ref    string         `json:"transfer_ref"`
	Status TransferStatus `json:"status"`
}

// Rail moves money. An error means the transfer did not happen.
type Rail interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}

// ManualRail records the transfer for an operator to execute (bank transfer)
// and waits for the confirmation callback.
type ManualRail struct{}

func (ManualRail) Transfer(_ context.Context, req TransferRequest) (Receipt, error) {
	return Receipt{Ref: "manual-" + string(req.PayoutID), Status: TransferPending}, nil
}

// HTTPRail posts transfer requests to a settlement service.
type HTTPRail struct {
	URL    string
	Client *http.Client
}

func NewHTTPRail(url string) *HTTPRail {
	return &HTTPRail{URL: url, Client: &http.Client{Timeout: 15 * time.Second}}
}

func (r *HTTPRail) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", string(req.PayoutID))

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("settlement service returned %s", resp.Status)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("decode settlement receipt: %w", err)
	}
	if receipt.Status == "" {
		receipt.Status = TransferPending
	}
	return receipt, nil
}
