/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission and wallet ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Webhooks (signed, rate-limited):
    POST /api/webhooks/{workspaceID}/events      Ingest a conversion event
    POST /api/webhooks/{workspaceID}/refunds     Refund a sale (cascade)
    POST /api/webhooks/payouts/{id}/confirm      Payout rail callback
    POST /api/webhooks/startup-payments/{id}/confirm  Merchant payment callback

  Sellers:
    GET  /api/sellers/{id}/balance               {available, pending, due, paid_total}
    GET  /api/sellers/{id}/commissions           History, newest first (?limit&before)
    GET  /api/sellers/{id}/ledger                Wallet entries
    POST /api/sellers/{id}/gift-cards            Request a gift card

  Admin:
    POST /api/admin/maturation/run               Maturation sweep
    POST /api/admin/commissions/force-mature     Bypass hold (not in production)
    GET  /api/admin/commissions/summary          Totals per status
    POST /api/admin/payouts/run                  Select and execute payouts
    GET  /api/admin/payouts                      List payouts
    POST /api/admin/payouts/{id}/cancel          Abort before confirmation
    POST /api/admin/gift-cards/{id}/deliver      Debit and deliver
    POST /api/admin/gift-cards/{id}/reject       Release the reservation
    POST /api/admin/startup-payments             Record a merchant payment
    GET  /api/admin/reconciliation               Reconciliation report (?strict&as_of)
    GET  /api/admin/reconciliation/export        Treasury workbook (xlsx)
    GET  /api/admin/sellers/{id}/balance/verify  Drift between cache and replay
    POST /api/admin/sellers/{id}/balance/rebuild Overwrite cache from replay

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the ledger
  error helpers:
  - 400: Malformed JSON or query parameters
  - 404: Resource not found
  - 409: Integrity violation (insufficient funds, stale state)
  - 422: Client error (validation, unknown workspace, wrong rail)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Signature verification, rate limiting
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/payout"
	"github.com/warp/commission-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the components the handlers delegate to.
type Deps struct {
	Store     ledger.Store
	Ingestor  *commission.Ingestor
	Machine   *commission.Machine
	Payouts   *payout.Orchestrator
	GiftCards *payout.GiftCards
	Startup   *payout.StartupPayments
	Reporter  *reconcile.Reporter
	Scenarios *ScenarioLoader
	Logger    *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store     ledger.Store
	ingestor  *commission.Ingestor
	machine   *commission.Machine
	payouts   *payout.Orchestrator
	giftCards *payout.GiftCards
	startup   *payout.StartupPayments
	reporter  *reconcile.Reporter
	scenarios *ScenarioLoader
	logger    *slog.Logger
	validate  *validator.Validate
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     d.Store,
		ingestor:  d.Ingestor,
		machine:   d.Machine,
		payouts:   d.Payouts,
		giftCards: d.GiftCards,
		startup:   d.Startup,
		reporter:  d.Reporter,
		scenarios: d.Scenarios,
		logger:    logger.With("component", "api"),
		validate:  validator.New(),
	}
}

// =============================================================================
// WEBHOOKS
// =============================================================================

// IngestEvent records a merchant conversion event.
// 202 accepted, 200 duplicate, 422 rejected.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	wsID := ledger.WorkspaceID(chi.URLParam(r, "workspaceID"))

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, IngestResponse{
			Result: string(commission.Rejected), EventID: req.EventID, Reason: err.Error(),
		})
		return
	}

	ev, err := h.toEvent(r.Context(), wsID, req)
	if err != nil {
		if ledger.IsClientError(err) {
			writeJSON(w, http.StatusUnprocessableEntity, IngestResponse{
				Result: string(commission.Rejected), EventID: req.EventID, Reason: err.Error(),
			})
			return
		}
		h.fail(w, "Failed to read event", err)
		return
	}

	out, err := h.ingestor.Ingest(r.Context(), ev)
	switch {
	case out.Result == commission.Accepted:
		writeJSON(w, http.StatusAccepted, toIngestResponse(out))
	case out.Result == commission.Duplicate:
		writeJSON(w, http.StatusOK, toIngestResponse(out))
	case out.Result == commission.Rejected:
		writeJSON(w, http.StatusUnprocessableEntity, toIngestResponse(out))
	default:
		h.fail(w, "Failed to ingest event", err)
	}
}

func (h *Handler) toEvent(ctx context.Context, wsID ledger.WorkspaceID, req EventRequest) (commission.Event, error) {
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		ws, err := h.store.GetWorkspace(ctx, wsID)
		if err != nil {
			if ledger.IsNotFound(err) {
				return commission.Event{}, fmt.Errorf("%w: %s", ledger.ErrUnknownWorkspace, wsID)
			}
			return commission.Event{}, err
		}
		currency = ws.Currency
	}

	var amount ledger.Money
	if req.Amount != "" {
		var err error
		if amount, err = ledger.ParseMajor(req.Amount, currency); err != nil {
			return commission.Event{}, &ledger.ValidationError{Field: "amount", Reason: err.Error()}
		}
	}
	var occurred time.Time
	if req.Timestamp != "" {
		var err error
		if occurred, err = time.Parse(time.RFC3339, req.Timestamp); err != nil {
			return commission.Event{}, &ledger.ValidationError{Field: "timestamp", Reason: "must be RFC 3339"}
		}
	}
	return commission.Event{
		ID:             req.EventID,
		Kind:           ledger.EventKind(req.EventType),
		WorkspaceID:    wsID,
		ClickID:        req.ClickID,
		SellerID:       ledger.SellerID(req.SellerID),
		ExternalID:     req.OrderID,
		Amount:         amount,
		Currency:       currency,
		SubscriptionID: req.SubscriptionID,
		OccurredAt:     occurred,
	}, nil
}

func toIngestResponse(out commission.IngestOutcome) IngestResponse {
	return IngestResponse{
		Result:        string(out.Result),
		EventID:       out.EventID,
		CommissionIDs: idStrings(out.CommissionIDs),
		Reason:        out.Reason,
	}
}

// Refund rejects the sale's commission and everything derived from it.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	wsID := ledger.WorkspaceID(chi.URLParam(r, "workspaceID"))
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.machine.Refund(r.Context(), wsID, req.OrderID, req.Reason)
	if err != nil {
		h.fail(w, "Failed to refund sale", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": idStrings(res.Rejected)})
}

// ConfirmPayout consumes the payout rail's settlement callback.
func (h *Handler) ConfirmPayout(w http.ResponseWriter, r *http.Request) {
	id := ledger.PayoutID(chi.URLParam(r, "payoutID"))
	var req PayoutConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.payouts.Confirm(r.Context(), id, req.Status == "settled", req.TransferRef, req.Reason)
	if err != nil {
		h.fail(w, "Failed to confirm payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*p))
}

// ConfirmStartupPayment records that a merchant payment cleared (or bounced).
func (h *Handler) ConfirmStartupPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "paymentID")
	var req StartupConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	var (
		p   *ledger.StartupPayment
		err error
	)
	switch req.Status {
	case "paid":
		p, err = h.startup.Confirm(r.Context(), id, req.ExternalRef)
	case "failed":
		p, err = h.startup.Fail(r.Context(), id, req.Reason)
	}
	if err != nil {
		h.fail(w, "Failed to confirm startup payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toStartupPaymentDTO(*p))
}

// =============================================================================
// SELLER READS
// =============================================================================

// GetBalance returns the cached balance projection.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}
	b, err := h.store.GetBalance(r.Context(), seller.ID)
	if err != nil {
		h.fail(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// ListCommissions pages through a seller's commissions by created_at desc.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 50, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	f := ledger.CommissionFilter{SellerID: seller.ID, Limit: limit}
	if before := r.URL.Query().Get("before"); before != "" {
		if f.Before, err = time.Parse(time.RFC3339Nano, before); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid before cursor", err)
			return
		}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Statuses = []ledger.Status{ledger.Status(strings.ToUpper(status))}
	}

	list, err := h.store.ListCommissions(r.Context(), f)
	if err != nil {
		h.fail(w, "Failed to list commissions", err)
		return
	}
	page := CommissionPageDTO{Commissions: make([]CommissionDTO, len(list))}
	for i, c := range list {
		page.Commissions[i] = toCommissionDTO(c)
	}
	if len(list) == limit {
		page.NextBefore = list[len(list)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, page)
}

// GetLedger returns the seller's wallet entries, newest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	entries, err := h.store.ListEntries(r.Context(), seller.ID, limit)
	if err != nil {
		h.fail(w, "Failed to list ledger entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RequestGiftCard reserves wallet balance for a gift card.
func (h *Handler) RequestGiftCard(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}
	var req GiftCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseMajor(req.Amount, "")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid amount", err)
		return
	}
	card, err := h.giftCards.Request(r.Context(), seller.ID, req.CardType, amount)
	if err != nil {
		h.fail(w, "Failed to request gift card", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGiftCardDTO(*card))
}

// =============================================================================
// ADMIN
// =============================================================================

// RunMaturation runs the maturation sweep now (or as of a given instant).
func (h *Handler) RunMaturation(w http.ResponseWriter, r *http.Request) {
	var req MaturationRunRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	asOf := h.machine.Now()
	if req.AsOf != "" {
		asOf, _ = time.Parse(time.RFC3339, req.AsOf)
	}
	res, err := h.machine.MatureDue(r.Context(), asOf, req.BatchSize)
	if err != nil {
		h.logger.Error("maturation sweep finished with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, toSweepDTO(res))
}

// ForceMature bypasses the hold period. Forbidden in production.
func (h *Handler) ForceMature(w http.ResponseWriter, r *http.Request) {
	var req ForceMatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.machine.ForceMature(r.Context(), commissionIDs(req.CommissionIDs), ledger.SellerID(req.SellerID))
	if err != nil && res.Examined == 0 {
		h.fail(w, "Failed to force maturation", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepDTO(res))
}

// CommissionSummary totals commissions per status.
func (h *Handler) CommissionSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	totals, err := h.machine.Summary(r.Context(), ledger.CommissionFilter{
		WorkspaceID: ledger.WorkspaceID(q.Get("workspace_id")),
		SellerID:    ledger.SellerID(q.Get("seller_id")),
	})
	if err != nil {
		h.fail(w, "Failed to summarize commissions", err)
		return
	}
	out := make(map[string]StatusTotalDTO, len(totals))
	for status, t := range totals {
		out[string(status)] = StatusTotalDTO{
			Count: t.Count, SaleAmount: t.SaleAmount, Gross: t.Gross, PlatformFee: t.PlatformFee, Amount: t.Amount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// RunPayouts pays every seller (or the listed sellers) above the minimum.
func (h *Handler) RunPayouts(w http.ResponseWriter, r *http.Request) {
	var req PayoutRunRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	sellers := make([]ledger.SellerID, len(req.SellerIDs))
	for i, s := range req.SellerIDs {
		sellers[i] = ledger.SellerID(s)
	}
	res, err := h.payouts.Run(r.Context(), sellers)
	if err != nil && len(res.Payouts) == 0 && len(res.Errors) == 0 {
		h.fail(w, "Failed to run payouts", err)
		return
	}
	dto := PayoutRunDTO{Payouts: make([]PayoutDTO, len(res.Payouts))}
	for i, p := range res.Payouts {
		dto.Payouts[i] = toPayoutDTO(p)
	}
	for _, e := range res.Errors {
		dto.Errors = append(dto.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	list, err := h.store.ListPayouts(r.Context(), ledger.SellerID(q.Get("seller_id")),
		ledger.PayoutStatus(strings.ToUpper(q.Get("status"))), limit)
	if err != nil {
		h.fail(w, "Failed to list payouts", err)
		return
	}
	dtos := make([]PayoutDTO, len(list))
	for i, p := range list {
		dtos[i] = toPayoutDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelPayout aborts a payout before rail confirmation.
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "canceled by operator"
	}
	p, err := h.payouts.Cancel(r.Context(), ledger.PayoutID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.fail(w, "Failed to cancel payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*p))
}

func (h *Handler) DeliverGiftCard(w http.ResponseWriter, r *http.Request) {
	var req GiftCardDecisionRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	card, err := h.giftCards.Deliver(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		h.fail(w, "Failed to deliver gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(*card))
}

func (h *Handler) RejectGiftCard(w http.ResponseWriter, r *http.Request) {
	var req GiftCardDecisionRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	card, err := h.giftCards.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "Failed to reject gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(*card))
}

func (h *Handler) CreateStartupPayment(w http.ResponseWriter, r *http.Request) {
	var req CreateStartupPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.startup.Create(r.Context(), ledger.WorkspaceID(req.WorkspaceID), commissionIDs(req.CommissionIDs))
	if err != nil {
		h.fail(w, "Failed to create startup payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStartupPaymentDTO(*p))
}

// Reconciliation serves the reporter's diagnostic.
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	opts, err := reconcileOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reconciliation parameters", err)
		return
	}
	rep, err := h.reporter.Reconcile(r.Context(), opts)
	if err != nil {
		h.fail(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO(rep))
}

// ExportReconciliation streams the treasury workbook.
func (h *Handler) ExportReconciliation(w http.ResponseWriter, r *http.Request) {
	opts, err := reconcileOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reconciliation parameters", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="treasury-%s.xlsx"`, h.machine.Now().Format("20060102")))
	if _, err := h.reporter.ExportTreasury(r.Context(), w, opts); err != nil {
		h.logger.Error("treasury export failed", "error", err)
	}
}

// VerifyBalance reports drift between the cached balance and a replay.
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}
	var drift ledger.Drift
	err := h.store.WithTx(r.Context(), func(tx ledger.Tx) error {
		var err error
		drift, err = h.machine.Projector().Verify(r.Context(), tx, seller.ID)
		return err
	})
	if err != nil {
		h.fail(w, "Failed to verify balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTO(drift))
}

// RebuildBalance overwrites the cached balance from a replay.
func (h *Handler) RebuildBalance(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}
	drift, err := h.machine.Projector().Rebuild(r.Context(), h.store, seller.ID)
	if err != nil {
		h.fail(w, "Failed to rebuild balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTO(drift))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsClientError(err):
		return http.StatusUnprocessableEntity
	case ledger.IsIntegrityViolation(err), ledger.IsDuplicate(err):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status; server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) seller(w http.ResponseWriter, r *http.Request) (*ledger.Seller, bool) {
	s, err := h.store.GetSeller(r.Context(), ledger.SellerID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Seller not found", err)
		return nil, false
	}
	return s, true
}

func queryInt(r *http.Request, key string, def, max int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func reconcileOptions(r *http.Request) (reconcile.Options, error) {
	q := r.URL.Query()
	var opts reconcile.Options
	if s := q.Get("strict"); s != "" {
		strict, err := strconv.ParseBool(s)
		if err != nil {
			return opts, fmt.Errorf("strict: %w", err)
		}
		opts.Strict = strict
	}
	if s := q.Get("as_of"); s != "" {
		asOf, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return opts, fmt.Errorf("as_of: %w", err)
		}
		opts.AsOf = asOf
	}
	return opts, nil
}
