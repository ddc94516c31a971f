// Package handler provides the HTTP surface of the IOU engine.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"iouchain/internal/chain"
	"iouchain/internal/domain"
	"iouchain/internal/iou"
	"iouchain/internal/middleware"
	pkgerrors "iouchain/pkg/errors"
	"iouchain/pkg/logger"
	"iouchain/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// HistoryStore serves per-participant event history from the event index.
type HistoryStore interface {
	ListByParticipant(ctx context.Context, id domain.Identity, limit, offset int) ([]domain.DebtEvent, error)
}

// IOUHandler exposes participant queries and IOU submission.
type IOUHandler struct {
	service   *iou.Service
	history   HistoryStore
	validator *validator.Validator
	logger    logger.Logger
	scale     int32
	timeout   time.Duration
}

// NewIOUHandler creates an IOUHandler. scale is the number of decimal places
// between a display amount and the ledger's integer minor units.
func NewIOUHandler(service *iou.Service, val *validator.Validator, log logger.Logger, scale int32, timeout time.Duration) *IOUHandler {
	return &IOUHandler{
		service:   service,
		validator: val,
		logger:    log,
		scale:     scale,
		timeout:   timeout,
	}
}

// WithHistory enables the per-participant events endpoint.
func (h *IOUHandler) WithHistory(store HistoryStore) *IOUHandler {
	h.history = store
	return h
}

type submitIOURequest struct {
	Creditor string          `json:"creditor" validate:"required,identity"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
}

type creditorResponse struct {
	Creditor      string `json:"creditor"`
	Amount        uint32 `json:"amount"`
	AmountDisplay string `json:"amount_display"`
}

type participantResponse struct {
	Address          string             `json:"address"`
	Known            bool               `json:"known"`
	TotalOwed        uint64             `json:"total_owed"`
	TotalOwedDisplay string             `json:"total_owed_display"`
	LastActive       *int64             `json:"last_active"`
	Creditors        []creditorResponse `json:"creditors"`
}

type submissionResponse struct {
	Debtor        string   `json:"debtor"`
	Creditor      string   `json:"creditor"`
	Amount        uint32   `json:"amount"`
	AmountDisplay string   `json:"amount_display"`
	Path          []string `json:"path"`
	NetAmount     uint32   `json:"net_amount"`
	Residual      uint32   `json:"residual"`
}

type receiptResponse struct {
	TxHash      string             `json:"tx_hash"`
	BlockID     string             `json:"block_id"`
	BlockNumber uint64             `json:"block_number"`
	Submission  submissionResponse `json:"submission"`
}

type eventResponse struct {
	Sequence      uint64   `json:"sequence"`
	Debtor        string   `json:"debtor"`
	Creditor      string   `json:"creditor"`
	Amount        uint32   `json:"amount"`
	AmountDisplay string   `json:"amount_display"`
	NetAmount     uint32   `json:"net_amount"`
	Path          []string `json:"path"`
	Timestamp     *int64   `json:"timestamp"`
	BlockID       string   `json:"block_id"`
	TxHash        string   `json:"tx_hash"`
}

// ListParticipants returns every identity in first-seen order.
func (h *IOUHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	snap := h.service.Snapshot()
	participants := snap.Participants()
	out := make([]string, len(participants))
	for i, p := range participants {
		out[i] = p.String()
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"participants": out,
		"count":        len(out),
		"tip":          snap.Tip().String(),
	})
}

// GetParticipant returns what an address owes and when it was last active.
// Unknown addresses get a zero view rather than 404.
func (h *IOUHandler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	address, ok := h.addressVar(w, r)
	if !ok {
		return
	}

	snap := h.service.Snapshot()
	total := snap.TotalOwed(address)
	resp := participantResponse{
		Address:          address.String(),
		Known:            snap.Known(address),
		TotalOwed:        total,
		TotalOwedDisplay: h.display(total),
		Creditors:        []creditorResponse{},
	}
	if at, ok := snap.LastActive(address); ok {
		resp.LastActive = &at
	}
	for _, c := range snap.Creditors(address) {
		bal := snap.Balance(address, c)
		resp.Creditors = append(resp.Creditors, creditorResponse{
			Creditor:      c.String(),
			Amount:        uint32(bal),
			AmountDisplay: h.display(uint64(bal)),
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetHistory lists indexed events involving an address, newest first.
func (h *IOUHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, http.StatusNotFound, "Event index is not configured")
		return
	}
	address, ok := h.addressVar(w, r)
	if !ok {
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := h.history.ListByParticipant(r.Context(), address, limit, offset)
	if err != nil {
		h.logger.Error("Failed to fetch participant history", map[string]interface{}{
			"address": address.String(),
			"error":   err.Error(),
		})
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch history")
		return
	}

	out := make([]eventResponse, len(events))
	for i, ev := range events {
		out[i] = h.toEventResponse(ev)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": out,
		"limit":  limit,
		"offset": offset,
	})
}

// PreviewIOU computes the netting a submission would apply without
// recording anything.
func (h *IOUHandler) PreviewIOU(w http.ResponseWriter, r *http.Request) {
	debtor, creditor, amount, ok := h.parseSubmit(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sub, err := h.service.PrepareSubmission(ctx, debtor, creditor, amount)
	if err != nil {
		h.handleServiceError(w, r, err, "preview")
		return
	}
	h.respondJSON(w, http.StatusOK, h.toSubmissionResponse(*sub))
}

// SubmitIOU records that the authenticated caller owes creditor amount.
func (h *IOUHandler) SubmitIOU(w http.ResponseWriter, r *http.Request) {
	debtor, creditor, amount, ok := h.parseSubmit(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	receipt, err := h.service.SubmitIOU(ctx, debtor, creditor, amount)
	if err != nil {
		h.handleServiceError(w, r, err, "submit")
		return
	}
	h.respondJSON(w, http.StatusCreated, h.toReceiptResponse(receipt))
}

func (h *IOUHandler) parseSubmit(w http.ResponseWriter, r *http.Request) (domain.Identity, domain.Identity, domain.Amount, bool) {
	debtor, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return "", "", 0, false
	}

	var req submitIOURequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return "", "", 0, false
	}
	if errs := h.validator.ValidateStructured(req); errs != nil {
		h.respondValidationErrors(w, errs)
		return "", "", 0, false
	}

	amount, err := toMinorUnits(req.Amount, h.scale)
	if err != nil {
		h.respondValidationErrors(w, map[string]string{"Amount": err.Error()})
		return "", "", 0, false
	}
	return debtor, domain.NormalizeIdentity(req.Creditor), amount, true
}

func (h *IOUHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	status, message := statusFor(err)
	fields := map[string]interface{}{
		"operation":  operation,
		"status":     status,
		"error":      err.Error(),
		"request_id": middleware.RequestIDFromContext(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("IOU request failed", fields)
	} else {
		h.logger.Warn("IOU request rejected", fields)
	}
	h.respondError(w, status, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidIOU):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, pkgerrors.ErrStaleCycle):
		return http.StatusConflict, "Debts changed while submitting; please retry"
	case errors.Is(err, pkgerrors.ErrMalformedLedger):
		return http.StatusBadGateway, "Ledger history is malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Ledger did not respond in time"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (h *IOUHandler) addressVar(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	raw := mux.Vars(r)["address"]
	if !validator.IsIdentity(raw) {
		h.respondError(w, http.StatusBadRequest, "Invalid address")
		return "", false
	}
	return domain.NormalizeIdentity(raw), true
}

// toMinorUnits converts a display amount into the ledger's integer units.
func toMinorUnits(d decimal.Decimal, scale int32) (domain.Amount, error) {
	minor := d.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("Must have at most %d decimal places", scale)
	}
	if minor.Sign() <= 0 {
		return 0, errors.New("Must be greater than 0")
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxUint32)) {
		return 0, errors.New("Exceeds the largest recordable debt")
	}
	return domain.Amount(minor.IntPart()), nil
}

func (h *IOUHandler) display(minor uint64) string {
	return decimal.New(int64(minor), -h.scale).StringFixed(h.scale)
}

func pathStrings(p domain.Path) []string {
	out := make([]string, len(p))
	for i, id := range p {
		out[i] = id.String()
	}
	return out
}

func (h *IOUHandler) toSubmissionResponse(s domain.Submission) submissionResponse {
	return submissionResponse{
		Debtor:        s.Debtor.String(),
		Creditor:      s.Creditor.String(),
		Amount:        uint32(s.Amount),
		AmountDisplay: h.display(uint64(s.Amount)),
		Path:          pathStrings(s.Path),
		NetAmount:     uint32(s.NetAmount),
		Residual:      uint32(s.Residual()),
	}
}

func (h *IOUHandler) toReceiptResponse(r *chain.Receipt) receiptResponse {
	return receiptResponse{
		TxHash:      r.TxHash.String(),
		BlockID:     r.BlockID.String(),
		BlockNumber: r.BlockNumber,
		Submission:  h.toSubmissionResponse(r.Submission),
	}
}

func (h *IOUHandler) toEventResponse(ev domain.DebtEvent) eventResponse {
	return eventResponse{
		Sequence:      ev.Sequence,
		Debtor:        ev.Debtor.String(),
		Creditor:      ev.Creditor.String(),
		Amount:        uint32(ev.Amount),
		AmountDisplay: h.display(uint64(ev.Amount)),
		NetAmount:     uint32(ev.NetAmount),
		Path:          pathStrings(ev.Path),
		Timestamp:     ev.Timestamp,
		BlockID:       ev.BlockID.String(),
		TxHash:        ev.TxHash.String(),
	}
}

func (h *IOUHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *IOUHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *IOUHandler) respondValidationErrors(w http.ResponseWriter, errors map[string]string) {
	h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errors,
	})
}
