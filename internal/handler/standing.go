package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"iouchain/internal/domain"
	"iouchain/internal/middleware"
	"iouchain/internal/scheduler"
	"iouchain/pkg/logger"
	"iouchain/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const minStandingInterval = time.Minute

// StandingHandler manages the caller's standing IOUs.
type StandingHandler struct {
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	logger    logger.Logger
	scale     int32
}

func NewStandingHandler(s *scheduler.Scheduler, val *validator.Validator, log logger.Logger, scale int32) *StandingHandler {
	return &StandingHandler{scheduler: s, validator: val, logger: log, scale: scale}
}

type createStandingRequest struct {
	Creditor string          `json:"creditor" validate:"required,identity"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
	Interval string          `json:"interval" validate:"required"`
}

type standingResponse struct {
	ID            string  `json:"id"`
	Creditor      string  `json:"creditor"`
	Amount        uint32  `json:"amount"`
	AmountDisplay string  `json:"amount_display"`
	Interval      string  `json:"interval"`
	NextRun       string  `json:"next_run"`
	Status        string  `json:"status"`
	Runs          int     `json:"runs"`
	LastError     *string `json:"last_error"`
}

func (h *StandingHandler) Create(w http.ResponseWriter, r *http.Request) {
	debtor, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createStandingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(req); errs != nil {
		h.respondValidationErrors(w, errs)
		return
	}

	errs := map[string]string{}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil || interval < minStandingInterval {
		errs["Interval"] = "Must be a duration of at least " + minStandingInterval.String()
	}
	amount, err := toMinorUnits(req.Amount, h.scale)
	if err != nil {
		errs["Amount"] = err.Error()
	}
	creditor := domain.NormalizeIdentity(req.Creditor)
	if creditor == debtor {
		errs["Creditor"] = "Must differ from the debtor"
	}
	if len(errs) > 0 {
		h.respondValidationErrors(w, errs)
		return
	}

	order := h.scheduler.Schedule(scheduler.StandingIOU{
		Debtor:   debtor,
		Creditor: creditor,
		Amount:   amount,
		Interval: interval,
	})
	h.respondJSON(w, http.StatusCreated, h.toResponse(order))
}

func (h *StandingHandler) List(w http.ResponseWriter, r *http.Request) {
	debtor, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	orders := h.scheduler.List(debtor)
	out := make([]standingResponse, len(orders))
	for i, o := range orders {
		out[i] = h.toResponse(o)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"standing_ious": out})
}

func (h *StandingHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, scheduler.StatusPaused)
}

func (h *StandingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, scheduler.StatusActive)
}

func (h *StandingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, scheduler.StatusCancelled)
}

func (h *StandingHandler) setStatus(w http.ResponseWriter, r *http.Request, status scheduler.Status) {
	debtor, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := mux.Vars(r)["id"]

	// Orders of other participants are reported as missing.
	order, err := h.scheduler.Get(id)
	if err != nil || order.Debtor != debtor {
		h.respondError(w, http.StatusNotFound, "Standing IOU not found")
		return
	}
	if err := h.scheduler.SetStatus(id, status); err != nil {
		h.respondError(w, http.StatusNotFound, "Standing IOU not found")
		return
	}
	order, _ = h.scheduler.Get(id)
	h.respondJSON(w, http.StatusOK, h.toResponse(order))
}

func (h *StandingHandler) toResponse(o scheduler.StandingIOU) standingResponse {
	resp := standingResponse{
		ID:            o.ID,
		Creditor:      o.Creditor.String(),
		Amount:        uint32(o.Amount),
		AmountDisplay: decimal.New(int64(o.Amount), -h.scale).StringFixed(h.scale),
		Interval:      o.Interval.String(),
		NextRun:       o.NextRun.UTC().Format(time.RFC3339),
		Status:        string(o.Status),
		Runs:          o.Runs,
	}
	if o.LastError != "" {
		resp.LastError = &o.LastError
	}
	return resp
}

func (h *StandingHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *StandingHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *StandingHandler) respondValidationErrors(w http.ResponseWriter, errors map[string]string) {
	h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":             "Validation failed",
		"validation_errors": errors,
	})
}
