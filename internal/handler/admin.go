package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/fraud"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

type orderPaidRequest struct {
	UserID int64  `json:"user_id" validate:"gt=0"`
	Order  string `json:"order" validate:"required,luhn"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type orderPaidResponse struct {
	Qualified bool            `json:"qualified"`
	Referral  *model.Referral `json:"referral,omitempty"`
}

// OrderPaid принимает уведомление внутренней системы об оплате заказа.
func (h *Handler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	var req orderPaidRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ref, err := h.service.OrderPaid(r.Context(), req.UserID, req.Order, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, orderPaidResponse{
		Qualified: ref != nil && (ref.State == model.ReferralQualified || ref.State == model.ReferralRewarded),
		Referral:  ref,
	})
}

// RunFraudScan запускает прогон сканера антифрода.
func (h *Handler) RunFraudScan(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RunFraudScan(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("fraud scan triggered by admin",
		zap.Int("flags", res.FlagsCreated),
		zap.Bool("cancelled", res.Cancelled),
	)
	h.writeJSON(w, http.StatusOK, res)
}

// GetFraudStats возвращает сводку для панели антифрода.
func (h *Handler) GetFraudStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.FraudStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ListFraudFlags возвращает флаги антифрода.
// Параметры запроса: status, severity, rule, referral_id, limit, offset.
func (h *Handler) ListFraudFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.FlagFilter{
		Status:   model.FlagStatus(q.Get("status")),
		Severity: model.FlagSeverity(q.Get("severity")),
		Rule:     model.FraudRule(q.Get("rule")),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if raw := q.Get("referral_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			h.writeError(w, r, apperr.Validation("referral_id must be a positive integer"))
			return
		}
		filter.ReferralID = id
	}

	flags, err := h.service.FraudFlags(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, flags)
}

type resolveFlagRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=confirm dismiss"`
	Note    string `json:"note" validate:"max=1000"`
}

// ResolveFraudFlag применяет решение администратора по флагу.
func (h *Handler) ResolveFraudFlag(w http.ResponseWriter, r *http.Request) {
	adminID, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	flagID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || flagID <= 0 {
		h.writeError(w, r, apperr.Validation("flag id must be a positive integer"))
		return
	}

	var req resolveFlagRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.ResolveFraudFlag(r.Context(), flagID, fraud.Outcome(req.Outcome), adminID, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("fraud flag resolved",
		zap.Int64("flagID", flagID),
		zap.Int64("adminID", adminID),
		zap.String("outcome", req.Outcome),
		zap.Int("reversals", len(res.Reversals)),
	)
	h.writeJSON(w, http.StatusOK, res)
}
