// Package handler содержит HTTP-обработчики API сервиса гофермарт.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/fraud"
	"github.com/mmeshcher/gophermart-rewards/internal/middleware"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/referral"
	"github.com/mmeshcher/gophermart-rewards/internal/service"
	"github.com/mmeshcher/gophermart-rewards/internal/validation"
)

const (
	maxBodySize       = 1 << 20
	deviceHeader      = "X-Device-Fingerprint"
	maxFingerprintLen = 256
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Register(ctx context.Context, reg service.Registration) (*model.Account, error)
	Login(ctx context.Context, email, password string) (*model.Account, error)
	AddOrder(ctx context.Context, userID int64, number string) (bool, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	Withdraw(ctx context.Context, userID int64, order string, sum int64) (*model.LedgerEntry, error)
	Withdrawals(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	LedgerHistory(ctx context.Context, userID int64, filter model.LedgerFilter) ([]model.LedgerEntry, error)
	ReferralOverview(ctx context.Context, userID int64) (*referral.Overview, error)
	LinkReferral(ctx context.Context, userID int64, code string) (*model.Referral, error)
	OrderPaid(ctx context.Context, userID int64, number string, amount int64) (*model.Referral, error)
	RunFraudScan(ctx context.Context) (*fraud.ScanResult, error)
	FraudFlags(ctx context.Context, filter model.FlagFilter) ([]model.FraudFlag, error)
	ResolveFraudFlag(ctx context.Context, flagID int64, outcome fraud.Outcome, adminID int64, note string) (*fraud.Resolution, error)
	FraudStats(ctx context.Context) (*model.FraudStats, error)
}

// Handler реализует HTTP-обработчики API сервиса гофермарт.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validator      *validation.Validator
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validator:      validation.New(),
	}
}

var (
	errBadJSON          = apperr.Validation("malformed JSON body")
	errInvalidOrder     = apperr.Validation("invalid order number")
	errNotAuthenticated = apperr.New(apperr.KindUnauthorized, "authentication required")
)

// writeError отвечает JSON-ошибкой. Внутренние ошибки журналируются полностью,
// клиент получает только общее сообщение.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorStatus(w, r, apperr.HTTPStatus(apperr.KindOf(err)), err)
}

func (h *Handler) writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apperr.BodyOf(err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

// decode читает JSON-тело и проверяет его по тегам validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		return errBadJSON
	}
	return h.validator.Struct(dst)
}

func userID(r *http.Request) (int64, error) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		return 0, errNotAuthenticated
	}
	return id, nil
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type registerRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Password     string `json:"password" validate:"required,min=6,max=72"`
	ReferralCode string `json:"referral_code" validate:"omitempty,min=4,max=16,alphanum"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token        string     `json:"token"`
	UserID       int64      `json:"user_id"`
	Role         model.Role `json:"role"`
	ReferralCode string     `json:"referral_code"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	device := r.Header.Get(deviceHeader)
	if len(device) > maxFingerprintLen {
		device = device[:maxFingerprintLen]
	}

	account, err := h.service.Register(r.Context(), service.Registration{
		Email:             req.Email,
		Password:          req.Password,
		ReferralCode:      req.ReferralCode,
		SignupIP:          clientIP(r),
		DeviceFingerprint: device,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authenticate(w, r, account)
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	account, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authenticate(w, r, account)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, account *model.Account) {
	token, err := h.authMiddleware.IssueToken(account.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	h.writeJSON(w, http.StatusOK, authResponse{
		Token:        token,
		UserID:       account.ID,
		Role:         account.Role,
		ReferralCode: account.ReferralCode,
	})
}

// UploadOrder принимает номер заказа для начислений от текущего пользователя.
func (h *Handler) UploadOrder(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, r, apperr.Validation("cannot read body"))
		return
	}

	number := strings.TrimSpace(string(body))

	if !validation.IsValidOrderNumber(number) {
		h.writeErrorStatus(w, r, http.StatusUnprocessableEntity, errInvalidOrder)
		return
	}

	alreadyExists, err := h.service.AddOrder(r.Context(), uid, number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if alreadyExists {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type orderResponse struct {
	Number     string `json:"number"`
	Status     string `json:"status"`
	Accrual    *int64 `json:"accrual,omitempty"`
	UploadedAt string `json:"uploaded_at"`
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderResponse{
			Number:     o.Number,
			Status:     string(o.Status),
			Accrual:    o.Accrual,
			UploadedAt: o.UploadedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type withdrawRequest struct {
	Order string `json:"order" validate:"required"`
	Sum   int64  `json:"sum" validate:"gt=0"`
}

// Withdraw списывает баллы текущего пользователя в счёт заказа.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req withdrawRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if !validation.IsValidOrderNumber(req.Order) {
		h.writeErrorStatus(w, r, http.StatusUnprocessableEntity, errInvalidOrder)
		return
	}

	entry, err := h.service.Withdraw(r.Context(), uid, req.Order, req.Sum)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, entry)
}

type withdrawalResponse struct {
	Order       string `json:"order"`
	Sum         int64  `json:"sum"`
	ProcessedAt string `json:"processed_at"`
}

// GetWithdrawals возвращает историю списаний текущего пользователя.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.service.Withdrawals(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, withdrawalResponse{
			Order:       e.Reference,
			Sum:         -e.Delta,
			ProcessedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetLedger возвращает журнал баллов текущего пользователя.
// Параметры запроса: reason, limit.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := model.LedgerFilter{Reason: model.Reason(q.Get("reason"))}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.service.LedgerHistory(r.Context(), uid, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// GetReferral возвращает реферальную сводку текущего пользователя.
func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	overview, err := h.service.ReferralOverview(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, overview)
}

type linkReferralRequest struct {
	Code string `json:"code" validate:"required,min=4,max=16,alphanum"`
}

// LinkReferral привязывает текущего пользователя к владельцу реферального кода.
func (h *Handler) LinkReferral(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req linkReferralRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ref, err := h.service.LinkReferral(r.Context(), uid, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ref)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation("query parameter must be a non-negative integer")
	}
	return v, nil
}
