// Package handler содержит HTTP-обработчики API сервиса сканпоинт.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qrewards/scanpoint-system/internal/middleware"
	"github.com/qrewards/scanpoint-system/internal/model"
	"github.com/qrewards/scanpoint-system/internal/ratelimit"
	"github.com/qrewards/scanpoint-system/internal/repository"
	"github.com/qrewards/scanpoint-system/internal/service"
	"github.com/qrewards/scanpoint-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	StartScan(ctx context.Context, tenantID *int64, couponCode, deviceID string) (*model.ScanSession, *model.Coupon, error)
	CollectMobile(ctx context.Context, sessionID uuid.UUID, mobile string, consent bool) (*model.ScanSession, error)
	VerifyOtp(ctx context.Context, sessionID uuid.UUID, submittedCode string) (*repository.RedeemResult, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*model.ScanSession, error)
	GetPoints(ctx context.Context, tenantID int64, mobile string) (*model.Balance, []model.PointsTransaction, error)
}

// Правила ограничения частоты запросов протокола.
var (
	ruleStartIP = ratelimit.Rule{Name: "start_ip", Limit: 10, Window: time.Minute}

	ruleStartDevice = ratelimit.Rule{Name: "start_device_coupon", Limit: 5, Window: time.Minute}

	ruleCollectContact = ratelimit.Rule{Name: "collect_contact", Limit: 3, Window: time.Minute}

	ruleVerifySession = ratelimit.Rule{Name: "verify_session", Limit: 10, Window: time.Minute}
)

// Handler реализует HTTP-обработчики API сервиса сканпоинт.
type Handler struct {
	service Service
	logger  *zap.Logger
	limiter *ratelimit.Limiter
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Ограничитель частоты может быть nil, тогда проверки частоты отключены.
func NewHandler(s Service, logger *zap.Logger, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		limiter: limiter,
	}
}

type errorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// allow проверяет правило ограничения частоты. При отказе записывает ответ 429.
// Ошибка хранилища счётчиков не блокирует запрос.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule, key string) bool {
	if h.limiter == nil {
		return true
	}

	d, err := h.limiter.Allow(r.Context(), rule, key)
	if err != nil {
		h.logger.Warn("rate limit check failed", zap.Error(err), zap.String("rule", rule.Name))
		return true
	}

	if !d.Allowed {
		seconds := int64(d.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             "rate_limited",
			RetryAfterSeconds: seconds,
		})
		return false
	}

	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type startRequest struct {
	CouponCode string `json:"coupon_code"`
	DeviceID   string `json:"device_id,omitempty"`
}

type startResponse struct {
	SessionID    string `json:"session_id"`
	CouponCode   string `json:"coupon_code"`
	Status       string `json:"status"`
	CouponPoints int64  `json:"coupon_points"`
}

// StartScan создаёт сессию сканирования для купона.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if req.CouponCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if !h.allow(w, r, ruleStartIP, clientIP(r)) {
		return
	}
	if req.DeviceID != "" && !h.allow(w, r, ruleStartDevice, req.DeviceID+":"+req.CouponCode) {
		return
	}

	var tenantID *int64
	if id, ok := middleware.GetTenantIDFromContext(r.Context()); ok {
		tenantID = &id
	}

	session, coupon, err := h.service.StartScan(r.Context(), tenantID, req.CouponCode, req.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCouponNotFound):
			writeError(w, http.StatusNotFound, "coupon_not_found")
		case errors.Is(err, repository.ErrCouponNotActive):
			writeError(w, http.StatusBadRequest, "coupon_not_active")
		default:
			h.logger.Error("start scan error", zap.Error(err), zap.String("coupon", req.CouponCode))
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:    session.ID.String(),
		CouponCode:   coupon.Code,
		Status:       string(session.Status),
		CouponPoints: coupon.Points,
	})
}

type collectMobileRequest struct {
	MobileE164        string `json:"mobile_e164"`
	ConsentAcceptance bool   `json:"consent_acceptance"`
}

type collectMobileResponse struct {
	ChallengeID  string `json:"challenge_id"`
	MobileMasked string `json:"mobile_masked"`
}

// CollectMobile сохраняет контакт и выпускает код подтверждения для сессии.
func (h *Handler) CollectMobile(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}

	var req collectMobileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_mobile_or_consent")
		return
	}

	if req.MobileE164 != "" && !h.allow(w, r, ruleCollectContact, req.MobileE164) {
		return
	}

	session, err := h.service.CollectMobile(r.Context(), sessionID, req.MobileE164, req.ConsentAcceptance)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMobileOrConsent):
			writeError(w, http.StatusBadRequest, "invalid_mobile_or_consent")
		case errors.Is(err, repository.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found")
		case errors.Is(err, repository.ErrInvalidSessionState):
			writeError(w, http.StatusBadRequest, "invalid_session_state")
		default:
			h.logger.Error("collect mobile error", zap.Error(err), zap.String("session", sessionID.String()))
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	masked := ""
	if session.Mobile != nil {
		masked = validation.MaskMobile(*session.Mobile)
	}

	writeJSON(w, http.StatusOK, collectMobileResponse{
		ChallengeID:  session.ID.String(),
		MobileMasked: masked,
	})
}

type verifyOtpRequest struct {
	OTPCode string `json:"otp_code"`
}

type verifyOtpResponse struct {
	AwardedPoints int64  `json:"awarded_points"`
	UserBalance   int64  `json:"user_balance"`
	CouponStatus  string `json:"coupon_status"`
}

// VerifyOtp проверяет код подтверждения и завершает погашение купона.
func (h *Handler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}

	var req verifyOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if !h.allow(w, r, ruleVerifySession, sessionID.String()) {
		return
	}

	res, err := h.service.VerifyOtp(r.Context(), sessionID, req.OTPCode)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found")
		case errors.Is(err, repository.ErrInvalidSessionState):
			writeError(w, http.StatusBadRequest, "invalid_session_state")
		case errors.Is(err, repository.ErrCouponNotActive):
			writeError(w, http.StatusBadRequest, "invalid_or_redeemed_coupon")
		case errors.Is(err, repository.ErrUsageLimitExceeded):
			writeError(w, http.StatusBadRequest, "usage_limit_exceeded")
		case errors.Is(err, repository.ErrOTPMismatch):
			writeError(w, http.StatusForbidden, "otp_failed")
		default:
			h.logger.Error("verify otp error", zap.Error(err), zap.String("session", sessionID.String()))
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	writeJSON(w, http.StatusOK, verifyOtpResponse{
		AwardedPoints: res.Awarded,
		UserBalance:   res.Balance,
		CouponStatus:  couponStatusLabel(res.CouponStatus),
	})
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	CouponCode string `json:"coupon_code"`
	Status     string `json:"status"`
}

// GetSession возвращает текущее состояние сессии сканирования.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}

	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		h.logger.Error("get session error", zap.Error(err), zap.String("session", sessionID.String()))
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:  session.ID.String(),
		CouponCode: session.CouponCode,
		Status:     string(session.Status),
	})
}

type pointsTransactionResponse struct {
	Amount     int64  `json:"amount"`
	SessionID  string `json:"session_id"`
	CouponCode string `json:"coupon_code"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"created_at"`
}

type pointsResponse struct {
	Mobile       string                      `json:"mobile"`
	Balance      int64                       `json:"balance"`
	Transactions []pointsTransactionResponse `json:"transactions"`
}

// GetPoints возвращает баланс контакта и журнал начислений арендатора.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	mobile := r.URL.Query().Get("mobile")
	if mobile == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	balance, transactions, err := h.service.GetPoints(r.Context(), tenantID, mobile)
	if err != nil {
		h.logger.Error("get points error", zap.Error(err), zap.Int64("tenantID", tenantID))
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	resp := pointsResponse{
		Mobile:       balance.Mobile,
		Balance:      balance.Current,
		Transactions: make([]pointsTransactionResponse, 0, len(transactions)),
	}
	for _, txn := range transactions {
		resp.Transactions = append(resp.Transactions, pointsTransactionResponse{
			Amount:     txn.Amount,
			SessionID:  txn.SessionID.String(),
			CouponCode: txn.CouponCode,
			Reason:     txn.Reason,
			CreatedAt:  txn.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func sessionIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "sessionID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// couponStatusLabel переводит статус купона во внешнее обозначение API.
func couponStatusLabel(status model.CouponStatus) string {
	if status == model.CouponStatusUsed {
		return "redeemed"
	}
	return string(status)
}
