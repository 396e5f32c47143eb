// Package service реализует протокол проверки сессий сканирования.
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/qrewards/scanpoint-system/internal/model"
	"github.com/qrewards/scanpoint-system/internal/repository"
	"github.com/qrewards/scanpoint-system/internal/telemetry"
	"github.com/qrewards/scanpoint-system/internal/validation"
)

// ErrInvalidMobileOrConsent возвращается при отсутствии согласия или некорректном номере телефона.
var ErrInvalidMobileOrConsent = errors.New("invalid mobile or consent")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetCouponByCode(ctx context.Context, tenantID *int64, code string) (*model.Coupon, error)
	CreateSession(ctx context.Context, session *model.ScanSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.ScanSession, error)
	FindOpenSession(ctx context.Context, tenantID int64, couponCode, deviceID string) (*model.ScanSession, error)
	SetSessionChallenge(ctx context.Context, id uuid.UUID, mobile, code string, expiresAt time.Time) (*model.ScanSession, error)
	RedeemSession(ctx context.Context, sessionID uuid.UUID, submittedCode string, now time.Time) (*repository.RedeemResult, error)
	GetBalance(ctx context.Context, tenantID int64, mobile string) (int64, error)
	GetTransactionsByMobile(ctx context.Context, tenantID int64, mobile string) ([]model.PointsTransaction, error)
}

// CodeGenerator выдаёт коды подтверждения для сессий.
type CodeGenerator interface {
	Code() (string, error)
}

// Emitter принимает события телеметрии. Вызов не блокируется и не возвращает ошибок.
type Emitter interface {
	Emit(event telemetry.Event)
}

// Options содержит настройки поведения протокола.
type Options struct {
	// OTPTTL задаёт срок жизни кода подтверждения.
	OTPTTL time.Duration
	// SessionReuse включает возврат открытой сессии для той же пары купон+устройство.
	SessionReuse bool
}

// Service содержит бизнес-логику протокола проверки.
type Service struct {
	repo    Repository
	codes   CodeGenerator
	emitter Emitter
	opts    Options
}

// NewService создаёт новый сервис с указанным репозиторием, генератором кодов и телеметрией.
func NewService(repo Repository, codes CodeGenerator, emitter Emitter, opts Options) *Service {
	if opts.OTPTTL <= 0 {
		opts.OTPTTL = 5 * time.Minute
	}
	return &Service{
		repo:    repo,
		codes:   codes,
		emitter: emitter,
		opts:    opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// StartScan создаёт сессию сканирования для активного купона.
// При включённом повторном использовании возвращает открытую сессию той же пары купон+устройство.
func (s *Service) StartScan(ctx context.Context, tenantID *int64, couponCode, deviceID string) (*model.ScanSession, *model.Coupon, error) {
	coupon, err := s.repo.GetCouponByCode(ctx, tenantID, couponCode)
	if err != nil {
		return nil, nil, err
	}

	if coupon.Status != model.CouponStatusActive {
		return nil, nil, repository.ErrCouponNotActive
	}

	if s.opts.SessionReuse && deviceID != "" {
		existing, err := s.repo.FindOpenSession(ctx, coupon.TenantID, coupon.Code, deviceID)
		if err == nil {
			return existing, coupon, nil
		}
		if !errors.Is(err, repository.ErrSessionNotFound) {
			return nil, nil, err
		}
	}

	session := &model.ScanSession{
		ID:         uuid.New(),
		TenantID:   coupon.TenantID,
		CouponCode: coupon.Code,
		Status:     model.SessionStatusPending,
	}
	if deviceID != "" {
		session.DeviceID = &deviceID
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}

	s.emitter.Emit(telemetry.Event{
		Type:       telemetry.EventScanStarted,
		TenantID:   coupon.TenantID,
		SessionID:  session.ID.String(),
		CouponCode: coupon.Code,
		DeviceID:   deviceID,
	})

	return session, coupon, nil
}

// CollectMobile сохраняет контакт, выпускает код подтверждения и переводит сессию в otp_sent.
func (s *Service) CollectMobile(ctx context.Context, sessionID uuid.UUID, mobile string, consent bool) (*model.ScanSession, error) {
	if !consent || !validation.IsValidMobile(mobile) {
		return nil, ErrInvalidMobileOrConsent
	}

	code, err := s.codes.Code()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(s.opts.OTPTTL)

	session, err := s.repo.SetSessionChallenge(ctx, sessionID, mobile, code, expiresAt)
	if err != nil {
		return nil, err
	}

	deviceID := ""
	if session.DeviceID != nil {
		deviceID = *session.DeviceID
	}

	// В телеметрию попадает только маскированный контакт.
	s.emitter.Emit(telemetry.Event{
		Type:       telemetry.EventOTPSent,
		TenantID:   session.TenantID,
		SessionID:  session.ID.String(),
		CouponCode: session.CouponCode,
		Contact:    validation.MaskMobile(mobile),
		DeviceID:   deviceID,
	})

	return session, nil
}

// VerifyOtp проверяет код подтверждения и при совпадении атомарно погашает купон
// и начисляет баллы. События телеметрии отправляются только после фиксации транзакции.
func (s *Service) VerifyOtp(ctx context.Context, sessionID uuid.UUID, submittedCode string) (*repository.RedeemResult, error) {
	res, err := s.repo.RedeemSession(ctx, sessionID, submittedCode, time.Now())
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		deviceID := ""
		if res.DeviceID != nil {
			deviceID = *res.DeviceID
		}
		contact := validation.MaskMobile(res.Mobile)

		s.emitter.Emit(telemetry.Event{
			Type:       telemetry.EventOTPVerified,
			TenantID:   res.TenantID,
			SessionID:  sessionID.String(),
			CouponCode: res.CouponCode,
			Contact:    contact,
			DeviceID:   deviceID,
		})
		s.emitter.Emit(telemetry.Event{
			Type:       telemetry.EventPointsAwarded,
			TenantID:   res.TenantID,
			SessionID:  sessionID.String(),
			CouponCode: res.CouponCode,
			Contact:    contact,
			Metadata:   map[string]string{"amount": formatAmount(res.Awarded)},
		})
		s.emitter.Emit(telemetry.Event{
			Type:       telemetry.EventCouponRedeemed,
			TenantID:   res.TenantID,
			SessionID:  sessionID.String(),
			CouponCode: res.CouponCode,
		})
	}

	return res, nil
}

func formatAmount(amount int64) string {
	return strconv.FormatInt(amount, 10)
}

// GetSession возвращает сессию сканирования по идентификатору.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.ScanSession, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// GetPoints возвращает баланс контакта и журнал начислений.
func (s *Service) GetPoints(ctx context.Context, tenantID int64, mobile string) (*model.Balance, []model.PointsTransaction, error) {
	balance, err := s.repo.GetBalance(ctx, tenantID, mobile)
	if err != nil {
		return nil, nil, err
	}

	transactions, err := s.repo.GetTransactionsByMobile(ctx, tenantID, mobile)
	if err != nil {
		return nil, nil, err
	}

	return &model.Balance{Mobile: mobile, Current: balance}, transactions, nil
}
