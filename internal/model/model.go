// Package model содержит доменные сущности сервиса сканпоинт.
package model

import (
	"time"

	"github.com/google/uuid"
)

// CouponStatus описывает статус купона.
type CouponStatus string

const (
	CouponStatusDraft  CouponStatus = "draft"
	CouponStatusActive CouponStatus = "active"
	CouponStatusUsed   CouponStatus = "used"
)

// Coupon описывает купон арендатора с номиналом в баллах и необязательным лимитом использований.
type Coupon struct {
	ID         int64
	TenantID   int64
	Code       string
	Status     CouponStatus
	Points     int64
	UsageLimit *int32
	UsageCount int32
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionStatus описывает состояние сессии сканирования.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending_verification"
	SessionStatusOTPSent   SessionStatus = "otp_sent"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "verification_failed"
)

// ScanSession описывает один жизненный цикл погашения купона.
type ScanSession struct {
	ID                 uuid.UUID
	TenantID           int64
	CouponCode         string
	DeviceID           *string
	Mobile             *string
	ChallengeCode      *string
	ChallengeExpiresAt *time.Time
	FailedAttempts     int32
	Status             SessionStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PointsTransaction описывает факт начисления баллов. Журнал транзакций только дополняется.
type PointsTransaction struct {
	ID         int64
	TenantID   int64
	Mobile     string
	Amount     int64
	SessionID  uuid.UUID
	CouponCode string
	Reason     string
	CreatedAt  time.Time
}

// Balance содержит текущий баланс баллов контакта.
type Balance struct {
	Mobile  string `json:"mobile"`
	Current int64  `json:"current"`
}
