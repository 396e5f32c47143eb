package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qrewards/scanpoint-system/internal/model"
	"github.com/qrewards/scanpoint-system/internal/otp"
	"github.com/qrewards/scanpoint-system/internal/repository"
)

// memoryRepo повторяет семантику шага проверки в памяти: те же проверки в том
// же порядке, что и в транзакции PostgreSQL. Используется для сквозных
// тестов протокола без БД.
type memoryRepo struct {
	mu           sync.Mutex
	coupons      map[string]*model.Coupon
	sessions     map[uuid.UUID]*model.ScanSession
	balances     map[string]int64
	transactions []model.PointsTransaction
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		coupons:  make(map[string]*model.Coupon),
		sessions: make(map[uuid.UUID]*model.ScanSession),
		balances: make(map[string]int64),
	}
}

func (m *memoryRepo) Close() error { return nil }

func (m *memoryRepo) addCoupon(c *model.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.Code] = c
}

func (m *memoryRepo) storedCode(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.ChallengeCode == nil {
		return ""
	}
	return *s.ChallengeCode
}

func (m *memoryRepo) GetCouponByCode(ctx context.Context, tenantID *int64, code string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	if tenantID != nil && c.TenantID != *tenantID {
		return nil, repository.ErrCouponNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *memoryRepo) CreateSession(ctx context.Context, session *model.ScanSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *memoryRepo) GetSession(ctx context.Context, id uuid.UUID) (*model.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memoryRepo) FindOpenSession(ctx context.Context, tenantID int64, couponCode, deviceID string) (*model.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TenantID != tenantID || s.CouponCode != couponCode {
			continue
		}
		if s.DeviceID == nil || *s.DeviceID != deviceID {
			continue
		}
		if s.Status == model.SessionStatusPending || s.Status == model.SessionStatusOTPSent {
			copied := *s
			return &copied, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (m *memoryRepo) SetSessionChallenge(ctx context.Context, id uuid.UUID, mobile, code string, expiresAt time.Time) (*model.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	if s.Status != model.SessionStatusPending {
		return nil, repository.ErrInvalidSessionState
	}
	s.Mobile = &mobile
	s.ChallengeCode = &code
	s.ChallengeExpiresAt = &expiresAt
	s.Status = model.SessionStatusOTPSent
	copied := *s
	return &copied, nil
}

func (m *memoryRepo) RedeemSession(ctx context.Context, sessionID uuid.UUID, submittedCode string, now time.Time) (*repository.RedeemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}

	mobile := ""
	if s.Mobile != nil {
		mobile = *s.Mobile
	}

	if s.Status == model.SessionStatusCompleted {
		coupon := m.coupons[s.CouponCode]
		return &repository.RedeemResult{
			Awarded:      0,
			Balance:      m.balances[mobile],
			CouponStatus: coupon.Status,
			Replayed:     true,
			TenantID:     s.TenantID,
			CouponCode:   s.CouponCode,
			Mobile:       mobile,
			DeviceID:     s.DeviceID,
		}, nil
	}

	if s.Status != model.SessionStatusOTPSent {
		return nil, repository.ErrInvalidSessionState
	}

	coupon, ok := m.coupons[s.CouponCode]
	if !ok || coupon.Status != model.CouponStatusActive {
		return nil, repository.ErrCouponNotActive
	}

	if coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit {
		return nil, repository.ErrUsageLimitExceeded
	}

	matched := s.ChallengeCode != nil && *s.ChallengeCode == submittedCode
	if matched && s.ChallengeExpiresAt != nil && now.After(*s.ChallengeExpiresAt) {
		matched = false
	}

	if !matched {
		s.FailedAttempts++
		if s.FailedAttempts >= otp.MaxAttempts {
			s.Status = model.SessionStatusFailed
		}
		return nil, repository.ErrOTPMismatch
	}

	m.balances[mobile] += coupon.Points
	m.transactions = append(m.transactions, model.PointsTransaction{
		TenantID:   s.TenantID,
		Mobile:     mobile,
		Amount:     coupon.Points,
		SessionID:  s.ID,
		CouponCode: coupon.Code,
		Reason:     "coupon_redemption",
	})

	if coupon.UsageLimit == nil {
		coupon.Status = model.CouponStatusUsed
	}
	coupon.UsageCount++
	s.Status = model.SessionStatusCompleted

	return &repository.RedeemResult{
		Awarded:      coupon.Points,
		Balance:      m.balances[mobile],
		CouponStatus: coupon.Status,
		TenantID:     s.TenantID,
		CouponCode:   coupon.Code,
		Mobile:       mobile,
		DeviceID:     s.DeviceID,
	}, nil
}

func (m *memoryRepo) GetBalance(ctx context.Context, tenantID int64, mobile string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[mobile], nil
}

func (m *memoryRepo) GetTransactionsByMobile(ctx context.Context, tenantID int64, mobile string) ([]model.PointsTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.PointsTransaction
	for _, txn := range m.transactions {
		if txn.TenantID == tenantID && txn.Mobile == mobile {
			res = append(res, txn)
		}
	}
	return res, nil
}

func newProtocolService(repo *memoryRepo, ttl time.Duration) *Service {
	return NewService(repo, otp.NewGenerator(false), &stubEmitter{}, Options{OTPTTL: ttl})
}

func TestProtocol_RedeemAndReplay(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCoupon(&model.Coupon{
		ID:       1,
		TenantID: 1,
		Code:     "TESTQR123456",
		Status:   model.CouponStatusActive,
		Points:   50,
	})

	svc := newProtocolService(repo, time.Minute)
	ctx := context.Background()

	session, _, err := svc.StartScan(ctx, nil, "TESTQR123456", "device-1")
	if err != nil {
		t.Fatalf("StartScan error: %v", err)
	}

	if _, err := svc.CollectMobile(ctx, session.ID, "+1234567890", true); err != nil {
		t.Fatalf("CollectMobile error: %v", err)
	}

	code := repo.storedCode(session.ID)
	if code == "" {
		t.Fatalf("challenge code not stored")
	}

	first, err := svc.VerifyOtp(ctx, session.ID, code)
	if err != nil {
		t.Fatalf("VerifyOtp error: %v", err)
	}
	if first.Awarded != 50 {
		t.Fatalf("first awarded = %d, want 50", first.Awarded)
	}
	if first.Balance != 50 {
		t.Fatalf("first balance = %d, want 50", first.Balance)
	}
	if first.CouponStatus != model.CouponStatusUsed {
		t.Fatalf("coupon status = %s, want %s", first.CouponStatus, model.CouponStatusUsed)
	}

	// Повторный вызов того же шага не начисляет баллы повторно.
	second, err := svc.VerifyOtp(ctx, session.ID, code)
	if err != nil {
		t.Fatalf("replay VerifyOtp error: %v", err)
	}
	if second.Awarded != 0 {
		t.Fatalf("replay awarded = %d, want 0", second.Awarded)
	}
	if second.Balance != first.Balance {
		t.Fatalf("replay balance = %d, want %d", second.Balance, first.Balance)
	}
	if second.CouponStatus != model.CouponStatusUsed {
		t.Fatalf("replay coupon status = %s, want %s", second.CouponStatus, model.CouponStatusUsed)
	}
}

func TestProtocol_AttemptsExhausted(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCoupon(&model.Coupon{
		ID:       1,
		TenantID: 1,
		Code:     "QR1",
		Status:   model.CouponStatusActive,
		Points:   10,
	})

	svc := newProtocolService(repo, time.Minute)
	ctx := context.Background()

	session, _, err := svc.StartScan(ctx, nil, "QR1", "")
	if err != nil {
		t.Fatalf("StartScan error: %v", err)
	}
	if _, err := svc.CollectMobile(ctx, session.ID, "+1234567890", true); err != nil {
		t.Fatalf("CollectMobile error: %v", err)
	}

	code := repo.storedCode(session.ID)
	wrong := "999999"
	if wrong == code {
		wrong = "999998"
	}

	for i := 0; i < otp.MaxAttempts; i++ {
		_, err := svc.VerifyOtp(ctx, session.ID, wrong)
		if !errors.Is(err, repository.ErrOTPMismatch) {
			t.Fatalf("attempt %d: expected ErrOTPMismatch, got %v", i+1, err)
		}
	}

	stored, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if stored.Status != model.SessionStatusFailed {
		t.Fatalf("session status = %s, want %s", stored.Status, model.SessionStatusFailed)
	}

	// Даже правильный код больше не принимается.
	_, err = svc.VerifyOtp(ctx, session.ID, code)
	if !errors.Is(err, repository.ErrInvalidSessionState) {
		t.Fatalf("expected ErrInvalidSessionState after exhaustion, got %v", err)
	}

	balance, _, err := svc.GetPoints(ctx, 1, "+1234567890")
	if err != nil {
		t.Fatalf("GetPoints error: %v", err)
	}
	if balance.Current != 0 {
		t.Fatalf("balance = %d, want 0", balance.Current)
	}
}

func TestProtocol_UsageLimit(t *testing.T) {
	limit := int32(2)
	repo := newMemoryRepo()
	repo.addCoupon(&model.Coupon{
		ID:         1,
		TenantID:   1,
		Code:       "MULTI",
		Status:     model.CouponStatusActive,
		Points:     25,
		UsageLimit: &limit,
	})

	svc := newProtocolService(repo, time.Minute)
	ctx := context.Background()

	redeem := func(mobile string) error {
		session, _, err := svc.StartScan(ctx, nil, "MULTI", "")
		if err != nil {
			return err
		}
		if _, err := svc.CollectMobile(ctx, session.ID, mobile, true); err != nil {
			return err
		}
		_, err = svc.VerifyOtp(ctx, session.ID, repo.storedCode(session.ID))
		return err
	}

	if err := redeem("+1234567890"); err != nil {
		t.Fatalf("first redemption error: %v", err)
	}
	if err := redeem("+1234567891"); err != nil {
		t.Fatalf("second redemption error: %v", err)
	}

	err := redeem("+1234567892")
	if !errors.Is(err, repository.ErrUsageLimitExceeded) {
		t.Fatalf("expected ErrUsageLimitExceeded, got %v", err)
	}
}

func TestProtocol_ExpiredChallengeCountsAsMismatch(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCoupon(&model.Coupon{
		ID:       1,
		TenantID: 1,
		Code:     "QR1",
		Status:   model.CouponStatusActive,
		Points:   10,
	})

	svc := newProtocolService(repo, time.Nanosecond)
	ctx := context.Background()

	session, _, err := svc.StartScan(ctx, nil, "QR1", "")
	if err != nil {
		t.Fatalf("StartScan error: %v", err)
	}
	if _, err := svc.CollectMobile(ctx, session.ID, "+1234567890", true); err != nil {
		t.Fatalf("CollectMobile error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	_, err = svc.VerifyOtp(ctx, session.ID, repo.storedCode(session.ID))
	if !errors.Is(err, repository.ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch for expired challenge, got %v", err)
	}

	stored, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if stored.FailedAttempts != 1 {
		t.Fatalf("failed attempts = %d, want 1", stored.FailedAttempts)
	}
}

func TestProtocol_BalanceEqualsTransactionSum(t *testing.T) {
	repo := newMemoryRepo()
	for _, c := range []struct {
		code   string
		points int64
	}{
		{"QR1", 10},
		{"QR2", 20},
		{"QR3", 30},
	} {
		repo.addCoupon(&model.Coupon{
			TenantID: 1,
			Code:     c.code,
			Status:   model.CouponStatusActive,
			Points:   c.points,
		})
	}

	svc := newProtocolService(repo, time.Minute)
	ctx := context.Background()
	mobile := "+1234567890"

	for _, code := range []string{"QR1", "QR2", "QR3"} {
		session, _, err := svc.StartScan(ctx, nil, code, "")
		if err != nil {
			t.Fatalf("StartScan(%s) error: %v", code, err)
		}
		if _, err := svc.CollectMobile(ctx, session.ID, mobile, true); err != nil {
			t.Fatalf("CollectMobile(%s) error: %v", code, err)
		}
		if _, err := svc.VerifyOtp(ctx, session.ID, repo.storedCode(session.ID)); err != nil {
			t.Fatalf("VerifyOtp(%s) error: %v", code, err)
		}
	}

	balance, transactions, err := svc.GetPoints(ctx, 1, mobile)
	if err != nil {
		t.Fatalf("GetPoints error: %v", err)
	}

	var sum int64
	for _, txn := range transactions {
		sum += txn.Amount
	}
	if balance.Current != 60 || sum != balance.Current {
		t.Fatalf("balance = %d, transaction sum = %d, want both 60", balance.Current, sum)
	}
}
