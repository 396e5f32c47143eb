// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/qrewards/scanpoint-system/internal/model"
	"github.com/qrewards/scanpoint-system/internal/otp"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCouponNotFound возвращается, если купон с указанным кодом не найден.
var (
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponNotActive возвращается, если купон не находится в статусе active.
	ErrCouponNotActive = errors.New("coupon not active")
	// ErrCouponExists возвращается при попытке создать купон с уже существующим кодом.
	ErrCouponExists = errors.New("coupon already exists")
	// ErrSessionNotFound возвращается, если сессия сканирования не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionState возвращается при операции над сессией в неподходящем состоянии.
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrUsageLimitExceeded возвращается, если лимит использований купона исчерпан.
	ErrUsageLimitExceeded = errors.New("coupon usage limit exceeded")
	// ErrOTPMismatch возвращается при несовпадении кода подтверждения.
	ErrOTPMismatch = errors.New("otp code mismatch")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateCoupon создаёт новый купон арендатора.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, coupon *model.Coupon) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (tenant_id, code, status, points, usage_limit)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		coupon.TenantID, coupon.Code, string(coupon.Status), coupon.Points, coupon.UsageLimit,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrCouponExists, coupon.Code)
		}
		return 0, fmt.Errorf("create coupon: %w", err)
	}
	return id, nil
}

// GetCouponByCode возвращает купон по коду. Поиск ограничен арендатором, если tenantID задан.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, tenantID *int64, code string) (*model.Coupon, error) {
	var row pgx.Row
	if tenantID != nil {
		row = r.pool.QueryRow(ctx,
			`SELECT id, tenant_id, code, status, points, usage_limit, usage_count, created_at, updated_at
			 FROM coupons
			 WHERE tenant_id = $1 AND code = $2`,
			*tenantID, code,
		)
	} else {
		row = r.pool.QueryRow(ctx,
			`SELECT id, tenant_id, code, status, points, usage_limit, usage_count, created_at, updated_at
			 FROM coupons
			 WHERE code = $1
			 ORDER BY id
			 LIMIT 1`,
			code,
		)
	}

	var c model.Coupon
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.Code, &status, &c.Points, &c.UsageLimit, &c.UsageCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	c.Status = model.CouponStatus(status)

	return &c, nil
}

// CreateSession сохраняет новую сессию сканирования.
func (r *PostgresRepository) CreateSession(ctx context.Context, session *model.ScanSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO scan_sessions (id, tenant_id, coupon_code, device_id, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.TenantID, session.CouponCode, session.DeviceID, string(session.Status),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession возвращает сессию сканирования по идентификатору.
func (r *PostgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.ScanSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, coupon_code, device_id, mobile, challenge_code, challenge_expires_at,
		        failed_attempts, status, created_at, updated_at
		 FROM scan_sessions
		 WHERE id = $1`,
		id,
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return s, nil
}

// FindOpenSession возвращает последнюю незавершённую сессию для пары купон+устройство.
func (r *PostgresRepository) FindOpenSession(ctx context.Context, tenantID int64, couponCode, deviceID string) (*model.ScanSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, coupon_code, device_id, mobile, challenge_code, challenge_expires_at,
		        failed_attempts, status, created_at, updated_at
		 FROM scan_sessions
		 WHERE tenant_id = $1 AND coupon_code = $2 AND device_id = $3
		   AND status IN ($4, $5)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID, couponCode, deviceID,
		string(model.SessionStatusPending), string(model.SessionStatusOTPSent),
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("find open session: %w", err)
	}

	return s, nil
}

func scanSession(row pgx.Row) (*model.ScanSession, error) {
	var s model.ScanSession
	var status string
	err := row.Scan(&s.ID, &s.TenantID, &s.CouponCode, &s.DeviceID, &s.Mobile, &s.ChallengeCode,
		&s.ChallengeExpiresAt, &s.FailedAttempts, &status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

// SetSessionChallenge сохраняет контакт и код подтверждения и переводит сессию в статус otp_sent.
// Обновление выполняется только из статуса pending_verification.
func (r *PostgresRepository) SetSessionChallenge(ctx context.Context, id uuid.UUID, mobile, code string, expiresAt time.Time) (*model.ScanSession, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE scan_sessions
		 SET mobile = $2, challenge_code = $3, challenge_expires_at = $4, status = $5, updated_at = now()
		 WHERE id = $1 AND status = $6
		 RETURNING id, tenant_id, coupon_code, device_id, mobile, challenge_code, challenge_expires_at,
		           failed_attempts, status, created_at, updated_at`,
		id, mobile, code, expiresAt,
		string(model.SessionStatusOTPSent), string(model.SessionStatusPending),
	)

	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update session challenge: %w", err)
	}

	// Строка не обновлена: различаем отсутствие сессии и неподходящий статус.
	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM scan_sessions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("select session status: %w", err)
	}

	return nil, ErrInvalidSessionState
}

// RedeemResult описывает исход атомарной проверки кода подтверждения.
type RedeemResult struct {
	Awarded      int64
	Balance      int64
	CouponStatus model.CouponStatus
	Replayed     bool
	TenantID     int64
	CouponCode   string
	Mobile       string
	DeviceID     *string
}

// RedeemSession выполняет шаг проверки кода как одну сериализуемую транзакцию.
// Строки сессии и купона блокируются до вычисления любых условий; порядок
// блокировок всегда сессия → купон, чтобы исключить взаимные блокировки.
func (r *PostgresRepository) RedeemSession(ctx context.Context, sessionID uuid.UUID, submittedCode string, now time.Time) (*RedeemResult, error) {
	var res *RedeemResult
	err := r.withRetry(ctx, func() error {
		var txErr error
		res, txErr = r.redeemSessionTx(ctx, sessionID, submittedCode, now)
		return txErr
	})
	return res, err
}

func (r *PostgresRepository) redeemSessionTx(ctx context.Context, sessionID uuid.UUID, submittedCode string, now time.Time) (*RedeemResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT id, tenant_id, coupon_code, device_id, mobile, challenge_code, challenge_expires_at,
		        failed_attempts, status, created_at, updated_at
		 FROM scan_sessions
		 WHERE id = $1
		 FOR UPDATE`,
		sessionID,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}

	// Повторный вызов для завершённой сессии: ничего не меняем, возвращаем текущее состояние.
	if session.Status == model.SessionStatusCompleted {
		res, err := r.replayResult(ctx, tx, session)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return res, nil
	}

	if session.Status != model.SessionStatusOTPSent {
		return nil, ErrInvalidSessionState
	}

	coupon, err := lockCoupon(ctx, tx, session.TenantID, session.CouponCode)
	if err != nil {
		return nil, err
	}

	if coupon.Status != model.CouponStatusActive {
		return nil, ErrCouponNotActive
	}

	if coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit {
		return nil, ErrUsageLimitExceeded
	}

	matched := session.ChallengeCode != nil && *session.ChallengeCode == submittedCode
	// Истёкший код считается несовпадением и расходует попытку.
	if matched && session.ChallengeExpiresAt != nil && now.After(*session.ChallengeExpiresAt) {
		matched = false
	}

	if !matched {
		attempts := session.FailedAttempts + 1
		status := model.SessionStatusOTPSent
		if attempts >= otp.MaxAttempts {
			status = model.SessionStatusFailed
		}

		_, err = tx.Exec(ctx,
			`UPDATE scan_sessions SET failed_attempts = $2, status = $3, updated_at = now() WHERE id = $1`,
			session.ID, attempts, string(status),
		)
		if err != nil {
			return nil, fmt.Errorf("record failed attempt: %w", err)
		}

		// Счётчик попыток фиксируется даже при неуспешном исходе.
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, ErrOTPMismatch
	}

	mobile := ""
	if session.Mobile != nil {
		mobile = *session.Mobile
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`INSERT INTO points_balances (tenant_id, mobile, balance)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, mobile)
		 DO UPDATE SET balance = points_balances.balance + EXCLUDED.balance, updated_at = now()
		 RETURNING balance`,
		session.TenantID, mobile, coupon.Points,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("upsert balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO points_transactions (tenant_id, mobile, amount, session_id, coupon_code, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.TenantID, mobile, coupon.Points, session.ID, coupon.Code, "coupon_redemption",
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	// Купон без лимита одноразовый и закрывается сразу. Купон с лимитом
	// остаётся активным: исчерпание отслеживается счётчиком использований.
	couponStatus := coupon.Status
	if coupon.UsageLimit == nil {
		couponStatus = model.CouponStatusUsed
	}

	_, err = tx.Exec(ctx,
		`UPDATE coupons SET status = $2, usage_count = usage_count + 1, updated_at = now() WHERE id = $1`,
		coupon.ID, string(couponStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("update coupon: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE scan_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		session.ID, string(model.SessionStatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &RedeemResult{
		Awarded:      coupon.Points,
		Balance:      balance,
		CouponStatus: couponStatus,
		TenantID:     session.TenantID,
		CouponCode:   coupon.Code,
		Mobile:       mobile,
		DeviceID:     session.DeviceID,
	}, nil
}

func (r *PostgresRepository) replayResult(ctx context.Context, tx pgx.Tx, session *model.ScanSession) (*RedeemResult, error) {
	mobile := ""
	if session.Mobile != nil {
		mobile = *session.Mobile
	}

	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(
		    (SELECT balance FROM points_balances WHERE tenant_id = $1 AND mobile = $2), 0)`,
		session.TenantID, mobile,
	).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("select balance: %w", err)
	}

	var couponStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM coupons WHERE tenant_id = $1 AND code = $2`,
		session.TenantID, session.CouponCode,
	).Scan(&couponStatus)
	if err != nil {
		return nil, fmt.Errorf("select coupon status: %w", err)
	}

	return &RedeemResult{
		Awarded:      0,
		Balance:      balance,
		CouponStatus: model.CouponStatus(couponStatus),
		Replayed:     true,
		TenantID:     session.TenantID,
		CouponCode:   session.CouponCode,
		Mobile:       mobile,
		DeviceID:     session.DeviceID,
	}, nil
}

func lockCoupon(ctx context.Context, tx pgx.Tx, tenantID int64, code string) (*model.Coupon, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, tenant_id, code, status, points, usage_limit, usage_count, created_at, updated_at
		 FROM coupons
		 WHERE tenant_id = $1 AND code = $2
		 FOR UPDATE`,
		tenantID, code,
	)

	var c model.Coupon
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.Code, &status, &c.Points, &c.UsageLimit, &c.UsageCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotActive
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}
	c.Status = model.CouponStatus(status)

	return &c, nil
}

// GetBalance возвращает текущий баланс баллов контакта.
func (r *PostgresRepository) GetBalance(ctx context.Context, tenantID int64, mobile string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(
		    (SELECT balance FROM points_balances WHERE tenant_id = $1 AND mobile = $2), 0)`,
		tenantID, mobile,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// GetTransactionsByMobile возвращает журнал начислений контакта. Сумма записей
// журнала всегда равна текущему балансу — журнал служит источником сверки.
func (r *PostgresRepository) GetTransactionsByMobile(ctx context.Context, tenantID int64, mobile string) ([]model.PointsTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, mobile, amount, session_id, coupon_code, reason, created_at
		 FROM points_transactions
		 WHERE tenant_id = $1 AND mobile = $2
		 ORDER BY created_at DESC`,
		tenantID, mobile,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PointsTransaction
	for rows.Next() {
		var txn model.PointsTransaction
		if err := rows.Scan(&txn.ID, &txn.TenantID, &txn.Mobile, &txn.Amount, &txn.SessionID,
			&txn.CouponCode, &txn.Reason, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
