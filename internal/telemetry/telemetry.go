// Package telemetry отправляет события протокола во внешний приёмник в режиме fire-and-forget.
package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// EventType описывает тип события телеметрии.
type EventType string

const (
	EventScanStarted    EventType = "scan_started"
	EventOTPSent        EventType = "otp_sent"
	EventOTPVerified    EventType = "otp_verified"
	EventPointsAwarded  EventType = "points_awarded"
	EventCouponRedeemed EventType = "coupon_redeemed"
)

// Event описывает одно событие телеметрии.
type Event struct {
	Type       EventType         `json:"event_type"`
	TenantID   int64             `json:"tenant_id"`
	SessionID  string            `json:"session_id"`
	CouponCode string            `json:"coupon_code,omitempty"`
	Contact    string            `json:"contact,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink принимает события телеметрии. Ошибки приёмника не влияют на вызывающую сторону.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

const queueSize = 256

// Dispatcher накапливает события в ограниченной очереди и отправляет их в фоне.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger
	queue  chan Event
}

// NewDispatcher создаёт диспетчер событий с ограниченной очередью.
func NewDispatcher(sink Sink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sink:   sink,
		logger: logger,
		queue:  make(chan Event, queueSize),
	}
}

// Emit ставит событие в очередь отправки. Вызов никогда не блокируется:
// при переполненной очереди событие отбрасывается.
func (d *Dispatcher) Emit(event Event) {
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("telemetry queue full, event dropped",
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
		)
	}
}

// Run отправляет события из очереди до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			if err := d.sink.Send(ctx, event); err != nil {
				d.logger.Warn("telemetry send failed",
					zap.Error(err),
					zap.String("event_type", string(event.Type)),
				)
			}
		}
	}
}
