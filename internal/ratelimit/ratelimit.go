// Package ratelimit реализует ограничение частоты запросов с подключаемым хранилищем счётчиков.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Counter увеличивает и возвращает счётчик обращений по ключу в пределах текущего окна.
// Реализация в памяти подходит для одного экземпляра сервиса; для нескольких
// экземпляров счётчики должны жить в общем хранилище.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Rule описывает правило ограничения: предел обращений в пределах окна.
type Rule struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Decision содержит результат проверки правила.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter проверяет правила ограничения частоты поверх хранилища счётчиков.
type Limiter struct {
	counter Counter
}

// NewLimiter создаёт ограничитель поверх указанного хранилища счётчиков.
func NewLimiter(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// Allow проверяет, укладывается ли ключ в предел правила.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) (Decision, error) {
	count, err := l.counter.Incr(ctx, rule.Name+":"+key, rule.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("incr counter: %w", err)
	}

	if count > rule.Limit {
		return Decision{
			Allowed:    false,
			RetryAfter: rule.Window,
		}, nil
	}

	return Decision{Allowed: true}, nil
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter хранит счётчики окон в памяти процесса.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*windowCounter
	now     func() time.Time
}

// NewMemoryCounter создаёт хранилище счётчиков в памяти.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]*windowCounter),
		now:     time.Now,
	}
}

// Incr увеличивает счётчик ключа в текущем окне и возвращает новое значение.
func (c *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	w, ok := c.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &windowCounter{resetAt: now.Add(window)}
		c.windows[key] = w
	}

	w.count++

	// Попутная чистка истёкших окон, чтобы карта не росла бесконечно.
	if len(c.windows) > 10000 {
		for k, v := range c.windows {
			if now.After(v.resetAt) {
				delete(c.windows, k)
			}
		}
	}

	return w.count, nil
}
