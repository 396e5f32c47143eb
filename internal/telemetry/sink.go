package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPSink отправляет события телеметрии во внешний сервис по HTTP.
type HTTPSink struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSink создаёт HTTP-приёмник событий по указанному адресу.
func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send отправляет одно событие. Неуспешный статус считается ошибкой отправки.
func (s *HTTPSink) Send(ctx context.Context, event Event) error {
	if s == nil || s.baseURL == "" {
		return fmt.Errorf("telemetry sink not configured")
	}

	base := s.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/api/events", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// NoopSink отбрасывает все события. Используется, когда приёмник не настроен.
type NoopSink struct{}

// Send ничего не делает.
func (NoopSink) Send(ctx context.Context, event Event) error {
	return nil
}

// MemorySink накапливает события в памяти. Используется в тестах.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Send сохраняет событие в памяти.
func (s *MemorySink) Send(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events возвращает копию накопленных событий.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Event, len(s.events))
	copy(res, s.events)
	return res
}
