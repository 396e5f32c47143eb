package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHTTPSink_Send(t *testing.T) {
	var received Event

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/events" {
			t.Fatalf("path = %s, want /api/events", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event := Event{
		Type:       EventScanStarted,
		TenantID:   1,
		SessionID:  "session-1",
		CouponCode: "TESTQR123456",
	}

	if err := sink.Send(ctx, event); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received.Type != EventScanStarted || received.CouponCode != "TESTQR123456" {
		t.Fatalf("unexpected event received: %+v", received)
	}
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := sink.Send(ctx, Event{Type: EventOTPSent}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestDispatcher_DeliversEvents(t *testing.T) {
	sink := &MemorySink{}
	d := NewDispatcher(sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Run(ctx)

	d.Emit(Event{Type: EventOTPVerified, SessionID: "s1"})
	d.Emit(Event{Type: EventPointsAwarded, SessionID: "s1"})

	deadline := time.After(time.Second)
	for {
		if len(sink.Events()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events not delivered, got %d", len(sink.Events()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	events := sink.Events()
	if events[0].Type != EventOTPVerified || events[1].Type != EventPointsAwarded {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestDispatcher_EmitNeverBlocks(t *testing.T) {
	// Диспетчер без запущенного Run: очередь заполняется и события отбрасываются.
	d := NewDispatcher(NoopSink{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*2; i++ {
			d.Emit(Event{Type: EventScanStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked on full queue")
	}
}
