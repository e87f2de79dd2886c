package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling rate above 1")
	}

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty service name")
	}
}

func TestDisabledTelemetry(t *testing.T) {
	tel := Disabled()
	defer func() { _ = tel.Shutdown(context.Background()) }()

	// No-op components must not panic.
	tel.Metrics.RecordActionStarted("CLUSTER_CREATE")
	tel.Metrics.RecordActionCompleted("CLUSTER_CREATE", "SUCCEEDED", time.Second)
	tel.Metrics.RecordLockContention()
	if err := tel.Events.PublishActionStarted("a-1", "CLUSTER_CREATE", "c-1"); err != nil {
		t.Errorf("disabled publisher should swallow events: %v", err)
	}
}

func TestEventPublisherDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:    true,
		BufferSize: 16,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	defer func() { _ = ep.Shutdown(context.Background()) }()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 4)
	ep.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	if err := ep.PublishActionStarted("a-1", "NODE_CREATE", "n-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ep.PublishActionCompleted("a-1", "NODE_CREATE", "FAILED", time.Second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	for _, ev := range got {
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("event %q missing id or timestamp", ev.Type)
		}
	}
}

func TestEventFilters(t *testing.T) {
	errOnly := FilterByLevel(EventLevelError)
	if errOnly(Event{Level: EventLevelInfo}) {
		t.Error("info event should not pass error-level filter")
	}
	if !errOnly(Event{Level: EventLevelError}) {
		t.Error("error event should pass error-level filter")
	}

	byType := FilterByType(EventTypeActionFailed, EventTypePolicyRejection)
	if byType(Event{Type: EventTypeActionStarted}) {
		t.Error("unlisted type should not pass type filter")
	}
	if !byType(Event{Type: EventTypePolicyRejection}) {
		t.Error("listed type should pass type filter")
	}

	byAction := FilterByActionID("a-1")
	if byAction(Event{ActionID: "a-2"}) {
		t.Error("mismatched action id should not pass")
	}
}

func TestLoggerFieldHelpers(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	// Chained field helpers return new loggers and leave the base intact.
	child := logger.WithActionID("a-1").WithClusterID("c-1").WithWorker("w-0")
	if child == logger {
		t.Error("field helper should return a new logger")
	}
	childZL := child.Zerolog()
	childZL.Debug().Msg("field helpers work")

	comp := logger.NewComponentLogger("dispatcher")
	compZL := comp.Zerolog()
	compZL.Info().Msg("component logger works")
}
