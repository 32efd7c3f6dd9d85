package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("websocket")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "server", "http://localhost:3001")

	out := buf.String()
	if strings.Contains(out, `msg="INFO connected`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=websocket") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "server=http://localhost:3001") {
		t.Fatalf("expected server field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("websocket")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestSamplerAlwaysAllows(t *testing.T) {
	s := NewSampler(Always, 0)
	for i := 0; i < 5; i++ {
		if !s.Allow("k") {
			t.Fatal("Always mode should never suppress")
		}
	}
}

func TestSamplerOncePerSession(t *testing.T) {
	s := NewSampler(OncePerSession, 0)
	if !s.Allow("k") {
		t.Fatal("first call should be allowed")
	}
	if s.Allow("k") {
		t.Fatal("second call should be suppressed")
	}
	if !s.Allow("other") {
		t.Fatal("different key should be allowed independently")
	}
	s.Reset()
	if !s.Allow("k") {
		t.Fatal("after Reset the key should be allowed again")
	}
}

func TestSamplerPerSecond(t *testing.T) {
	s := NewSampler(PerSecond, 0)
	if !s.Allow("k") {
		t.Fatal("first call should be allowed")
	}
	if s.Allow("k") {
		t.Fatal("immediate repeat within the same second should be suppressed")
	}
}

func TestSamplerThrottle(t *testing.T) {
	s := NewSampler(Throttle, 20*time.Millisecond)
	if !s.Allow("k") {
		t.Fatal("first call should be allowed")
	}
	if s.Allow("k") {
		t.Fatal("repeat within the throttle interval should be suppressed")
	}
	time.Sleep(25 * time.Millisecond)
	if !s.Allow("k") {
		t.Fatal("call after the throttle interval should be allowed")
	}
}
