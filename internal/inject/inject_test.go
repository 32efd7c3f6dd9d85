package inject

import (
	"testing"
	"time"
)

type recordedCall struct {
	method string
	x, y   int
	button uint8
	dx, dy float32
	code   uint16
}

type fakeInjector struct {
	calls []recordedCall
}

func (f *fakeInjector) MouseMove(x, y int) error {
	f.calls = append(f.calls, recordedCall{method: "move", x: x, y: y})
	return nil
}
func (f *fakeInjector) MouseDown(button uint8) error {
	f.calls = append(f.calls, recordedCall{method: "down", button: button})
	return nil
}
func (f *fakeInjector) MouseUp(button uint8) error {
	f.calls = append(f.calls, recordedCall{method: "up", button: button})
	return nil
}
func (f *fakeInjector) MouseScroll(dx, dy float32) error {
	f.calls = append(f.calls, recordedCall{method: "scroll", dx: dx, dy: dy})
	return nil
}
func (f *fakeInjector) KeyDown(code uint16) error {
	f.calls = append(f.calls, recordedCall{method: "keydown", code: code})
	return nil
}
func (f *fakeInjector) KeyUp(code uint16) error {
	f.calls = append(f.calls, recordedCall{method: "keyup", code: code})
	return nil
}

func TestDecodeMouseMoveRoundTrip(t *testing.T) {
	data := EncodeMouseMove(42, 0.25, 0.75)
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventMouseMove || ev.Timestamp != 42 {
		t.Fatalf("got %+v", ev)
	}
	if ev.NormX != 0.25 || ev.NormY != 0.75 {
		t.Fatalf("coords mismatch: %+v", ev)
	}
}

func TestDecodeRejectsShortPayload(t *testing.T) {
	if _, err := Decode([]byte{byte(EventMouseMove), 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatalf("expected error for truncated mouseMove payload")
	}
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for payload shorter than header")
	}
}

func TestDispatcherDenormalizesMouseMove(t *testing.T) {
	fake := &fakeInjector{}
	d := NewDispatcher(fake, 1920, 1080)

	if err := d.Dispatch(Event{Type: EventMouseMove, NormX: 0.5, NormY: 0.5}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0].x != 960 || fake.calls[0].y != 540 {
		t.Fatalf("got %+v", fake.calls)
	}
}

func TestDispatcherMouseDownUpIgnoreCoordinates(t *testing.T) {
	fake := &fakeInjector{}
	d := NewDispatcher(fake, 1920, 1080)

	if err := d.Dispatch(Event{Type: EventMouseDown, Button: 1}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0].method != "down" || fake.calls[0].button != 1 {
		t.Fatalf("got %+v", fake.calls)
	}
}

func TestDispatcherRoutesTelemetryAndZoomToHandlers(t *testing.T) {
	fake := &fakeInjector{}
	d := NewDispatcher(fake, 1920, 1080)

	var gotTelemetry, gotZoom bool
	d.SetTelemetryHandler(func(ev Event) { gotTelemetry = true })
	d.SetZoomHandler(func(ev Event) { gotZoom = true })

	if err := d.Dispatch(Event{Type: EventTelemetry}); err != nil {
		t.Fatalf("dispatch telemetry: %v", err)
	}
	if err := d.Dispatch(Event{Type: EventZoomRequest}); err != nil {
		t.Fatalf("dispatch zoom: %v", err)
	}
	if !gotTelemetry || !gotZoom {
		t.Fatalf("expected both handlers invoked: telemetry=%v zoom=%v", gotTelemetry, gotZoom)
	}
	if len(fake.calls) != 0 {
		t.Fatalf("telemetry/zoom must not reach the platform backend: %+v", fake.calls)
	}
}

func TestScrollPhysicsReportsVelocityAndIdleTimeout(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sp := NewScrollPhysics(clock)

	if sp.IsScrolling() {
		t.Fatalf("expected not scrolling before any observation")
	}

	sp.Observe(0, 100)
	now = now.Add(100 * time.Millisecond)
	sp.Observe(0, 50)

	if !sp.IsScrolling() {
		t.Fatalf("expected scrolling right after an observation")
	}
	_, vy := sp.Velocity()
	if vy != 500 { // 50px / 0.1s
		t.Fatalf("expected vy=500, got %v", vy)
	}

	now = now.Add(250 * time.Millisecond)
	if sp.IsScrolling() {
		t.Fatalf("expected is_scrolling=false after 200ms idle")
	}
	vx, vy := sp.Velocity()
	if vx != 0 || vy != 0 {
		t.Fatalf("expected zero velocity once idle, got (%v, %v)", vx, vy)
	}
}

func TestDispatcherFeedsScrollPhysics(t *testing.T) {
	fake := &fakeInjector{}
	d := NewDispatcher(fake, 100, 100)

	if err := d.Dispatch(Event{Type: EventMouseScroll, DX: 0, DY: 10}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !d.Scroll().IsScrolling() {
		t.Fatalf("expected scroll physics to register the observation")
	}
}

func TestDispatchRawRejectsMalformedEvent(t *testing.T) {
	fake := &fakeInjector{}
	d := NewDispatcher(fake, 100, 100)
	if err := d.DispatchRaw([]byte{0xFF}); err == nil {
		t.Fatalf("expected error for malformed raw event")
	}
}

func TestSetDisplaySizeUpdatesDisplaySize(t *testing.T) {
	fake := &fakeInjector{}
	d := NewDispatcher(fake, 100, 100)

	w, h := d.DisplaySize()
	if w != 100 || h != 100 {
		t.Fatalf("expected initial size 100x100, got %dx%d", w, h)
	}

	d.SetDisplaySize(1920, 1080)
	w, h = d.DisplaySize()
	if w != 1920 || h != 1080 {
		t.Fatalf("expected updated size 1920x1080, got %dx%d", w, h)
	}
}
