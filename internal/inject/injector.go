package inject

import "sync"

// Injector is a platform input backend. Coordinates passed in are already
// denormalized to host display pixels by Dispatcher.
type Injector interface {
	MouseMove(x, y int) error
	// MouseDown/MouseUp act on the cursor's current position: the wire
	// format carries only the button (§4.6), the client having already
	// moved the pointer there with a prior mouseMove event.
	MouseDown(button uint8) error
	MouseUp(button uint8) error
	MouseScroll(dx, dy float32) error
	KeyDown(code uint16) error
	KeyUp(code uint16) error
}

// TelemetryHandler receives a decoded client telemetry event.
type TelemetryHandler func(ev Event)

// ZoomHandler receives a decoded zoom-request gesture.
type ZoomHandler func(ev Event)

// Dispatcher denormalizes mouseMove/zoomRequest coordinates against the
// host's current display size and routes every decoded Event to the
// platform Injector or the appropriate out-of-band handler.
type Dispatcher struct {
	backend Injector
	scroll  *ScrollPhysics

	mu            sync.Mutex
	displayW      int
	displayH      int
	onTelemetry   TelemetryHandler
	onZoomRequest ZoomHandler
}

// NewDispatcher creates a Dispatcher over backend. displayW/displayH are the
// host's current capture dimensions in pixels, used to denormalize
// mouseMove/zoomRequest coordinates; call SetDisplaySize on resolution
// change.
func NewDispatcher(backend Injector, displayW, displayH int) *Dispatcher {
	return &Dispatcher{
		backend:  backend,
		scroll:   NewScrollPhysics(nil),
		displayW: displayW,
		displayH: displayH,
	}
}

// SetDisplaySize updates the pixel dimensions used to denormalize
// normalized mouse coordinates (§4.6: "normalized coordinates multiply by
// the host display size").
func (d *Dispatcher) SetDisplaySize(w, h int) {
	d.mu.Lock()
	d.displayW, d.displayH = w, h
	d.mu.Unlock()
}

// DisplaySize returns the pixel dimensions currently used to denormalize
// coordinates, e.g. for a codec session sized to match the host display.
func (d *Dispatcher) DisplaySize() (w, h int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.displayW, d.displayH
}

// SetTelemetryHandler installs the callback for decoded telemetry events.
func (d *Dispatcher) SetTelemetryHandler(fn TelemetryHandler) { d.onTelemetry = fn }

// SetZoomHandler installs the callback for decoded zoom-request events.
func (d *Dispatcher) SetZoomHandler(fn ZoomHandler) { d.onZoomRequest = fn }

// Scroll exposes the dispatcher's physics estimator, e.g. for the
// Omniscient-state reporter to read scroll_velocity/is_scrolling from.
func (d *Dispatcher) Scroll() *ScrollPhysics { return d.scroll }

func (d *Dispatcher) denormalize(normX, normY float32) (int, int) {
	d.mu.Lock()
	w, h := d.displayW, d.displayH
	d.mu.Unlock()
	return int(normX * float32(w)), int(normY * float32(h))
}

// Dispatch routes one decoded Event to the backend or an out-of-band
// handler.
func (d *Dispatcher) Dispatch(ev Event) error {
	switch ev.Type {
	case EventMouseMove:
		x, y := d.denormalize(ev.NormX, ev.NormY)
		return d.backend.MouseMove(x, y)
	case EventMouseDown:
		return d.backend.MouseDown(ev.Button)
	case EventMouseUp:
		return d.backend.MouseUp(ev.Button)
	case EventMouseScroll:
		d.scroll.Observe(ev.DX, ev.DY)
		return d.backend.MouseScroll(ev.DX, ev.DY)
	case EventKeyDown:
		return d.backend.KeyDown(ev.KeyCode)
	case EventKeyUp:
		return d.backend.KeyUp(ev.KeyCode)
	case EventZoomRequest:
		if d.onZoomRequest != nil {
			d.onZoomRequest(ev)
		}
		return nil
	case EventTelemetry:
		if d.onTelemetry != nil {
			d.onTelemetry(ev)
		}
		return nil
	default:
		return ErrMalformedEvent
	}
}

// DispatchRaw decodes and dispatches one input-event datagram in a single
// call.
func (d *Dispatcher) DispatchRaw(data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		return err
	}
	return d.Dispatch(ev)
}
