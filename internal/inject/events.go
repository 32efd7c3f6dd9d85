// Package inject decodes the input-event datagram family (§4.6) and drives
// a platform input backend from it: mouse move/click/scroll, key up/down,
// the zoom-request gesture, and client telemetry. It also hosts the
// scroll-velocity physics estimator that feeds the Omniscient state's
// scroll_velocity/is_scrolling fields.
package inject

import (
	"encoding/binary"
	"errors"
	"math"
)

// EventType is the leading byte of one input-event datagram, after the
// shared `type:u8 | timestamp:u64 | payload` framing (§4.6). The spec names
// these types without assigning wire codes; this numbering is this
// package's own, chosen to stay clear of the control-byte family used
// elsewhere on the same datagram socket (0xFC/0xFE/0xFF/0xAA/0xEC/0xEE/0xEF).
type EventType byte

const (
	EventMouseMove   EventType = 0x10
	EventMouseDown   EventType = 0x11
	EventMouseUp     EventType = 0x12
	EventMouseScroll EventType = 0x13
	EventKeyDown     EventType = 0x14
	EventKeyUp       EventType = 0x15
	EventZoomRequest EventType = 0x16
	EventTelemetry   EventType = 0x17
)

// ErrMalformedEvent is returned when a payload is shorter than its type
// requires.
var ErrMalformedEvent = errors.New("inject: malformed input event")

const headerLen = 1 + 8 // type:u8 | timestamp:u64

// Event is one decoded input-event datagram.
type Event struct {
	Type      EventType
	Timestamp uint64 // client-side ms-since-epoch, echoed back in telemetry RTT math

	NormX, NormY float32 // mouseMove: normalized [0,1] display-relative coordinates
	Button       uint8   // mouseDown/Up: 0=left, 1=right, 2=middle
	DX, DY       float32 // mouseScroll: per-event delta
	KeyCode      uint16  // keyDown/Up

	IsZooming           bool    // zoomRequest
	ZoomX, ZoomY        float32 // zoomRequest: normalized region origin
	ZoomW, ZoomH        float32 // zoomRequest: normalized region size
	ZoomScale           float32 // zoomRequest

	Battery   float32 // telemetry
	Charging  bool    // telemetry
	Thermal   uint8   // telemetry (0=nominal .. 3=critical, mirrors engine's ThermalLevel ordering)
	LowPower  bool    // telemetry
	FPS       float64 // telemetry
}

// Decode parses one input-event datagram.
func Decode(data []byte) (Event, error) {
	if len(data) < headerLen {
		return Event{}, ErrMalformedEvent
	}
	ev := Event{
		Type:      EventType(data[0]),
		Timestamp: binary.BigEndian.Uint64(data[1:9]),
	}
	payload := data[headerLen:]

	switch ev.Type {
	case EventMouseMove:
		if len(payload) < 8 {
			return Event{}, ErrMalformedEvent
		}
		ev.NormX = math.Float32frombits(binary.BigEndian.Uint32(payload[0:4]))
		ev.NormY = math.Float32frombits(binary.BigEndian.Uint32(payload[4:8]))
	case EventMouseDown, EventMouseUp:
		if len(payload) < 1 {
			return Event{}, ErrMalformedEvent
		}
		ev.Button = payload[0]
	case EventMouseScroll:
		if len(payload) < 8 {
			return Event{}, ErrMalformedEvent
		}
		ev.DX = math.Float32frombits(binary.BigEndian.Uint32(payload[0:4]))
		ev.DY = math.Float32frombits(binary.BigEndian.Uint32(payload[4:8]))
	case EventKeyDown, EventKeyUp:
		if len(payload) < 2 {
			return Event{}, ErrMalformedEvent
		}
		ev.KeyCode = binary.BigEndian.Uint16(payload[0:2])
	case EventZoomRequest:
		if len(payload) < 21 {
			return Event{}, ErrMalformedEvent
		}
		ev.IsZooming = payload[0] != 0
		ev.ZoomX = math.Float32frombits(binary.BigEndian.Uint32(payload[1:5]))
		ev.ZoomY = math.Float32frombits(binary.BigEndian.Uint32(payload[5:9]))
		ev.ZoomW = math.Float32frombits(binary.BigEndian.Uint32(payload[9:13]))
		ev.ZoomH = math.Float32frombits(binary.BigEndian.Uint32(payload[13:17]))
		ev.ZoomScale = math.Float32frombits(binary.BigEndian.Uint32(payload[17:21]))
	case EventTelemetry:
		if len(payload) < 15 {
			return Event{}, ErrMalformedEvent
		}
		ev.Battery = math.Float32frombits(binary.BigEndian.Uint32(payload[0:4]))
		ev.Charging = payload[4] != 0
		ev.Thermal = payload[5]
		ev.LowPower = payload[6] != 0
		ev.FPS = math.Float64frombits(binary.BigEndian.Uint64(payload[7:15]))
	default:
		return Event{}, ErrMalformedEvent
	}
	return ev, nil
}

// EncodeMouseMove builds a mouseMove event datagram (used by tests and by
// any loopback/simulation tooling).
func EncodeMouseMove(timestamp uint64, normX, normY float32) []byte {
	buf := make([]byte, headerLen+8)
	buf[0] = byte(EventMouseMove)
	binary.BigEndian.PutUint64(buf[1:9], timestamp)
	binary.BigEndian.PutUint32(buf[9:13], math.Float32bits(normX))
	binary.BigEndian.PutUint32(buf[13:17], math.Float32bits(normY))
	return buf
}

// EncodeMouseScroll builds a mouseScroll event datagram.
func EncodeMouseScroll(timestamp uint64, dx, dy float32) []byte {
	buf := make([]byte, headerLen+8)
	buf[0] = byte(EventMouseScroll)
	binary.BigEndian.PutUint64(buf[1:9], timestamp)
	binary.BigEndian.PutUint32(buf[9:13], math.Float32bits(dx))
	binary.BigEndian.PutUint32(buf[13:17], math.Float32bits(dy))
	return buf
}

// EncodeKeyEvent builds a keyDown or keyUp event datagram.
func EncodeKeyEvent(down bool, timestamp uint64, keyCode uint16) []byte {
	buf := make([]byte, headerLen+2)
	if down {
		buf[0] = byte(EventKeyDown)
	} else {
		buf[0] = byte(EventKeyUp)
	}
	binary.BigEndian.PutUint64(buf[1:9], timestamp)
	binary.BigEndian.PutUint16(buf[9:11], keyCode)
	return buf
}
