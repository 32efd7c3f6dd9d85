package telemetry

import (
	"encoding/json"
	"time"

	"github.com/emberlink/hostd/internal/engine"
)

// Builder assembles one OmniscientState snapshot from the engine's latest
// decision plus the signal sources that fed it, so the transport layer can
// serialize and send it without needing to know any of those sources'
// concrete types.
type Builder struct {
	Decision engine.QualityDecision
	Network  engine.NetworkMetrics
	Host     engine.HostMetrics
	Client   engine.ClientMetrics
	Activity engine.ActivitySnapshot

	ScrollVX, ScrollVY float64
	IsScrolling        bool

	Latency *PipelineLatency

	// Now defaults to time.Now; overridable for deterministic tests.
	Now func() time.Time
}

func (b *Builder) clock() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build produces the JSON-ready snapshot.
func (b *Builder) Build() OmniscientState {
	var captureToEncode, encodeMs, packetizeMs float64
	if b.Latency != nil {
		captureToEncode = b.Latency.CaptureToEncode.Value()
		encodeMs = b.Latency.Encode.Value()
		packetizeMs = b.Latency.Packetize.Value()
	}

	scrollVelocity := b.ScrollVX
	if abs(b.ScrollVY) > abs(b.ScrollVX) {
		scrollVelocity = b.ScrollVY
	}

	return OmniscientState{
		HostCPU:        b.Host.CPU,
		HostMemory:     b.Host.Memory,
		HostThermal:    int(b.Host.Thermal),
		RTTSeconds:     b.Network.RTTSeconds,
		PacketLoss:     b.Network.LossRate,
		BandwidthMbps:  b.Network.BandwidthMbps,
		NetworkQuality: b.Network.Level.String(),

		ScrollVelocity:     scrollVelocity,
		IsScrolling:        b.IsScrolling,
		ContentMotionRatio: b.Activity.MotionRatio,
		IsContentStatic:    b.Activity.Level == engine.ActivityStatic,

		ClientThermal: int(b.Client.Thermal),
		ClientBattery: b.Client.Battery,
		ClientFPS:     b.Client.CurrentFPS,

		TargetBitrateMbps: b.Decision.BitrateMbps,
		TargetFPS:         b.Decision.TargetFPS,
		CaptureScale:      b.Decision.CaptureScale,
		EncoderQuality:    b.Decision.QualityValue,
		KeyFrameInterval:  b.Decision.KeyFrameInterval,
		CodecName:         b.Decision.CodecIndex.String(),
		ProfileName:       b.Decision.ProfileIndex.String(),
		ResolutionScale:   b.Decision.ResolutionScale,
		LowLatencyMode:    b.Decision.LowLatency,
		PeakMultiplier:    b.Decision.PeakMultiplier,
		DecisionReason:    b.Decision.Reason,
		// The engine stamps QualityDecision.Reason with the mode name itself
		// (e.g. "balanced", "emergency") rather than a separate mode field,
		// so engine_mode and decision_reason carry the same value here.
		EngineMode: b.Decision.Reason,

		CaptureToEncodeMs: captureToEncode,
		EncodeDurationMs:  encodeMs,
		PacketizeMs:       packetizeMs,
		HostWallClockMs:   b.clock().UnixMilli(),
	}
}

// MarshalJSON builds and serializes the snapshot in one call, for handing
// straight to wire.Encoder.SendPacket(wire.PacketOmniscientState, ...).
func (b *Builder) MarshalJSON() ([]byte, error) {
	state := b.Build()
	return json.Marshal(state)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
