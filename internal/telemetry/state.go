// Package telemetry assembles the Omniscient state snapshot the host
// periodically reports to each peer (§6, wire type 0x50): network/host/
// client signals, the engine's current quality decision, and per-stage
// pipeline latency.
package telemetry

// OmniscientState is the JSON object sent as the wire.PacketOmniscientState
// payload. Field names and casing match §6's own field list verbatim so
// wire captures are directly comparable against the spec text.
type OmniscientState struct {
	HostCPU         float64 `json:"host_cpu"`
	HostMemory      float64 `json:"host_memory"`
	HostThermal     int     `json:"host_thermal"`
	RTTSeconds      float64 `json:"rtt_s"`
	PacketLoss      float64 `json:"packet_loss"`
	BandwidthMbps   float64 `json:"bandwidth_mbps"`
	NetworkQuality  string  `json:"network_quality"`

	ScrollVelocity      float64 `json:"scroll_velocity"`
	IsScrolling         bool    `json:"is_scrolling"`
	ContentMotionRatio  float64 `json:"content_motion_ratio"`
	IsContentStatic     bool    `json:"is_content_static"`

	ClientThermal int     `json:"client_thermal"`
	ClientBattery float64 `json:"client_battery"`
	ClientFPS     float64 `json:"client_fps"`

	TargetBitrateMbps float64 `json:"target_bitrate_mbps"`
	TargetFPS         int     `json:"target_fps"`
	CaptureScale      float64 `json:"capture_scale"`
	EncoderQuality    float64 `json:"encoder_quality"`
	KeyFrameInterval  int     `json:"key_frame_interval"`
	CodecName         string  `json:"codec_name"`
	ProfileName       string  `json:"profile_name"`
	ResolutionScale   float64 `json:"resolution_scale"`
	LowLatencyMode    bool    `json:"low_latency_mode"`
	PeakMultiplier    float64 `json:"peak_multiplier"`
	DecisionReason    string  `json:"decision_reason"`
	EngineMode        string  `json:"engine_mode"`

	CaptureToEncodeMs float64 `json:"capture_to_encode_ms"`
	EncodeDurationMs  float64 `json:"encode_duration_ms"`
	PacketizeMs       float64 `json:"packetize_ms"`
	HostWallClockMs   int64   `json:"host_wall_clock_ms"`
}
