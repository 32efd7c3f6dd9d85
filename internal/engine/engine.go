package engine

import (
	"sync"
	"time"

	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("engine")

// qualityChangeCooldown gates the on_quality_changed sink; see applyAndNotify.
const qualityChangeCooldown = 100 * time.Millisecond

// modeProfiles is the mode table Level 4 consults; values match the spec's
// worked examples (S1-S6) rather than being independently invented.
var modeProfiles = map[Mode]ModeProfile{
	ModeBalanced: {
		BitrateMbps: 20, FPS: 60, KeyFrameInterval: 60, Quality: 0.80,
		Codec: CodecH264, Profile: ProfileMain, ResolutionScale: 1.0,
		LowLatency: false, PeakMultiplier: 1.5,
	},
	ModePerformance: {
		BitrateMbps: 60, FPS: 60, KeyFrameInterval: 30, Quality: 0.70,
		Codec: CodecH264, Profile: ProfileHigh, ResolutionScale: 1.0,
		LowLatency: true, PeakMultiplier: 1.3,
	},
	ModeQuality: {
		BitrateMbps: 40, FPS: 30, KeyFrameInterval: 120, Quality: 0.95,
		Codec: CodecHEVC, Profile: ProfileHigh, ResolutionScale: 1.0,
		LowLatency: false, PeakMultiplier: 1.5,
	},
	ModeEco: {
		BitrateMbps: 8, FPS: 24, KeyFrameInterval: 60, Quality: 0.70,
		Codec: CodecH264, Profile: ProfileBaseline, ResolutionScale: 0.75,
		LowLatency: false, PeakMultiplier: 1.2,
	},
	ModeNetworkLimited: {
		BitrateMbps: 10, FPS: 30, KeyFrameInterval: 15, Quality: 0.65,
		Codec: CodecH264, Profile: ProfileMain, ResolutionScale: 0.75,
		LowLatency: true, PeakMultiplier: 1.0,
	},
}

// emergencyDecision is Level 0's fixed output, codec/profile filled in from
// whatever was previously in force since Emergency must never reconfigure
// the encoder.
func emergencyDecision(prevCodec Codec, prevProfile Profile) QualityDecision {
	return QualityDecision{
		BitrateMbps:      5,
		TargetFPS:        15,
		KeyFrameInterval: 15,
		QualityValue:     0.5,
		CodecIndex:       prevCodec,
		ProfileIndex:     prevProfile,
		CaptureScale:     1.0,
		ResolutionScale:  0.5,
		LowLatency:       true,
		PeakMultiplier:   1.0,
		Reason:           "emergency",
	}
}

// Engine is the Omniscient control engine. All signal setters and Evaluate
// are safe for concurrent use and serialize on one lock. Evaluate runs on
// its caller's goroutine; internal/pipeline calls it once per frame for
// each peer from inside the capture loop.
type Engine struct {
	mu sync.Mutex

	cooldowns Cooldowns

	network NetworkMetrics
	host    HostMetrics
	client  ClientMetrics
	zoom    float64

	activity *ActivityTracker
	load     *EncoderLoadTracker

	scrollIsActive bool

	mode             Mode
	lastModeChange   time.Time
	lastQualityChange time.Time
	lastCodecChange  time.Time
	lastRetinaSwitch time.Time
	loadPenaltyEnd   time.Time

	prev    QualityDecision
	hasPrev bool

	onQualityChanged func(QualityDecision)

	now func() time.Time
}

// New builds an Engine with the given cooldowns and an onQualityChanged sink
// invoked from inside Evaluate when the decision changes and the
// quality-change cooldown has elapsed. sink may be nil.
func New(cooldowns Cooldowns, sink func(QualityDecision)) *Engine {
	return &Engine{
		cooldowns: cooldowns,
		activity:  NewActivityTracker(),
		load:      NewEncoderLoadTracker(),
		mode:      ModeBalanced,
		// Assume a healthy client (full battery, charging, nominal thermal)
		// until the first telemetry frame arrives, so the zero value of
		// ClientMetrics doesn't read as "critically low battery" and force
		// Eco mode before a viewer has even reported in.
		client:           ClientMetrics{Battery: 1.0, IsCharging: true},
		onQualityChanged: sink,
		now:              time.Now,
		prev: QualityDecision{
			CodecIndex:   CodecH264,
			ProfileIndex: ProfileMain,
			CaptureScale: 1.0,
		},
	}
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// Activity returns the engine's screen-activity tracker, for the capture
// stage to feed directly.
func (e *Engine) Activity() *ActivityTracker { return e.activity }

// Load returns the engine's encoder-load tracker, for the codec stage to
// feed directly.
func (e *Engine) Load() *EncoderLoadTracker { return e.load }

// SetNetworkMetrics updates the Level-1 signal.
func (e *Engine) SetNetworkMetrics(m NetworkMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.network = m
}

// SetHostMetrics updates the host half of the Level-2 signal.
func (e *Engine) SetHostMetrics(m HostMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.host = m
}

// SetClientMetrics updates the client half of the Level-2 signal.
func (e *Engine) SetClientMetrics(m ClientMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = m
}

// SetZoomScale updates the client-requested logical zoom factor.
func (e *Engine) SetZoomScale(scale float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoom = scale
}

// SetScrolling updates whether the input-physics estimator currently
// considers the client to be scrolling (consulted nowhere in the cascade
// today but tracked for parity with the spec's signal-input list and future
// mode tuning).
func (e *Engine) SetScrolling(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrollIsActive = active
}

// Evaluate runs the five-level cascade and returns a new QualityDecision.
// It never fails; missing tracker data (e.g. encoder-load warm-up) is
// treated as nominal.
func (e *Engine) Evaluate() QualityDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	activity := e.activity.Snapshot()
	critical := e.load.IsCritical()
	overloaded := e.load.IsOverloaded()

	// Level 0 — Emergency.
	if critical || e.client.Thermal >= ThermalCritical || e.network.LossRate > 0.10 {
		d := emergencyDecision(e.prev.CodecIndex, e.prev.ProfileIndex)
		e.loadPenaltyEnd = now.Add(e.cooldowns.LoadPenalty)
		e.applyAndNotify(d, now, true)
		return d
	}

	loadPenaltyActive := now.Before(e.loadPenaltyEnd)

	// Level 1 — Network gate.
	bwCeiling, fpsCeiling, retinaAllowed := networkGate(e.network)
	lossOverrideKF := 0
	if e.network.LossRate > 0.03 {
		lossOverrideKF = 15
	}

	// Level 2 — Device gate.
	deviceFPSCap := fpsCeiling
	deviceResCap := 1.0
	if e.host.CPU > 0.80 {
		deviceFPSCap = minInt(deviceFPSCap, 30)
		deviceResCap = minF(deviceResCap, 0.75)
	} else if e.host.CPU > 0.60 {
		deviceFPSCap = minInt(deviceFPSCap, 60)
	}
	if e.host.Thermal >= ThermalSerious {
		deviceFPSCap = minInt(deviceFPSCap, 30)
		deviceResCap = minF(deviceResCap, 0.5)
	}
	if e.client.Battery < 0.15 && !e.client.IsCharging {
		deviceFPSCap = minInt(deviceFPSCap, 24)
	}
	if e.client.Thermal >= ThermalSerious {
		deviceFPSCap = minInt(deviceFPSCap, 30)
	}
	if overloaded || loadPenaltyActive {
		deviceResCap = minF(deviceResCap, 0.75)
	}

	// Level 3 — Content adaptation.
	contentQuality, contentAdjust, contentFPS, contentKF := contentAdaptation(activity)
	retina := retinaAllowed && (e.zoom >= 1.5 || (activity.StaticDurationS >= e.cooldowns.StaticDurationThresh.Seconds() &&
		now.Sub(e.lastRetinaSwitch) >= e.cooldowns.RetinaSwitch && !overloaded))

	// Level 4 — Mode policy.
	mode := selectMode(e.host, e.client, e.network, activity)
	if mode != e.mode && now.Sub(e.lastModeChange) >= e.cooldowns.ModeChange {
		e.mode = mode
		e.lastModeChange = now
	}
	profile := modeProfiles[e.mode]

	// Final parameter assembly.
	bitrate := minF(bwCeiling, profile.BitrateMbps*contentAdjust)
	fps := minInt(minInt(fpsCeiling, deviceFPSCap), minInt(profile.FPS, contentFPS))
	quality := maxF(profile.Quality, contentQuality)
	kf := minInt(contentKF, profile.KeyFrameInterval)
	if lossOverrideKF != 0 {
		kf = lossOverrideKF
	}

	codec := e.prev.CodecIndex
	if profile.Codec != e.prev.CodecIndex && now.Sub(e.lastCodecChange) >= e.cooldowns.Codec {
		codec = profile.Codec
		e.lastCodecChange = now
	}

	resScale := minF(deviceResCap, profile.ResolutionScale)

	captureScale := 1.0
	if retina {
		captureScale = 2.0
		if e.prev.CaptureScale != 2.0 {
			e.lastRetinaSwitch = now
		}
	}

	d := QualityDecision{
		BitrateMbps:      bitrate,
		TargetFPS:        fps,
		KeyFrameInterval: kf,
		QualityValue:     quality,
		CodecIndex:       codec,
		ProfileIndex:     profile.Profile,
		CaptureScale:     captureScale,
		ResolutionScale:  resScale,
		LowLatency:       profile.LowLatency,
		PeakMultiplier:   profile.PeakMultiplier,
		Reason:           e.mode.String(),
	}

	e.applyAndNotify(d, now, false)
	return d
}

// applyAndNotify stores d as the new previous decision and, subject to the
// quality-change cooldown (bypassed for Emergency), invokes the sink.
func (e *Engine) applyAndNotify(d QualityDecision, now time.Time, emergency bool) {
	changed := !e.hasPrev || d.changedFrom(e.prev)
	// The spec names a "quality-change cooldown" on the on_quality_changed
	// sink but doesn't give it a value; reuse the settings-debounce constant
	// (100ms) the concurrency model already defines elsewhere.
	shouldNotify := changed && (emergency || now.Sub(e.lastQualityChange) >= qualityChangeCooldown)
	e.prev = d
	e.hasPrev = true
	if changed {
		e.lastQualityChange = now
	}
	if shouldNotify && e.onQualityChanged != nil {
		e.onQualityChanged(d)
	}
	if changed {
		log.Debug("quality decision changed", "reason", d.Reason, "bitrate_mbps", d.BitrateMbps,
			"fps", d.TargetFPS, "codec", d.CodecIndex.String(), "capture_scale", d.CaptureScale)
	}
}

func networkGate(m NetworkMetrics) (bitrateCeiling float64, fpsCeiling int, retinaAllowed bool) {
	switch m.Level {
	case NetworkExcellent:
		return minF(0.9*m.BandwidthMbps, 100), 120, true
	case NetworkGood:
		return minF(0.8*m.BandwidthMbps, 60), 60, true
	case NetworkModerate:
		return minF(0.7*m.BandwidthMbps, 25), 30, false
	default: // NetworkPoor
		return minF(0.5*m.BandwidthMbps, 15), 30, false
	}
}

// contentAdaptation returns (quality, bitrateAdjust, fpsTarget, kfTarget)
// per Level 3's three buckets.
func contentAdaptation(a ActivitySnapshot) (quality, adjust float64, fps, kf int) {
	switch a.Level {
	case ActivityStatic:
		if a.StaticDurationS >= 10 {
			return 0.95, 0.5, 30, 120
		}
		return 0.80, 1.0, 60, 60
	case ActivityLight:
		return 0.80, 1.0, 60, 60
	default: // ActivityHeavy
		return 0.70, 1.3, 60, 30
	}
}

func selectMode(host HostMetrics, client ClientMetrics, net NetworkMetrics, activity ActivitySnapshot) Mode {
	switch {
	case (client.Battery < 0.20 && !client.IsCharging) || host.Thermal >= ThermalSerious || client.Thermal >= ThermalSerious:
		return ModeEco
	case net.LossRate > 0.05 || net.BandwidthMbps < 5 || net.Level == NetworkPoor:
		return ModeNetworkLimited
	case activity.StaticDurationS > 3 && (net.Level == NetworkExcellent || net.Level == NetworkGood):
		return ModeQuality
	case activity.Level == ActivityHeavy && (net.Level == NetworkExcellent || net.Level == NetworkGood):
		return ModePerformance
	default:
		return ModeBalanced
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
