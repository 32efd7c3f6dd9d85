// Package pipeline wires capture, codec, the Omniscient engine, the wire
// protocol, and transport together into one per-peer streaming loop: pull
// a frame, feed the engine's activity tracker, encode it, packetize and
// send each parameter set and the access unit, observe stage latency.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/emberlink/hostd/internal/capture"
	"github.com/emberlink/hostd/internal/codec"
	"github.com/emberlink/hostd/internal/engine"
	"github.com/emberlink/hostd/internal/logging"
	"github.com/emberlink/hostd/internal/telemetry"
	"github.com/emberlink/hostd/internal/wire"
)

var log = logging.L("pipeline")

func paramPacketType(kind codec.ParameterSetKind) wire.PacketType {
	switch kind {
	case codec.ParamVPS:
		return wire.PacketVPS
	case codec.ParamSPS:
		return wire.PacketSPS
	default:
		return wire.PacketPPS
	}
}

// Peer bundles one connected viewer's encoder session, wire encoder, and
// engine instance. Each peer gets its own codec.Session and engine.Engine
// since the spec's per-peer negotiation (resolution, codec swap) must not
// cross-affect other viewers of the same host.
type Peer struct {
	Key     string
	Codec   *codec.Session
	Wire    *wire.Encoder
	Engine  *engine.Engine
	Latency telemetry.PipelineLatency

	// Relay marks a peer whose data path is TURN-relayed rather than direct
	// UDP. A codec change mid-relay has no feedback path to confirm the
	// viewer's decoder kept up, so reconcileCodec suppresses it here and
	// lets it apply once the engine recomputes it for a peer that isn't
	// relayed (S5).
	Relay bool

	mu           sync.Mutex
	lastDecision engine.QualityDecision
}

// LastDecision returns the most recent quality decision this peer's engine
// produced, for a telemetry.Builder to read alongside the latency fields.
func (p *Peer) LastDecision() engine.QualityDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDecision
}

// reconcileCodec drives the full teardown+setup the spec requires when the
// engine names a codec or profile different from the one the session is
// currently running (§4.3, Testable Property #3). Setup/UpdateRuntimeParameters
// never changes Codec/Profile once a session is live, so this is the only
// path a codec swap can take.
func (p *Peer) reconcileCodec(decision engine.QualityDecision) {
	cur := p.Codec.Config()
	if cur.Width <= 0 || cur.Height <= 0 {
		// Setup was never called (or never succeeded) for this session —
		// there's nothing running yet to swap out of.
		return
	}
	if cur.Codec == decision.CodecIndex && cur.Profile == decision.ProfileIndex {
		return
	}

	if p.Relay {
		log.Debug("codec change suppressed during relay", "peer", p.Key,
			"from", cur.Codec.String()+"/"+cur.Profile.String(),
			"to", decision.CodecIndex.String()+"/"+decision.ProfileIndex.String())
		return
	}

	next := cur
	next.Codec = decision.CodecIndex
	next.Profile = decision.ProfileIndex
	next.Runtime = codec.RuntimeParameters{
		BitrateMbps:      decision.BitrateMbps,
		Quality:          decision.QualityValue,
		FPS:              decision.TargetFPS,
		KeyFrameInterval: decision.KeyFrameInterval,
		PeakMultiplier:   decision.PeakMultiplier,
	}

	if err := p.Codec.Prewarm(next); err != nil {
		log.Warn("codec prewarm for swap failed", "peer", p.Key, "error", err)
		return
	}
	if err := p.Codec.SwapToPrewarmed(); err != nil {
		log.Warn("codec swap failed", "peer", p.Key, "error", err)
		return
	}
	// SwapToPrewarmed's fresh backend already forces its own first keyframe;
	// this makes that guarantee explicit rather than relying on it silently.
	p.Codec.ForceKeyframe()
	log.Info("codec swapped", "peer", p.Key,
		"codec", decision.CodecIndex.String(), "profile", decision.ProfileIndex.String())
}

// Pipeline drives the capture loop and fans each frame out to every
// registered peer.
type Pipeline struct {
	source capture.Source

	mu    sync.Mutex
	peers map[string]*Peer

	captureMu      sync.Mutex
	captureCfg     capture.Config
	appliedScale   float64
	haveAppliedCfg bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pipeline reading from source, seeded with the capture
// config source was itself opened with so a later rescale can preserve
// every other field (region, FPS, color depth).
func New(source capture.Source, captureCfg capture.Config) *Pipeline {
	return &Pipeline{
		source:         source,
		peers:          make(map[string]*Peer),
		captureCfg:     captureCfg,
		appliedScale:   captureCfg.ScaleFactor,
		haveAppliedCfg: true,
		stopCh:         make(chan struct{}),
	}
}

// AddPeer registers a peer to receive encoded frames.
func (p *Pipeline) AddPeer(peer *Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.Key] = peer
}

// RemovePeer stops sending frames to a disconnected peer.
func (p *Pipeline) RemovePeer(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, key)
}

func (p *Pipeline) snapshotPeers() []*Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	return out
}

// Run drives the capture→encode→send loop until Stop is called.
func (p *Pipeline) Run() {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		frame, err := p.source.Capture()
		if err != nil {
			log.Warn("capture failed", "error", err)
			continue
		}
		p.dispatchFrame(frame)
	}
}

// Stop ends the capture loop and waits for it to exit.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pipeline) dispatchFrame(frame capture.Frame) {
	timestamp := uint64(frame.PTS.Milliseconds())

	for _, peer := range p.snapshotPeers() {
		peer.Engine.Activity().RecordDirtyRects(frame.MotionRatio, len(frame.DirtyRects))

		decision := peer.Engine.Evaluate()
		peer.mu.Lock()
		peer.lastDecision = decision
		peer.mu.Unlock()

		peer.reconcileCodec(decision)
		p.reconcileCaptureScale(decision)

		encodeStart := time.Now()
		unit, params, err := peer.Codec.Encode(frame.Pix, frame.PTS)
		encodeMs := float64(time.Since(encodeStart).Microseconds()) / 1000.0
		if err != nil {
			log.Warn("encode failed", "peer", peer.Key, "error", err)
			continue
		}
		peer.Latency.Encode.Observe(encodeMs)

		packetizeStart := time.Now()
		if err := sendAccessUnit(peer, unit, params, timestamp); err != nil {
			log.Warn("send failed", "peer", peer.Key, "error", err)
		}
		packetizeMs := float64(time.Since(packetizeStart).Microseconds()) / 1000.0
		peer.Latency.Packetize.Observe(packetizeMs)
	}
}

// sendAccessUnit sends any parameter sets (re-fired per AccessUnit.IsKeyFrame,
// per internal/codec's own gating) followed by the coded frame itself. A
// predicted (non-key) frame is dropped rather than sent while the peer's
// wire encoder reports a relay key-frame burst still in flight (§3,
// Testable Property #4) — the viewer will catch up from the next frame.
func sendAccessUnit(peer *Peer, unit codec.AccessUnit, params []codec.ParameterSet, timestamp uint64) error {
	for _, ps := range params {
		if err := peer.Wire.SendPacket(paramPacketType(ps.Kind), ps.Bytes, timestamp); err != nil {
			return fmt.Errorf("send parameter set: %w", err)
		}
	}

	pt := wire.PacketVideoFrame
	if unit.IsKeyFrame {
		pt = wire.PacketKeyFrame
	} else if peer.Wire.SuppressPredicted() {
		log.Debug("predicted frame suppressed during relay key-frame burst", "peer", peer.Key)
		return nil
	}
	if err := peer.Wire.SendPacket(pt, unit.Bytes, timestamp); err != nil {
		return fmt.Errorf("send access unit: %w", err)
	}
	return nil
}

// reconcileCaptureScale applies a capture_scale/resolution_scale change to
// the shared frame source (§2's reverse control flow: "new parameters
// applied to Codec session and Frame source"; S4's "frame source
// reconfigured once" on retina promotion). One physical display is shared
// across every peer, so the effective scale is the product of the two
// decision fields and the last writer wins when peers disagree — the same
// single-display assumption already baked into cmd/hostd's DisplaySize call.
func (p *Pipeline) reconcileCaptureScale(decision engine.QualityDecision) {
	scale := decision.CaptureScale * decision.ResolutionScale

	p.captureMu.Lock()
	defer p.captureMu.Unlock()
	if p.haveAppliedCfg && scale == p.appliedScale {
		return
	}

	cfg := p.captureCfg
	cfg.ScaleFactor = scale
	if err := p.source.Reconfigure(cfg); err != nil {
		log.Warn("frame source reconfigure failed", "scale", scale, "error", err)
		return
	}
	p.captureCfg = cfg
	p.appliedScale = scale
	p.haveAppliedCfg = true
	log.Info("frame source reconfigured", "capture_scale", decision.CaptureScale,
		"resolution_scale", decision.ResolutionScale, "effective_scale", scale)
}
