package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberlink/hostd/internal/capture"
	"github.com/emberlink/hostd/internal/codec"
	"github.com/emberlink/hostd/internal/engine"
	"github.com/emberlink/hostd/internal/wire"
)

// fakeSource hands out a fixed number of frames, then blocks forever so
// Run's loop doesn't busy-spin once the test has what it needs.
type fakeSource struct {
	frames chan capture.Frame
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{frames: make(chan capture.Frame, n)}
	for i := 0; i < n; i++ {
		s.frames <- capture.Frame{
			Pix:         []byte{1, 2, 3, 4},
			Width:       2,
			Height:      1,
			PTS:         time.Duration(i) * 16 * time.Millisecond,
			MotionRatio: 0.5,
			DirtyRects:  []capture.Rect{{X: 0, Y: 0, W: 2, H: 1}},
		}
	}
	return s
}

func (s *fakeSource) Capture() (capture.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
		return capture.Frame{}, errors.New("no more frames")
	}
}
func (s *fakeSource) Reconfigure(cfg capture.Config) error  { return nil }
func (s *fakeSource) Bounds() (int, int, error)             { return 2, 1, nil }
func (s *fakeSource) PrewarmMonitor(displayIndex int) error { return nil }
func (s *fakeSource) SwitchMonitor(displayIndex int) error  { return nil }
func (s *fakeSource) Close() error                          { return nil }

// passthroughEncrypter stands in for a negotiated cryptox.Session; it
// doesn't encrypt, it just lets SendPacket proceed past its nil-encrypter
// guard so tests can inspect what reached the Sender.
type passthroughEncrypter struct{}

func (passthroughEncrypter) SealFragment(h wire.Header, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

// recordingSender captures every fragment handed to it.
type recordingSender struct {
	mu        sync.Mutex
	fragments [][]byte
}

func (r *recordingSender) Send(fragment []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(fragment))
	copy(cp, fragment)
	r.fragments = append(r.fragments, cp)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fragments)
}

func testCaptureCfg() capture.Config {
	return capture.Config{RegionW: 2, RegionH: 1, FPS: 30, ColorDepth: 8, ScaleFactor: 1.0}
}

func newTestPeer(t *testing.T, key string, sender wire.Sender) *Peer {
	t.Helper()
	cs := &codec.Session{}
	if err := cs.Setup(codec.Config{
		Codec:   engine.CodecH264,
		Profile: engine.ProfileMain,
		Width:   2,
		Height:  1,
		Runtime: codec.RuntimeParameters{BitrateMbps: 5, Quality: 0.7, FPS: 30, KeyFrameInterval: 60, PeakMultiplier: 1.5},
	}); err != nil {
		t.Fatalf("codec setup: %v", err)
	}
	return &Peer{
		Key:    key,
		Codec:  cs,
		Wire:   wire.NewEncoder(false, sender, passthroughEncrypter{}, nil),
		Engine: engine.New(engine.Cooldowns{}, nil),
	}
}

func TestDispatchFrameSendsParameterSetsOnKeyFrame(t *testing.T) {
	sender := &recordingSender{}
	peer := newTestPeer(t, "peer-a", sender)

	p := New(newFakeSource(1), testCaptureCfg())
	p.AddPeer(peer)

	frame := capture.Frame{Pix: []byte{9, 9, 9, 9}, Width: 2, Height: 1, MotionRatio: 0.1}
	p.dispatchFrame(frame)

	if sender.count() == 0 {
		t.Fatalf("expected at least one fragment sent for the first (key) frame")
	}
}

func TestDispatchFrameSkipsDeadPeerWithoutBlockingOthers(t *testing.T) {
	good := &recordingSender{}
	peerGood := newTestPeer(t, "peer-good", good)

	p := New(newFakeSource(1), testCaptureCfg())
	p.AddPeer(peerGood)

	// A peer whose codec was never set up should fail to encode and must
	// not prevent the healthy peer from receiving its frame.
	brokenPeer := &Peer{
		Key:    "peer-broken",
		Codec:  &codec.Session{},
		Wire:   wire.NewEncoder(false, &recordingSender{}, passthroughEncrypter{}, nil),
		Engine: engine.New(engine.Cooldowns{}, nil),
	}
	p.AddPeer(brokenPeer)

	frame := capture.Frame{Pix: []byte{1, 2, 3, 4}, Width: 2, Height: 1, MotionRatio: 0.2}
	p.dispatchFrame(frame)

	if good.count() == 0 {
		t.Fatalf("expected the healthy peer to still receive fragments")
	}
}

func TestRemovePeerStopsFutureDispatch(t *testing.T) {
	sender := &recordingSender{}
	peer := newTestPeer(t, "peer-a", sender)

	p := New(newFakeSource(1), testCaptureCfg())
	p.AddPeer(peer)
	p.RemovePeer("peer-a")

	frame := capture.Frame{Pix: []byte{1, 2, 3, 4}, Width: 2, Height: 1}
	p.dispatchFrame(frame)

	if sender.count() != 0 {
		t.Fatalf("expected no fragments after peer removal, got %d", sender.count())
	}
}

func TestLatencyObservedPerStage(t *testing.T) {
	sender := &recordingSender{}
	peer := newTestPeer(t, "peer-a", sender)

	p := New(newFakeSource(1), testCaptureCfg())
	p.AddPeer(peer)

	frame := capture.Frame{Pix: []byte{1, 2, 3, 4}, Width: 2, Height: 1}
	p.dispatchFrame(frame)

	if peer.Latency.Encode.Value() < 0 {
		t.Fatalf("encode latency should never be negative, got %v", peer.Latency.Encode.Value())
	}
	if peer.Latency.Packetize.Value() < 0 {
		t.Fatalf("packetize latency should never be negative, got %v", peer.Latency.Packetize.Value())
	}
}

func TestRunStopsCleanly(t *testing.T) {
	p := New(newFakeSource(3), testCaptureCfg())
	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

// recordingSource wraps fakeSource to capture every Reconfigure call, so
// tests can check the frame source actually got reconfigured rather than
// just that the engine's decision carried a new scale.
type recordingSource struct {
	*fakeSource
	mu      sync.Mutex
	applied []capture.Config
}

func (r *recordingSource) Reconfigure(cfg capture.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, cfg)
	return nil
}

func (r *recordingSource) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

// S4 — retina promotion must reach the frame source, not just the engine's
// decision value, and only once for an unchanging scale.
func TestReconcileCaptureScaleReconfiguresFrameSourceOnce(t *testing.T) {
	src := &recordingSource{fakeSource: newFakeSource(0)}
	p := New(src, testCaptureCfg())

	d := engine.QualityDecision{CaptureScale: 2.0, ResolutionScale: 1.0}
	p.reconcileCaptureScale(d)
	p.reconcileCaptureScale(d)

	if src.count() != 1 {
		t.Fatalf("Reconfigure called %d times for an unchanging scale, want 1", src.count())
	}
	if src.applied[0].ScaleFactor != 2.0 {
		t.Fatalf("applied ScaleFactor = %v, want 2.0 (capture_scale * resolution_scale)", src.applied[0].ScaleFactor)
	}
}

func TestReconcileCaptureScaleSkipsWhenUnchanged(t *testing.T) {
	src := &recordingSource{fakeSource: newFakeSource(0)}
	cfg := testCaptureCfg()
	p := New(src, cfg)

	p.reconcileCaptureScale(engine.QualityDecision{CaptureScale: 1.0, ResolutionScale: 1.0})
	if src.count() != 0 {
		t.Fatalf("Reconfigure called for a scale matching the pipeline's initial config, want 0 calls")
	}
}

func TestReconcileCodecNoopWhenUnchanged(t *testing.T) {
	peer := newTestPeer(t, "peer-a", &recordingSender{})
	before := peer.Codec.Config()

	peer.reconcileCodec(engine.QualityDecision{CodecIndex: before.Codec, ProfileIndex: before.Profile})

	after := peer.Codec.Config()
	if after.Codec != before.Codec || after.Profile != before.Profile {
		t.Fatalf("codec/profile changed on a no-op decision: before=%+v after=%+v", before, after)
	}
}

// S5 — a codec change is suppressed while a peer is relayed.
func TestReconcileCodecSuppressedDuringRelay(t *testing.T) {
	peer := newTestPeer(t, "peer-a", &recordingSender{})
	peer.Relay = true
	before := peer.Codec.Config()

	peer.reconcileCodec(engine.QualityDecision{CodecIndex: engine.CodecHEVC, ProfileIndex: engine.ProfileHigh})

	after := peer.Codec.Config()
	if after.Codec != before.Codec || after.Profile != before.Profile {
		t.Fatalf("relayed peer's codec changed: before=%+v after=%+v", before, after)
	}
}

// S5 — a codec change applies for a direct-mode peer.
func TestReconcileCodecAppliesInDirectMode(t *testing.T) {
	peer := newTestPeer(t, "peer-a", &recordingSender{})

	peer.reconcileCodec(engine.QualityDecision{CodecIndex: engine.CodecHEVC, ProfileIndex: engine.ProfileHigh})

	after := peer.Codec.Config()
	if after.Codec != engine.CodecHEVC || after.Profile != engine.ProfileHigh {
		t.Fatalf("direct-mode peer's codec = %+v, want hevc/high", after)
	}
}

// Testable Property #4 — no predicted-frame send completes while a relay
// key-frame burst is in flight.
func TestSendAccessUnitSuppressesPredictedDuringRelayBurst(t *testing.T) {
	sender := &recordingSender{}
	pacer := wire.NewPacingController(true)
	peer := &Peer{
		Key:    "peer-a",
		Wire:   wire.NewEncoder(true, sender, passthroughEncrypter{}, pacer),
		Engine: engine.New(engine.Cooldowns{}, nil),
	}

	pacer.SetKeyFrameBurst(true)
	predicted := codec.AccessUnit{Bytes: []byte{1, 2, 3, 4}, IsKeyFrame: false}
	if err := sendAccessUnit(peer, predicted, nil, 0); err != nil {
		t.Fatalf("sendAccessUnit: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("predicted frame sent %d fragments while a relay burst was in flight, want 0", sender.count())
	}

	pacer.SetKeyFrameBurst(false)
	if err := sendAccessUnit(peer, predicted, nil, 0); err != nil {
		t.Fatalf("sendAccessUnit: %v", err)
	}
	if sender.count() == 0 {
		t.Fatal("predicted frame should send once the burst clears")
	}
}

func TestSendAccessUnitKeyFrameClearsBurstOnEncoder(t *testing.T) {
	sender := &recordingSender{}
	pacer := wire.NewPacingController(true)
	peer := &Peer{
		Key:    "peer-a",
		Wire:   wire.NewEncoder(true, sender, passthroughEncrypter{}, pacer),
		Engine: engine.New(engine.Cooldowns{}, nil),
	}

	keyFrame := codec.AccessUnit{Bytes: []byte{1, 2, 3, 4}, IsKeyFrame: true}
	if err := sendAccessUnit(peer, keyFrame, nil, 0); err != nil {
		t.Fatalf("sendAccessUnit: %v", err)
	}
	if pacer.SuppressPredicted() {
		t.Fatal("sending the key frame itself should clear the burst flag on the encoder's pacer")
	}
}
