package codec

import (
	"testing"
	"time"

	"github.com/emberlink/hostd/internal/engine"
)

func testConfig(codec engine.Codec) Config {
	return Config{
		Codec:   codec,
		Profile: engine.ProfileMain,
		Width:   1920,
		Height:  1080,
		Runtime: RuntimeParameters{BitrateMbps: 20, Quality: 0.8, FPS: 60, KeyFrameInterval: 60, PeakMultiplier: 1.5},
	}
}

func TestSessionFirstEncodeEmitsParameterSetsAndKeyframe(t *testing.T) {
	var s Session
	if err := s.Setup(testConfig(engine.CodecH264)); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	au, params, err := s.Encode([]byte{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !au.IsKeyFrame {
		t.Fatal("first access unit must be a key frame")
	}
	if len(params) != 2 {
		t.Fatalf("H.264 should emit SPS+PPS only, got %d param sets", len(params))
	}
}

func TestSessionHEVCEmitsVPS(t *testing.T) {
	var s Session
	if err := s.Setup(testConfig(engine.CodecHEVC)); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, params, err := s.Encode([]byte{1}, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(params) != 3 {
		t.Fatalf("HEVC should emit VPS+SPS+PPS, got %d", len(params))
	}
	if params[0].Kind != ParamVPS {
		t.Fatalf("first param set should be VPS, got %v", params[0].Kind)
	}
}

func TestSessionSubsequentEncodesOmitParameterSets(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	_, _, _ = s.Encode([]byte{1}, 0)
	au, params, err := s.Encode([]byte{2}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if au.IsKeyFrame {
		t.Fatal("second access unit should not be a key frame without a force")
	}
	if params != nil {
		t.Fatalf("expected no parameter-set burst on the second frame, got %d", len(params))
	}
}

func TestForceKeyframeMarksNextFrame(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	_, _, _ = s.Encode([]byte{1}, 0) // consumes the initial forced keyframe
	s.ForceKeyframe()
	au, params, err := s.Encode([]byte{2}, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !au.IsKeyFrame {
		t.Fatal("ForceKeyframe should mark the next access unit as a key frame")
	}
	if len(params) == 0 {
		t.Fatal("a forced key frame should re-emit the parameter-set burst")
	}
}

func TestUpdateRuntimeParametersDoesNotTeardown(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	activeBefore := s.active
	if err := s.UpdateRuntimeParameters(RuntimeParameters{BitrateMbps: 5, Quality: 0.5, FPS: 30, KeyFrameInterval: 15, PeakMultiplier: 1.0}); err != nil {
		t.Fatalf("UpdateRuntimeParameters: %v", err)
	}
	if s.active != activeBefore {
		t.Fatal("UpdateRuntimeParameters must not replace the backend")
	}
}

func TestUpdateRuntimeParametersRejectsInvalid(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	if err := s.UpdateRuntimeParameters(RuntimeParameters{BitrateMbps: 0, FPS: 30}); err == nil {
		t.Fatal("expected error for zero bitrate")
	}
}

func TestPrewarmAndSwapDoesNotDropLiveSession(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	liveBefore := s.active

	if err := s.Prewarm(testConfig(engine.CodecHEVC)); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if s.active != liveBefore {
		t.Fatal("Prewarm must not disturb the live session")
	}

	if err := s.SwapToPrewarmed(); err != nil {
		t.Fatalf("SwapToPrewarmed: %v", err)
	}
	if s.active == liveBefore {
		t.Fatal("SwapToPrewarmed should replace the live backend")
	}

	// After a swap, parameter sets must be re-sent with a forced keyframe.
	au, params, err := s.Encode([]byte{1}, 0)
	if err != nil {
		t.Fatalf("Encode after swap: %v", err)
	}
	if !au.IsKeyFrame || len(params) == 0 {
		t.Fatal("first encode after swap must force a keyframe and parameter-set burst")
	}
}

func TestSwapToPrewarmedWithoutPrewarmFails(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	if err := s.SwapToPrewarmed(); err == nil {
		t.Fatal("expected error swapping with no prewarmed session")
	}
}

func TestTeardownReleasesSession(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	if err := s.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, _, err := s.Encode([]byte{1}, 0); err != ErrNotInitialized {
		t.Fatalf("Encode after teardown = %v, want ErrNotInitialized", err)
	}
}

func TestEncodeEmptyFrameErrors(t *testing.T) {
	var s Session
	_ = s.Setup(testConfig(engine.CodecH264))
	if _, _, err := s.Encode(nil, 0); err != ErrEmptyFrame {
		t.Fatalf("Encode(nil) = %v, want ErrEmptyFrame", err)
	}
}

func TestHealthTrackerDisablesAfterThreeStrikes(t *testing.T) {
	var h healthTracker
	if h.recordFailure() {
		t.Fatal("should not disable after 1 failure")
	}
	if h.recordFailure() {
		t.Fatal("should not disable after 2 failures")
	}
	if !h.recordFailure() {
		t.Fatal("should disable after 3 consecutive failures")
	}
	h.recordSuccess()
	if h.recordFailure() {
		t.Fatal("a success should reset the strike counter")
	}
}
