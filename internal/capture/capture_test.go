package capture

import "testing"

func testCfg() Config {
	cfg := DefaultConfig()
	cfg.RegionW = 256
	cfg.RegionH = 128
	return cfg
}

func TestFirstCaptureIsFullyDirty(t *testing.T) {
	src, err := NewSource(testCfg())
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	f, err := src.Capture()
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if f.MotionRatio != 1.0 {
		t.Fatalf("first frame motion ratio = %v, want 1.0", f.MotionRatio)
	}
	if len(f.DirtyRects) != 1 || f.DirtyRects[0].W != f.Width || f.DirtyRects[0].H != f.Height {
		t.Fatalf("first frame dirty rects = %+v, want one full-frame rect", f.DirtyRects)
	}
}

func TestSubsequentCaptureReportsPartialMotion(t *testing.T) {
	src, err := NewSource(testCfg())
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if _, err := src.Capture(); err != nil {
		t.Fatalf("Capture 1: %v", err)
	}
	f2, err := src.Capture()
	if err != nil {
		t.Fatalf("Capture 2: %v", err)
	}
	if f2.MotionRatio <= 0 || f2.MotionRatio >= 1.0 {
		t.Fatalf("second frame motion ratio = %v, want strictly between 0 and 1", f2.MotionRatio)
	}
}

func TestReconfigureResetsChangeDetectionOnDimensionChange(t *testing.T) {
	src, err := NewSource(testCfg())
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if _, err := src.Capture(); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	cfg := testCfg()
	cfg.ScaleFactor = 2.0
	if err := src.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	f, err := src.Capture()
	if err != nil {
		t.Fatalf("Capture after reconfigure: %v", err)
	}
	if f.MotionRatio != 1.0 {
		t.Fatalf("first frame after reconfigure motion ratio = %v, want 1.0 (full redraw)", f.MotionRatio)
	}
	if f.Width != 512 || f.Height != 256 {
		t.Fatalf("capture_scale=2.0 should double region dimensions, got %dx%d", f.Width, f.Height)
	}
}

func TestBoundsReflectsRegion(t *testing.T) {
	src, err := NewSource(testCfg())
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	w, h, err := src.Bounds()
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if w != 256 || h != 128 {
		t.Fatalf("Bounds = %dx%d, want 256x128", w, h)
	}
}

func TestSwitchMonitorDoesNotDropLiveSource(t *testing.T) {
	s := &source{cfg: normalize(testCfg()), differ: newDiffer()}
	b, err := newBackend(s.cfg)
	if err != nil {
		t.Fatalf("newBackend: %v", err)
	}
	s.active = b

	if err := s.PrewarmMonitor(1); err != nil {
		t.Fatalf("PrewarmMonitor: %v", err)
	}
	if s.active != b {
		t.Fatal("PrewarmMonitor must not disturb the live backend")
	}

	if err := s.SwitchMonitor(1); err != nil {
		t.Fatalf("SwitchMonitor: %v", err)
	}
	if s.active == b {
		t.Fatal("SwitchMonitor should replace the live backend")
	}
	if s.cfg.DisplayIndex != 1 {
		t.Fatalf("cfg.DisplayIndex = %d, want 1", s.cfg.DisplayIndex)
	}

	// After a monitor switch the differ must be reset, so the next capture
	// reports a full redraw rather than diffing against the old monitor.
	f, err := s.Capture()
	if err != nil {
		t.Fatalf("Capture after switch: %v", err)
	}
	if f.MotionRatio != 1.0 {
		t.Fatalf("motion ratio after switch = %v, want 1.0", f.MotionRatio)
	}
}

func TestSwitchMonitorWithoutPrewarmBuildsOnDemand(t *testing.T) {
	s := &source{cfg: normalize(testCfg()), differ: newDiffer()}
	b, err := newBackend(s.cfg)
	if err != nil {
		t.Fatalf("newBackend: %v", err)
	}
	s.active = b

	if err := s.SwitchMonitor(2); err != nil {
		t.Fatalf("SwitchMonitor without prewarm: %v", err)
	}
	if s.active == b {
		t.Fatal("SwitchMonitor should have built and swapped a new backend")
	}
}

func TestListMonitorsFallsBackToDefault(t *testing.T) {
	infos, err := ListMonitors()
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if len(infos) != 1 || !infos[0].IsPrimary {
		t.Fatalf("ListMonitors fallback = %+v, want single primary default", infos)
	}
}

func TestCaptureEmptyFrameErrors(t *testing.T) {
	s := &source{cfg: normalize(testCfg()), differ: newDiffer(), active: emptyBackend{}}
	if _, err := s.Capture(); err != ErrEmptyFrame {
		t.Fatalf("Capture with empty backend frame = %v, want ErrEmptyFrame", err)
	}
}

// emptyBackend always returns a frame with no pixel data, exercising the
// ErrEmptyFrame guard without depending on a real backend's internals.
type emptyBackend struct{}

func (emptyBackend) Capture() (Frame, error)       { return Frame{}, nil }
func (emptyBackend) Reconfigure(cfg Config) error  { return nil }
func (emptyBackend) Bounds() (int, int, error)     { return 0, 0, nil }
func (emptyBackend) Close() error                  { return nil }
