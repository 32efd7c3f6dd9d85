package capture

import (
	"sync"
	"time"
)

// syntheticBackend is the always-available placeholder: a deterministic
// moving-gradient pattern generator that still honors the full reconfigure
// contract, so the rest of the pipeline never has to special-case "no
// platform capture system present". Real platform bindings (DXGI, X11,
// ScreenCaptureKit) register ahead of it via RegisterBackend.
type syntheticBackend struct {
	mu    sync.Mutex
	cfg   Config
	frame int64
}

func newSyntheticBackend(cfg Config) (backend, error) {
	return &syntheticBackend{cfg: normalize(cfg)}, nil
}

// normalize fills in the region/scale defaults a real display would report.
func normalize(cfg Config) Config {
	if cfg.RegionW <= 0 {
		cfg.RegionW = 1920
	}
	if cfg.RegionH <= 0 {
		cfg.RegionH = 1080
	}
	if cfg.ScaleFactor <= 0 {
		cfg.ScaleFactor = 1.0
	}
	if cfg.ColorDepth <= 0 {
		cfg.ColorDepth = 8
	}
	return cfg
}

func (s *syntheticBackend) Capture() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := int(float64(s.cfg.RegionW) * s.cfg.ScaleFactor)
	h := int(float64(s.cfg.RegionH) * s.cfg.ScaleFactor)
	stride := w * 4
	pix := make([]byte, stride*h)

	// A single horizontally-scrolling band gives the differ something
	// bounded and reproducible to find, instead of either an all-static or
	// all-random frame.
	band := int(s.frame*4) % w
	for y := 0; y < h; y++ {
		row := y * stride
		for x := 0; x < w; x++ {
			i := row + x*4
			var v byte = 32
			if x >= band && x < band+64 {
				v = 220
			}
			pix[i] = v
			pix[i+1] = v
			pix[i+2] = v
			pix[i+3] = 0xFF
		}
	}
	s.frame++

	return Frame{
		Pix:    pix,
		Width:  w,
		Height: h,
		Stride: stride,
		PTS:    time.Duration(s.frame) * time.Second / time.Duration(max1(s.cfg.FPS)),
	}, nil
}

func max1(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}

func (s *syntheticBackend) Reconfigure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = normalize(cfg)
	return nil
}

func (s *syntheticBackend) Bounds() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RegionW, s.cfg.RegionH, nil
}

func (s *syntheticBackend) Close() error { return nil }
