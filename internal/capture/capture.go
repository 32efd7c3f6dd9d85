// Package capture implements the frame source: timed pixel frames, dynamic
// reconfiguration (resolution, region, FPS, color depth, capture scale), and
// per-frame dirty-rect reporting. The platform pixel-grabbing system itself
// is an external collaborator (spec §1 non-goal); this package ships the
// session contract, a factory registry for real backends to register
// against at init time, and a synthetic placeholder backend, mirroring the
// boundary internal/codec draws around the hardware encoder.
package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("capture")

var (
	ErrNotSupported    = errors.New("capture: not supported on this platform")
	ErrDisplayNotFound = errors.New("capture: display not found")
	ErrEmptyFrame      = errors.New("capture: backend returned an empty frame")
)

// MonitorInfo describes a connected display output.
type MonitorInfo struct {
	Index     int
	Name      string
	Width     int
	Height    int
	X         int
	Y         int
	IsPrimary bool
}

// Rect is a capture-reported region of change within a frame, in source
// pixel coordinates.
type Rect struct {
	X, Y, W, H int
}

// Config seeds a frame source and is also the unit of dynamic
// reconfiguration (resolution, region, FPS, color depth, capture scale).
type Config struct {
	DisplayIndex int
	// RegionX/RegionY/RegionW/RegionH restrict capture to a sub-rect of the
	// display; RegionW/RegionH of 0 means "full display".
	RegionX, RegionY, RegionW, RegionH int
	FPS                                int
	ColorDepth                         int // bits per channel; 8 or 10
	// ScaleFactor mirrors the engine's capture_scale (1.0 logical, 2.0 retina).
	ScaleFactor float64
}

// DefaultConfig returns the baseline capture configuration.
func DefaultConfig() Config {
	return Config{
		DisplayIndex: 0,
		FPS:          30,
		ColorDepth:   8,
		ScaleFactor:  1.0,
	}
}

// Frame is one captured image plus the change-region report the activity
// tracker consumes.
type Frame struct {
	Pix         []byte // tightly packed RGBA, row-major
	Width       int
	Height      int
	Stride      int
	PTS         time.Duration
	DirtyRects  []Rect
	MotionRatio float64 // dirty area / (Width*Height), 0..1
}

// Source produces timed pixel frames and can be reconfigured in place
// without a full teardown, the same contract internal/codec.Session gives
// the encoder side of the pipeline.
type Source interface {
	// Capture blocks until the next frame is available (or the backend's
	// own pacing releases one) and returns it with dirty rects computed.
	Capture() (Frame, error)
	// Reconfigure applies a new Config without dropping the underlying
	// session; a backend that cannot apply a field live returns an error
	// and the caller falls back to Close+re-open.
	Reconfigure(cfg Config) error
	// Bounds returns the current display's native dimensions.
	Bounds() (width, height int, err error)
	// PrewarmMonitor builds a backend targeting displayIndex off to the
	// side, without disturbing the live capture loop.
	PrewarmMonitor(displayIndex int) error
	// SwitchMonitor atomically swaps in the prewarmed backend for
	// displayIndex (prewarming it first if needed).
	SwitchMonitor(displayIndex int) error
	Close() error
}

// backend is the platform pixel-grabbing boundary. Real platform bindings
// register themselves via RegisterBackend at init time; none ship here
// since the capture system is an external collaborator.
type backend interface {
	Capture() (Frame, error)
	Reconfigure(cfg Config) error
	Bounds() (width, height int, err error)
	Close() error
}

type backendFactory func(cfg Config) (backend, error)

var (
	backendsMu sync.Mutex
	backends   []backendFactory
)

// RegisterBackend adds a platform capture factory to the list NewSource
// tries, in registration order, before falling back to the synthetic
// placeholder.
func RegisterBackend(factory backendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends = append(backends, factory)
}

func newBackend(cfg Config) (backend, error) {
	backendsMu.Lock()
	factories := append([]backendFactory(nil), backends...)
	backendsMu.Unlock()

	for _, f := range factories {
		b, err := f(cfg)
		if err == nil {
			return b, nil
		}
		log.Warn("platform capture backend unavailable, trying next", "error", err)
	}
	return newSyntheticBackend(cfg)
}

// source wraps a backend with dirty-rect diffing: the backend only needs to
// produce pixels, the diff against the previous frame is common to every
// backend and lives here.
type source struct {
	mu     sync.Mutex
	cfg    Config
	active backend
	differ *differ

	prewarmCfg     Config
	prewarmBackend backend
}

// NewSource builds a frame source for the given configuration.
func NewSource(cfg Config) (Source, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &source{cfg: cfg, active: b, differ: newDiffer()}, nil
}

func (s *source) Capture() (Frame, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	f, err := active.Capture()
	if err != nil {
		return Frame{}, err
	}
	if len(f.Pix) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	s.mu.Lock()
	rects, ratio := s.differ.diff(f)
	s.mu.Unlock()
	f.DirtyRects = rects
	f.MotionRatio = ratio
	return f, nil
}

// Reconfigure applies the new config to the active backend; a resolution,
// region or color-depth change resets the differ since the previous frame
// is no longer comparable.
func (s *source) Reconfigure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.active.Reconfigure(cfg); err != nil {
		return err
	}
	prev := s.cfg
	s.cfg = cfg
	if prev.RegionX != cfg.RegionX || prev.RegionY != cfg.RegionY ||
		prev.RegionW != cfg.RegionW || prev.RegionH != cfg.RegionH ||
		prev.ScaleFactor != cfg.ScaleFactor || prev.ColorDepth != cfg.ColorDepth {
		s.differ.reset()
	}
	return nil
}

func (s *source) Bounds() (int, int, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return active.Bounds()
}

func (s *source) Close() error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return active.Close()
}
