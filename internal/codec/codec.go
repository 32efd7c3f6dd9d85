// Package codec models the hardware-backed video encoder as an interface
// plus a factory-registered set of backends, the same boundary the teacher
// draws around its platform encoders (MFT/NVENC/VideoToolbox). The actual
// hardware codec is an external collaborator (spec §1 non-goal); this
// package ships the session contract and a software placeholder backend
// that real platform bindings register against at init time, the way the
// teacher's own software fallback does.
package codec

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emberlink/hostd/internal/engine"
	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("codec")

var (
	ErrNotInitialized = errors.New("codec: session not initialized")
	ErrInvalidBitrate = errors.New("codec: invalid bitrate")
	ErrInvalidFPS     = errors.New("codec: invalid fps")
	ErrEmptyFrame     = errors.New("codec: empty frame")
)

// ParameterSet is a VPS/SPS/PPS emitted on first key-frame and after every
// reconfiguration. Kind distinguishes the three; VPS only applies to HEVC.
type ParameterSetKind int

const (
	ParamVPS ParameterSetKind = iota
	ParamSPS
	ParamPPS
)

type ParameterSet struct {
	Kind  ParameterSetKind
	Bytes []byte
}

// AccessUnit is one coded frame in Annex-B form.
type AccessUnit struct {
	Bytes     []byte
	PTS       time.Duration
	IsKeyFrame bool
}

// RuntimeParameters is the subset of a QualityDecision the codec can apply
// without a teardown.
type RuntimeParameters struct {
	BitrateMbps    float64
	Quality        float64
	FPS            int
	KeyFrameInterval int
	PeakMultiplier float64
}

// Config seeds a Session at setup time; codec/profile changes after setup go
// through a full teardown+setup cycle (the spec disallows live codec swap).
type Config struct {
	Codec   engine.Codec
	Profile engine.Profile
	Width   int
	Height  int
	Runtime RuntimeParameters
}

// backend is the hardware-encoder boundary. Real platform backends
// (VideoToolbox, NVENC, MFT, V4L2) register themselves via RegisterBackend
// at init time; none are implemented here since the hardware codec is an
// external collaborator.
type backend interface {
	Setup(cfg Config) error
	Encode(frame []byte, pts time.Duration) (AccessUnit, []ParameterSet, error)
	ForceKeyframe()
	UpdateRuntimeParameters(rt RuntimeParameters) error
	Close() error
	Name() string
	IsHardware() bool
}

type backendFactory func(cfg Config) (backend, error)

var (
	backendsMu sync.Mutex
	backends   []backendFactory
)

// RegisterBackend adds a hardware-encoder factory to the list Session tries,
// in registration order, before falling back to the software placeholder.
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
		log.Warn("hardware backend unavailable, trying next", "error", err)
	}
	return newSoftwareBackend(cfg)
}

// healthTracker disables a misbehaving hardware backend after three
// consecutive encode failures, matching the teacher's 3-strike
// gpuEncodeErrors counter, so a transient first-frame failure after a
// reconfiguration doesn't permanently fall back to software.
type healthTracker struct {
	mu     sync.Mutex
	strikes int
}

const maxStrikes = 3

func (h *healthTracker) recordFailure() (disable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strikes++
	return h.strikes >= maxStrikes
}

func (h *healthTracker) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strikes = 0
}

// Session is a single encoder session: one active backend plus an optional
// prewarmed standby for atomic swap.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	active  backend
	health  healthTracker

	prewarmMu  sync.Mutex
	prewarm    backend
	prewarmCfg Config
}

// Config returns a copy of the session's currently-active configuration, so
// a caller can detect a codec/profile change the engine has decided on
// before driving a swap.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Setup creates a session for the given codec/profile/dimensions.
func (s *Session) Setup(cfg Config) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("codec: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	b, err := newBackend(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.active = b
	log.Info("codec session setup", "backend", b.Name(), "hardware", b.IsHardware(),
		"codec", cfg.Codec.String(), "profile", cfg.Profile.String(), "w", cfg.Width, "h", cfg.Height)
	return nil
}

// Encode submits one pixel frame. On a key frame (the first, a forced one,
// or the first after a reconfiguration) it also returns the parameter-set
// burst (VPS for HEVC, SPS, PPS) that must precede the access unit on the
// wire.
func (s *Session) Encode(frame []byte, pts time.Duration) (AccessUnit, []ParameterSet, error) {
	if len(frame) == 0 {
		return AccessUnit{}, nil, ErrEmptyFrame
	}

	s.mu.Lock()
	active := s.active
	cfg := s.cfg
	s.mu.Unlock()

	if active == nil {
		return AccessUnit{}, nil, ErrNotInitialized
	}

	au, params, err := active.Encode(frame, pts)
	if err != nil {
		if s.health.recordFailure() {
			log.Warn("codec backend disabled after repeated failures, reverting to software",
				"backend", active.Name())
			sw, swErr := newSoftwareBackend(cfg)
			if swErr == nil {
				s.mu.Lock()
				s.active = sw
				s.mu.Unlock()
			}
		}
		return AccessUnit{}, nil, err
	}
	s.health.recordSuccess()

	if !au.IsKeyFrame {
		params = nil
	} else if cfg.Codec != engine.CodecHEVC {
		filtered := params[:0]
		for _, p := range params {
			if p.Kind != ParamVPS {
				filtered = append(filtered, p)
			}
		}
		params = filtered
	}

	return au, params, nil
}

// ForceKeyframe marks the next encoded frame as IDR.
func (s *Session) ForceKeyframe() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.ForceKeyframe()
	}
}

// UpdateRuntimeParameters applies bitrate/quality/fps/kf without a teardown.
func (s *Session) UpdateRuntimeParameters(rt RuntimeParameters) error {
	s.mu.Lock()
	active := s.active
	s.cfg.Runtime = rt
	s.mu.Unlock()
	if active == nil {
		return ErrNotInitialized
	}
	return active.UpdateRuntimeParameters(rt)
}

// Prewarm builds a second session in the background for the given
// dimensions/codec, without disturbing the live session.
func (s *Session) Prewarm(cfg Config) error {
	b, err := newBackend(cfg)
	if err != nil {
		return err
	}
	s.prewarmMu.Lock()
	s.prewarm = b
	s.prewarmCfg = cfg
	s.prewarmMu.Unlock()
	return nil
}

// SwapToPrewarmed atomically replaces the live session with the prewarmed
// one without dropping in-flight output; the old session is torn down after
// the swap. The prewarmed backend starts fresh, so its next Encode call
// naturally forces a keyframe and parameter-set burst.
func (s *Session) SwapToPrewarmed() error {
	s.prewarmMu.Lock()
	next := s.prewarm
	nextCfg := s.prewarmCfg
	s.prewarm = nil
	s.prewarmMu.Unlock()

	if next == nil {
		return errors.New("codec: no prewarmed session available")
	}

	s.mu.Lock()
	old := s.active
	s.active = next
	s.cfg = nextCfg
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn("error closing previous encoder session after swap", "error", err)
		}
	}
	return nil
}

// Teardown drains and releases the active (and any pending prewarmed)
// session.
func (s *Session) Teardown() error {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()

	s.prewarmMu.Lock()
	prewarm := s.prewarm
	s.prewarm = nil
	s.prewarmMu.Unlock()

	var firstErr error
	if active != nil {
		firstErr = active.Close()
	}
	if prewarm != nil {
		if err := prewarm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
