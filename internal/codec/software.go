package codec

import (
	"sync"
	"time"
)

// softwareBackend is the always-available fallback: a passthrough that
// still honors the session contract (parameter sets, keyframe flag,
// runtime-parameter application) so the rest of the pipeline never has to
// special-case "no hardware encoder present". Real platform bindings
// register ahead of it via RegisterBackend.
type softwareBackend struct {
	mu sync.Mutex
	cfg Config

	forceNextKeyframe bool
	frameCount        int64
}

func newSoftwareBackend(cfg Config) (backend, error) {
	return &softwareBackend{cfg: cfg, forceNextKeyframe: true}, nil
}

func (s *softwareBackend) Setup(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.forceNextKeyframe = true
	return nil
}

func (s *softwareBackend) Encode(frame []byte, pts time.Duration) (AccessUnit, []ParameterSet, error) {
	if len(frame) == 0 {
		return AccessUnit{}, nil, ErrEmptyFrame
	}

	s.mu.Lock()
	isKey := s.forceNextKeyframe
	s.forceNextKeyframe = false
	s.frameCount++
	cfg := s.cfg
	s.mu.Unlock()

	out := make([]byte, len(frame))
	copy(out, frame)

	var params []ParameterSet
	if isKey {
		if cfg.Codec.String() == "hevc" {
			params = append(params, ParameterSet{Kind: ParamVPS, Bytes: placeholderParamBytes("vps", cfg)})
		}
		params = append(params,
			ParameterSet{Kind: ParamSPS, Bytes: placeholderParamBytes("sps", cfg)},
			ParameterSet{Kind: ParamPPS, Bytes: placeholderParamBytes("pps", cfg)},
		)
	}

	return AccessUnit{Bytes: out, PTS: pts, IsKeyFrame: isKey}, params, nil
}

// placeholderParamBytes synthesizes a deterministic, non-empty parameter-set
// payload carrying the session's dimensions and profile. It is not a real
// NAL unit: the actual bitstream is produced by the hardware backend this
// type stands in for.
func placeholderParamBytes(kind string, cfg Config) []byte {
	s := kind + ":" + cfg.Codec.String() + ":" + cfg.Profile.String()
	return []byte(s)
}

func (s *softwareBackend) ForceKeyframe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceNextKeyframe = true
}

func (s *softwareBackend) UpdateRuntimeParameters(rt RuntimeParameters) error {
	if rt.BitrateMbps <= 0 {
		return ErrInvalidBitrate
	}
	if rt.FPS <= 0 {
		return ErrInvalidFPS
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Runtime = rt
	return nil
}

func (s *softwareBackend) Close() error { return nil }

func (s *softwareBackend) Name() string { return "software" }

func (s *softwareBackend) IsHardware() bool { return false }
