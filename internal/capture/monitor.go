package capture

import "sync"

// monitorLister is implemented by a platform-specific display enumerator.
// Real bindings register via RegisterMonitorLister; none ship here since
// display enumeration is part of the same external capture-system boundary
// as pixel grabbing.
type monitorLister func() ([]MonitorInfo, error)

var (
	listersMu sync.Mutex
	listers   []monitorLister
)

// RegisterMonitorLister adds a platform display enumerator, tried in
// registration order before the single-synthetic-monitor fallback.
func RegisterMonitorLister(l monitorLister) {
	listersMu.Lock()
	defer listersMu.Unlock()
	listers = append(listers, l)
}

// ListMonitors enumerates connected displays, mirroring the teacher's
// switch_monitor control message contract: the first registered lister that
// succeeds wins, and with none registered (or all failing) it returns a
// single 1920x1080 primary "Default" entry.
func ListMonitors() ([]MonitorInfo, error) {
	listersMu.Lock()
	ls := append([]monitorLister(nil), listers...)
	listersMu.Unlock()

	for _, l := range ls {
		if infos, err := l(); err == nil {
			return infos, nil
		}
	}
	return []MonitorInfo{{Index: 0, Name: "Default", Width: 1920, Height: 1080, IsPrimary: true}}, nil
}

// PrewarmMonitor builds the pending backend for a monitor switch, held until
// SwitchMonitor commits it. It mirrors internal/codec's Prewarm/SwapToPrewarmed
// pair: the new backend is constructed off to the side so building it can
// fail or take time without disturbing the live capture loop.
func (s *source) PrewarmMonitor(displayIndex int) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	cfg.DisplayIndex = displayIndex

	b, err := newBackend(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.prewarmCfg = cfg
	s.prewarmBackend = b
	s.mu.Unlock()
	return nil
}

// SwitchMonitor atomically swaps in the backend built by PrewarmMonitor for
// displayIndex, without dropping the in-flight capture loop: Capture()
// always reads s.active under the lock, so a caller mid-Capture on the old
// backend finishes against it, and the very next call sees the new one. The
// old backend is closed after the swap, not before, for the same reason
// session_control.go's switch_monitor handler defers closing the old
// capturer to the capture loop.
func (s *source) SwitchMonitor(displayIndex int) error {
	s.mu.Lock()
	if s.prewarmBackend == nil || s.prewarmCfg.DisplayIndex != displayIndex {
		s.mu.Unlock()
		if err := s.PrewarmMonitor(displayIndex); err != nil {
			return err
		}
		s.mu.Lock()
	}

	old := s.active
	s.active = s.prewarmBackend
	s.cfg = s.prewarmCfg
	s.prewarmBackend = nil
	s.differ.reset()
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn("error closing previous capture backend after monitor switch", "error", err)
		}
	}
	return nil
}
