// Package health tracks the coarse up/down status of the host daemon's
// long-lived components — capture, STUN discovery, the signalling client,
// transport, and each connected peer's codec session — so a repeated
// failure in one of them is visible without the process crashing. The
// fail-soft error model names "idle-state reporting" as where this
// surfaces: a component that stops reporting in is treated as having
// failed silently, not as still healthy.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("health")

// Component names every long-lived part of the daemon this package tracks.
// Per-peer codec sessions use ComponentCodecPrefix + the peer key so a
// codec failure on one viewer doesn't get lost under a shared name.
type Component string

const (
	ComponentCapture    Component = "capture"
	ComponentTransport  Component = "transport"
	ComponentSTUN       Component = "stun"
	ComponentSignaling  Component = "signaling"
	ComponentCodecPrefix Component = "codec:"
)

// CodecComponent names the per-peer codec session component, so a health
// summary can tell which viewer's encoder went unhealthy.
func CodecComponent(peerKey string) Component {
	return Component(fmt.Sprintf("%s%s", ComponentCodecPrefix, peerKey))
}

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid returns true if the status is a recognized value.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	default:
		return false
	}
}

// Check stores the latest health result for a named component.
type Check struct {
	Name      Component `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor tracks health checks for multiple components. A check that
// hasn't been refreshed within staleAfter is treated as Unknown rather than
// whatever it last reported — an idle-state component (a peer that
// disconnected without a clean teardown, a signalling client whose
// heartbeat goroutine died) must not read as permanently healthy just
// because nothing is actively marking it otherwise.
type Monitor struct {
	mu         sync.RWMutex
	checks     map[Component]Check
	staleAfter time.Duration
	clock      func() time.Time
}

// NewMonitor creates a health monitor. staleAfter <= 0 disables staleness
// tracking (every recorded check is trusted until explicitly updated),
// which is what the teacher's original domain-agnostic version did.
func NewMonitor(staleAfter time.Duration) *Monitor {
	return &Monitor{
		checks:     make(map[Component]Check),
		staleAfter: staleAfter,
		clock:      time.Now,
	}
}

// Update records the health status for a named component.
// Invalid status values are coerced to Unhealthy with a warning.
func (m *Monitor) Update(name Component, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status, coercing to unhealthy",
			"component", string(name), "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: m.clock(),
	}

	if status != Healthy {
		log.Warn("health check degraded", "component", string(name), "status", string(status), "message", message)
	}
}

// Remove drops a component's check entirely, for a peer's codec component
// once the peer disconnects — a stale entry is still noise in Summary if
// the peer is never coming back.
func (m *Monitor) Remove(name Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// effective applies staleness: a check older than staleAfter reports
// Unknown regardless of what status was last recorded.
func (m *Monitor) effective(c Check, now time.Time) Status {
	if m.staleAfter > 0 && now.Sub(c.UpdatedAt) > m.staleAfter {
		return Unknown
	}
	return c.Status
}

// Get returns the health check for a named component, with its status
// demoted to Unknown if it has gone stale.
func (m *Monitor) Get(name Component) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	if !ok {
		return Check{}, false
	}
	c.Status = m.effective(c, m.clock())
	return c, true
}

// Overall returns the worst status across all registered checks, staleness
// applied. If no checks are registered, returns Unknown (fail-safe).
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked(m.clock())
}

// overallLocked computes the worst status; caller must hold at least RLock.
func (m *Monitor) overallLocked(now time.Time) Status {
	if len(m.checks) == 0 {
		return Unknown
	}

	worst := Healthy
	for _, c := range m.checks {
		if s := m.effective(c, now); worse(s, worst) {
			worst = s
		}
	}
	return worst
}

// All returns a snapshot of all current health checks, staleness applied.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		c.Status = m.effective(c, now)
		result = append(result, c)
	}
	return result
}

// Summary returns a JSON-friendly map for inclusion in heartbeat payloads.
// Holds a single RLock across overall + components computation to ensure
// atomic consistency.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	overall := m.overallLocked(now)

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[string(c.Name)] = string(m.effective(c, now))
	}

	return map[string]any{
		"status":     string(overall),
		"components": components,
	}
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

// statusRank maps status to severity: Healthy(0) < Degraded(1) < Unhealthy(2) < Unknown(3).
// Unknown is ranked worst so that uninitialized, unrecognized, or stale
// statuses are treated as the most severe condition (fail-safe).
func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 3 // unknown status treated as worst
	}
}
