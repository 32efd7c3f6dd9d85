// Package session implements the approval policy and peer table from §4.9:
// same-identity auto-approve, a three-strike/30-second prompt lockout, and a
// peer table keyed by host:port tracking each peer's last heartbeat.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberlink/hostd/internal/cryptox"
)

// Decision is the outcome of evaluating an incoming registration's user_id
// against this host's auth policy.
type Decision int

const (
	// DecisionAutoApprove means the registration's user_id matches this
	// host's own signed-in identity and needs no prompt.
	DecisionAutoApprove Decision = iota
	// DecisionPrompt means a human decision is required; the caller must
	// obtain one out of band and report it via RecordPromptResult.
	DecisionPrompt
	// DecisionLocked means three consecutive prompts were denied, the
	// 30-second lockout that followed has not yet expired, and this request
	// must be refused without a prompt.
	DecisionLocked
)

func (d Decision) String() string {
	switch d {
	case DecisionAutoApprove:
		return "auto_approve"
	case DecisionPrompt:
		return "prompt"
	case DecisionLocked:
		return "locked"
	default:
		return "unknown"
	}
}

const (
	lockoutThreshold = 3
	lockoutDuration  = 30 * time.Second
)

// AuthPolicy implements §4.9's approval rule.
type AuthPolicy struct {
	mu           sync.Mutex
	hostIdentity string
	failCount    int
	lockedUntil  time.Time
	now          func() time.Time
}

// NewAuthPolicy creates a policy that auto-approves registrations whose
// user_id equals hostIdentity.
func NewAuthPolicy(hostIdentity string) *AuthPolicy {
	return &AuthPolicy{hostIdentity: hostIdentity, now: time.Now}
}

func (p *AuthPolicy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Evaluate decides what to do with an incoming registration's user_id.
func (p *AuthPolicy) Evaluate(userID string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	if now.Before(p.lockedUntil) {
		return DecisionLocked
	}
	if p.hostIdentity != "" && userID == p.hostIdentity {
		return DecisionAutoApprove
	}
	return DecisionPrompt
}

// RecordPromptResult records the outcome of a DecisionPrompt request that was
// resolved out of band. Three consecutive denials start a 30-second lockout;
// any approval resets the counter.
func (p *AuthPolicy) RecordPromptResult(approved bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if approved {
		p.failCount = 0
		return
	}
	p.failCount++
	if p.failCount >= lockoutThreshold {
		p.lockedUntil = p.clock().Add(lockoutDuration)
		p.failCount = 0
	}
}

// LockedUntil reports the time the current lockout (if any) expires.
func (p *AuthPolicy) LockedUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockedUntil
}

// TransportMode is the data path a ready peer currently uses.
type TransportMode int

const (
	ModeDirect TransportMode = iota
	ModeRelay
)

func (m TransportMode) String() string {
	if m == ModeRelay {
		return "relay"
	}
	return "direct"
}

// Origin identifies the handshake attempt that produced a ready Peer, so a
// later failure of a superseded attempt can be told apart from the attempt
// that is actually current (§4.5's concurrent-registration safety).
type Origin interface{}

// Peer is an approved, registered client.
type Peer struct {
	Key           string // host:port
	SessionID     string // stable identity across a reconnect at the same key
	UserID        string
	ListenPort    uint16
	Mode          TransportMode
	RelayPeerAddr string // set when Mode == ModeRelay
	Crypto        *cryptox.Session
	LastHeartbeat time.Time
	Origin        Origin
}

// Store is the peer table: approved peers keyed by host:port.
type Store struct {
	mu    sync.Mutex
	peers map[string]*Peer
	now   func() time.Time
}

// NewStore creates an empty peer table.
func NewStore() *Store {
	return &Store{peers: make(map[string]*Peer), now: time.Now}
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Put inserts or replaces the ready peer at key. A fresh SessionID is
// minted if the caller left it blank, so every distinct connection attempt
// gets a stable identifier for log/telemetry correlation that survives a
// reconnect reusing the same host:port key.
func (s *Store) Put(peer *Peer) {
	if peer.SessionID == "" {
		peer.SessionID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer.Key] = peer
}

// Get returns the ready peer at key, if any.
func (s *Store) Get(key string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[key]
	return p, ok
}

// RemoveIfOrigin removes the ready peer at key only if it is still the one
// created by origin, preventing a stale cleanup from a superseded handshake
// attempt from wiping a fresher registration under the same key.
func (s *Store) RemoveIfOrigin(key string, origin Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[key]
	if !ok || p.Origin != origin {
		return false
	}
	delete(s.peers, key)
	return true
}

// Heartbeat marks key as having just communicated.
func (s *Store) Heartbeat(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[key]; ok {
		p.LastHeartbeat = s.clock()
	}
}

// SweepStale removes and returns the keys of every peer whose last
// heartbeat is older than timeout.
func (s *Store) SweepStale(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var stale []string
	for key, p := range s.peers {
		if now.Sub(p.LastHeartbeat) > timeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(s.peers, key)
	}
	return stale
}

// Keys returns every currently-ready peer key, for reconciling a consumer's
// own per-peer state (e.g. internal/pipeline's peer set) against the store
// after a sweep or disconnect.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.peers))
	for k := range s.peers {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of ready peers, for tests and diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
