package session

import (
	"testing"
	"time"
)

func TestEvaluateAutoApprovesSameIdentity(t *testing.T) {
	p := NewAuthPolicy("alice@example.com")
	if d := p.Evaluate("alice@example.com"); d != DecisionAutoApprove {
		t.Fatalf("Evaluate(same identity) = %v, want DecisionAutoApprove", d)
	}
}

func TestEvaluatePromptsForDifferentIdentity(t *testing.T) {
	p := NewAuthPolicy("alice@example.com")
	if d := p.Evaluate("mallory@example.com"); d != DecisionPrompt {
		t.Fatalf("Evaluate(different identity) = %v, want DecisionPrompt", d)
	}
}

func TestEvaluateWithNoConfiguredIdentityAlwaysPrompts(t *testing.T) {
	p := NewAuthPolicy("")
	if d := p.Evaluate(""); d != DecisionPrompt {
		t.Fatalf("Evaluate with empty host identity = %v, want DecisionPrompt", d)
	}
}

func TestThreeFailedPromptsTriggerLockout(t *testing.T) {
	clock := time.Now()
	p := NewAuthPolicy("alice@example.com")
	p.now = func() time.Time { return clock }

	p.RecordPromptResult(false)
	p.RecordPromptResult(false)
	if d := p.Evaluate("mallory@example.com"); d != DecisionPrompt {
		t.Fatalf("Evaluate after 2 failures = %v, want still DecisionPrompt", d)
	}
	p.RecordPromptResult(false)
	if d := p.Evaluate("mallory@example.com"); d != DecisionLocked {
		t.Fatalf("Evaluate after 3 failures = %v, want DecisionLocked", d)
	}
}

func TestLockoutExpiresAfter30Seconds(t *testing.T) {
	clock := time.Now()
	p := NewAuthPolicy("alice@example.com")
	p.now = func() time.Time { return clock }

	p.RecordPromptResult(false)
	p.RecordPromptResult(false)
	p.RecordPromptResult(false)
	if d := p.Evaluate("mallory@example.com"); d != DecisionLocked {
		t.Fatalf("Evaluate immediately after 3rd failure = %v, want DecisionLocked", d)
	}

	clock = clock.Add(30*time.Second + time.Millisecond)
	if d := p.Evaluate("mallory@example.com"); d != DecisionPrompt {
		t.Fatalf("Evaluate after lockout window = %v, want DecisionPrompt", d)
	}
}

func TestApprovalResetsFailCount(t *testing.T) {
	clock := time.Now()
	p := NewAuthPolicy("alice@example.com")
	p.now = func() time.Time { return clock }

	p.RecordPromptResult(false)
	p.RecordPromptResult(false)
	p.RecordPromptResult(true)
	p.RecordPromptResult(false)
	p.RecordPromptResult(false)
	if d := p.Evaluate("mallory@example.com"); d != DecisionPrompt {
		t.Fatalf("Evaluate after reset-then-2-failures = %v, want DecisionPrompt (not yet locked)", d)
	}
}

func TestStorePutGetRemoveIfOrigin(t *testing.T) {
	s := NewStore()
	originA := new(int)
	peer := &Peer{Key: "127.0.0.1:9000", UserID: "alice", Origin: originA}
	s.Put(peer)

	got, ok := s.Get("127.0.0.1:9000")
	if !ok || got != peer {
		t.Fatalf("Get after Put = (%v, %v), want (peer, true)", got, ok)
	}

	originB := new(int)
	if s.RemoveIfOrigin("127.0.0.1:9000", originB) {
		t.Fatal("RemoveIfOrigin with a stale origin should not remove the current peer")
	}
	if _, ok := s.Get("127.0.0.1:9000"); !ok {
		t.Fatal("peer was removed despite origin mismatch")
	}

	if !s.RemoveIfOrigin("127.0.0.1:9000", originA) {
		t.Fatal("RemoveIfOrigin with the matching origin should remove the peer")
	}
	if _, ok := s.Get("127.0.0.1:9000"); ok {
		t.Fatal("peer still present after RemoveIfOrigin with matching origin")
	}
}

func TestRemoveIfOriginIsNoOpWhenKeyWasReplacedByNewerOrigin(t *testing.T) {
	s := NewStore()
	originA := new(int)
	originB := new(int)

	s.Put(&Peer{Key: "10.0.0.1:1", Origin: originA})
	// A fresher registration replaces the entry under the same key.
	s.Put(&Peer{Key: "10.0.0.1:1", Origin: originB})

	if s.RemoveIfOrigin("10.0.0.1:1", originA) {
		t.Fatal("a stale origin's cleanup must not remove a peer installed by a newer origin")
	}
	got, ok := s.Get("10.0.0.1:1")
	if !ok || got.Origin != originB {
		t.Fatal("the newer peer should still be present and intact")
	}
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	clock := time.Now()
	s := NewStore()
	s.now = func() time.Time { return clock }
	s.Put(&Peer{Key: "k", LastHeartbeat: clock})

	clock = clock.Add(5 * time.Second)
	s.Heartbeat("k")

	p, _ := s.Get("k")
	if !p.LastHeartbeat.Equal(clock) {
		t.Fatalf("LastHeartbeat = %v, want %v", p.LastHeartbeat, clock)
	}
}

func TestSweepStaleRemovesOnlyExpiredPeers(t *testing.T) {
	clock := time.Now()
	s := NewStore()
	s.now = func() time.Time { return clock }

	s.Put(&Peer{Key: "fresh", LastHeartbeat: clock})
	s.Put(&Peer{Key: "stale", LastHeartbeat: clock.Add(-20 * time.Second)})

	clock = clock.Add(1 * time.Second)
	removed := s.SweepStale(10 * time.Second)

	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("SweepStale removed = %v, want [stale]", removed)
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh peer was incorrectly swept")
	}
	if _, ok := s.Get("stale"); ok {
		t.Fatal("stale peer was not swept")
	}
}

func TestKeysReturnsAllReadyPeers(t *testing.T) {
	s := NewStore()
	s.Put(&Peer{Key: "a"})
	s.Put(&Peer{Key: "b"})

	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected a and b in keys, got %v", keys)
	}
}

func TestPutMintsSessionIDWhenBlank(t *testing.T) {
	s := NewStore()
	p := &Peer{Key: "a"}
	s.Put(p)
	if p.SessionID == "" {
		t.Fatalf("expected Put to mint a SessionID")
	}

	p2 := &Peer{Key: "b", SessionID: "preset"}
	s.Put(p2)
	if p2.SessionID != "preset" {
		t.Fatalf("expected Put to preserve an existing SessionID, got %q", p2.SessionID)
	}
}
