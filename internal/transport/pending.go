package transport

import "sync"

// pendingEntry tracks one in-flight handshake attempt for a peer key.
// Its identity (the pointer itself) is used as the session.Origin stamped
// onto the Peer it eventually promotes, so a later failure of a superseded
// attempt can be told apart from the attempt that is actually current.
type pendingEntry struct {
	key        string
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newPendingEntry(key string) *pendingEntry {
	return &pendingEntry{key: key, cancelCh: make(chan struct{})}
}

// cancel marks the attempt superseded. Safe to call more than once.
func (p *pendingEntry) cancel() {
	p.cancelOnce.Do(func() { close(p.cancelCh) })
}

// cancelled reports whether cancel has been called.
func (p *pendingEntry) cancelled() bool {
	select {
	case <-p.cancelCh:
		return true
	default:
		return false
	}
}

// pendingTable tracks one pendingEntry per peer key.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// start cancels any existing attempt for key and installs a new one,
// returning it.
func (t *pendingTable) start(key string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[key]; ok {
		existing.cancel()
	}
	entry := newPendingEntry(key)
	t.entries[key] = entry
	return entry
}

// commit removes entry from the table if it is still the current attempt
// for its key, cancelling it so any later cleanup from this same attempt
// is a no-op. Returns false if entry was already superseded.
func (t *pendingTable) commit(entry *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[entry.key] != entry {
		return false
	}
	entry.cancel()
	delete(t.entries, entry.key)
	return true
}

// drop removes entry from the table if it is still the current attempt for
// its key, without requiring it be committed first (used when an attempt
// fails before promotion).
func (t *pendingTable) drop(entry *pendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[entry.key] == entry {
		delete(t.entries, entry.key)
	}
	entry.cancel()
}
