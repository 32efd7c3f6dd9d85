package wire

import "sync"

// Decrypter opens one fragment's ciphertext under the session key, the
// receive-side counterpart of Encrypter.
type Decrypter interface {
	OpenFragment(h Header, ciphertext []byte) (plaintext []byte, err error)
}

type reassemblyKey struct {
	Type      PacketType
	Timestamp uint64
}

type partial struct {
	total  int
	chunks [][]byte
	have   int
}

// Reassembler collects fragments keyed by (type, timestamp) and returns the
// reconstructed payload once every fragment has arrived. A packet sent as a
// single fragment (total_fragments<=1) completes immediately.
type Reassembler struct {
	mu        sync.Mutex
	decrypter Decrypter
	pending   map[reassemblyKey]*partial
}

// NewReassembler builds a Reassembler. decrypter may be nil until the ECDH
// handshake completes — Feed then only accepts PacketHandshake fragments.
func NewReassembler(decrypter Decrypter) *Reassembler {
	return &Reassembler{decrypter: decrypter}
}

// SetDecrypter installs the session key once the ECDH handshake completes.
func (r *Reassembler) SetDecrypter(decrypter Decrypter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decrypter = decrypter
}

// Feed ingests one wire fragment. complete reports whether payload now
// holds the full reassembled packet; if false, payload is nil and the
// caller should wait for more fragments of the same (type, timestamp).
func (r *Reassembler) Feed(frame []byte) (pt PacketType, payload []byte, complete bool, err error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return 0, nil, false, err
	}
	body := frame[HeaderSize:]

	if h.Type != PacketHandshake {
		r.mu.Lock()
		dec := r.decrypter
		r.mu.Unlock()
		if dec == nil {
			return 0, nil, false, ErrNoSessionKey
		}
		body, err = dec.OpenFragment(h, body)
		if err != nil {
			return 0, nil, false, err
		}
	}

	if h.TotalFragments <= 1 {
		return h.Type, body, true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := reassemblyKey{Type: h.Type, Timestamp: h.Timestamp}
	p := r.pending[key]
	if p == nil {
		p = &partial{total: int(h.TotalFragments), chunks: make([][]byte, h.TotalFragments)}
		if r.pending == nil {
			r.pending = make(map[reassemblyKey]*partial)
		}
		r.pending[key] = p
	}
	if int(h.TotalFragments) != p.total || int(h.FragmentIndex) >= p.total {
		return 0, nil, false, ErrFragmentCount
	}
	if p.chunks[h.FragmentIndex] != nil {
		return 0, nil, false, ErrDuplicate
	}
	p.chunks[h.FragmentIndex] = body
	p.have++

	if p.have < p.total {
		return h.Type, nil, false, nil
	}

	delete(r.pending, key)
	var out []byte
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return h.Type, out, true, nil
}
