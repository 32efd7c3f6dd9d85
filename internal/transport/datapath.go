package transport

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/emberlink/hostd/internal/cryptox"
	"github.com/emberlink/hostd/internal/session"
	"github.com/emberlink/hostd/internal/wire"
)

// ErrRelayHandshakeTimeout is returned when a relay-mode peer never answers
// the ECDH handshake message.
var ErrRelayHandshakeTimeout = errors.New("transport: relay handshake timed out")

const relayHandshakeTimeout = 5 * time.Second

// Run starts the input/fragment datagram read loop and the stale-peer
// sweep. It blocks until both have exited: the sweep on Close, the read
// loop on its first read error (at once when conn is nil).
func (t *Transport) Run() {
	t.wg.Add(2)
	go t.readInputLoop()
	go t.sweepLoop()
	t.wg.Wait()
}

// Close stops the sweep goroutine. The shared UDP conn and relay client are
// owned by the caller and are not closed here; the read loop exits once the
// caller closes the conn.
func (t *Transport) Close() {
	close(t.stopCh)
}

func (t *Transport) readInputLoop() {
	defer t.wg.Done()
	if t.conn == nil {
		return
	}
	buf := make([]byte, 2048)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				log.Debug("input datagram read error", "error", err)
				return
			}
		}
		t.handleInputDatagram(append([]byte(nil), buf[:n]...), from)
	}
}

// handleInputDatagram demuxes one packet received on the shared
// input/control datagram socket (§4.6, §4.5's keyframe-request path).
func (t *Transport) handleInputDatagram(data []byte, from net.Addr) {
	key := from.String()
	switch ControlByteOf(data) {
	case wire.ControlKeyFrameRequest:
		t.requestKeyFrame(key)
	default:
		if t.inputFn != nil {
			t.inputFn(key, data)
		}
		t.store.Heartbeat(key)
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stale := t.store.SweepStale(t.cfg.HeartbeatTimeout)
			for _, key := range stale {
				log.Info("sweeping stale peer", "key", key)
			}
		case <-t.stopCh:
			return
		}
	}
}

// SendFragment delivers one already-encoded wire fragment to the ready peer
// at key, using whichever data path (direct UDP or TURN relay) that peer is
// currently bound to.
func (t *Transport) SendFragment(key string, data []byte) error {
	peer, ok := t.store.Get(key)
	if !ok {
		return errNoSuchPeer(key)
	}
	switch peer.Mode {
	case session.ModeRelay:
		if t.relayClient == nil {
			return errNoRelayClient
		}
		addr, err := net.ResolveUDPAddr("udp4", peer.RelayPeerAddr)
		if err != nil {
			return err
		}
		return t.relayClient.SendData(data, addr)
	default:
		addr, err := net.ResolveUDPAddr("udp4", key)
		if err != nil {
			return err
		}
		_, err = t.conn.WriteTo(data, addr)
		return err
	}
}

// PeerSender adapts one peer's SendFragment calls to wire.Sender so the
// wire.Encoder for that peer can be constructed independent of Transport.
type PeerSender struct {
	transport *Transport
	key       string
}

// SenderFor returns a wire.Sender bound to the ready peer at key.
func (t *Transport) SenderFor(key string) *PeerSender {
	return &PeerSender{transport: t, key: key}
}

// Send implements wire.Sender.
func (s *PeerSender) Send(fragment []byte) error {
	return s.transport.SendFragment(s.key, fragment)
}

var (
	errNoRelayClient = errors.New("transport: peer is in relay mode but no relay client is configured")
)

func errNoSuchPeer(key string) error {
	return &noSuchPeerError{key: key}
}

type noSuchPeerError struct{ key string }

func (e *noSuchPeerError) Error() string {
	return "transport: no ready peer for key " + e.key
}

// handleRelayDatagram is installed as the TURN actor's data handler; it
// demuxes relay registration, ECDH handshake replies, relay-mode keyframe
// requests, and everything else (input events, treated as a heartbeat).
func (t *Transport) handleRelayDatagram(data []byte, from net.Addr) {
	switch ControlByteOf(data) {
	case wire.ControlRegistration:
		t.handleRelayRegistration(data, from)
	case wire.ControlECDHHandshake:
		t.deliverRelayHandshakeReply(from, data)
	case wire.ControlKeyFrameRequestRelay:
		t.requestKeyFrame(from.String())
	default:
		key := from.String()
		if t.inputFn != nil {
			t.inputFn(key, data)
		}
		t.store.Heartbeat(key)
	}
}

func (t *Transport) handleRelayRegistration(data []byte, from net.Addr) {
	reg, err := DecodeRelayRegistration(data)
	if err != nil {
		log.Warn("malformed relay registration", "error", err)
		return
	}

	key := net.JoinHostPort(reg.RelayIP, strconv.Itoa(int(reg.RelayPort)))
	entry := t.pending.start(key)

	approved := t.decide(key, reg.UserID)
	if entry.cancelled() {
		return
	}
	if !approved {
		t.pending.drop(entry)
		return
	}
	if t.relayClient == nil {
		log.Warn("relay registration received but no relay client is configured", "key", key)
		t.pending.drop(entry)
		return
	}

	if err := t.relayClient.CreatePermission(from); err != nil {
		log.Warn("relay CreatePermission failed", "key", key, "error", err)
		t.pending.drop(entry)
		return
	}
	if _, err := t.relayClient.ChannelBind(from); err != nil {
		log.Warn("relay ChannelBind failed", "key", key, "error", err)
		t.pending.drop(entry)
		return
	}

	cryptoSession, err := t.performECDHHandshakeRelay(key, from)
	if err != nil {
		log.Warn("relay ECDH handshake failed", "key", key, "error", err)
		t.pending.drop(entry)
		return
	}

	if !t.pending.commit(entry) {
		return
	}

	peer := &session.Peer{
		Key:           key,
		UserID:        reg.UserID,
		ListenPort:    reg.ListenPort,
		Mode:          session.ModeRelay,
		RelayPeerAddr: from.String(),
		Crypto:        cryptoSession,
		LastHeartbeat: t.clock(),
		Origin:        entry,
	}
	t.store.Put(peer)
	log.Info("peer promoted to ready", "key", key, "user_id", reg.UserID, "mode", "relay")

	_ = t.relayClient.SendData(EncodeAuthResult(true), from)
	if t.burstFn != nil {
		t.burstFn(key)
	}
}

func (t *Transport) performECDHHandshakeRelay(key string, peerAddr net.Addr) (*cryptox.Session, error) {
	kp, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	waitCh := make(chan []byte, 1)
	t.mu.Lock()
	if t.relayWaiters == nil {
		t.relayWaiters = make(map[string]chan []byte)
	}
	t.relayWaiters[key] = waitCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.relayWaiters, key)
		t.mu.Unlock()
	}()

	if err := t.relayClient.SendData(EncodeECDHMessage(kp.Marshal()), peerAddr); err != nil {
		return nil, err
	}

	select {
	case msg := <-waitCh:
		peerPub, err := cryptox.ParsePublicKey(msg)
		if err != nil {
			return nil, err
		}
		return kp.DeriveSession(peerPub)
	case <-time.After(relayHandshakeTimeout):
		return nil, ErrRelayHandshakeTimeout
	}
}

func (t *Transport) deliverRelayHandshakeReply(from net.Addr, data []byte) {
	msg, err := DecodeECDHMessage(data)
	if err != nil {
		return
	}
	key := from.String()

	t.mu.Lock()
	ch, ok := t.relayWaiters[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
