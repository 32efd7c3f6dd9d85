// Package transport implements the direct-mode control listener and
// datagram path plus the relay-mode glue around a TURN actor (§4.5): peer
// registration (direct and relay), the ECDH handshake hand-off, keyframe
// request routing, concurrent-registration safety, and the stale-peer
// sweep.
package transport

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberlink/hostd/internal/cryptox"
	"github.com/emberlink/hostd/internal/logging"
	"github.com/emberlink/hostd/internal/relay"
	"github.com/emberlink/hostd/internal/session"
	"github.com/emberlink/hostd/internal/wire"
)

var log = logging.L("transport")

// ControlConn is the ordered, reliable control-stream connection for one
// peer: registration, ECDH handshake, auth result, disconnect.
// *websocket.Conn satisfies this directly.
type ControlConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

var _ ControlConn = (*websocket.Conn)(nil)

// KeyFrameRequester forces the codec session serving peerKey to produce a
// fresh key frame.
type KeyFrameRequester func(peerKey string)

// InputHandler receives an input-datagram payload (§4.6) that is not one of
// transport's own control bytes (keyframe request).
type InputHandler func(peerKey string, data []byte)

// PromptFunc resolves a session.DecisionPrompt registration out of band
// (the UI layer); it returns whether the user approved the peer.
type PromptFunc func(peerKey, userID string) bool

// ParamBurstFunc is invoked once a peer is promoted to ready; it should
// re-send the latest parameter sets and force a key frame (§4.5 step 3).
type ParamBurstFunc func(peerKey string)

const (
	// DefaultHeartbeatTimeout is the no-heartbeat duration after which a
	// peer is considered dead (§4.5: "no heartbeat for 10 s").
	DefaultHeartbeatTimeout = 10 * time.Second
	// DefaultSweepInterval is how often the stale-peer sweep runs.
	DefaultSweepInterval = 5 * time.Second
	// keyFrameRequestCooldown is the sender-side rate limit on honoring a
	// keyframe request from the same peer (§4.5).
	keyFrameRequestCooldown = 2 * time.Second
)

// Config configures a Transport.
type Config struct {
	HostIdentity     string
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Transport owns the direct-mode registration/handshake flow, the
// input/fragment datagram socket, and the relay-mode glue around a TURN
// actor.
type Transport struct {
	cfg Config

	policy  *session.AuthPolicy
	store   *session.Store
	pending *pendingTable

	conn        *net.UDPConn // shared input-receive / fragment-send socket
	relayClient *relay.Client

	upgrader websocket.Upgrader

	promptFn   PromptFunc
	keyFrameFn KeyFrameRequester
	inputFn    InputHandler
	burstFn    ParamBurstFunc

	mu                  sync.Mutex
	lastKeyFrameReqSent map[string]time.Time
	relayWaiters        map[string]chan []byte

	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Transport. conn is the shared UDP socket used for both the
// input/control datagram and outbound direct-mode fragments (the same
// socket internal/stun discovers this host's reflexive address over).
// relayClient may be nil if relay mode is not configured.
func New(cfg Config, conn *net.UDPConn, relayClient *relay.Client) *Transport {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	t := &Transport{
		cfg:                 cfg,
		policy:              session.NewAuthPolicy(cfg.HostIdentity),
		store:               session.NewStore(),
		pending:             newPendingTable(),
		conn:                conn,
		relayClient:         relayClient,
		lastKeyFrameReqSent: make(map[string]time.Time),
		now:                 time.Now,
		stopCh:              make(chan struct{}),
	}
	if relayClient != nil {
		relayClient.SetDataHandler(t.handleRelayDatagram)
	}
	return t
}

// SetPromptFunc installs the out-of-band approval callback for registrations
// whose user_id does not match the host's own identity.
func (t *Transport) SetPromptFunc(fn PromptFunc) { t.promptFn = fn }

// SetKeyFrameRequester installs the callback used to force a key frame.
func (t *Transport) SetKeyFrameRequester(fn KeyFrameRequester) { t.keyFrameFn = fn }

// SetInputHandler installs the callback for non-control input-datagram
// payloads.
func (t *Transport) SetInputHandler(fn InputHandler) { t.inputFn = fn }

// SetParamBurstFunc installs the callback invoked right after a peer is
// promoted to ready.
func (t *Transport) SetParamBurstFunc(fn ParamBurstFunc) { t.burstFn = fn }

func (t *Transport) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// Store exposes the peer table for callers that need read-only visibility
// (e.g. the pipeline picking a Sender per ready peer).
func (t *Transport) Store() *session.Store { return t.store }

// ServeControlConn drives one accepted control-stream connection for its
// whole lifetime: the initial registration, the approval decision, the ECDH
// handshake, promotion to ready, and then further control-stream messages
// (disconnect) until the connection closes. It blocks until the connection
// ends and performs cleanup before returning.
func (t *Transport) ServeControlConn(conn ControlConn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Debug("control connection closed before registration", "error", err)
		return
	}
	reg, err := DecodeRegistration(data)
	if err != nil {
		log.Warn("malformed registration packet", "error", err)
		conn.Close()
		return
	}

	key := net.JoinHostPort(host, strconv.Itoa(int(reg.ListenPort)))
	entry := t.pending.start(key)

	approved := t.decide(key, reg.UserID)
	if entry.cancelled() {
		log.Debug("registration superseded before approval decision", "key", key)
		return
	}
	if !approved {
		conn.WriteMessage(websocket.BinaryMessage, EncodeAuthResult(false))
		conn.Close()
		t.pending.drop(entry)
		return
	}

	cryptoSession, err := t.performECDHHandshake(conn)
	if err != nil {
		log.Warn("ECDH handshake failed", "key", key, "error", err)
		conn.Close()
		t.pending.drop(entry)
		return
	}

	if !t.pending.commit(entry) {
		// A newer registration for this key arrived and cancelled us while
		// the handshake was in flight; the fresh attempt owns the key now.
		conn.Close()
		return
	}

	peer := &session.Peer{
		Key:           key,
		UserID:        reg.UserID,
		ListenPort:    reg.ListenPort,
		Mode:          session.ModeDirect,
		Crypto:        cryptoSession,
		LastHeartbeat: t.clock(),
		Origin:        entry,
	}
	t.store.Put(peer)
	log.Info("peer promoted to ready", "key", key, "user_id", reg.UserID, "mode", "direct")

	conn.WriteMessage(websocket.BinaryMessage, EncodeAuthResult(true))
	if t.burstFn != nil {
		t.burstFn(key)
	}

	t.watchControlConn(key, entry, conn)
}

// decide runs the auth policy and, for DecisionPrompt, the out-of-band
// PromptFunc, returning whether the registration is approved.
func (t *Transport) decide(key, userID string) bool {
	switch t.policy.Evaluate(userID) {
	case session.DecisionAutoApprove:
		return true
	case session.DecisionLocked:
		return false
	default:
		approved := false
		if t.promptFn != nil {
			approved = t.promptFn(key, userID)
		}
		t.policy.RecordPromptResult(approved)
		return approved
	}
}

// performECDHHandshake sends this side's ephemeral public key and waits for
// the peer's, deriving the shared AEAD session (§4.7).
func (t *Transport) performECDHHandshake(conn ControlConn) (*cryptox.Session, error) {
	kp, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeECDHMessage(kp.Marshal())); err != nil {
		return nil, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := DecodeECDHMessage(data)
	if err != nil {
		return nil, err
	}
	peerPub, err := cryptox.ParsePublicKey(msg)
	if err != nil {
		return nil, err
	}
	return kp.DeriveSession(peerPub)
}

// watchControlConn reads further control-stream messages (disconnect,
// keyframe requests sent on the control stream) until the connection fails,
// then performs the origin-checked cleanup described in §4.5.
func (t *Transport) watchControlConn(key string, entry *pendingEntry, conn ControlConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if t.handleControlStreamMessage(key, data) {
			conn.Close()
			break
		}
	}

	entry.cancel()
	t.store.RemoveIfOrigin(key, entry)
	log.Debug("control connection closed", "key", key)
}

// handleControlStreamMessage processes one control-stream message and
// reports whether the connection should now be closed.
func (t *Transport) handleControlStreamMessage(key string, data []byte) bool {
	switch ControlByteOf(data) {
	case wire.ControlKeyFrameRequest:
		t.requestKeyFrame(key)
		return false
	case wire.ControlDisconnect:
		return true
	default:
		log.Debug("unrecognized control-stream message", "key", key)
		return false
	}
}

// requestKeyFrame honors a keyframe request subject to the 2-second
// sender-side cooldown.
func (t *Transport) requestKeyFrame(key string) {
	t.mu.Lock()
	last, ok := t.lastKeyFrameReqSent[key]
	now := t.clock()
	if ok && now.Sub(last) < keyFrameRequestCooldown {
		t.mu.Unlock()
		return
	}
	t.lastKeyFrameReqSent[key] = now
	t.mu.Unlock()

	if t.keyFrameFn != nil {
		t.keyFrameFn(key)
	}
}

// UpgradeAndServe upgrades an incoming HTTP request to a control-stream
// WebSocket connection and serves it.
func (t *Transport) UpgradeAndServe(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("control upgrade failed", "error", err)
		return
	}
	t.ServeControlConn(conn)
}
