package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/emberlink/hostd/internal/capture"
	"github.com/emberlink/hostd/internal/codec"
	"github.com/emberlink/hostd/internal/config"
	"github.com/emberlink/hostd/internal/engine"
	"github.com/emberlink/hostd/internal/health"
	"github.com/emberlink/hostd/internal/httputil"
	"github.com/emberlink/hostd/internal/inject"
	"github.com/emberlink/hostd/internal/pipeline"
	"github.com/emberlink/hostd/internal/relay"
	"github.com/emberlink/hostd/internal/session"
	"github.com/emberlink/hostd/internal/signaling"
	"github.com/emberlink/hostd/internal/signals"
	"github.com/emberlink/hostd/internal/stun"
	"github.com/emberlink/hostd/internal/telemetry"
	"github.com/emberlink/hostd/internal/transport"
	"github.com/emberlink/hostd/internal/wire"
)

// healthStaleAfter is three reportHealth ticks: a component that hasn't
// been updated in that long is demoted to Unknown rather than trusted at
// its last reported status.
const healthStaleAfter = 90 * time.Second

// hostDaemon owns every long-lived component the run command starts: the
// capture→encode→transport pipeline, the control/data transport, input
// injection, and the signalling-service client. One process serves one
// physical display/input pair shared across every connected peer.
type hostDaemon struct {
	cfg *config.Config

	conn        *net.UDPConn
	relayClient *relay.Client
	transport   *transport.Transport
	pipeline    *pipeline.Pipeline
	dispatcher  *inject.Dispatcher
	signaler    *signaling.Client
	hostSignals *signals.Producer
	health      *health.Monitor
	httpServer  *http.Server

	mu         sync.Mutex
	activePeer string
	peers      map[string]*pipeline.Peer
	peerStops  map[string]chan struct{}
}

func newHostDaemon(cfg *config.Config) (*hostDaemon, error) {
	monitor := health.NewMonitor(healthStaleAfter)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.InputPort})
	if err != nil {
		return nil, fmt.Errorf("bind input socket on :%d: %w", cfg.InputPort, err)
	}

	var relayClient *relay.Client
	if cfg.TURNServer != "" {
		relayClient = relay.New(relay.Config{
			TURNServerAddr: cfg.TURNServer,
			Username:       cfg.TURNUsername,
			Password:       cfg.TURNPassword,
			Realm:          cfg.TURNRealm,
			Conn:           conn,
		})
	}

	tr := transport.New(transport.Config{
		HostIdentity:     cfg.HostID,
		HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
		SweepInterval:    transport.DefaultSweepInterval,
	}, conn, relayClient)

	captureCfg := capture.Config{
		DisplayIndex: 0,
		FPS:          cfg.CaptureFPS,
		ColorDepth:   cfg.CaptureColorDepth,
		ScaleFactor:  cfg.CaptureScale,
	}
	source, err := capture.NewSource(captureCfg)
	if err != nil {
		monitor.Update(health.ComponentCapture, health.Unhealthy, err.Error())
		conn.Close()
		return nil, fmt.Errorf("open capture source: %w", err)
	}
	monitor.Update(health.ComponentCapture, health.Healthy, "")

	width, height, err := source.Bounds()
	if err != nil {
		width, height = 1920, 1080
		log.Warn("falling back to default display bounds", "error", err)
	}

	backend := inject.NewPlatformInjector()
	dispatcher := inject.NewDispatcher(backend, width, height)

	d := &hostDaemon{
		cfg:         cfg,
		conn:        conn,
		relayClient: relayClient,
		transport:   tr,
		pipeline:    pipeline.New(source, captureCfg),
		dispatcher:  dispatcher,
		health:      monitor,
		peers:       make(map[string]*pipeline.Peer),
		peerStops:   make(map[string]chan struct{}),
	}

	if cfg.SignalingURL != "" {
		d.signaler = signaling.New(signaling.Config{
			BaseURL:           cfg.SignalingURL,
			AuthToken:         cfg.SignalingAuthToken,
			HostID:            cfg.HostID,
			DeviceName:        cfg.DeviceName,
			HeartbeatInterval: time.Duration(cfg.SignalingHeartbeatSeconds) * time.Second,
			Retry:             httputil.DefaultRetryConfig(),
		}, nil)
	}

	d.hostSignals = signals.NewProducer(d.fanOutHostMetrics, 2*time.Second)

	tr.SetPromptFunc(d.promptForApproval)
	tr.SetKeyFrameRequester(d.forceKeyFrame)
	tr.SetInputHandler(d.handleInput)
	tr.SetParamBurstFunc(d.attachPeer)

	return d, nil
}

// fanOutHostMetrics is the hostSignals producer's sink: CPU/memory/thermal
// readings are host-wide, but Level 2 of the Omniscient cascade is
// evaluated per peer engine, so every live peer's engine gets the same
// reading.
func (d *hostDaemon) fanOutHostMetrics(m engine.HostMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, peer := range d.peers {
		peer.Engine.SetHostMetrics(m)
	}
}

// Start brings every component up: reflexive discovery, the signalling
// client's registration + heartbeat, the transport's datagram/sweep loop,
// the capture pipeline, and the control-stream HTTP listener. It blocks
// until the HTTP listener stops.
func (d *hostDaemon) Start(ctx context.Context) error {
	if d.relayClient != nil {
		if _, err := d.relayClient.Allocate(ctx); err != nil {
			log.Warn("TURN allocation failed, relay mode unavailable", "error", err)
		}
	}

	result, err := stun.Discover(ctx, d.conn, stun.Config{Servers: d.cfg.STUNServers, PerServerTimeout: 3 * time.Second})
	if err != nil {
		log.Warn("STUN discovery failed, continuing with local endpoint only", "error", err)
		d.health.Update(health.ComponentSTUN, health.Degraded, err.Error())
	} else {
		d.health.Update(health.ComponentSTUN, health.Healthy, "")
	}

	if d.signaler != nil {
		if err := d.signaler.RegisterHost(ctx, "0.0.0.0", d.cfg.ControlPort); err != nil {
			log.Warn("signalling registration failed", "error", err)
			d.health.Update(health.ComponentSignaling, health.Degraded, err.Error())
		} else {
			d.health.Update(health.ComponentSignaling, health.Healthy, "")
		}
		if result != nil {
			if err := d.signaler.UpdatePublicEndpoint(ctx, result.PublicAddr.IP.String(), result.PublicAddr.Port); err != nil {
				log.Warn("signalling endpoint update failed", "error", err)
			}
			candidates := []signaling.Candidate{
				{Type: "srflx", IP: result.PublicAddr.IP.String(), Port: result.PublicAddr.Port, Priority: 100},
			}
			if err := d.signaler.SaveICECandidates(ctx, candidates); err != nil {
				log.Warn("signalling candidate upload failed", "error", err)
			}
		}
		d.signaler.Start(ctx)
	}

	d.health.Update(health.ComponentTransport, health.Healthy, "")
	go d.transport.Run()
	go d.pipeline.Run()
	go d.reconcilePeers(ctx)
	go d.reportHealth(ctx)
	d.hostSignals.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/control", d.transport.UpgradeAndServe)
	d.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", d.cfg.ControlPort), Handler: mux}

	log.Info("host daemon listening", "control_port", d.cfg.ControlPort, "input_port", d.cfg.InputPort)
	err = d.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop tears everything down in roughly the reverse order of Start.
func (d *hostDaemon) Stop() {
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.httpServer.Shutdown(ctx)
	}
	if d.signaler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.signaler.UnregisterHost(ctx)
	}
	d.hostSignals.Stop()
	d.pipeline.Stop()
	d.transport.Close()
	if d.relayClient != nil {
		d.relayClient.Close()
	}
	d.conn.Close()
}

// promptForApproval is the out-of-band UI hook §4.9 requires for a
// different-identity registration. The daemon binary has no UI surface of
// its own (that belongs to a separate viewer/approval client in a full
// deployment), so this denies by default and logs the request; a real
// deployment wires this to whatever desktop-notification surface it ships.
func (d *hostDaemon) promptForApproval(peerKey, userID string) bool {
	log.Warn("connection request from unrecognized identity denied: no approval UI configured",
		"peer", peerKey, "user_id", userID)
	return false
}

func (d *hostDaemon) forceKeyFrame(peerKey string) {
	d.mu.Lock()
	peer, ok := d.peers[peerKey]
	d.mu.Unlock()
	if !ok {
		return
	}
	peer.Codec.ForceKeyframe()
}

func (d *hostDaemon) handleInput(peerKey string, data []byte) {
	d.mu.Lock()
	d.activePeer = peerKey
	d.mu.Unlock()
	if err := d.dispatcher.DispatchRaw(data); err != nil {
		log.Debug("dropped malformed input event", "peer", peerKey, "error", err)
	}
}

// reconcilePeers periodically drops pipeline peers the transport's store no
// longer holds (swept for a stale heartbeat, or disconnected), since
// Pipeline itself only learns about additions via attachPeer.
func (d *hostDaemon) reconcilePeers(ctx context.Context) {
	ticker := time.NewTicker(transport.DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := make(map[string]bool)
			for _, key := range d.transport.Store().Keys() {
				live[key] = true
			}
			d.mu.Lock()
			for key := range d.peers {
				if !live[key] {
					delete(d.peers, key)
					d.pipeline.RemovePeer(key)
					d.health.Remove(health.CodecComponent(key))
					if stop, ok := d.peerStops[key]; ok {
						close(stop)
						delete(d.peerStops, key)
					}
				}
			}
			d.mu.Unlock()
		}
	}
}

// reportHealth logs the daemon's overall health summary whenever it is not
// fully healthy, so a degraded component (failed STUN, unreachable
// signalling service) is visible in the log stream without a dedicated
// status surface.
func (d *hostDaemon) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if overall := d.health.Overall(); overall != health.Healthy {
				log.Warn("host daemon health degraded", "status", string(overall), "components", d.health.Summary()["components"])
			}
		}
	}
}

// attachPeer builds a pipeline.Peer for a newly-promoted connection and
// starts its periodic Omniscient-state report (§6, wire type 0x50). It is
// installed as the transport's ParamBurstFunc, invoked once a peer clears
// the handshake and is promoted to ready.
func (d *hostDaemon) attachPeer(peerKey string) {
	sessPeer, ok := d.transport.Store().Get(peerKey)
	if !ok {
		log.Warn("param burst requested for unknown peer", "peer", peerKey)
		return
	}

	width, height := d.dispatcher.DisplaySize()

	cs := &codec.Session{}
	if err := cs.Setup(codec.Config{
		Codec:   engine.CodecH264,
		Profile: engine.ProfileMain,
		Width:   width,
		Height:  height,
		Runtime: codec.RuntimeParameters{
			BitrateMbps: d.cfg.MaxBitrateMbps / 2, Quality: 0.7, FPS: d.cfg.CaptureFPS,
			KeyFrameInterval: 60, PeakMultiplier: 1.5,
		},
	}); err != nil {
		log.Warn("codec setup failed for new peer", "peer", peerKey, "error", err)
		d.health.Update(health.CodecComponent(peerKey), health.Unhealthy, err.Error())
		return
	}
	d.health.Update(health.CodecComponent(peerKey), health.Healthy, "")

	relayMode := sessPeer.Mode == session.ModeRelay
	enc := wire.NewEncoder(relayMode, d.transport.SenderFor(peerKey), sessPeer.Crypto, wire.NewPacingController(relayMode))

	cooldowns := engine.Cooldowns{
		Codec:                time.Duration(d.cfg.CodecCooldownSeconds) * time.Second,
		MinKeyFrameInterval:  time.Duration(d.cfg.MinKeyframeIntervalSeconds) * time.Second,
		ModeChange:           time.Duration(d.cfg.ModeChangeCooldownSeconds) * time.Second,
		RetinaSwitch:         time.Duration(d.cfg.RetinaSwitchCooldownSeconds) * time.Second,
		LoadPenalty:          time.Duration(d.cfg.LoadPenaltySeconds) * time.Second,
		StaticDurationThresh: time.Duration(d.cfg.StaticDurationThreshold) * time.Second,
	}

	// The sink only carries the bitrate/quality/fps/keyframe/peak subset a
	// live session can absorb without a teardown. A codec/profile change
	// (and the capture-scale/resolution-scale change that must reach the
	// frame source alongside it) needs the full decision plus the peer's
	// relay-vs-direct mode, so internal/pipeline's dispatchFrame drives
	// those directly off every decision it computes instead of through
	// this closure.
	peer := &pipeline.Peer{Key: peerKey, Codec: cs, Wire: enc, Relay: relayMode}
	peer.Engine = engine.New(cooldowns, func(decision engine.QualityDecision) {
		if err := cs.UpdateRuntimeParameters(codec.RuntimeParameters{
			BitrateMbps: decision.BitrateMbps, Quality: decision.QualityValue, FPS: decision.TargetFPS,
			KeyFrameInterval: decision.KeyFrameInterval, PeakMultiplier: decision.PeakMultiplier,
		}); err != nil {
			log.Warn("runtime parameter update rejected", "peer", peerKey, "error", err)
			d.health.Update(health.CodecComponent(peerKey), health.Degraded, err.Error())
			return
		}
		d.health.Update(health.CodecComponent(peerKey), health.Healthy, "")
	})

	stop := make(chan struct{})
	d.mu.Lock()
	d.peers[peerKey] = peer
	d.peerStops[peerKey] = stop
	d.mu.Unlock()

	d.pipeline.AddPeer(peer)
	cs.ForceKeyframe()

	go d.reportOmniscientState(peerKey, peer, enc, stop)
}

func (d *hostDaemon) reportOmniscientState(peerKey string, peer *pipeline.Peer, enc *wire.Encoder, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			scrollVX, scrollVY := d.dispatcher.Scroll().Velocity()
			builder := &telemetry.Builder{
				Decision:    peer.LastDecision(),
				ScrollVX:    scrollVX,
				ScrollVY:    scrollVY,
				IsScrolling: d.dispatcher.Scroll().IsScrolling(),
				Latency:     &peer.Latency,
			}
			payload, err := builder.MarshalJSON()
			if err != nil {
				log.Warn("omniscient state marshal failed", "peer", peerKey, "error", err)
				continue
			}
			if err := enc.SendPacket(wire.PacketOmniscientState, payload, uint64(time.Now().UnixMilli())); err != nil {
				log.Debug("omniscient state send failed", "peer", peerKey, "error", err)
			}
		}
	}
}
