// Package relay provides a serialized TURN client actor (§4.8) used when a
// peer is unreachable over direct UDP and fragments must be relayed through
// a TURN server. All TURN operations (Allocate, CreatePermission, SendData,
// Deallocate) are funneled through a single command goroutine — one queue
// drained by one worker — so pion/turn/v4's Client, which is not meant to be driven by
// concurrent Allocate/CreatePermission callers, only ever sees one at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	hostdlog "github.com/emberlink/hostd/internal/logging"
)

var log = hostdlog.L("relay")

var (
	// ErrNotAllocated is returned by operations that require a live
	// allocation before Allocate has succeeded.
	ErrNotAllocated = errors.New("relay: no active allocation")
	// ErrClosed is returned by operations submitted after Close.
	ErrClosed = errors.New("relay: actor closed")
)

// Config configures a TURN client actor.
type Config struct {
	STUNServerAddr string
	TURNServerAddr string
	Username       string
	Password       string
	Realm          string
	// Conn is the local socket the TURN control channel runs over. Reusing
	// the same socket the direct-mode path also binds lets a single local
	// port serve both transport strategies.
	Conn net.PacketConn
}

// DataHandler receives a payload relayed from a peer address.
type DataHandler func(data []byte, from net.Addr)

type command struct {
	fn   func() error
	done chan error
}

// Client is a serialized TURN actor: one allocation, one relay socket, one
// command goroutine.
type Client struct {
	cfg Config

	turnClient *turn.Client
	relayConn  net.PacketConn

	cmdCh  chan command
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	handler       DataHandler
	closed        bool
	boundChannels map[string]uint16
	nextChannelID uint16
}

// New creates the actor and starts its command goroutine. It does not
// contact the TURN server until Allocate is called.
func New(cfg Config) *Client {
	c := &Client{
		cfg:    cfg,
		cmdCh:  make(chan command),
		stopCh: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case cmd := <-c.cmdCh:
			cmd.done <- cmd.fn()
		case <-c.stopCh:
			return
		}
	}
}

// submit serializes fn onto the actor's command goroutine and waits for it
// to finish or for the actor to be closed, whichever comes first.
func (c *Client) submit(fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.cmdCh <- command{fn: fn, done: done}:
	case <-c.stopCh:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-c.stopCh:
		return ErrClosed
	}
}

// Allocate dials the TURN server, authenticates, and requests a relayed
// transport address, returning it so the caller can publish it as this
// host's relay candidate. ctx is accepted for API symmetry with the rest of
// this codebase's network calls; pion/turn's own Allocate has no
// context-cancellation hook, so a caller that needs a hard deadline should
// race this call against ctx.Done() itself.
func (c *Client) Allocate(ctx context.Context) (net.Addr, error) {
	var relayAddr net.Addr
	err := c.submit(func() error {
		turnClient, err := turn.NewClient(&turn.ClientConfig{
			STUNServerAddr: c.cfg.STUNServerAddr,
			TURNServerAddr: c.cfg.TURNServerAddr,
			Conn:           c.cfg.Conn,
			Username:       c.cfg.Username,
			Password:       c.cfg.Password,
			Realm:          c.cfg.Realm,
			Software:       "hostd",
			LoggerFactory:  logging.NewDefaultLoggerFactory(),
		})
		if err != nil {
			return fmt.Errorf("turn.NewClient: %w", err)
		}
		if err := turnClient.Listen(); err != nil {
			turnClient.Close()
			return fmt.Errorf("turn client listen: %w", err)
		}

		relayConn, err := turnClient.Allocate()
		if err != nil {
			turnClient.Close()
			return fmt.Errorf("turn allocate: %w", err)
		}

		c.turnClient = turnClient
		c.relayConn = relayConn
		relayAddr = relayConn.LocalAddr()

		c.wg.Add(1)
		go c.readLoop(relayConn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("turn allocation created", "relay_addr", relayAddr.String())
	return relayAddr, nil
}

// CreatePermission authorizes peer to exchange data through this allocation;
// TURN drops data to/from any address without an active permission.
func (c *Client) CreatePermission(peer net.Addr) error {
	return c.submit(func() error {
		if c.turnClient == nil {
			return ErrNotAllocated
		}
		return c.turnClient.CreatePermission(peer)
	})
}

// ChannelBind assigns peer a channel number and records it in the actor's
// own table; SendData does not consult that table. pion/turn's public Client API has no
// exposed channel-bind call of its own — it promotes a busy peer from
// Send-indication to the lower-overhead ChannelData framing internally once
// its own traffic threshold is crossed — so this is a bookkeeping shim over
// that internal behavior rather than a real wire operation; the peer still
// needs CreatePermission before traffic to it is accepted.
func (c *Client) ChannelBind(peer net.Addr) (uint16, error) {
	var id uint16
	err := c.submit(func() error {
		if c.turnClient == nil {
			return ErrNotAllocated
		}
		if c.boundChannels == nil {
			c.boundChannels = make(map[string]uint16)
		}
		key := peer.String()
		if existing, ok := c.boundChannels[key]; ok {
			id = existing
			return nil
		}
		c.nextChannelID++
		id = c.nextChannelID
		c.boundChannels[key] = id
		return nil
	})
	return id, err
}

// SendData relays a fragment to peer through the TURN server by writing to
// the allocation's relayed connection. pion/turn picks the framing
// (Channel-Data or a Send indication) itself; whether ChannelBind was called
// for peer has no effect on it.
func (c *Client) SendData(data []byte, peer net.Addr) error {
	return c.submit(func() error {
		if c.relayConn == nil {
			return ErrNotAllocated
		}
		_, err := c.relayConn.WriteTo(data, peer)
		return err
	})
}

// SetDataHandler installs the callback invoked for each inbound relayed
// payload. Only the most recently installed handler receives data.
func (c *Client) SetDataHandler(h DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) readLoop(relayConn net.PacketConn) {
	defer c.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := relayConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Debug("relay read loop exiting", "error", err)
			}
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		h(payload, from)
	}
}

// Deallocate tears down the TURN allocation and the underlying client,
// leaving the actor's command goroutine running so Allocate can be called
// again later.
func (c *Client) Deallocate() error {
	return c.submit(func() error {
		if c.relayConn != nil {
			_ = c.relayConn.Close()
			c.relayConn = nil
		}
		if c.turnClient != nil {
			c.turnClient.Close()
			c.turnClient = nil
		}
		return nil
	})
}

// Close releases the allocation and stops the actor's command goroutine.
// The Client is not usable after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Deallocate()
	close(c.stopCh)
	c.wg.Wait()
	return err
}
