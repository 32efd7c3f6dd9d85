// Package stun discovers a host's server-reflexive (public) UDP endpoint by
// sending STUN binding requests over the same socket the host will later use
// for direct-mode media (§1, §6). It tries each configured STUN server in
// turn, the same fall-through-a-server-list idiom the teacher's ICMP sweep
// uses for worker sockets (discovery/ping.go), stopping at the first server
// that answers within the per-attempt deadline.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/emberlink/hostd/internal/logging"
)

var log = logging.L("stun")

// ErrNoServers is returned when the server list is empty.
var ErrNoServers = errors.New("stun: no servers configured")

// ErrAllServersFailed is returned when every configured server either timed
// out or returned a response this package could not parse.
var ErrAllServersFailed = errors.New("stun: all servers failed to resolve a reflexive address")

// Result is a successful reflexive-address discovery.
type Result struct {
	PublicAddr *net.UDPAddr
	Server     string
}

// Config configures discovery.
type Config struct {
	// Servers is tried in order, e.g. "stun.l.google.com:19302".
	Servers []string
	// PerServerTimeout bounds a single server's round trip.
	PerServerTimeout time.Duration
}

// DefaultConfig returns a Config with a public fallback server and a
// conservative per-attempt timeout.
func DefaultConfig() Config {
	return Config{
		Servers:          []string{"stun.l.google.com:19302"},
		PerServerTimeout: 3 * time.Second,
	}
}

// Discover sends a STUN binding request over conn to each server in cfg.Servers
// until one answers with a decodable XOR-MAPPED-ADDRESS, or all have failed.
// conn is not closed by Discover: the caller reuses it for the transport
// session that follows (§1's "same socket for STUN and media" requirement).
func Discover(ctx context.Context, conn *net.UDPConn, cfg Config) (*Result, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	timeout := cfg.PerServerTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	var lastErr error
	for _, server := range cfg.Servers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		addr, err := queryServer(conn, server, timeout)
		if err != nil {
			log.Debug("stun server query failed", "server", server, "error", err)
			lastErr = err
			continue
		}
		log.Info("reflexive address discovered", "server", server, "public_addr", addr.String())
		return &Result{PublicAddr: addr, Server: server}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllServersFailed, lastErr)
	}
	return nil, ErrAllServersFailed
}

// queryServer performs one binding request/response round trip against a
// single STUN server over the shared conn.
func queryServer(conn *net.UDPConn, server string, timeout time.Duration) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteTo(msg.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("write to %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("read from %s: %w", server, err)
		}
		// A concurrent sender on this socket (e.g. a stray keepalive) could
		// race a STUN response; only trust packets from the server we asked.
		if peer.String() != serverAddr.String() {
			continue
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, fmt.Errorf("decode response from %s: %w", server, err)
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err != nil {
			var mappedAddr stun.MappedAddress
			if err2 := mappedAddr.GetFrom(res); err2 != nil {
				return nil, fmt.Errorf("no mapped address in response from %s: %w", server, err)
			}
			return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
		}
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
}
