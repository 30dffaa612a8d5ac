// Package discovery defines the PeerResolver collaborator interface (spec
// §6) plus reference implementations: a static resolver for a configured
// peer_ip, and a broadcast-based LAN resolver.
//
// mDNS/broadcast peer discovery itself is an explicit Non-goal of the
// sync engine core (spec §1); this package exists only so the engine has
// something concrete to depend on. The broadcast implementation is
// grounded on the teacher's p2p/discovery.go (UDP broadcast + reply
// collection), generalized from "collect a map of all peers" into
// "resolve the first peer within a bounded wait", matching spec §6's
// `get_first_peer() -> (ip, port) | None` collaborator contract.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultDiscoveryPort is the UDP port the broadcast resolver uses.
const DefaultDiscoveryPort = 9878

// DefaultBroadcastMessage identifies a clipsync discovery probe.
const DefaultBroadcastMessage = "CLIPSYNC_DISCOVER"

// Peer is a resolved remote endpoint.
type Peer struct {
	IP   string
	Port int
}

// Resolver is spec §6's peer-selection collaborator:
// get_first_peer() -> (ip, port) | None, with a bounded wait.
type Resolver interface {
	FirstPeer(ctx context.Context) (Peer, bool, error)
}

// StaticResolver always returns a single, pre-configured peer. Used when
// use_auto_discovery is false and peer_ip is set.
type StaticResolver struct {
	Peer Peer
}

// FirstPeer implements Resolver.
func (r StaticResolver) FirstPeer(ctx context.Context) (Peer, bool, error) {
	if r.Peer.IP == "" {
		return Peer{}, false, nil
	}
	return r.Peer, true, nil
}

// broadcastReply is the wire shape of a discovery reply, matching the
// teacher's Peer JSON struct.
type broadcastReply struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

// BroadcastResolver finds a peer by sending a UDP broadcast probe and
// waiting for the first reply, within ctx's deadline.
type BroadcastResolver struct {
	DiscoveryPort int
	Message       string
	ReplyTimeout  time.Duration
}

// NewBroadcastResolver constructs a resolver with spec-matching defaults.
func NewBroadcastResolver() *BroadcastResolver {
	return &BroadcastResolver{
		DiscoveryPort: DefaultDiscoveryPort,
		Message:       DefaultBroadcastMessage,
		ReplyTimeout:  3 * time.Second,
	}
}

// FirstPeer implements Resolver.
func (r *BroadcastResolver) FirstPeer(ctx context.Context) (Peer, bool, error) {
	localAddr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return Peer{}, false, fmt.Errorf("discovery: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return Peer{}, false, fmt.Errorf("discovery: listen: %w", err)
	}
	defer conn.Close()

	broadcastAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("255.255.255.255:%d", r.DiscoveryPort))
	if err != nil {
		return Peer{}, false, fmt.Errorf("discovery: resolve broadcast addr: %w", err)
	}
	if _, err := conn.WriteToUDP([]byte(r.Message), broadcastAddr); err != nil {
		return Peer{}, false, fmt.Errorf("discovery: send broadcast: %w", err)
	}

	deadline := time.Now().Add(r.ReplyTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return Peer{}, false, nil
			}
			return Peer{}, false, fmt.Errorf("discovery: read reply: %w", err)
		}

		var reply broadcastReply
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			continue
		}
		return Peer{IP: reply.IP, Port: reply.Port}, true, nil
	}
}

// ListenAndReply runs in the background, answering discovery broadcasts
// with this host's own address, mirroring the teacher's
// ListenForDiscovery but JSON-encoding {hostname, ip, port} per
// broadcastReply.
func ListenAndReply(ctx context.Context, discoveryPort, dataPort int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", discoveryPort))
	if err != nil {
		return fmt.Errorf("discovery: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	hostname, _ := hostnameOrDefault()
	buf := make([]byte, 256)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery: read probe: %w", err)
		}
		if string(buf[:n]) != DefaultBroadcastMessage {
			continue
		}

		localIP := localIPFor(remote)
		reply, err := json.Marshal(broadcastReply{Hostname: hostname, IP: localIP, Port: dataPort})
		if err != nil {
			continue
		}
		conn.WriteToUDP(reply, remote)
	}
}

func hostnameOrDefault() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "clipsync-host", nil
	}
	return name, nil
}

// localIPFor picks the local address clipsync would be reachable at from
// remote's perspective, by opening a throwaway UDP dial (no packets sent).
func localIPFor(remote *net.UDPAddr) string {
	conn, err := net.Dial("udp", remote.String())
	if err != nil {
		return ""
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
