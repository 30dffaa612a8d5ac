package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolverReturnsConfiguredPeer(t *testing.T) {
	r := StaticResolver{Peer: Peer{IP: "192.168.1.50", Port: 9876}}
	peer, ok, err := r.FirstPeer(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.50", peer.IP)
}

func TestStaticResolverWithoutPeerReturnsFalse(t *testing.T) {
	r := StaticResolver{}
	_, ok, err := r.FirstPeer(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcastResolverTimesOutWithoutPeersPresent(t *testing.T) {
	r := NewBroadcastResolver()
	r.ReplyTimeout = 0
	r.DiscoveryPort = 19999 // unlikely to have a listener in the test sandbox

	peer, ok, err := r.FirstPeer(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, peer.IP)
}
