package pairing

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairingHandshakeSucceeds(t *testing.T) {
	server := NewServer()
	pin, serverKeyHalf, err := server.GeneratePIN()
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()

	var serverDevice *Device
	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		serverDevice, serverErr = server.Accept(serverConn, pin, serverKeyHalf, time.Now())
	}()

	clientKey, err := Client(clientConn, pin, "device-abc", "My Laptop")
	require.NoError(t, err)

	<-done
	require.NoError(t, serverErr)
	require.NotNil(t, serverDevice)

	assert.Equal(t, "device-abc", serverDevice.DeviceID)
	assert.Equal(t, "My Laptop", serverDevice.DeviceName)
	assert.Len(t, clientKey, keySize)
}

func TestPairingHandshakeRejectsWrongPIN(t *testing.T) {
	server := NewServer()
	pin, serverKeyHalf, err := server.GeneratePIN()
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()

	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, serverErr = server.Accept(serverConn, pin, serverKeyHalf, time.Now())
	}()

	_, clientErr := Client(clientConn, "000000", "device-abc", "My Laptop")
	<-done

	assert.Error(t, serverErr)
	assert.Error(t, clientErr)
}

func TestPairingHandshakeRejectsExpiredPIN(t *testing.T) {
	server := &Server{PINValidity: 1 * time.Millisecond}
	pin, serverKeyHalf, err := server.GeneratePIN()
	require.NoError(t, err)

	issuedAt := time.Now().Add(-1 * time.Second)

	serverConn, clientConn := net.Pipe()

	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, serverErr = server.Accept(serverConn, pin, serverKeyHalf, issuedAt)
	}()

	_, clientErr := Client(clientConn, pin, "device-abc", "My Laptop")
	<-done

	assert.Error(t, serverErr)
	assert.Error(t, clientErr)
}

func TestStoreSaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	store := NewStore(path)

	existing, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, existing)

	device := &Device{DeviceID: "d1", DeviceName: "Phone", SharedKey: "deadbeef"}
	require.NoError(t, store.Save(device))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "d1", loaded.DeviceID)
}

func TestStoreSaveOverwritesPriorPairing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	store := NewStore(path)

	require.NoError(t, store.Save(&Device{DeviceID: "old"}))
	require.NoError(t, store.Save(&Device{DeviceID: "new"}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new", loaded.DeviceID)
}

func TestGeneratePINIsSixDigits(t *testing.T) {
	server := NewServer()
	for i := 0; i < 20; i++ {
		pin, _, err := server.GeneratePIN()
		require.NoError(t, err)
		assert.Len(t, pin, 6)
	}
}
