package session

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipsync/internal/wire"
)

var errStopServing = errors.New("session_test: stop serving")

func handshakePair(t *testing.T, sharedKey []byte, requirePairing bool) (server, client *Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := ServerHandshake(serverConn, sharedKey, requirePairing, nil)
		serverCh <- result{c, err}
	}()

	c, err := ClientHandshake(clientConn, sharedKey, nil)
	require.NoError(t, err)

	res := <-serverCh
	require.NoError(t, res.err)
	return res.conn, c
}

func TestHandshakeSucceedsWithMatchingKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	server, client := handshakePair(t, key, true)
	defer server.Close()
	defer client.Close()

	require.NoError(t, client.Send(wire.Ping, nil))
	typ, _, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.Ping, typ)
}

func TestServerHandshakeRejectsWhenNotPairedAndRequired(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, nil, true, nil)
		serverErrCh <- err
	}()

	_, clientErr := ClientHandshake(clientConn, make([]byte, 32), nil)
	assert.Error(t, clientErr)

	serverErr := <-serverErrCh
	assert.ErrorIs(t, serverErr, ErrNotPaired)
}

func TestHandshakeRejectsMismatchedKeys(t *testing.T) {
	serverKey := make([]byte, 32)
	clientKey := make([]byte, 32)
	clientKey[0] = 0xFF

	serverConn, clientConn := net.Pipe()

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, serverKey, true, nil)
		serverErrCh <- err
	}()

	_, clientErr := ClientHandshake(clientConn, clientKey, nil)
	assert.Error(t, clientErr)

	serverErr := <-serverErrCh
	assert.ErrorIs(t, serverErr, ErrAuthFailed)
}

type recordingHandler struct {
	pings int
	texts [][]byte
	stop  chan struct{}
}

func (h *recordingHandler) HandlePing(c *Conn) error { h.pings++; return c.Send(wire.Pong, nil) }
func (h *recordingHandler) HandleTextTransfer(c *Conn, body []byte) error {
	h.texts = append(h.texts, body)
	close(h.stop)
	return errStopServing
}
func (h *recordingHandler) HandleFileTransfer(c *Conn, body []byte) error     { return nil }
func (h *recordingHandler) HandleFileAnnounce(c *Conn, body []byte) error     { return nil }
func (h *recordingHandler) HandleFileRequest(c *Conn, body []byte) error      { return nil }
func (h *recordingHandler) HandleFileChunk(c *Conn, body []byte) error        { return nil }
func (h *recordingHandler) HandleFileChunkAck(c *Conn, body []byte) error     { return nil }
func (h *recordingHandler) HandleTransferComplete(c *Conn, body []byte) error { return nil }
func (h *recordingHandler) HandleTransferCancel(c *Conn, body []byte) error   { return nil }
func (h *recordingHandler) HandleTransferError(c *Conn, body []byte) error    { return nil }

func TestServeDispatchesPingAndTextTransfer(t *testing.T) {
	key := make([]byte, 32)
	server, client := handshakePair(t, key, true)
	defer client.Close()

	handler := &recordingHandler{stop: make(chan struct{})}
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(handler) }()

	require.NoError(t, client.Send(wire.Ping, nil))
	typ, _, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.Pong, typ)

	require.NoError(t, client.Send(wire.TextTransfer, []byte("hi")))
	<-handler.stop

	err = <-serveDone
	assert.ErrorIs(t, err, errStopServing)
	assert.Equal(t, 1, handler.pings)
	require.Len(t, handler.texts, 1)
	assert.Equal(t, "hi", string(handler.texts[0]))
}
