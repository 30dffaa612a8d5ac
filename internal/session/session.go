// Package session implements the per-connection handshake and dispatch
// loop described in spec §4.6: AEAD challenge/response authentication
// followed by a frame-at-a-time message loop.
//
// Grounded on the teacher's p2p/tcp_transfer.go (bufio.Reader/Writer over
// a plain net.Conn, sequential read/respond loop), replacing its
// filename/size/hash handshake with spec's nonce/shared-key challenge.
package session

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"clipsync/internal/wire"
)

// Timeouts match spec §5.
const (
	AuthTimeout = 10 * time.Second
	IdleTimeout = 30 * time.Second
)

const nonceLen = 32

// ErrNotPaired is sent back to a peer when pairing is required but no
// shared key is available yet.
var ErrNotPaired = fmt.Errorf("session: device not paired")

// ErrAuthFailed covers handshake rejections: an unexpected message type,
// a bad response, or an AUTH_FAILURE received by the client (including the
// server's not-paired reply). ServerHandshake itself reports the
// not-paired case as ErrNotPaired.
var ErrAuthFailed = fmt.Errorf("session: authentication failed")

// Conn wraps an authenticated, AEAD-encrypted connection ready for the
// message dispatch loop.
type Conn struct {
	netConn net.Conn
	r       *bufio.Reader
	aead    *wire.Session
	parser  wire.StreamParser
	log     *logrus.Entry
}

// ServerHandshake runs the receiver side of spec §4.6's handshake. If
// sharedKey is nil, pairing is considered absent; when requirePairing is
// true this immediately fails with AUTH_FAILURE.
func ServerHandshake(netConn net.Conn, sharedKey []byte, requirePairing bool, log *logrus.Entry) (*Conn, error) {
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	r := bufio.NewReader(netConn)
	netConn.SetDeadline(time.Now().Add(AuthTimeout))

	if sharedKey == nil && requirePairing {
		writeAuthFailure(netConn, "Device not paired")
		return nil, ErrNotPaired
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("session: generate nonce: %w", err)
	}
	if err := writeFrame(netConn, wire.AuthChallenge, nonce); err != nil {
		return nil, fmt.Errorf("session: send challenge: %w", err)
	}

	frame, err := wire.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("session: read response: %w", err)
	}
	if frame.Type != wire.AuthResponse {
		writeAuthFailure(netConn, "expected auth response")
		return nil, fmt.Errorf("%w: unexpected message type 0x%02X", ErrAuthFailed, byte(frame.Type))
	}

	expected := expectedResponse(nonce, sharedKey)
	if subtle.ConstantTimeCompare(frame.Body, expected) != 1 {
		writeAuthFailure(netConn, "invalid auth response")
		log.Warn("rejected session: invalid auth response")
		return nil, ErrAuthFailed
	}
	if err := writeFrame(netConn, wire.AuthSuccess, nil); err != nil {
		return nil, fmt.Errorf("session: send success: %w", err)
	}

	aead, err := wire.NewSession(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("session: init aead: %w", err)
	}
	netConn.SetDeadline(time.Now().Add(IdleTimeout))
	return &Conn{netConn: netConn, r: r, aead: aead, log: log}, nil
}

// ClientHandshake runs the initiator side of spec §4.6's handshake.
func ClientHandshake(netConn net.Conn, sharedKey []byte, log *logrus.Entry) (*Conn, error) {
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	r := bufio.NewReader(netConn)
	netConn.SetDeadline(time.Now().Add(AuthTimeout))

	frame, err := wire.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("session: read challenge: %w", err)
	}
	if frame.Type == wire.AuthFailure {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, string(frame.Body))
	}
	if frame.Type != wire.AuthChallenge {
		return nil, fmt.Errorf("%w: unexpected message type 0x%02X", ErrAuthFailed, byte(frame.Type))
	}

	response := expectedResponse(frame.Body, sharedKey)
	if err := writeFrame(netConn, wire.AuthResponse, response); err != nil {
		return nil, fmt.Errorf("session: send response: %w", err)
	}

	reply, err := wire.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("session: read reply: %w", err)
	}
	if reply.Type == wire.AuthFailure {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, string(reply.Body))
	}
	if reply.Type != wire.AuthSuccess {
		return nil, fmt.Errorf("%w: unexpected message type 0x%02X", ErrAuthFailed, byte(reply.Type))
	}

	aead, err := wire.NewSession(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("session: init aead: %w", err)
	}
	netConn.SetDeadline(time.Now().Add(IdleTimeout))
	return &Conn{netConn: netConn, r: r, aead: aead, log: log}, nil
}

func expectedResponse(nonce, sharedKey []byte) []byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write(sharedKey)
	return h.Sum(nil)
}

func writeAuthFailure(w io.Writer, reason string) {
	writeFrame(w, wire.AuthFailure, []byte(reason))
}

func writeFrame(w io.Writer, typ wire.MessageType, body []byte) error {
	encoded, err := wire.EncodeCleartext(typ, body)
	if err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

// Send encrypts and writes one message. Every post-handshake frame is
// AEAD-sealed, per spec §4.6.
func (c *Conn) Send(typ wire.MessageType, body []byte) error {
	encoded, err := c.aead.EncodeSealedFrame(typ, body)
	if err != nil {
		return fmt.Errorf("session: seal: %w", err)
	}
	c.netConn.SetWriteDeadline(time.Now().Add(IdleTimeout))
	_, err = c.netConn.Write(encoded)
	return err
}

// Recv blocks for and decrypts the next frame.
func (c *Conn) Recv() (wire.MessageType, []byte, error) {
	c.netConn.SetReadDeadline(time.Now().Add(IdleTimeout))
	frame, err := wire.ReadFrame(c.r)
	if err != nil {
		return 0, nil, err
	}
	if !frame.Encrypted {
		return 0, nil, fmt.Errorf("%w: unexpected cleartext frame after handshake", wire.ErrProtocol)
	}
	return c.aead.Open(frame.Body)
}

// RemoteAddr exposes the underlying connection's remote address for
// logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// Handler dispatches decoded frames to the sync engine. Every method
// returns an error only for connection-fatal conditions; per-message
// failures are expressed via the reply frames the handler itself sends.
type Handler interface {
	HandlePing(c *Conn) error
	HandleTextTransfer(c *Conn, body []byte) error
	HandleFileTransfer(c *Conn, body []byte) error
	HandleFileAnnounce(c *Conn, body []byte) error
	HandleFileRequest(c *Conn, body []byte) error
	HandleFileChunk(c *Conn, body []byte) error
	HandleFileChunkAck(c *Conn, body []byte) error
	HandleTransferComplete(c *Conn, body []byte) error
	HandleTransferCancel(c *Conn, body []byte) error
	HandleTransferError(c *Conn, body []byte) error
}

// Serve runs spec §4.6's dispatch loop until the connection closes or a
// fatal parse/decrypt error occurs. Fatal errors terminate the connection;
// handler errors returned from dispatch are treated as fatal too, per
// spec §7 ("fatal-to-connection: frame exceeds limit, AEAD decrypt fail").
func (c *Conn) Serve(h Handler) error {
	for {
		typ, body, err := c.Recv()
		if err != nil {
			return err
		}

		switch typ {
		case wire.Ping:
			err = h.HandlePing(c)
		case wire.TextTransfer:
			err = h.HandleTextTransfer(c, body)
		case wire.FileTransfer:
			err = h.HandleFileTransfer(c, body)
		case wire.FileAnnounce:
			err = h.HandleFileAnnounce(c, body)
		case wire.FileRequest:
			err = h.HandleFileRequest(c, body)
		case wire.FileChunk:
			err = h.HandleFileChunk(c, body)
		case wire.FileChunkAck:
			err = h.HandleFileChunkAck(c, body)
		case wire.TransferComplete:
			err = h.HandleTransferComplete(c, body)
		case wire.TransferCancel:
			err = h.HandleTransferCancel(c, body)
		case wire.TransferError:
			err = h.HandleTransferError(c, body)
		default:
			c.log.WithField("type", typ.String()).Warn("unrecognized message type")
			continue
		}
		if err != nil {
			c.log.WithError(err).Warn("session loop terminating")
			return err
		}
	}
}
