// Package pairing implements the one-shot PIN-authenticated key-agreement
// handshake that bootstraps the AEAD shared key (spec §4.5).
//
// Grounded on the teacher's p2p/tcp_transfer.go (plain net.Conn framing
// over a dedicated TCP listener) generalized from file transfer to a
// single fixed-format handshake, with the PIN-validity-window supplement
// drawn from original_source/common/pairing.py.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPort is spec §6's pairing port.
const DefaultPort = 9877

// DefaultPINValidity is the supplemented PIN display countdown: how long
// a generated PIN accepts a PAIR_REQUEST before it's considered stale.
const DefaultPINValidity = 120 * time.Second

const keySize = 32

// Opcode identifies a pairing-protocol frame.
type Opcode byte

const (
	OpPairRequest Opcode = 0x01
	OpPairSuccess Opcode = 0x02
	OpPairFailure Opcode = 0x03
)

// Device is a paired remote peer's persisted identity and shared key.
type Device struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	SharedKey  string    `json:"shared_key"` // hex
	PairedAt   time.Time `json:"paired_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// generatePIN returns a random 6-digit PIN, left-padded with zeros.
func generatePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("pairing: generate pin: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func generateKeyHalf() ([]byte, error) {
	buf := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("pairing: generate key: %w", err)
	}
	return buf, nil
}

func xorKeys(a, b []byte) []byte {
	out := make([]byte, keySize)
	for i := 0; i < keySize; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Server runs the one-shot PIN-pairing listener described in spec §4.5.
type Server struct {
	PINValidity time.Duration
	log         *logrus.Entry
}

// NewServer constructs a Server with spec defaults.
func NewServer() *Server {
	return &Server{PINValidity: DefaultPINValidity, log: logrus.WithField("component", "pairing")}
}

// GeneratePIN produces a fresh PIN and server key half, to be displayed to
// the user and then passed to Accept.
func (s *Server) GeneratePIN() (pin string, serverKeyHalf []byte, err error) {
	pin, err = generatePIN()
	if err != nil {
		return "", nil, err
	}
	serverKeyHalf, err = generateKeyHalf()
	if err != nil {
		return "", nil, err
	}
	return pin, serverKeyHalf, nil
}

// Accept services exactly one pairing connection: reads a PAIR_REQUEST,
// validates the PIN in constant time, and replies PAIR_SUCCESS or
// PAIR_FAILURE. issuedAt is when GeneratePIN was called, used to enforce
// PINValidity independent of the connection's own lifetime.
func (s *Server) Accept(conn net.Conn, pin string, serverKeyHalf []byte, issuedAt time.Time) (*Device, error) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	op, clientPIN, deviceID, deviceName, clientKeyHalf, err := readPairRequest(conn)
	if err != nil {
		return nil, fmt.Errorf("pairing: read request: %w", err)
	}
	if op != OpPairRequest {
		return nil, fmt.Errorf("pairing: unexpected opcode 0x%02X", op)
	}

	if time.Since(issuedAt) > s.PINValidity {
		writePairFailure(conn, "pin expired")
		return nil, fmt.Errorf("pairing: pin expired")
	}
	if subtle.ConstantTimeCompare([]byte(clientPIN), []byte(pin)) != 1 {
		writePairFailure(conn, "incorrect pin")
		s.log.Warn("rejected pairing attempt: incorrect pin")
		return nil, fmt.Errorf("pairing: incorrect pin")
	}

	sharedKey := xorKeys(serverKeyHalf, clientKeyHalf)
	if err := writePairSuccess(conn, deviceID, deviceName, serverKeyHalf); err != nil {
		return nil, err
	}

	now := time.Now()
	device := &Device{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		SharedKey:  hex.EncodeToString(sharedKey),
		PairedAt:   now,
		LastSeen:   now,
	}
	s.log.WithFields(logrus.Fields{"device_id": deviceID, "device_name": deviceName}).Info("device paired")
	return device, nil
}

// Client performs the client side of the handshake against a running
// Server, given the PIN the user typed in.
func Client(conn net.Conn, pin, deviceID, deviceName string) (sharedKey []byte, err error) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	clientKeyHalf, err := generateKeyHalf()
	if err != nil {
		return nil, err
	}
	if err := writePairRequest(conn, pin, deviceID, deviceName, clientKeyHalf); err != nil {
		return nil, fmt.Errorf("pairing: write request: %w", err)
	}

	op, serverKeyHalf, err := readPairReply(conn)
	if err != nil {
		return nil, fmt.Errorf("pairing: read reply: %w", err)
	}
	if op == OpPairFailure {
		return nil, fmt.Errorf("pairing: server rejected: %s", string(serverKeyHalf))
	}
	if op != OpPairSuccess {
		return nil, fmt.Errorf("pairing: unexpected opcode 0x%02X", op)
	}

	return xorKeys(clientKeyHalf, serverKeyHalf), nil
}

func writeLV(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLV(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writePairRequest(w io.Writer, pin, deviceID, deviceName string, keyHalf []byte) error {
	if _, err := w.Write([]byte{byte(OpPairRequest)}); err != nil {
		return err
	}
	if err := writeLV(w, []byte(pin)); err != nil {
		return err
	}
	if err := writeLV(w, []byte(deviceID)); err != nil {
		return err
	}
	if err := writeLV(w, []byte(deviceName)); err != nil {
		return err
	}
	_, err := w.Write(keyHalf)
	return err
}

func readPairRequest(r io.Reader) (op Opcode, pin, deviceID, deviceName string, keyHalf []byte, err error) {
	var opBuf [1]byte
	if _, err = io.ReadFull(r, opBuf[:]); err != nil {
		return
	}
	op = Opcode(opBuf[0])

	pinBytes, err := readLV(r)
	if err != nil {
		return
	}
	idBytes, err := readLV(r)
	if err != nil {
		return
	}
	nameBytes, err := readLV(r)
	if err != nil {
		return
	}
	keyHalf = make([]byte, keySize)
	if _, err = io.ReadFull(r, keyHalf); err != nil {
		return
	}
	return op, string(pinBytes), string(idBytes), string(nameBytes), keyHalf, nil
}

func writePairSuccess(w io.Writer, deviceID, deviceName string, keyHalf []byte) error {
	if _, err := w.Write([]byte{byte(OpPairSuccess)}); err != nil {
		return err
	}
	if err := writeLV(w, []byte(deviceID)); err != nil {
		return err
	}
	if err := writeLV(w, []byte(deviceName)); err != nil {
		return err
	}
	_, err := w.Write(keyHalf)
	return err
}

func writePairFailure(w io.Writer, reason string) error {
	if _, err := w.Write([]byte{byte(OpPairFailure)}); err != nil {
		return err
	}
	return writeLV(w, []byte(reason))
}

func readPairReply(r io.Reader) (op Opcode, body []byte, err error) {
	var opBuf [1]byte
	if _, err = io.ReadFull(r, opBuf[:]); err != nil {
		return
	}
	op = Opcode(opBuf[0])
	if op == OpPairFailure {
		reason, rerr := readLV(r)
		return op, reason, rerr
	}

	// PAIR_SUCCESS: len(id)||id || len(name)||name || K_s(32)
	if _, err = readLV(r); err != nil { // device_id, unused by client
		return
	}
	if _, err = readLV(r); err != nil { // device_name, unused by client
		return
	}
	keyHalf := make([]byte, keySize)
	if _, err = io.ReadFull(r, keyHalf); err != nil {
		return
	}
	return op, keyHalf, nil
}

// Store persists the single paired device with restrictive file
// permissions, per spec §6 (`<config_dir>/pairing.json`, mode 0600).
type Store struct {
	path string
}

// NewStore constructs a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

type pairingFile struct {
	PairedDevice *Device `json:"paired_device"`
}

// Load reads the persisted paired device, if any.
func (s *Store) Load() (*Device, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pairing: read %s: %w", s.path, err)
	}
	var pf pairingFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("pairing: decode %s: %w", s.path, err)
	}
	return pf.PairedDevice, nil
}

// Save persists device, overwriting any prior pairing, per spec §4.5
// ("re-pairing overwrites prior state").
func (s *Store) Save(device *Device) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("pairing: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(pairingFile{PairedDevice: device}, "", "  ")
	if err != nil {
		return fmt.Errorf("pairing: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("pairing: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("pairing: rename %s: %w", tmp, err)
	}
	return nil
}
