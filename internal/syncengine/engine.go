package syncengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"clipsync/internal/checkpoint"
	"clipsync/internal/clipboard"
	"clipsync/internal/clipconfig"
	"clipsync/internal/discovery"
	"clipsync/internal/pairing"
	"clipsync/internal/registry"
	"clipsync/internal/session"
)

// Engine is the sync engine's public API surface (spec §4.7). It owns no
// global state: every collaborator is constructed explicitly and injected,
// replacing the source's global singletons (spec §9's first design note).
type Engine struct {
	cfg       *clipconfig.Config
	reg       *registry.Registry
	ckpt      *checkpoint.Store
	pairStore *pairing.Store
	resolver  discovery.Resolver
	adapter   clipboard.Adapter
	log       *logrus.Entry

	loopSup *loopSuppressor

	deviceMu sync.RWMutex
	device   *pairing.Device

	connsMu sync.Mutex
	conns   map[string]*session.Conn // live connections, keyed by transfer_id, for best-effort cancel notification

	progressMu   sync.Mutex
	lastProgress map[string]time.Time

	listener net.Listener
}

// New constructs an Engine. The paired device (if any) is loaded from
// pairStore immediately.
func New(cfg *clipconfig.Config, reg *registry.Registry, ckpt *checkpoint.Store, pairStore *pairing.Store, resolver discovery.Resolver, adapter clipboard.Adapter) (*Engine, error) {
	device, err := pairStore.Load()
	if err != nil {
		return nil, fmt.Errorf("syncengine: load paired device: %w", err)
	}
	if adapter == nil {
		adapter = clipboard.NoopAdapter{}
	}
	return &Engine{
		cfg:          cfg,
		reg:          reg,
		ckpt:         ckpt,
		pairStore:    pairStore,
		resolver:     resolver,
		adapter:      adapter,
		log:          logrus.WithField("component", "syncengine"),
		loopSup:      newLoopSuppressor(),
		device:       device,
		conns:        make(map[string]*session.Conn),
		lastProgress: make(map[string]time.Time),
	}, nil
}

// sharedKey returns the current paired device's shared key, or nil if
// unpaired.
func (e *Engine) sharedKey() []byte {
	e.deviceMu.RLock()
	defer e.deviceMu.RUnlock()
	if e.device == nil {
		return nil
	}
	key, err := hex.DecodeString(e.device.SharedKey)
	if err != nil {
		return nil
	}
	return key
}

// SetPairedDevice installs device as the current pairing (called after a
// successful pairing.Server/Client handshake), persisting it via
// pairStore.
func (e *Engine) SetPairedDevice(device *pairing.Device) error {
	if err := e.pairStore.Save(device); err != nil {
		return err
	}
	e.deviceMu.Lock()
	e.device = device
	e.deviceMu.Unlock()
	return nil
}

// dialPeer resolves the first available peer and opens an authenticated
// client connection to it.
func (e *Engine) dialPeer(ctx context.Context) (*session.Conn, error) {
	key := e.sharedKey()
	if key == nil {
		return nil, NewTransferError(KindNotPaired, "", "", -1, "no paired device").Wrap(ErrNotPaired)
	}

	peer, ok, err := e.resolver.FirstPeer(ctx)
	if err != nil {
		return nil, NewTransferError(KindIO, "", "", -1, "peer resolution failed").Wrap(err)
	}
	if !ok {
		return nil, NewTransferError(KindNoPeer, "", "", -1, "no peer found").Wrap(ErrNoPeer)
	}

	addr := fmt.Sprintf("%s:%d", peer.IP, e.cfg.Port)
	netConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, NewTransferError(KindConnectionRefused, "", addr, -1, "connection failed").Wrap(err)
	}

	conn, err := session.ClientHandshake(netConn, key, e.log)
	if err != nil {
		return nil, NewTransferError(KindAuthFailed, "", addr, -1, "handshake failed").Wrap(err)
	}
	return conn, nil
}

// ListenAndServe runs the accept loop described in spec §4.6: one worker
// per accepted connection. Blocks until ctx is cancelled or the listener
// fails.
func (e *Engine) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("syncengine: listen %s: %w", addr, err)
	}
	e.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("syncengine: accept: %w", err)
		}
		go e.serveConn(netConn)
	}
}

func (e *Engine) serveConn(netConn net.Conn) {
	key := e.sharedKey()
	conn, err := session.ServerHandshake(netConn, key, e.cfg.RequirePairing, e.log)
	if err != nil {
		e.log.WithError(err).Debug("session handshake rejected")
		return
	}
	defer conn.Close()

	h := &receiverHandler{engine: e}
	if err := conn.Serve(h); err != nil {
		e.log.WithError(err).Debug("session loop ended")
	}
}

func (e *Engine) trackConn(transferID string, conn *session.Conn) {
	e.connsMu.Lock()
	e.conns[transferID] = conn
	e.connsMu.Unlock()
}

func (e *Engine) untrackConn(transferID string) {
	e.connsMu.Lock()
	delete(e.conns, transferID)
	e.connsMu.Unlock()
}

func (e *Engine) connFor(transferID string) (*session.Conn, bool) {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	c, ok := e.conns[transferID]
	return c, ok
}

// ensureCheckpoint guarantees transferID has a checkpoint row, creating one
// at fileIndex if this is the first time either side of a transfer touches
// it locally. Both the requester (RequestTransfer, DownloadSingleFile) and
// the sender (HandleFileRequest) need one so CancelTransfer has a cancel
// signal to close and the chunk loops have one to poll, per spec §5.
func (e *Engine) ensureCheckpoint(transferID string, fileIndex int) error {
	if _, ok := e.ckpt.Get(transferID); ok {
		return nil
	}
	_, err := e.ckpt.Create(transferID, fileIndex)
	return err
}

// emitProgress rate-limits progress callbacks to at most one per 100ms per
// transfer, per spec §4.7.
func (e *Engine) emitProgress(transferID string, bytesDone, bytesTotal int64, fileName string) {
	now := time.Now()

	e.progressMu.Lock()
	last, ok := e.lastProgress[transferID]
	if ok && now.Sub(last) < 100*time.Millisecond {
		e.progressMu.Unlock()
		return
	}
	e.lastProgress[transferID] = now
	e.progressMu.Unlock()

	e.adapter.TransferProgress(transferID, bytesDone, bytesTotal, fileName)
}
