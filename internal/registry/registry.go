// Package registry implements the sync engine's dual-side transfer
// registry (spec §4.3): a thread-safe map of in-flight transfers, TTL
// expiry, and status-transition enforcement.
//
// Grounded on the teacher's p2p/transfer_stats.go (mutex-protected map of
// active transfers) generalized from pure statistics bookkeeping into a
// full lifecycle record, with structured logging drawn from
// kenchrcum-s3-encryption-gateway's logrus idiom.
package registry

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is a TransferInfo's lifecycle state.
type Status int

const (
	StatusAnnounced Status = iota
	StatusPending
	StatusRequesting
	StatusTransferring
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusAnnounced:
		return "ANNOUNCED"
	case StatusPending:
		return "PENDING"
	case StatusRequesting:
		return "REQUESTING"
	case StatusTransferring:
		return "TRANSFERRING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether s is one of the absorbing statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// FileInfo describes one file within a transfer batch. Immutable once
// created.
type FileInfo struct {
	Name         string
	Size         int64
	ChecksumMD5  string
	IsDirectory  bool
	RelativePath string
	FileIndex    int
}

// Metadata is a transfer's announced batch description.
type Metadata struct {
	Files     []FileInfo
	TotalSize int64
	Timestamp int64
	SourceOS  string
	ExpiresAt int64 // epoch seconds, 0 = never
	ChunkSize int64
}

// Info is one registry record: the dual-side view of a transfer's state.
type Info struct {
	TransferID  string
	Metadata    Metadata
	Status      Status

	// Sender-side only.
	SourcePaths map[int]string // file_index -> absolute local path

	// Receiver-side only.
	DestDir         string
	DownloadedFiles []string

	BytesTransferred   int64
	CurrentFileIndex   int
	CurrentChunkIndex  int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ErrorMessage string
}

// IsExpired reports spec's is_expired predicate relative to now.
func (i *Info) IsExpired(now time.Time) bool {
	return i.Metadata.ExpiresAt != 0 && now.Unix() > i.Metadata.ExpiresAt
}

var legalTransitions = map[Status]map[Status]bool{
	StatusAnnounced:    {StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusExpired: true},
	StatusPending:      {StatusRequesting: true, StatusCancelled: true, StatusExpired: true, StatusFailed: true},
	StatusRequesting:   {StatusTransferring: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusExpired: true},
	StatusTransferring: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusExpired: true},
}

// ErrIllegalTransition is returned when a status change doesn't appear in
// legalTransitions.
var ErrIllegalTransition = fmt.Errorf("registry: illegal status transition")

// ErrNotFound is returned for operations against an unknown transfer_id.
var ErrNotFound = fmt.Errorf("registry: transfer not found")

// DefaultCleanupMaxAge is how long a terminal record survives the sweep
// before being purged, per spec §3 ("completed records older than 1h are
// purged").
const DefaultCleanupMaxAge = 1 * time.Hour

// DefaultSweepInterval is spec's periodic sweep cadence.
const DefaultSweepInterval = 60 * time.Second

// Registry is the thread-safe, single-writer-per-record map of in-flight
// transfers described in spec §4.3.
type Registry struct {
	mu             sync.Mutex
	transfers      map[string]*Info
	cleanupMaxAge  time.Duration
	log            *logrus.Entry
	onExpired      func(transferID string)
	stopSweep      chan struct{}
	sweepStopped   chan struct{}
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithCleanupMaxAge overrides DefaultCleanupMaxAge.
func WithCleanupMaxAge(d time.Duration) Option {
	return func(r *Registry) { r.cleanupMaxAge = d }
}

// WithLogger overrides the package-level default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) { r.log = log }
}

// WithExpiryCallback registers a hook invoked whenever a record transitions
// to Expired during a sweep.
func WithExpiryCallback(fn func(transferID string)) Option {
	return func(r *Registry) { r.onExpired = fn }
}

// New constructs an empty Registry. The periodic sweep is not started
// until StartSweeping is called.
func New(opts ...Option) *Registry {
	r := &Registry{
		transfers:     make(map[string]*Info),
		cleanupMaxAge: DefaultCleanupMaxAge,
		log:           logrus.WithField("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewTransferID mints a fresh UUID for a new announce.
func NewTransferID() string {
	return uuid.NewString()
}

// RegisterAnnounced inserts a new sender-side record in status Announced.
func (r *Registry) RegisterAnnounced(transferID string, meta Metadata, sourcePaths map[int]string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := &Info{
		TransferID:  transferID,
		Metadata:    meta,
		Status:      StatusAnnounced,
		SourcePaths: sourcePaths,
		CreatedAt:   time.Now(),
	}
	r.transfers[transferID] = info
	r.log.WithFields(logrus.Fields{"transfer_id": transferID, "files": len(meta.Files)}).Info("transfer announced")
	return info
}

// RegisterPending inserts a new receiver-side record in status Pending
// upon receipt of a FILE_ANNOUNCE.
func (r *Registry) RegisterPending(transferID string, meta Metadata, destDir string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := &Info{
		TransferID: transferID,
		Metadata:   meta,
		Status:     StatusPending,
		DestDir:    destDir,
		CreatedAt:  time.Now(),
	}
	r.transfers[transferID] = info
	r.log.WithFields(logrus.Fields{"transfer_id": transferID, "files": len(meta.Files)}).Info("transfer registered pending")
	return info
}

// Get returns a copy-free pointer to the live record, or ErrNotFound.
func (r *Registry) Get(transferID string) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.transfers[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

// Transition enforces spec's state machine; illegal transitions are
// rejected and logged, never silently applied.
func (r *Registry) Transition(transferID string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.transfers[transferID]
	if !ok {
		return ErrNotFound
	}
	if info.Status.IsTerminal() {
		r.log.WithFields(logrus.Fields{"transfer_id": transferID, "from": info.Status, "to": to}).
			Warn("rejected transition out of terminal status")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, info.Status, to)
	}
	if !legalTransitions[info.Status][to] {
		r.log.WithFields(logrus.Fields{"transfer_id": transferID, "from": info.Status, "to": to}).
			Warn("rejected illegal transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, info.Status, to)
	}

	info.Status = to
	switch to {
	case StatusRequesting:
		info.StartedAt = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		info.CompletedAt = time.Now()
	}
	r.log.WithFields(logrus.Fields{"transfer_id": transferID, "to": to}).Info("transfer status changed")
	return nil
}

// UpdateProgress records bytes_transferred and current position for a
// live (non-terminal) transfer. Bytes transferred is clamped to
// metadata.total_size, enforcing spec's invariant.
func (r *Registry) UpdateProgress(transferID string, fileIndex, chunkIndex int, bytesTransferred int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.transfers[transferID]
	if !ok {
		return ErrNotFound
	}
	if bytesTransferred > info.Metadata.TotalSize {
		bytesTransferred = info.Metadata.TotalSize
	}
	info.BytesTransferred = bytesTransferred
	info.CurrentFileIndex = fileIndex
	info.CurrentChunkIndex = chunkIndex
	return nil
}

// AddDownloadedFile appends a finalized on-disk path to a receiver-side
// record.
func (r *Registry) AddDownloadedFile(transferID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.transfers[transferID]
	if !ok {
		return ErrNotFound
	}
	info.DownloadedFiles = append(info.DownloadedFiles, path)
	return nil
}

// SetError records a human-readable failure reason on a record.
func (r *Registry) SetError(transferID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.transfers[transferID]
	if !ok {
		return ErrNotFound
	}
	info.ErrorMessage = message
	return nil
}

// ExpandDirectory expands a sender-side directory argument into per-file
// FileInfo entries (with relative_path preserved), returning the entries
// and the absolute path for each resulting file_index, starting at
// startIndex. Grounded on original_source's directory-announce expansion
// (supplemented feature, not in spec.md's terse description).
func ExpandDirectory(root string, startIndex int, walk func(root string) ([]FileEntry, error)) ([]FileInfo, map[int]string, error) {
	entries, err := walk(root)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: expand directory %s: %w", root, err)
	}
	files := make([]FileInfo, 0, len(entries))
	paths := make(map[int]string, len(entries))
	for i, e := range entries {
		idx := startIndex + i
		files = append(files, FileInfo{
			Name:         filepath.Base(e.AbsPath),
			Size:         e.Size,
			ChecksumMD5:  e.ChecksumMD5,
			IsDirectory:  false,
			RelativePath: e.RelativePath,
			FileIndex:    idx,
		})
		paths[idx] = e.AbsPath
	}
	return files, paths, nil
}

// FileEntry is one file discovered while walking a directory argument.
type FileEntry struct {
	AbsPath      string
	RelativePath string
	Size         int64
	ChecksumMD5  string
}

// StartSweeping launches the periodic expiry/cleanup sweep described in
// spec §4.3. Call StopSweeping to stop it.
func (r *Registry) StartSweeping(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	r.mu.Lock()
	if r.stopSweep != nil {
		r.mu.Unlock()
		return
	}
	r.stopSweep = make(chan struct{})
	r.sweepStopped = make(chan struct{})
	stop := r.stopSweep
	stopped := r.sweepStopped
	r.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// StopSweeping halts the background sweep goroutine, if running.
func (r *Registry) StopSweeping() {
	r.mu.Lock()
	stop := r.stopSweep
	stopped := r.sweepStopped
	r.stopSweep = nil
	r.sweepStopped = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Sweep runs one pass of spec's periodic sweep: flips expired non-terminal
// records to Expired, and purges terminal records older than
// cleanupMaxAge. Safe to call directly (e.g. from tests) without starting
// the background goroutine.
func (r *Registry) Sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	var purged []string
	for id, info := range r.transfers {
		if !info.Status.IsTerminal() && info.IsExpired(now) {
			info.Status = StatusExpired
			info.CompletedAt = now
			expired = append(expired, id)
			continue
		}
		if info.Status.IsTerminal() && !info.CompletedAt.IsZero() && now.Sub(info.CompletedAt) > r.cleanupMaxAge {
			delete(r.transfers, id)
			purged = append(purged, id)
		}
	}
	cb := r.onExpired
	r.mu.Unlock()

	for _, id := range expired {
		r.log.WithField("transfer_id", id).Info("transfer expired")
		if cb != nil {
			cb(id)
		}
	}
	for _, id := range purged {
		r.log.WithField("transfer_id", id).Debug("terminal transfer purged")
	}
}

// Len returns the number of tracked records, terminal or not. Intended
// for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}
