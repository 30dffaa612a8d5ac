// Package checkpoint implements the sync engine's checkpoint store (spec
// §4.4): durable per-transfer progress for resume, plus retry-count
// accounting with exponential backoff.
//
// Grounded on the teacher's p2p/transfer_stats.go (flush-to-disk of
// in-flight state) generalized from pure stats into resumable progress
// records, and on original_source's transfer_manager.py for the
// retry-reason-capture supplement.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State mirrors the subset of registry statuses a checkpoint tracks.
type State string

const (
	StateInProgress State = "IN_PROGRESS"
	StatePaused     State = "PAUSED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Resumable reports whether a checkpoint in this state should be
// repopulated as a resumable transfer on engine startup, per spec §4.4.
func (s State) Resumable() bool {
	return s == StateInProgress || s == StatePaused
}

// Checkpoint is one transfer's persisted progress record.
type Checkpoint struct {
	TransferID       string    `json:"transfer_id"`
	FileIndex        int       `json:"file_index"`
	BytesTransferred int64     `json:"bytes_transferred"`
	LastChunkIndex   int       `json:"last_chunk_index"`
	State            State     `json:"state"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RetryCount       int       `json:"retry_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	cancel chan struct{}
}

// RetryPolicy implements spec's exponential backoff:
// delay(n) = min(initial_delay * multiplier^n, max_delay).
type RetryPolicy struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy matches spec §4.4's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Delay returns the backoff duration before retry attempt n (0-indexed).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(n))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// flushEveryNChunks rate-limits the progress flush per spec §4.4.
const flushEveryNChunks = 10

// Store is the durable, mutex-protected checkpoint store.
type Store struct {
	mu          sync.Mutex
	path        string
	checkpoints map[string]*Checkpoint
	policy      RetryPolicy
	log         *logrus.Entry
	sinceFlush  map[string]int
}

// Option configures a Store at construction.
type Option func(*Store)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger overrides the package-level default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) { s.log = log }
}

// Open loads checkpoints from path (a JSON file under the configured
// checkpoint directory), creating an empty store if the file doesn't
// exist yet.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		checkpoints: make(map[string]*Checkpoint),
		policy:      DefaultRetryPolicy(),
		log:         logrus.WithField("component", "checkpoint"),
		sinceFlush:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var loaded map[string]*Checkpoint
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	for _, cp := range loaded {
		cp.cancel = make(chan struct{})
		if cp.State == StateCancelled {
			close(cp.cancel)
		}
	}
	s.checkpoints = loaded
	return s, nil
}

// Resumable returns the checkpoints whose state is IN_PROGRESS or PAUSED,
// repopulated on engine startup per spec §4.4.
func (s *Store) Resumable() []*Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.State.Resumable() {
			out = append(out, cp)
		}
	}
	return out
}

// Create inserts a new in-progress checkpoint and flushes immediately
// (spec: "Flushes on create").
func (s *Store) Create(transferID string, fileIndex int) (*Checkpoint, error) {
	s.mu.Lock()
	now := time.Now()
	cp := &Checkpoint{
		TransferID: transferID,
		FileIndex:  fileIndex,
		State:      StateInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
		cancel:     make(chan struct{}),
	}
	s.checkpoints[transferID] = cp
	s.mu.Unlock()

	return cp, s.flush()
}

// Get returns the live checkpoint for transferID, if any.
func (s *Store) Get(transferID string) (*Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[transferID]
	return cp, ok
}

// CancelSignal returns the cancel channel obtained at start_transfer, per
// spec §5 ("Each live transfer has a shared boolean cancel signal obtained
// from the checkpoint store at start_transfer"). Closing it (via Cancel)
// notifies any goroutine selecting on it.
func (s *Store) CancelSignal(transferID string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[transferID]
	if !ok {
		return nil, false
	}
	return cp.cancel, true
}

// Cancel closes transferID's cancel signal exactly once and marks it
// Cancelled, flushing immediately. Idempotent: re-cancelling a terminal
// transfer is a no-op returning false, per spec §8.
func (s *Store) Cancel(transferID string) (bool, error) {
	s.mu.Lock()
	cp, ok := s.checkpoints[transferID]
	if !ok || cp.State == StateCompleted || cp.State == StateFailed || cp.State == StateCancelled {
		s.mu.Unlock()
		return false, nil
	}
	select {
	case <-cp.cancel:
	default:
		close(cp.cancel)
	}
	cp.State = StateCancelled
	cp.UpdatedAt = time.Now()
	s.mu.Unlock()

	return true, s.flush()
}

// RecordProgress advances a checkpoint's position, rate-limiting the
// durable flush to once every flushEveryNChunks chunks.
func (s *Store) RecordProgress(transferID string, bytesTransferred int64, chunkIndex int) error {
	s.mu.Lock()
	cp, ok := s.checkpoints[transferID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint: unknown transfer %s", transferID)
	}
	cp.BytesTransferred = bytesTransferred
	cp.LastChunkIndex = chunkIndex
	cp.UpdatedAt = time.Now()

	s.sinceFlush[transferID]++
	shouldFlush := s.sinceFlush[transferID] >= flushEveryNChunks
	if shouldFlush {
		s.sinceFlush[transferID] = 0
	}
	s.mu.Unlock()

	if shouldFlush {
		return s.flush()
	}
	return nil
}

// ShouldRetryChunk atomically reads retry_count, decides against the
// configured policy, and increments on yes. It returns the backoff delay
// to wait before the retry when ok is true.
func (s *Store) ShouldRetryChunk(transferID, reason string) (ok bool, delay time.Duration, err error) {
	s.mu.Lock()
	cp, exists := s.checkpoints[transferID]
	if !exists {
		s.mu.Unlock()
		return false, 0, fmt.Errorf("checkpoint: unknown transfer %s", transferID)
	}
	cp.ErrorMessage = reason
	cp.UpdatedAt = time.Now()
	if cp.RetryCount >= s.policy.MaxRetries {
		s.mu.Unlock()
		return false, 0, s.flush()
	}
	n := cp.RetryCount
	cp.RetryCount++
	s.mu.Unlock()

	return true, s.policy.Delay(n), s.flush()
}

// ResetRetryCount zeros retry_count after any successful chunk receipt,
// per spec §4.4.
func (s *Store) ResetRetryCount(transferID string) error {
	s.mu.Lock()
	cp, ok := s.checkpoints[transferID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint: unknown transfer %s", transferID)
	}
	cp.RetryCount = 0
	cp.UpdatedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Finish marks a checkpoint terminal (Completed or Failed) and flushes
// immediately, per spec's "flushes on ... complete" rule.
func (s *Store) Finish(transferID string, state State, errorMessage string) error {
	s.mu.Lock()
	cp, ok := s.checkpoints[transferID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint: unknown transfer %s", transferID)
	}
	cp.State = state
	cp.ErrorMessage = errorMessage
	cp.UpdatedAt = time.Now()
	s.mu.Unlock()

	return s.flush()
}

// flush serializes the whole checkpoint map to disk.
func (s *Store) flush() error {
	s.mu.Lock()
	snapshot := make(map[string]*Checkpoint, len(s.checkpoints))
	for k, v := range s.checkpoints {
		cp := *v
		cp.cancel = nil
		snapshot[k] = &cp
	}
	path := s.path
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", tmp, err)
	}
	return nil
}
