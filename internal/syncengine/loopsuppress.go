package syncengine

import (
	"sync"
	"time"
)

// loopSuppressWindow matches spec §4.7/§8: identical content resubmitted
// within this window is silently dropped.
const loopSuppressWindow = 2 * time.Second

// kind distinguishes the two loop-suppression buckets. Keying per-kind
// (rather than one shared md5+timestamp pair) is the original's behavior
// — supplemented here because spec.md describes the mechanism only
// abstractly — so sending text right after files doesn't falsely
// suppress the files send.
type loopKind string

const (
	loopKindText  loopKind = "text"
	loopKindFiles loopKind = "files"
)

type loopEntry struct {
	md5 string
	at  time.Time
}

// loopSuppressor is the engine-wide mutex-guarded last-sent-hash table
// described in spec §5 ("the last-sent-hash loop-suppression fields use
// an engine-wide mutex").
type loopSuppressor struct {
	mu      sync.Mutex
	entries map[loopKind]loopEntry
}

func newLoopSuppressor() *loopSuppressor {
	return &loopSuppressor{entries: make(map[loopKind]loopEntry)}
}

// shouldSuppress reports whether md5 under kind was already sent within
// loopSuppressWindow, and records md5/now as the new last-sent value when
// it is not suppressed (so two distinct back-to-back sends are tracked
// independently, and a suppressed resend doesn't reset the window).
func (s *loopSuppressor) shouldSuppress(kind loopKind, md5 string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[kind]
	if ok && prev.md5 == md5 && now.Sub(prev.at) < loopSuppressWindow {
		return true
	}
	s.entries[kind] = loopEntry{md5: md5, at: now}
	return false
}
