package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAnnouncedAndGet(t *testing.T) {
	r := New()
	meta := Metadata{Files: []FileInfo{{Name: "a.txt", Size: 10, FileIndex: 0}}, TotalSize: 10}

	info := r.RegisterAnnounced("t-1", meta, map[int]string{0: "/tmp/a.txt"})
	assert.Equal(t, StatusAnnounced, info.Status)

	got, err := r.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.TransferID)
	assert.Equal(t, "/tmp/a.txt", got.SourcePaths[0])
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReceiverSideHappyPathTransitions(t *testing.T) {
	r := New()
	meta := Metadata{TotalSize: 100}
	r.RegisterPending("t-1", meta, "/tmp/recv")

	require.NoError(t, r.Transition("t-1", StatusRequesting))
	require.NoError(t, r.Transition("t-1", StatusTransferring))
	require.NoError(t, r.Transition("t-1", StatusCompleted))

	info, err := r.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.False(t, info.StartedAt.IsZero())
	assert.False(t, info.CompletedAt.IsZero())
}

func TestIllegalTransitionRejected(t *testing.T) {
	r := New()
	r.RegisterPending("t-1", Metadata{}, "/tmp/recv")

	err := r.Transition("t-1", StatusTransferring)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	info, _ := r.Get("t-1")
	assert.Equal(t, StatusPending, info.Status)
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	r := New()
	r.RegisterPending("t-1", Metadata{}, "/tmp/recv")
	require.NoError(t, r.Transition("t-1", StatusCancelled))

	err := r.Transition("t-1", StatusRequesting)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	info, _ := r.Get("t-1")
	assert.Equal(t, StatusCancelled, info.Status)
}

func TestUpdateProgressClampsToTotalSize(t *testing.T) {
	r := New()
	r.RegisterPending("t-1", Metadata{TotalSize: 50}, "/tmp/recv")

	require.NoError(t, r.UpdateProgress("t-1", 0, 0, 999))

	info, _ := r.Get("t-1")
	assert.Equal(t, int64(50), info.BytesTransferred)
}

func TestSweepExpiresNonTerminalRecordsPastExpiry(t *testing.T) {
	var expiredIDs []string
	r := New(WithExpiryCallback(func(id string) { expiredIDs = append(expiredIDs, id) }))

	past := time.Now().Add(-1 * time.Second).Unix()
	r.RegisterPending("t-expired", Metadata{ExpiresAt: past}, "/tmp/recv")
	r.RegisterPending("t-live", Metadata{ExpiresAt: 0}, "/tmp/recv")

	r.Sweep()

	expired, err := r.Get("t-expired")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)
	assert.Contains(t, expiredIDs, "t-expired")

	live, err := r.Get("t-live")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, live.Status)
}

func TestSweepNeverReExpiresOrRevivesTerminalRecords(t *testing.T) {
	r := New()
	r.RegisterPending("t-1", Metadata{}, "/tmp/recv")
	require.NoError(t, r.Transition("t-1", StatusCancelled))

	r.Sweep()

	info, err := r.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, info.Status)
}

func TestSweepPurgesOldTerminalRecords(t *testing.T) {
	r := New(WithCleanupMaxAge(0))
	r.RegisterPending("t-1", Metadata{}, "/tmp/recv")
	require.NoError(t, r.Transition("t-1", StatusCompleted))

	time.Sleep(time.Millisecond)
	r.Sweep()

	_, err := r.Get("t-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartStopSweepingIsSafe(t *testing.T) {
	r := New()
	r.StartSweeping(10 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	r.StopSweeping()
}

func TestExpandDirectoryPreservesRelativePaths(t *testing.T) {
	walk := func(root string) ([]FileEntry, error) {
		return []FileEntry{
			{AbsPath: "/tmp/src/a.txt", RelativePath: "a.txt", Size: 5, ChecksumMD5: "abc"},
			{AbsPath: "/tmp/src/sub/b.txt", RelativePath: "sub/b.txt", Size: 7, ChecksumMD5: "def"},
		}, nil
	}

	files, paths, err := ExpandDirectory("/tmp/src", 0, walk)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "sub/b.txt", files[1].RelativePath)
	assert.Equal(t, "/tmp/src/sub/b.txt", paths[1])
	assert.Equal(t, 1, files[1].FileIndex)
}

func TestNewTransferIDIsUnique(t *testing.T) {
	a := NewTransferID()
	b := NewTransferID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
