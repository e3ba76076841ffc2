package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ageSession rewrites a session record's creation time so it falls on the far
// side of the reap cutoff.
func ageSession(t *testing.T, eng *Engine, owner, sessionID string, age time.Duration) {
	t.Helper()
	metaPath := filepath.Join(eng.stagingDir(owner, sessionID), sessionMetaFile)
	var sess UploadSession
	require.NoError(t, readRecord(eng.fs, metaPath, &sess, ErrSessionNotFound))
	sess.CreatedAt = time.Now().Add(-age).UTC()
	require.NoError(t, writeRecord(eng.fs, metaPath, &sess))
}

func TestSweepReapsAbandonedSessions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	stale, err := eng.InitUpload(ctx, owner, UploadRequest{Name: "stale.bin", Size: 10})
	require.NoError(t, err)
	require.NoError(t, eng.ReceiveChunk(ctx, owner, stale.ID, 0, 2, strings.NewReader("xx")))
	ageSession(t, eng, owner, stale.ID, 48*time.Hour)

	fresh, err := eng.InitUpload(ctx, owner, UploadRequest{Name: "fresh.bin", Size: 10})
	require.NoError(t, err)

	sw := NewSweeper(eng, time.Minute, 24*time.Hour)
	sw.Sweep(ctx)

	_, err = eng.UploadStatus(owner, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = eng.UploadStatus(owner, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepReapDisabledByZeroAge(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	owner := "user_1"

	stale, err := eng.InitUpload(ctx, owner, UploadRequest{Name: "stale.bin", Size: 10})
	require.NoError(t, err)
	ageSession(t, eng, owner, stale.ID, 1000*time.Hour)

	sw := NewSweeper(eng, time.Minute, 0)
	sw.Sweep(ctx)

	_, err = eng.UploadStatus(owner, stale.ID)
	assert.NoError(t, err)
}

func TestSweepReconcilesEveryOwner(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	uploadObject(t, eng, "user_1", "a.bin", []byte("aaaa"), "")
	uploadObject(t, eng, "user_2", "b.bin", []byte("bbbbbb"), "")

	// Poison both cached counters.
	_, err := eng.Quota().ApplyDelta("user_1", 9999)
	require.NoError(t, err)
	_, err = eng.Quota().ApplyDelta("user_2", -3)
	require.NoError(t, err)

	sw := NewSweeper(eng, time.Minute, time.Hour)
	sw.Sweep(ctx)

	u1, err := eng.Quota().Usage("user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u1.UsedBytes)
	u2, err := eng.Quota().Usage("user_2")
	require.NoError(t, err)
	assert.Equal(t, int64(6), u2.UsedBytes)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	eng := newTestEngine(t)
	sw := NewSweeper(eng, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
