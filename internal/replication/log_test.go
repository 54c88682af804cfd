package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func entry(seq uint64) Entry {
	return Entry{
		Seq:     seq,
		Epoch:   1,
		Command: json.RawMessage(fmt.Sprintf(`{"type":"CREATE_PROJECT","projectName":"p%d"}`, seq)),
	}
}

func TestLogAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, 0, 0, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), l.NextSeq())
	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}
	assert.Equal(t, uint64(10), l.LastSeq())

	got, err := l.Read(4, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(6), got[2].Seq)

	all, err := l.Read(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestLogRejectsGaps(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 0, 0, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Append(entry(1)))
	require.Error(t, l.Append(entry(3)))
	require.Error(t, l.Append(entry(1)))
	require.NoError(t, l.Append(entry(2)))
}

func TestLogRecoversAfterReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, 0, 0, zap.NewNop())
	require.NoError(t, err)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}
	require.NoError(t, l.Close())

	l2, err := OpenLog(dir, 0, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), l2.NextSeq())
	require.NoError(t, l2.Append(entry(6)))

	all, err := l2.Read(1, 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestLogRecoversOpenSegmentWithoutClose(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, 0, 0, zap.NewNop())
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}
	// No Close: simulates a crash with the open segment still unsealed.

	l2, err := OpenLog(dir, 0, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), l2.NextSeq())
	all, err := l2.Read(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLogSegmentRotationAndNaming(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, 0, 0, zap.NewNop())
	require.NoError(t, err)
	for seq := uint64(1); seq <= segmentEntries+1; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}

	sealed := filepath.Join(dir, fmt.Sprintf("%020d-%020d.log", 1, segmentEntries))
	assert.FileExists(t, sealed)

	all, err := l.Read(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, segmentEntries+1)
}

func TestLogTruncate(t *testing.T) {
	dir := t.TempDir()
	// Tiny retention so sealed segments below the horizon can go.
	l, err := OpenLog(dir, 1, time.Nanosecond, zap.NewNop())
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3*segmentEntries; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}

	require.NoError(t, l.Truncate(2*segmentEntries+1))

	got, err := l.Read(1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(2*segmentEntries+1), got[0].Seq)

	// Entries at and above the horizon survive.
	assert.Equal(t, uint64(3*segmentEntries), got[len(got)-1].Seq)
}

func TestLogTruncateKeepsYoungSegments(t *testing.T) {
	dir := t.TempDir()
	// Over the count cap, but nothing has aged past the retention floor.
	l, err := OpenLog(dir, 1, time.Hour, zap.NewNop())
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3*segmentEntries; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}

	require.NoError(t, l.Truncate(3*segmentEntries+1))

	got, err := l.Read(1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(1), got[0].Seq)
}

func TestLogTruncateDropsAgedSegmentsOverCap(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, 1, time.Hour, zap.NewNop())
	require.NoError(t, err)
	for seq := uint64(1); seq <= 3*segmentEntries; seq++ {
		require.NoError(t, l.Append(entry(seq)))
	}
	// Age every sealed segment past the retention floor.
	old := time.Now().Add(-2 * time.Hour)
	for _, s := range l.segments {
		if s.sealed {
			require.NoError(t, os.Chtimes(s.path, old, old))
		}
	}

	require.NoError(t, l.Truncate(2*segmentEntries+1))

	got, err := l.Read(1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(2*segmentEntries+1), got[0].Seq)
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	s, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, State{}, s)

	require.NoError(t, SaveState(path, State{LastApplied: 42, Epoch: 7}))
	s, err = LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, State{LastApplied: 42, Epoch: 7}, s)

	// Overwrite is atomic and keeps the newest value.
	require.NoError(t, SaveState(path, State{LastApplied: 43, Epoch: 7}))
	s, err = LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), s.LastApplied)
}
