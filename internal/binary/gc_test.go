package binary

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstore/internal/testutil"
)

// newGCStore returns a store whose collector runs an hour ahead of the
// file timestamps, so unmarked files are always older than the margin.
func newGCStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Now().Add(time.Hour))
	s := openTestStore(t, WithGCOptions(WithClock(clock.Now)))
	return s, clock
}

func put(t *testing.T, s *Store, content string) *Binary {
	t.Helper()
	b, err := s.GetBinaryFromReader(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
	return b
}

func TestGC_StartStopState(t *testing.T) {
	s := openTestStore(t)
	gc := s.GC()

	_, err := gc.Stop(false)
	assert.ErrorIs(t, err, ErrGCNotStarted)

	require.NoError(t, gc.Start())
	assert.True(t, gc.IsInProgress())
	assert.ErrorIs(t, gc.Start(), ErrGCInProgress)

	_, err = gc.Stop(false)
	require.NoError(t, err)
	assert.False(t, gc.IsInProgress())
	assert.Equal(t, DefaultMargin, gc.Margin())
}

func TestGC_MarkedSurvivesUnmarkedReclaimed(t *testing.T) {
	s, _ := newGCStore(t)
	live := put(t, s, "live")
	dead := put(t, s, "dead!")
	gc := s.GC()

	require.NoError(t, gc.Start())
	gc.Mark(live.Digest)
	st, err := gc.Stop(true)
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.NumBinaries)
	assert.Equal(t, int64(4), st.SizeBinaries)
	assert.Equal(t, int64(1), st.NumBinariesGC)
	assert.Equal(t, int64(5), st.SizeBinariesGC)

	assert.NotNil(t, s.GetBinary(live.Digest))
	assert.Nil(t, s.GetBinary(dead.Digest), "reclaimed digest is no longer resolvable")
	assert.NoDirExists(t, filepath.Dir(dead.Path), "emptied shard directory pruned")
	assert.DirExists(t, filepath.Join(s.Path(), "data"))
	assert.Equal(t, st, gc.Status())
}

func TestGC_NoDeleteOnlyCounts(t *testing.T) {
	s, _ := newGCStore(t)
	dead := put(t, s, "dead")
	gc := s.GC()

	require.NoError(t, gc.Start())
	st, err := gc.Stop(false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.NumBinariesGC)
	assert.Equal(t, int64(0), st.NumBinaries)
	assert.NotNil(t, s.GetBinary(dead.Digest))
}

func TestGC_RecentFilesInsideMarginSurvive(t *testing.T) {
	// Real clock: files written just now are within the margin of start.
	s := openTestStore(t, WithGCOptions(WithMargin(time.Minute)))
	b := put(t, s, "fresh")
	gc := s.GC()

	require.NoError(t, gc.Start())
	st, err := gc.Stop(true)
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.NumBinaries)
	assert.Equal(t, int64(0), st.NumBinariesGC)
	assert.NotNil(t, s.GetBinary(b.Digest))
}

func TestGC_MarkUnknownOrMalformedIsIgnored(t *testing.T) {
	s, _ := newGCStore(t)
	gc := s.GC()

	require.NoError(t, gc.Start())
	gc.Mark("00000000000000000000000000000000")
	gc.Mark("not-a-digest")
	_, err := gc.Stop(true)
	require.NoError(t, err)
}

func TestGC_PrunesPreexistingEmptyDirs(t *testing.T) {
	s, _ := newGCStore(t)
	empty := filepath.Join(s.Path(), "data", "ab", "cd")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	gc := s.GC()

	require.NoError(t, gc.Start())
	_, err := gc.Stop(false)
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(s.Path(), "data", "ab"))
}

func TestGC_Duration(t *testing.T) {
	s, clock := newGCStore(t)
	gc := s.GC()

	require.NoError(t, gc.Start())
	clock.Advance(3 * time.Second)
	st, err := gc.Stop(false)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, st.GCDuration)
}

func TestGC_Repeatable(t *testing.T) {
	s, clock := newGCStore(t)
	b := put(t, s, "kept across cycles")
	gc := s.GC()

	for range 3 {
		require.NoError(t, gc.Start())
		gc.Mark(b.Digest)
		_, err := gc.Stop(true)
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	assert.NotNil(t, s.GetBinary(b.Digest))
}
