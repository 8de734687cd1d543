package memory

import (
	"fmt"
	"testing"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 16

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeStorage backs mappings with in-memory blocks and records traffic
type fakeStorage struct {
	blocks map[string][]byte
	reads  int
	writes []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blocks: make(map[string][]byte)}
}

func key(file, tag string, n uint32) string {
	return fmt.Sprintf("%s:%s:%d", file, tag, n)
}

func (s *fakeStorage) ReadBlock(file, tag string, n uint32) ([]byte, error) {
	s.reads++
	if data, ok := s.blocks[key(file, tag, n)]; ok {
		return data, nil
	}
	return make([]byte, pageSize), nil
}

func (s *fakeStorage) WriteBlock(file, tag string, n uint32, data []byte) error {
	k := key(file, tag, n)
	s.blocks[k] = append([]byte(nil), data...)
	s.writes = append(s.writes, k)
	return nil
}

func newTestManager(t *testing.T, frames int, policy types.ReplacementAlgorithm) (*Manager, *fakeStorage) {
	t.Helper()
	store := newFakeStorage()
	m, err := NewManager(frames*pageSize, pageSize, policy, 0, store)
	require.NoError(t, err)
	m.BindQuery(1)
	return m, store
}

func TestPageTableGrowsOnDemand(t *testing.T) {
	m, _ := newTestManager(t, 4, types.ReplacementLRU)

	pt := m.PageTableFor("f", "t")
	assert.Equal(t, 1, pt.PageCount())

	// Touching page 2 grows the table across it
	require.NoError(t, m.Write("f", "t", 2*pageSize, []byte("x")))
	assert.Equal(t, 3, pt.PageCount())
}

func TestWriteReadThroughFrames(t *testing.T) {
	m, store := newTestManager(t, 4, types.ReplacementLRU)

	payload := []byte("hello paged world")
	require.NoError(t, m.Write("f", "t", 0, payload))

	data, err := m.Read("f", "t", 0, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// Both touched pages came from storage exactly once
	assert.Equal(t, 2, store.reads)
}

func TestPageInZeroFillsShortBlock(t *testing.T) {
	m, store := newTestManager(t, 2, types.ReplacementLRU)
	store.blocks[key("f", "t", 0)] = []byte{1, 2, 3}

	data, err := m.Read("f", "t", 0, pageSize)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{1, 2, 3}, make([]byte, pageSize-3)...), data)
}

func TestDirtyPagesFlushOnDemand(t *testing.T) {
	m, store := newTestManager(t, 4, types.ReplacementLRU)

	require.NoError(t, m.Write("f", "t", 0, []byte("dirty")))
	assert.Empty(t, store.writes)

	require.NoError(t, m.Flush("f", "t"))
	require.Len(t, store.writes, 1)
	assert.Equal(t, append([]byte("dirty"), make([]byte, pageSize-5)...), store.blocks[key("f", "t", 0)])

	// A second flush has nothing left to write
	require.NoError(t, m.Flush("f", "t"))
	assert.Len(t, store.writes, 1)
}

func TestFlushAllDirtyCoversEveryMapping(t *testing.T) {
	m, store := newTestManager(t, 4, types.ReplacementLRU)

	require.NoError(t, m.Write("a", "t", 0, []byte("one")))
	require.NoError(t, m.Write("b", "t", 0, []byte("two")))

	require.NoError(t, m.FlushAllDirty())
	assert.Len(t, store.writes, 2)
}

func TestLRUEvictsOldestAcrossMappings(t *testing.T) {
	m, store := newTestManager(t, 2, types.ReplacementLRU)

	// Fill both frames, then touch the first page again so the second
	// becomes the oldest.
	require.NoError(t, m.Write("a", "t", 0, []byte("aa")))
	require.NoError(t, m.Write("b", "t", 0, []byte("bb")))
	_, err := m.Read("a", "t", 0, 2)
	require.NoError(t, err)

	// A third page forces replacement of b:t page 0, which is dirty
	// and must be written back first.
	require.NoError(t, m.Write("c", "t", 0, []byte("cc")))
	require.Len(t, store.writes, 1)
	assert.Equal(t, key("b", "t", 0), store.writes[0])

	// b:t page 0 is no longer present; a:t page 0 still is
	ptB := m.PageTableFor("b", "t")
	assert.False(t, ptB.Entries[0].Present)
	ptA := m.PageTableFor("a", "t")
	assert.True(t, ptA.Entries[0].Present)
}

func TestClockMPrefersCleanUnreferenced(t *testing.T) {
	m, store := newTestManager(t, 2, types.ReplacementClockM)

	// Frame 0: clean page (read only). Frame 1: dirty page.
	_, err := m.Read("a", "t", 0, 2)
	require.NoError(t, err)
	require.NoError(t, m.Write("b", "t", 0, []byte("dirty")))

	// Clear the use bits the accesses just set, as a full pass-two
	// sweep would.
	m.PageTableFor("a", "t").Entries[0].UseBit = false
	m.PageTableFor("b", "t").Entries[0].UseBit = false

	// The clean page is the pass-one victim; no writeback happens.
	require.NoError(t, m.Write("c", "t", 0, []byte("new")))
	assert.Empty(t, store.writes)
	assert.False(t, m.PageTableFor("a", "t").Entries[0].Present)
	assert.True(t, m.PageTableFor("b", "t").Entries[0].Present)
}

func TestClockMFallsBackToDirtyVictim(t *testing.T) {
	m, store := newTestManager(t, 2, types.ReplacementClockM)

	require.NoError(t, m.Write("a", "t", 0, []byte("d0")))
	require.NoError(t, m.Write("b", "t", 0, []byte("d1")))
	m.PageTableFor("a", "t").Entries[0].UseBit = false
	m.PageTableFor("b", "t").Entries[0].UseBit = false

	// Everything is dirty: pass one fails, pass two writes one back.
	require.NoError(t, m.Write("c", "t", 0, []byte("d2")))
	assert.Len(t, store.writes, 1)
}

func TestClockMClearsUseBitsWhenAllReferenced(t *testing.T) {
	m, _ := newTestManager(t, 2, types.ReplacementClockM)

	require.NoError(t, m.Write("a", "t", 0, []byte("d0")))
	require.NoError(t, m.Write("b", "t", 0, []byte("d1")))
	// Use bits left set: the sweep must degrade them and still evict.
	require.NoError(t, m.Write("c", "t", 0, []byte("d2")))

	present := 0
	for _, name := range []string{"a", "b", "c"} {
		if m.PageTableFor(name, "t").Entries[0].Present {
			present++
		}
	}
	assert.Equal(t, 2, present)
}

func TestRemoveMappingFlushesAndFreesFrames(t *testing.T) {
	m, store := newTestManager(t, 2, types.ReplacementLRU)

	require.NoError(t, m.Write("a", "t", 0, []byte("bye")))
	require.NoError(t, m.RemoveMapping("a", "t"))
	assert.Len(t, store.writes, 1)

	// Both frames are free again
	free := 0
	for _, f := range m.frames.Frames {
		if !f.Used {
			free++
		}
	}
	assert.Equal(t, 2, free)

	// The next sight of the mapping starts from a fresh table
	pt := m.PageTableFor("a", "t")
	assert.Equal(t, 1, pt.PageCount())
}

func TestNoTwoPresentPagesShareAFrame(t *testing.T) {
	m, _ := newTestManager(t, 3, types.ReplacementLRU)

	for i := 0; i < 6; i++ {
		file := fmt.Sprintf("f%d", i%4)
		require.NoError(t, m.Write(file, "t", uint32(i/4)*pageSize, []byte{byte(i)}))
	}

	seen := map[int]string{}
	for _, e := range m.entries {
		for p := range e.Table.Entries {
			pte := e.Table.Entries[p]
			if !pte.Present {
				continue
			}
			owner, taken := seen[pte.Frame]
			assert.False(t, taken, "frame %d owned by both %s and %s:%d", pte.Frame, owner, e.File, p)
			seen[pte.Frame] = fmt.Sprintf("%s:%d", e.File, p)
			assert.True(t, m.frames.Frames[pte.Frame].Used)
		}
	}
}

func TestPageFaultFailureFreesFrame(t *testing.T) {
	m, store := newTestManager(t, 2, types.ReplacementLRU)
	failing := &failingStorage{fakeStorage: store}
	m.storage = failing

	_, err := m.Read("f", "t", 0, 4)
	require.Error(t, err)

	for _, f := range m.frames.Frames {
		assert.False(t, f.Used)
	}
}

type failingStorage struct {
	*fakeStorage
}

func (s *failingStorage) ReadBlock(file, tag string, n uint32) ([]byte, error) {
	return nil, types.ErrOutOfBounds
}
