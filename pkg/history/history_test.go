package history

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func sampleQCB(id uint32) *types.QueryControlBlock {
	return &types.QueryControlBlock{
		QueryID:         id,
		ClientID:        "client-1",
		FilePath:        "scripts/q.qs",
		Priority:        0,
		InitialPriority: 5,
		ProgramCounter:  12,
	}
}

func TestRecordAndGet(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Record(sampleQCB(7), "completed", ""))

	entry, err := store.Get(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), entry.QueryID)
	assert.Equal(t, "completed", entry.Outcome)
	assert.Equal(t, uint32(5), entry.InitialPriority)
	assert.Equal(t, uint32(0), entry.FinalPriority)
	assert.Equal(t, uint32(12), entry.ProgramCounter)
	assert.False(t, entry.FinishedAt.IsZero())
}

func TestGetMissingQuery(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Get(99)
	assert.Error(t, err)
}

func TestListReturnsIDOrder(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Record(sampleQCB(300), "canceled", "worker disconnected"))
	require.NoError(t, store.Record(sampleQCB(2), "completed", ""))
	require.NoError(t, store.Record(sampleQCB(41), "completed", ""))

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint32(2), entries[0].QueryID)
	assert.Equal(t, uint32(41), entries[1].QueryID)
	assert.Equal(t, uint32(300), entries[2].QueryID)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(sampleQCB(1), "canceled", "client disconnected"))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "client disconnected", entry.Reason)
}
