package storage

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBlockSize = 64
	testBlocks    = 16
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// newTestFS mounts a fresh filesystem in a temp dir
func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	mount := t.TempDir()
	require.NoError(t, WriteSuperblock(mount, testBlocks*testBlockSize, testBlockSize))

	fs, err := Mount(Options{MountPoint: mount, FreshStart: true})
	require.NoError(t, err)
	return fs
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func pad(data []byte) []byte {
	out := make([]byte, testBlockSize)
	copy(out, data)
	return out
}

func TestFreshStartSeedsInitialFile(t *testing.T) {
	fs := newTestFS(t)

	md, err := fs.Stat(SeedFile, SeedTag)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), md.Size)
	assert.Equal(t, []int{0}, md.Blocks)
	assert.Equal(t, types.FileStateCommitted, md.State)
	assert.True(t, fs.BitTest(0))
	assert.Equal(t, testBlocks-1, fs.FreeBlocks())
}

func TestCreateRejectsDuplicate(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	err := fs.Create("f", "t1")
	assert.ErrorIs(t, err, types.ErrFileTagExists)
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("hello")))

	data, err := fs.ReadBlock("f", "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, pad([]byte("hello")), data)
}

func TestReadOutOfBounds(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))

	_, err := fs.ReadBlock("f", "t1", 5)
	assert.ErrorIs(t, err, types.ErrOutOfBounds)

	err = fs.WriteBlock("f", "t1", 5, []byte("x"))
	assert.ErrorIs(t, err, types.ErrOutOfBounds)
}

func TestReadMissingTag(t *testing.T) {
	fs := newTestFS(t)

	_, err := fs.ReadBlock("nope", "t", 0)
	assert.ErrorIs(t, err, types.ErrFileTagMissing)
}

func TestWriteAfterCommitRejected(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("sealed")))
	require.NoError(t, fs.Commit("f", "t1"))

	err := fs.WriteBlock("f", "t1", 0, []byte("again"))
	assert.ErrorIs(t, err, types.ErrAlreadyCommitted)

	// State unchanged
	data, err := fs.ReadBlock("f", "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, pad([]byte("sealed")), data)
}

func TestCommitIsIdempotent(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("x")))
	require.NoError(t, fs.Commit("f", "t1"))

	before, err := fs.Stat("f", "t1")
	require.NoError(t, err)

	require.NoError(t, fs.Commit("f", "t1"))
	after, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCommitDeduplicatesIdenticalBlocks(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", 2*testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("same-content")))
	require.NoError(t, fs.WriteBlock("f", "t1", 1, []byte("same-content")))

	md, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	require.NotEqual(t, md.Blocks[0], md.Blocks[1])

	freeBefore := fs.FreeBlocks()
	require.NoError(t, fs.Commit("f", "t1"))

	md, err = fs.Stat("f", "t1")
	require.NoError(t, err)
	assert.Equal(t, md.Blocks[0], md.Blocks[1])
	assert.Equal(t, freeBefore+1, fs.FreeBlocks())

	// Both logical blocks still read the same bytes
	b0, err := fs.ReadBlock("f", "t1", 0)
	require.NoError(t, err)
	b1, err := fs.ReadBlock("f", "t1", 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b0, b1))
}

func TestTagSharesBlocksAndCopyOnWrite(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("original")))

	require.NoError(t, fs.CreateTag("f", "t1", "f", "t2"))

	src, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	dst, err := fs.Stat("f", "t2")
	require.NoError(t, err)
	assert.Equal(t, src.Blocks, dst.Blocks)
	assert.Equal(t, types.FileStateWorkInProgress, dst.State)

	for i := range src.Blocks {
		a, err := fs.ReadBlock("f", "t1", uint32(i))
		require.NoError(t, err)
		b, err := fs.ReadBlock("f", "t2", uint32(i))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}

	freeBefore := fs.FreeBlocks()
	require.NoError(t, fs.WriteBlock("f", "t2", 0, []byte("diverged")))

	// The source tag still sees the original bytes
	data, err := fs.ReadBlock("f", "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, pad([]byte("original")), data)

	data, err = fs.ReadBlock("f", "t2", 0)
	require.NoError(t, err)
	assert.Equal(t, pad([]byte("diverged")), data)

	src, err = fs.Stat("f", "t1")
	require.NoError(t, err)
	dst, err = fs.Stat("f", "t2")
	require.NoError(t, err)
	assert.NotEqual(t, src.Blocks[0], dst.Blocks[0])
	assert.Equal(t, freeBefore-1, fs.FreeBlocks())
}

func TestTagRejectsExistingDestination(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Create("f", "t2"))
	err := fs.CreateTag("f", "t1", "f", "t2")
	assert.ErrorIs(t, err, types.ErrFileTagExists)
}

func TestTruncateGrowLinksSeedBlock(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", 3*testBlockSize))

	md, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, md.Blocks)
	assert.Equal(t, uint32(3*testBlockSize), md.Size)
}

func TestTruncateShrinkReclaimsBlocks(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", 4*testBlockSize))
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, fs.WriteBlock("f", "t1", i, []byte{byte('a' + i)}))
	}

	md, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	freed := md.Blocks[2:4]
	freeBefore := fs.FreeBlocks()

	require.NoError(t, fs.Truncate("f", "t1", 2*testBlockSize))

	md, err = fs.Stat("f", "t1")
	require.NoError(t, err)
	assert.Len(t, md.Blocks, 2)
	assert.Equal(t, uint32(2*testBlockSize), md.Size)
	assert.Equal(t, freeBefore+2, fs.FreeBlocks())
	for _, id := range freed {
		assert.False(t, fs.BitTest(id))
	}

	require.NoError(t, fs.Commit("f", "t1"))
}

func TestTruncateIsIdempotent(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", 2*testBlockSize))
	first, err := fs.Stat("f", "t1")
	require.NoError(t, err)

	require.NoError(t, fs.Truncate("f", "t1", 2*testBlockSize))
	second, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWriteFailsWhenBitmapFull(t *testing.T) {
	fs := newTestFS(t)

	// Exhaust the pool with distinct content in one big tag.
	require.NoError(t, fs.Create("f", "big"))
	require.NoError(t, fs.Truncate("f", "big", uint32((testBlocks-1)*testBlockSize)))
	for i := uint32(0); i < testBlocks-1; i++ {
		require.NoError(t, fs.WriteBlock("f", "big", i, []byte{byte(i)}))
	}
	require.Zero(t, fs.FreeBlocks())

	// A shared block now has nowhere to diverge to.
	require.NoError(t, fs.CreateTag("f", "big", "f", "copy"))
	md, err := fs.Stat("f", "copy")
	require.NoError(t, err)

	err = fs.WriteBlock("f", "copy", 0, []byte("divert"))
	assert.ErrorIs(t, err, types.ErrNotEnoughSpace)

	// Nothing moved: metadata, links and bitmap are untouched.
	after, err := fs.Stat("f", "copy")
	require.NoError(t, err)
	assert.Equal(t, md.Blocks, after.Blocks)
	assert.Zero(t, fs.FreeBlocks())
}

func TestDeleteSeedRejected(t *testing.T) {
	fs := newTestFS(t)

	err := fs.Delete(SeedFile, SeedTag)
	assert.Error(t, err)

	_, err = fs.Stat(SeedFile, SeedTag)
	assert.NoError(t, err)
}

func TestDeleteFreesExclusiveBlocks(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", 2*testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("one")))
	require.NoError(t, fs.WriteBlock("f", "t1", 1, []byte("two")))

	free := fs.FreeBlocks()
	require.NoError(t, fs.Delete("f", "t1"))

	assert.Equal(t, free+2, fs.FreeBlocks())
	_, err := fs.Stat("f", "t1")
	assert.ErrorIs(t, err, types.ErrFileTagMissing)
}

func TestDeleteKeepsSharedBlocks(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("shared")))
	require.NoError(t, fs.CreateTag("f", "t1", "f", "t2"))

	md, err := fs.Stat("f", "t1")
	require.NoError(t, err)
	shared := md.Blocks[0]

	require.NoError(t, fs.Delete("f", "t1"))
	assert.True(t, fs.BitTest(shared))

	data, err := fs.ReadBlock("f", "t2", 0)
	require.NoError(t, err)
	assert.Equal(t, pad([]byte("shared")), data)
}

func TestRemountKeepsState(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, WriteSuperblock(mount, testBlocks*testBlockSize, testBlockSize))

	fs, err := Mount(Options{MountPoint: mount, FreshStart: true})
	require.NoError(t, err)
	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("persist")))
	require.NoError(t, fs.Commit("f", "t1"))
	require.NoError(t, fs.Close())

	fs2, err := Mount(Options{MountPoint: mount, FreshStart: false})
	require.NoError(t, err)

	data, err := fs2.ReadBlock("f", "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, pad([]byte("persist")), data)

	md, err := fs2.Stat("f", "t1")
	require.NoError(t, err)
	assert.Equal(t, types.FileStateCommitted, md.State)
}

func TestBitmapMatchesMetadataReferences(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", 3*testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("a")))
	require.NoError(t, fs.WriteBlock("f", "t1", 2, []byte("c")))

	referenced := map[int]bool{}
	for _, tag := range []struct{ name, tag string }{
		{SeedFile, SeedTag}, {"f", "t1"},
	} {
		md, err := fs.Stat(tag.name, tag.tag)
		require.NoError(t, err)
		for _, id := range md.Blocks {
			referenced[id] = true
			assert.True(t, fs.BitTest(id), "block %d referenced but free", id)
		}
	}
	for id := 0; id < fs.TotalBlocks(); id++ {
		if !referenced[id] {
			assert.False(t, fs.BitTest(id), "block %d allocated but unreferenced", id)
		}
	}
}

func TestCorruptHashIndexFailsCommit(t *testing.T) {
	fs := newTestFS(t)

	require.NoError(t, fs.Create("f", "t1"))
	require.NoError(t, fs.Truncate("f", "t1", testBlockSize))
	require.NoError(t, fs.WriteBlock("f", "t1", 0, []byte("poisoned")))

	// Register the content's hash against a block that is not allocated.
	content, err := os.ReadFile(fs.logicalBlockPath("f", "t1", 0))
	require.NoError(t, err)
	sum := md5Hex(content)
	fs.index.Put(sum, BlockName(testBlocks-1))
	require.NoError(t, fs.index.Save(fs.indexPath()))

	err = fs.Commit("f", "t1")
	assert.ErrorIs(t, err, types.ErrCorruptIndex)
}

func TestParseBlockName(t *testing.T) {
	id, err := ParseBlockName("block0042")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	_, err = ParseBlockName("0042")
	assert.Error(t, err)
}

func TestMountRequiresSuperblock(t *testing.T) {
	mount := t.TempDir()
	_, err := Mount(Options{MountPoint: mount, FreshStart: true})
	assert.Error(t, err)
}

func TestSuperblockRoundTrip(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, WriteSuperblock(mount, 4096, 64))

	fsSize, blockSize, err := readSuperblock(filepath.Join(mount, "superblock.config"))
	require.NoError(t, err)
	assert.Equal(t, 4096, fsSize)
	assert.Equal(t, 64, blockSize)
}
