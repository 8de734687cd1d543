package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.config")

	md := &Metadata{Size: 300, Blocks: []int{4, 0, 7}, State: types.FileStateWorkInProgress}
	require.NoError(t, md.Save(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, md, loaded)
}

func TestMetadataEmptyBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.config")

	md := &Metadata{Size: 0, Blocks: nil, State: types.FileStateCommitted}
	require.NoError(t, md.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BLOCKS=[]")
	assert.Contains(t, string(data), "ESTADO=COMMITTED")

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, md, loaded)
}

func TestMetadataRejectsBadBlockList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.config")
	require.NoError(t, os.WriteFile(path, []byte("SIZE=1\nBLOCKS=1,2\nESTADO=COMMITTED\n"), 0644))

	_, err := LoadMetadata(path)
	assert.Error(t, err)
}
