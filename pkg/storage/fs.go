package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// SeedFile and SeedTag name the tag materialized on fresh start.
	// It is protected from deletion.
	SeedFile = "initial_file"
	SeedTag  = "BASE"
)

// Options configures a filesystem mount
type Options struct {
	MountPoint       string
	FreshStart       bool
	OperationDelay   time.Duration
	BlockAccessDelay time.Duration
}

// FileSystem is the tagged-file block engine. Logical blocks are hard
// links into the pre-allocated physical block pool; the bitmap and the
// content hash index are the allocation sources of truth.
//
// Lock order when more than one is needed: file lock, then bitmap,
// then hash index.
type FileSystem struct {
	mount      string
	fsSize     int
	blockSize  int
	total      int
	opDelay    time.Duration
	blockDelay time.Duration
	logger     zerolog.Logger

	bitmapMu sync.Mutex
	bitmap   *Bitmap

	indexMu sync.Mutex
	index   *HashIndex

	locks *LockRegistry
}

// Mount opens the filesystem under opts.MountPoint. The superblock must
// already exist; everything else is created on fresh start.
func Mount(opts Options) (*FileSystem, error) {
	fs := &FileSystem{
		mount:      opts.MountPoint,
		opDelay:    opts.OperationDelay,
		blockDelay: opts.BlockAccessDelay,
		logger:     log.WithComponent("filesystem"),
		locks:      NewLockRegistry(),
	}

	fsSize, blockSize, err := readSuperblock(fs.superblockPath())
	if err != nil {
		return nil, err
	}
	if blockSize <= 0 || fsSize < blockSize {
		return nil, fmt.Errorf("invalid superblock: FS_SIZE=%d BLOCK_SIZE=%d", fsSize, blockSize)
	}
	fs.fsSize = fsSize
	fs.blockSize = blockSize
	fs.total = fsSize / blockSize

	if opts.FreshStart {
		if err := fs.freshStart(); err != nil {
			return nil, fmt.Errorf("fresh start failed: %w", err)
		}
	} else {
		fs.bitmap, err = LoadBitmap(fs.bitmapPath(), fs.total)
		if err != nil {
			return nil, err
		}
		fs.index, err = LoadHashIndex(fs.indexPath())
		if err != nil {
			return nil, err
		}
	}

	metrics.BlocksFree.Set(float64(fs.bitmap.FreeCount()))
	fs.logger.Info().
		Int("fs_size", fs.fsSize).
		Int("block_size", fs.blockSize).
		Int("total_blocks", fs.total).
		Bool("fresh_start", opts.FreshStart).
		Msg("Filesystem mounted")
	return fs, nil
}

// BlockSize returns the configured block size in bytes
func (fs *FileSystem) BlockSize() int {
	return fs.blockSize
}

// TotalBlocks returns the number of physical blocks
func (fs *FileSystem) TotalBlocks() int {
	return fs.total
}

// Close persists the bitmap and hash index
func (fs *FileSystem) Close() error {
	fs.bitmapMu.Lock()
	err := fs.bitmap.Save(fs.bitmapPath())
	fs.bitmapMu.Unlock()
	if err != nil {
		return err
	}
	fs.indexMu.Lock()
	defer fs.indexMu.Unlock()
	return fs.index.Save(fs.indexPath())
}

// --- paths ---

func (fs *FileSystem) superblockPath() string {
	return filepath.Join(fs.mount, "superblock.config")
}

func (fs *FileSystem) bitmapPath() string {
	return filepath.Join(fs.mount, "bitmap.bin")
}

func (fs *FileSystem) indexPath() string {
	return filepath.Join(fs.mount, "blocks_hash_index.config")
}

func (fs *FileSystem) physicalDir() string {
	return filepath.Join(fs.mount, "physical_blocks")
}

// BlockName formats a physical block id as it appears on disk and in
// the hash index.
func BlockName(id int) string {
	return fmt.Sprintf("block%04d", id)
}

// ParseBlockName recovers the id from a "block####" name
func ParseBlockName(name string) (int, error) {
	digits, ok := strings.CutPrefix(name, "block")
	if !ok {
		return 0, fmt.Errorf("bad block name %q", name)
	}
	id, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("bad block name %q: %w", name, err)
	}
	return id, nil
}

func (fs *FileSystem) physicalBlockPath(id int) string {
	return filepath.Join(fs.physicalDir(), BlockName(id)+".dat")
}

func (fs *FileSystem) tagDir(name, tag string) string {
	return filepath.Join(fs.mount, "files", name, tag)
}

func (fs *FileSystem) metadataPath(name, tag string) string {
	return filepath.Join(fs.tagDir(name, tag), "metadata.config")
}

func (fs *FileSystem) logicalDir(name, tag string) string {
	return filepath.Join(fs.tagDir(name, tag), "logical_blocks")
}

func (fs *FileSystem) logicalBlockPath(name, tag string, i int) string {
	return filepath.Join(fs.logicalDir(name, tag), fmt.Sprintf("%04d.dat", i))
}

func (fs *FileSystem) tagExists(name, tag string) bool {
	_, err := os.Stat(fs.metadataPath(name, tag))
	return err == nil
}

// --- superblock ---

func readSuperblock(path string) (fsSize, blockSize int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open superblock: %w", err)
	}
	defer f.Close()

	found := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(value))
		if convErr != nil {
			return 0, 0, fmt.Errorf("bad superblock value %q: %w", line, convErr)
		}
		switch strings.TrimSpace(key) {
		case "FS_SIZE":
			fsSize = n
			found["FS_SIZE"] = true
		case "BLOCK_SIZE":
			blockSize = n
			found["BLOCK_SIZE"] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read superblock: %w", err)
	}
	if !found["FS_SIZE"] || !found["BLOCK_SIZE"] {
		return 0, 0, fmt.Errorf("superblock missing FS_SIZE or BLOCK_SIZE")
	}
	return fsSize, blockSize, nil
}

// WriteSuperblock creates a superblock.config; used by tests and by
// operators initializing a new mount point.
func WriteSuperblock(mountPoint string, fsSize, blockSize int) error {
	content := fmt.Sprintf("FS_SIZE=%d\nBLOCK_SIZE=%d\n", fsSize, blockSize)
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	return os.WriteFile(filepath.Join(mountPoint, "superblock.config"), []byte(content), 0644)
}

// --- fresh start ---

// freshStart wipes everything under the mount point except the
// superblock, then recreates the bitmap, an empty hash index, the
// zero-filled physical block pool, and the committed seed tag with one
// logical block hard-linked to block0000.
func (fs *FileSystem) freshStart() error {
	entries, err := os.ReadDir(fs.mount)
	if err != nil {
		return fmt.Errorf("failed to read mount point: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == "superblock.config" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(fs.mount, entry.Name())); err != nil {
			return fmt.Errorf("failed to clean %s: %w", entry.Name(), err)
		}
	}

	fs.bitmap = NewBitmap(fs.total)
	fs.index = NewHashIndex()

	if err := os.MkdirAll(fs.physicalDir(), 0755); err != nil {
		return fmt.Errorf("failed to create physical block dir: %w", err)
	}
	zero := make([]byte, fs.blockSize)
	for i := 0; i < fs.total; i++ {
		if err := os.WriteFile(fs.physicalBlockPath(i), zero, 0644); err != nil {
			return fmt.Errorf("failed to create physical block %d: %w", i, err)
		}
	}
	fs.logger.Info().Int("blocks", fs.total).Msg("Physical block pool created")

	// Seed tag: one logical block on block0000, SIZE 0, committed.
	if err := os.MkdirAll(fs.logicalDir(SeedFile, SeedTag), 0755); err != nil {
		return fmt.Errorf("failed to create seed dirs: %w", err)
	}
	if err := os.Link(fs.physicalBlockPath(0), fs.logicalBlockPath(SeedFile, SeedTag, 0)); err != nil {
		return fmt.Errorf("failed to link seed block: %w", err)
	}
	fs.bitmap.Set(0)
	seed := &Metadata{Size: 0, Blocks: []int{0}, State: types.FileStateCommitted}
	if err := seed.Save(fs.metadataPath(SeedFile, SeedTag)); err != nil {
		return err
	}
	if err := fs.bitmap.Save(fs.bitmapPath()); err != nil {
		return err
	}
	if err := fs.index.Save(fs.indexPath()); err != nil {
		return err
	}
	fs.logger.Info().Str("file", SeedFile).Str("tag", SeedTag).Msg("Seed tag created")
	return nil
}

// --- block accounting ---

// linkCount returns the hard link count of path
func linkCount(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no stat info for %s", path)
	}
	return int(st.Nlink), nil
}

// allocBlock claims the first free physical block. Callers must hold a
// file lock; the bitmap has its own mutex underneath.
func (fs *FileSystem) allocBlock() (int, error) {
	fs.bitmapMu.Lock()
	defer fs.bitmapMu.Unlock()

	id := fs.bitmap.FirstFree()
	if id < 0 {
		return 0, types.ErrNotEnoughSpace
	}
	fs.bitmap.Set(id)
	if err := fs.bitmap.Save(fs.bitmapPath()); err != nil {
		fs.bitmap.Clear(id)
		return 0, err
	}
	metrics.BlocksFree.Set(float64(fs.bitmap.FreeCount()))
	return id, nil
}

// releaseBlockIfUnreferenced clears the bitmap bit for id when its
// physical file has no logical links left (link count back to 1).
func (fs *FileSystem) releaseBlockIfUnreferenced(id int) error {
	links, err := linkCount(fs.physicalBlockPath(id))
	if err != nil {
		return fmt.Errorf("failed to stat physical block %d: %w", id, err)
	}
	if links > 1 {
		return nil
	}

	fs.bitmapMu.Lock()
	fs.bitmap.Clear(id)
	err = fs.bitmap.Save(fs.bitmapPath())
	metrics.BlocksFree.Set(float64(fs.bitmap.FreeCount()))
	fs.bitmapMu.Unlock()
	if err != nil {
		return err
	}

	fs.indexMu.Lock()
	fs.index.DropBlock(BlockName(id))
	err = fs.index.Save(fs.indexPath())
	fs.indexMu.Unlock()
	return err
}

// BitTest reports the allocation bit for a physical block; test helper
func (fs *FileSystem) BitTest(id int) bool {
	fs.bitmapMu.Lock()
	defer fs.bitmapMu.Unlock()
	return fs.bitmap.Test(id)
}

// FreeBlocks returns the number of free physical blocks
func (fs *FileSystem) FreeBlocks() int {
	fs.bitmapMu.Lock()
	defer fs.bitmapMu.Unlock()
	return fs.bitmap.FreeCount()
}
