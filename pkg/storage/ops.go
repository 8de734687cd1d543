package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/types"
)

// Create materializes an empty file:tag in WORK_IN_PROGRESS
func (fs *FileSystem) Create(name, tag string) error {
	time.Sleep(fs.opDelay)

	lock := fs.locks.Acquire(name, tag)
	lock.Lock()
	defer func() {
		lock.Unlock()
		fs.locks.Release(lock)
	}()

	if fs.tagExists(name, tag) {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagExists)
	}
	if err := os.MkdirAll(fs.logicalDir(name, tag), 0755); err != nil {
		return fmt.Errorf("failed to create tag dirs: %w", err)
	}
	md := &Metadata{Size: 0, Blocks: nil, State: types.FileStateWorkInProgress}
	if err := md.Save(fs.metadataPath(name, tag)); err != nil {
		return err
	}
	fs.logger.Info().Str("file", name).Str("tag", tag).Msg("File tag created")
	return nil
}

// CreateTag materializes dst as a hard-link copy of src. Every logical
// block of src is re-linked under dst, metadata is copied and the new
// tag starts WORK_IN_PROGRESS.
func (fs *FileSystem) CreateTag(srcName, srcTag, dstName, dstTag string) error {
	time.Sleep(fs.opDelay)

	srcLock := fs.locks.Acquire(srcName, srcTag)
	srcLock.RLock()
	defer func() {
		srcLock.RUnlock()
		fs.locks.Release(srcLock)
	}()

	dstLock := fs.locks.Acquire(dstName, dstTag)
	dstLock.Lock()
	defer func() {
		dstLock.Unlock()
		fs.locks.Release(dstLock)
	}()

	if !fs.tagExists(srcName, srcTag) {
		return fmt.Errorf("%s:%s: %w", srcName, srcTag, types.ErrFileTagMissing)
	}
	if fs.tagExists(dstName, dstTag) {
		return fmt.Errorf("%s:%s: %w", dstName, dstTag, types.ErrFileTagExists)
	}

	srcMD, err := LoadMetadata(fs.metadataPath(srcName, srcTag))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(fs.logicalDir(dstName, dstTag), 0755); err != nil {
		return fmt.Errorf("failed to create tag dirs: %w", err)
	}
	for i := range srcMD.Blocks {
		src := fs.logicalBlockPath(srcName, srcTag, i)
		dst := fs.logicalBlockPath(dstName, dstTag, i)
		if err := os.Link(src, dst); err != nil {
			// Unwind the partial copy so the failed tag never exists.
			_ = os.RemoveAll(fs.tagDir(dstName, dstTag))
			return fmt.Errorf("failed to link logical block %d: %w", i, err)
		}
	}

	dstMD := &Metadata{
		Size:   srcMD.Size,
		Blocks: append([]int(nil), srcMD.Blocks...),
		State:  types.FileStateWorkInProgress,
	}
	if err := dstMD.Save(fs.metadataPath(dstName, dstTag)); err != nil {
		_ = os.RemoveAll(fs.tagDir(dstName, dstTag))
		return err
	}
	fs.logger.Info().
		Str("src", srcName+":"+srcTag).
		Str("dst", dstName+":"+dstTag).
		Int("blocks", len(dstMD.Blocks)).
		Msg("Tag created")
	return nil
}

// Truncate resizes a file:tag to newSize bytes. Growth appends logical
// blocks hard-linked to block0000; shrinking drops the excess links and
// frees physical blocks that lose their last reference.
func (fs *FileSystem) Truncate(name, tag string, newSize uint32) error {
	time.Sleep(fs.opDelay)

	lock := fs.locks.Acquire(name, tag)
	lock.Lock()
	defer func() {
		lock.Unlock()
		fs.locks.Release(lock)
	}()

	if !fs.tagExists(name, tag) {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagMissing)
	}
	md, err := LoadMetadata(fs.metadataPath(name, tag))
	if err != nil {
		return err
	}
	if md.State == types.FileStateCommitted {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrAlreadyCommitted)
	}

	target := int((newSize + uint32(fs.blockSize) - 1) / uint32(fs.blockSize))
	current := md.BlockCount()

	switch {
	case target == current:
		// Block layout unchanged; only the size moves.
	case target < current:
		for i := current - 1; i >= target; i-- {
			id := md.Blocks[i]
			if err := os.Remove(fs.logicalBlockPath(name, tag, i)); err != nil {
				return fmt.Errorf("failed to remove logical block %d: %w", i, err)
			}
			if err := fs.releaseBlockIfUnreferenced(id); err != nil {
				return err
			}
		}
		md.Blocks = md.Blocks[:target]
	default:
		for i := current; i < target; i++ {
			if err := os.Link(fs.physicalBlockPath(0), fs.logicalBlockPath(name, tag, i)); err != nil {
				return fmt.Errorf("failed to link logical block %d: %w", i, err)
			}
			md.Blocks = append(md.Blocks, 0)
		}
	}

	md.Size = newSize
	if err := md.Save(fs.metadataPath(name, tag)); err != nil {
		return err
	}
	fs.logger.Info().
		Str("file", name).Str("tag", tag).
		Uint32("size", newSize).Int("blocks", target).
		Msg("File tag truncated")
	return nil
}

// ReadBlock returns the blockSize bytes of one logical block
func (fs *FileSystem) ReadBlock(name, tag string, blockNumber uint32) ([]byte, error) {
	lock := fs.locks.Acquire(name, tag)
	lock.RLock()
	defer func() {
		lock.RUnlock()
		fs.locks.Release(lock)
	}()

	if !fs.tagExists(name, tag) {
		return nil, fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagMissing)
	}
	md, err := LoadMetadata(fs.metadataPath(name, tag))
	if err != nil {
		return nil, err
	}
	if int(blockNumber) >= md.BlockCount() {
		return nil, fmt.Errorf("%s:%s block %d of %d: %w",
			name, tag, blockNumber, md.BlockCount(), types.ErrOutOfBounds)
	}

	time.Sleep(fs.blockDelay)

	data, err := os.ReadFile(fs.logicalBlockPath(name, tag, int(blockNumber)))
	if err != nil {
		return nil, fmt.Errorf("failed to read logical block %d: %w", blockNumber, err)
	}
	if len(data) != fs.blockSize {
		return nil, fmt.Errorf("logical block %d has %d bytes, want %d",
			blockNumber, len(data), fs.blockSize)
	}
	return data, nil
}

// WriteBlock writes one logical block, breaking shared hard links
// copy-on-write first. The payload is zero padded to blockSize.
func (fs *FileSystem) WriteBlock(name, tag string, blockNumber uint32, data []byte) error {
	lock := fs.locks.Acquire(name, tag)
	lock.Lock()
	defer func() {
		lock.Unlock()
		fs.locks.Release(lock)
	}()

	if !fs.tagExists(name, tag) {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagMissing)
	}
	md, err := LoadMetadata(fs.metadataPath(name, tag))
	if err != nil {
		return err
	}
	if md.State == types.FileStateCommitted {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrAlreadyCommitted)
	}
	if int(blockNumber) >= md.BlockCount() {
		return fmt.Errorf("%s:%s block %d of %d: %w",
			name, tag, blockNumber, md.BlockCount(), types.ErrOutOfBounds)
	}
	if len(data) > fs.blockSize {
		return fmt.Errorf("payload of %d bytes exceeds block size %d", len(data), fs.blockSize)
	}

	logicalPath := fs.logicalBlockPath(name, tag, int(blockNumber))
	links, err := linkCount(logicalPath)
	if err != nil {
		return fmt.Errorf("failed to stat logical block %d: %w", blockNumber, err)
	}

	// The physical entry itself holds one link and this tag a second;
	// anything above two means the block is shared with another tag.
	if links > 2 {
		newID, err := fs.allocBlock()
		if err != nil {
			return err
		}
		oldID := md.Blocks[blockNumber]
		if err := os.Remove(logicalPath); err != nil {
			return fmt.Errorf("failed to break shared link: %w", err)
		}
		if err := os.Link(fs.physicalBlockPath(newID), logicalPath); err != nil {
			return fmt.Errorf("failed to relink logical block: %w", err)
		}
		md.Blocks[blockNumber] = newID
		if err := md.Save(fs.metadataPath(name, tag)); err != nil {
			return err
		}
		fs.logger.Info().
			Str("file", name).Str("tag", tag).
			Uint32("block", blockNumber).
			Str("old", BlockName(oldID)).Str("new", BlockName(newID)).
			Msg("Copy on write")
	}

	time.Sleep(fs.blockDelay)

	padded := make([]byte, fs.blockSize)
	copy(padded, data)
	if err := os.WriteFile(logicalPath, padded, 0644); err != nil {
		return fmt.Errorf("failed to write logical block %d: %w", blockNumber, err)
	}
	return nil
}

// Commit deduplicates the tag's logical blocks against the content hash
// index and seals it COMMITTED. A second commit on a committed tag is a
// successful no-op.
func (fs *FileSystem) Commit(name, tag string) error {
	time.Sleep(fs.opDelay)

	lock := fs.locks.Acquire(name, tag)
	lock.Lock()
	defer func() {
		lock.Unlock()
		fs.locks.Release(lock)
	}()

	if !fs.tagExists(name, tag) {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagMissing)
	}
	md, err := LoadMetadata(fs.metadataPath(name, tag))
	if err != nil {
		return err
	}
	if md.State == types.FileStateCommitted {
		return nil
	}

	reclaimed := 0
	for i := range md.Blocks {
		logicalPath := fs.logicalBlockPath(name, tag, i)
		content, err := os.ReadFile(logicalPath)
		if err != nil {
			return fmt.Errorf("failed to read logical block %d: %w", i, err)
		}
		sum := md5.Sum(content)
		hash := hex.EncodeToString(sum[:])
		currentName := BlockName(md.Blocks[i])

		fs.indexMu.Lock()
		registered, known := fs.index.Get(hash)
		if !known {
			fs.index.Put(hash, currentName)
			err = fs.index.Save(fs.indexPath())
			fs.indexMu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		fs.indexMu.Unlock()

		if registered == currentName {
			continue
		}

		registeredID, err := ParseBlockName(registered)
		if err != nil {
			return fmt.Errorf("%s:%s: %w: %v", name, tag, types.ErrCorruptIndex, err)
		}
		if registeredID >= fs.total || !fs.BitTest(registeredID) {
			// The index points at a block that is no longer allocated;
			// deduplicating against it would resurrect freed storage.
			return fmt.Errorf("%s:%s hash %s -> %s: %w",
				name, tag, hash, registered, types.ErrCorruptIndex)
		}

		oldID := md.Blocks[i]
		if err := os.Remove(logicalPath); err != nil {
			return fmt.Errorf("failed to unlink logical block %d: %w", i, err)
		}
		if err := os.Link(fs.physicalBlockPath(registeredID), logicalPath); err != nil {
			return fmt.Errorf("failed to relink logical block %d: %w", i, err)
		}
		md.Blocks[i] = registeredID
		if err := md.Save(fs.metadataPath(name, tag)); err != nil {
			return err
		}
		if err := fs.releaseBlockIfUnreferenced(oldID); err != nil {
			return err
		}
		reclaimed++
		fs.logger.Info().
			Str("file", name).Str("tag", tag).Int("block", i).
			Str("replaced", BlockName(oldID)).Str("by", registered).
			Msg("Block deduplicated")
	}

	md.State = types.FileStateCommitted
	if err := md.Save(fs.metadataPath(name, tag)); err != nil {
		return err
	}
	if reclaimed > 0 {
		metrics.DedupBlocksReclaimed.Add(float64(reclaimed))
	}
	fs.logger.Info().
		Str("file", name).Str("tag", tag).
		Int("reclaimed", reclaimed).
		Msg("File tag committed")
	return nil
}

// Delete removes a file:tag and frees any physical blocks that lose
// their last logical reference. The seed tag cannot be deleted.
func (fs *FileSystem) Delete(name, tag string) error {
	time.Sleep(fs.opDelay)

	lock := fs.locks.Acquire(name, tag)
	lock.Lock()
	defer func() {
		lock.Unlock()
		fs.locks.Release(lock)
	}()

	if name == SeedFile && tag == SeedTag {
		return fmt.Errorf("%s:%s is protected", name, tag)
	}
	if !fs.tagExists(name, tag) {
		return fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagMissing)
	}
	md, err := LoadMetadata(fs.metadataPath(name, tag))
	if err != nil {
		return err
	}

	for i := len(md.Blocks) - 1; i >= 0; i-- {
		id := md.Blocks[i]
		if err := os.Remove(fs.logicalBlockPath(name, tag, i)); err != nil {
			return fmt.Errorf("failed to remove logical block %d: %w", i, err)
		}
		if err := fs.releaseBlockIfUnreferenced(id); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(fs.tagDir(name, tag)); err != nil {
		return fmt.Errorf("failed to remove tag dir: %w", err)
	}
	// Drop the now empty file directory when this was its last tag.
	fileDir := filepath.Dir(fs.tagDir(name, tag))
	if entries, err := os.ReadDir(fileDir); err == nil && len(entries) == 0 {
		_ = os.Remove(fileDir)
	}
	fs.logger.Info().Str("file", name).Str("tag", tag).Msg("File tag deleted")
	return nil
}

// Stat returns the metadata for a file:tag; used by tests and tooling
func (fs *FileSystem) Stat(name, tag string) (*Metadata, error) {
	lock := fs.locks.Acquire(name, tag)
	lock.RLock()
	defer func() {
		lock.RUnlock()
		fs.locks.Release(lock)
	}()

	if !fs.tagExists(name, tag) {
		return nil, fmt.Errorf("%s:%s: %w", name, tag, types.ErrFileTagMissing)
	}
	return LoadMetadata(fs.metadataPath(name, tag))
}
