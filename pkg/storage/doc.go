/*
Package storage implements the block filesystem behind a Quarry
cluster: tag-versioned files over a pool of fixed-size physical blocks,
with content-addressed deduplication at commit time.

# On-disk layout

Everything lives under the configured mount point:

	superblock.config            FS_SIZE and BLOCK_SIZE
	bitmap.bin                   packed MSB-first allocation bits
	blocks_hash_index.config     md5 hash = block#### lines
	physical_blocks/
	    block0000.dat …          pre-allocated, zero-filled pool
	files/<name>/<tag>/
	    metadata.config          SIZE, BLOCKS, ESTADO
	    logical_blocks/
	        0000.dat …           hard links into the pool

A logical block is nothing but a hard link to a physical block, so
sharing between tags costs no space and the filesystem link count is
the authoritative reference count. A physical block whose link count
falls back to one (only the pool entry left) is returned to the bitmap.

# Write and commit discipline

Writes are copy-on-write: when the target logical block's physical file
carries more than two links it is shared with another tag, so a fresh
block is claimed from the bitmap and the link rewired before the bytes
land. Commit hashes every logical block with MD5 and consults the hash
index: new hashes are registered, known ones rewire the logical link to
the canonical block and free the displaced one. A committed tag rejects
further writes.

# Concurrency

Every file:tag has a refcounted reader/writer lock materialized on
first use. The bitmap and the hash index each have their own mutex, and
no routine holds both at once; when combined with a file lock the order
is always file, then bitmap, then hash index.
*/
package storage
