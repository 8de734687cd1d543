package storage

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// HashIndex maps MD5 content hashes to canonical physical block names.
// Persisted as "hash=block####" lines; consulted only at commit time.
type HashIndex struct {
	entries map[string]string
}

// NewHashIndex creates an empty index
func NewHashIndex() *HashIndex {
	return &HashIndex{entries: make(map[string]string)}
}

// LoadHashIndex reads the index file from disk
func LoadHashIndex(path string) (*HashIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hash index: %w", err)
	}
	defer f.Close()

	idx := NewHashIndex()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed hash index line %q", line)
		}
		idx.entries[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hash index: %w", err)
	}
	return idx, nil
}

// Save writes the index file, entries sorted for stable output
func (idx *HashIndex) Save(path string) error {
	hashes := make([]string, 0, len(idx.entries))
	for hash := range idx.entries {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	var sb strings.Builder
	for _, hash := range hashes {
		sb.WriteString(hash)
		sb.WriteByte('=')
		sb.WriteString(idx.entries[hash])
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write hash index: %w", err)
	}
	return nil
}

// Get returns the block name registered for hash
func (idx *HashIndex) Get(hash string) (string, bool) {
	name, ok := idx.entries[hash]
	return name, ok
}

// Put registers hash -> block name
func (idx *HashIndex) Put(hash, block string) {
	idx.entries[hash] = block
}

// DropBlock removes every entry pointing at block. The filesystem calls
// it as soon as a block is freed, so no entry keeps naming a free block.
func (idx *HashIndex) DropBlock(block string) {
	for hash, name := range idx.entries {
		if name == block {
			delete(idx.entries, hash)
		}
	}
}

// Len returns the number of registered hashes
func (idx *HashIndex) Len() int {
	return len(idx.entries)
}
