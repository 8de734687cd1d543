package storage

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/quarry/pkg/types"
)

// Metadata is the persisted per file:tag state
type Metadata struct {
	Size   uint32
	Blocks []int // physical block ids, one per logical block
	State  types.FileState
}

// BlockCount returns the number of logical blocks
func (m *Metadata) BlockCount() int {
	return len(m.Blocks)
}

// LoadMetadata reads a metadata.config file
func LoadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer f.Close()

	md := &Metadata{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed metadata line %q", line)
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "SIZE":
			size, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad SIZE value %q: %w", value, err)
			}
			md.Size = uint32(size)
		case "BLOCKS":
			blocks, err := parseBlockList(value)
			if err != nil {
				return nil, err
			}
			md.Blocks = blocks
		case "ESTADO":
			md.State = types.FileState(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return md, nil
}

// Save writes the metadata.config file
func (m *Metadata) Save(path string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SIZE=%d\n", m.Size)
	sb.WriteString("BLOCKS=[")
	for i, b := range m.Blocks {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(b))
	}
	sb.WriteString("]\n")
	fmt.Fprintf(&sb, "ESTADO=%s\n", m.State)

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func parseBlockList(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("bad BLOCKS value %q", value)
	}
	inner := strings.TrimSpace(value[1 : len(value)-1])
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	blocks := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad block id %q: %w", part, err)
		}
		blocks = append(blocks, id)
	}
	return blocks, nil
}
