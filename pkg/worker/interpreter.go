package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/quarry/pkg/types"
)

// Decode parses one script line into a typed instruction. WRITE keeps
// everything after the base offset verbatim as its payload, spaces
// included.
func Decode(line string) (*types.Instruction, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, fmt.Errorf("empty instruction")
	}

	op, rest, _ := strings.Cut(trimmed, " ")
	inst := &types.Instruction{
		Kind: types.OpKind(strings.ToUpper(op)),
		Raw:  trimmed,
	}

	switch inst.Kind {
	case types.OpEnd:
		return inst, nil

	case types.OpCreate, types.OpCommit, types.OpFlush, types.OpDelete:
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s wants file and tag: %q", inst.Kind, trimmed)
		}
		inst.File, inst.Tag = fields[0], fields[1]
		return inst, nil

	case types.OpTruncate:
		fields := strings.Fields(rest)
		if len(fields) != 3 {
			return nil, fmt.Errorf("TRUNCATE wants file, tag and size: %q", trimmed)
		}
		size, err := parseU32(fields[2])
		if err != nil {
			return nil, fmt.Errorf("TRUNCATE size: %w", err)
		}
		inst.File, inst.Tag, inst.Size = fields[0], fields[1], size
		return inst, nil

	case types.OpTag:
		fields := strings.Fields(rest)
		if len(fields) != 4 {
			return nil, fmt.Errorf("TAG wants four names: %q", trimmed)
		}
		inst.File, inst.Tag = fields[0], fields[1]
		inst.DstFile, inst.DstTag = fields[2], fields[3]
		return inst, nil

	case types.OpRead:
		fields := strings.Fields(rest)
		if len(fields) != 4 {
			return nil, fmt.Errorf("READ wants file, tag, base and size: %q", trimmed)
		}
		base, err := parseU32(fields[2])
		if err != nil {
			return nil, fmt.Errorf("READ base: %w", err)
		}
		size, err := parseU32(fields[3])
		if err != nil {
			return nil, fmt.Errorf("READ size: %w", err)
		}
		inst.File, inst.Tag, inst.Base, inst.Size = fields[0], fields[1], base, size
		return inst, nil

	case types.OpWrite:
		parts := strings.SplitN(rest, " ", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("WRITE wants file, tag, base and data: %q", trimmed)
		}
		base, err := parseU32(parts[2])
		if err != nil {
			return nil, fmt.Errorf("WRITE base: %w", err)
		}
		inst.File, inst.Tag, inst.Base = parts[0], parts[1], base
		inst.Data = []byte(parts[3])
		return inst, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

func parseU32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
