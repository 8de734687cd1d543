package worker

import (
	"testing"

	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInstructions(t *testing.T) {
	tests := []struct {
		name string
		line string
		want types.Instruction
	}{
		{
			name: "create",
			line: "CREATE clientes v1",
			want: types.Instruction{Kind: types.OpCreate, File: "clientes", Tag: "v1"},
		},
		{
			name: "truncate",
			line: "TRUNCATE clientes v1 2048",
			want: types.Instruction{Kind: types.OpTruncate, File: "clientes", Tag: "v1", Size: 2048},
		},
		{
			name: "write keeps spaces in data",
			line: "WRITE clientes v1 64 hola mundo paginado",
			want: types.Instruction{
				Kind: types.OpWrite, File: "clientes", Tag: "v1",
				Base: 64, Data: []byte("hola mundo paginado"),
			},
		},
		{
			name: "read",
			line: "READ clientes v1 0 128",
			want: types.Instruction{Kind: types.OpRead, File: "clientes", Tag: "v1", Base: 0, Size: 128},
		},
		{
			name: "tag",
			line: "TAG clientes v1 clientes v2",
			want: types.Instruction{
				Kind: types.OpTag, File: "clientes", Tag: "v1",
				DstFile: "clientes", DstTag: "v2",
			},
		},
		{
			name: "commit",
			line: "COMMIT clientes v1",
			want: types.Instruction{Kind: types.OpCommit, File: "clientes", Tag: "v1"},
		},
		{
			name: "flush",
			line: "FLUSH clientes v1",
			want: types.Instruction{Kind: types.OpFlush, File: "clientes", Tag: "v1"},
		},
		{
			name: "delete",
			line: "DELETE clientes v1",
			want: types.Instruction{Kind: types.OpDelete, File: "clientes", Tag: "v1"},
		},
		{
			name: "end",
			line: "END",
			want: types.Instruction{Kind: types.OpEnd},
		},
		{
			name: "lower case operation",
			line: "create clientes v1",
			want: types.Instruction{Kind: types.OpCreate, File: "clientes", Tag: "v1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.line)
			require.NoError(t, err)
			tt.want.Raw = got.Raw
			assert.Equal(t, &tt.want, got)
		})
	}
}

func TestDecodeRejectsMalformedLines(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"JUMP f t",
		"CREATE solo-archivo",
		"TRUNCATE f t not-a-number",
		"READ f t 0",
		"WRITE f t 0",
		"TAG f t d",
	}
	for _, line := range lines {
		_, err := Decode(line)
		assert.Error(t, err, "line %q", line)
	}
}
