package worker

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/quarry/pkg/config"
	"github.com/cuemby/quarry/pkg/master"
	"github.com/cuemby/quarry/pkg/queryctl"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// startCluster brings up storage, a master and one real worker
func startCluster(t *testing.T, script string) (*master.Master, string) {
	t.Helper()

	_, storageAddr := startStorage(t)
	storageHost, storagePort := hostPort(t, storageAddr)

	mcfg := &config.Master{
		ListenIP:    "127.0.0.1",
		ListenPort:  0,
		Algorithm:   string(types.SchedulingFIFO),
		AgingMillis: 200,
	}
	m, err := master.NewMaster(mcfg)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	masterHost, masterPort := hostPort(t, m.Addr().String())

	scriptsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scriptsDir, "query.qs"), []byte(script), 0644))

	wcfg := &config.Worker{
		MasterIP:    masterHost,
		MasterPort:  masterPort,
		StorageIP:   storageHost,
		StoragePort: storagePort,
		MemoryBytes: 2 * 64, // two frames
		Replacement: string(types.ReplacementLRU),
		ScriptsPath: scriptsDir,
	}
	w, err := NewWorker(0, wcfg)
	require.NoError(t, err)
	go func() { _ = w.Run() }()
	t.Cleanup(w.Stop)

	return m, m.Addr().String()
}

func TestWorkerExecutesScriptEndToEnd(t *testing.T) {
	script := `CREATE datos v1
TRUNCATE datos v1 192
WRITE datos v1 0 hola mundo
WRITE datos v1 128 tercera pagina
READ datos v1 0 10
FLUSH datos v1
COMMIT datos v1
END
`
	_, masterAddr := startCluster(t, script)

	client, err := queryctl.Dial(masterAddr)
	require.NoError(t, err)
	defer client.Close()

	queryID, err := client.Submit("query.qs", 2)
	require.NoError(t, err)

	var chunks []queryctl.ReadChunk
	result, err := client.Await(func(chunk queryctl.ReadChunk) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, queryID, result.QueryID)

	require.Len(t, chunks, 1)
	assert.Equal(t, "datos:v1", chunks[0].FileTag)
	assert.Equal(t, []byte("hola mundo"), chunks[0].Data)
}

func TestWorkerTagAndDeleteEndToEnd(t *testing.T) {
	script := `CREATE origen v1
TRUNCATE origen v1 64
WRITE origen v1 0 compartido
FLUSH origen v1
TAG origen v1 origen v2
READ origen v2 0 10
DELETE origen v2
END
`
	_, masterAddr := startCluster(t, script)

	client, err := queryctl.Dial(masterAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Submit("query.qs", 1)
	require.NoError(t, err)

	var chunks []queryctl.ReadChunk
	result, err := client.Await(func(chunk queryctl.ReadChunk) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("compartido"), chunks[0].Data)
}

func TestWorkerBecomesIdleAfterQuery(t *testing.T) {
	m, masterAddr := startCluster(t, "END\n")

	client, err := queryctl.Dial(masterAddr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Submit("query.qs", 1)
	require.NoError(t, err)

	result, err := client.Await(nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Eventually(t, func() bool {
		idle, busy, _ := m.Workers().Counts()
		return idle == 1 && busy == 0
	}, 2*time.Second, 10*time.Millisecond)
}
