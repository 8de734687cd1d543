package master

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/quarry/pkg/config"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/cuemby/quarry/pkg/queryctl"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func startMaster(t *testing.T, algorithm string) *Master {
	t.Helper()
	cfg := &config.Master{
		ListenIP:    "127.0.0.1",
		ListenPort:  0,
		Algorithm:   algorithm,
		AgingMillis: 200,
	}
	m, err := NewMaster(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

// fakeWorker speaks the worker side of the wire protocol by hand
type fakeWorker struct {
	t    *testing.T
	id   uint32
	conn net.Conn
}

func connectWorkerID(t *testing.T, addr string, id uint32) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, protocol.Send(conn, protocol.WorkerHandshakeReq{
		WorkerID: formatID(id),
	}))
	w := &fakeWorker{t: t, id: id, conn: conn}
	pkt := w.expect(protocol.OpWorkerHandshakeRes)
	res, err := protocol.DecodeWorkerHandshakeRes(pkt.Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	return w
}

func formatID(id uint32) string {
	return string(rune('0' + id))
}

func (w *fakeWorker) expect(op protocol.OpCode) *protocol.Packet {
	w.t.Helper()
	require.NoError(w.t, w.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	pkt, err := protocol.ReadPacket(w.conn)
	require.NoError(w.t, err)
	require.Equal(w.t, op, pkt.Op)
	return pkt
}

func (w *fakeWorker) awaitAssignment() protocol.AssignQuery {
	w.t.Helper()
	pkt := w.expect(protocol.OpAssignQuery)
	msg, err := protocol.DecodeAssignQuery(pkt.Payload)
	require.NoError(w.t, err)
	return msg
}

func (w *fakeWorker) finish(queryID uint32) {
	require.NoError(w.t, protocol.Send(w.conn, protocol.EndQuery{WorkerID: w.id, QueryID: queryID}))
}

func (w *fakeWorker) answerEject(queryID, pc uint32) {
	require.NoError(w.t, protocol.Send(w.conn, protocol.EjectRes{QueryID: queryID, ProgramCounter: pc}))
}

func TestQueryRunsToCompletion(t *testing.T) {
	m := startMaster(t, "FIFO")
	w := connectWorkerID(t, m.Addr().String(), 0)

	client, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	queryID, err := client.Submit("scripts/q1.qs", 3)
	require.NoError(t, err)

	assign := w.awaitAssignment()
	assert.Equal(t, queryID, assign.QueryID)
	assert.Equal(t, uint32(0), assign.ProgramCounter)
	assert.Equal(t, "scripts/q1.qs", assign.RelativePath)

	w.finish(queryID)

	result, err := client.Await(nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, queryID, result.QueryID)

	_, _, completed, _ := m.queries.Counts()
	assert.Equal(t, 1, completed)
}

func TestFIFODispatchOrder(t *testing.T) {
	m := startMaster(t, "FIFO")

	// Admit four queries before any worker shows up.
	var ids []uint32
	clients := make([]*queryctl.Client, 0, 4)
	for _, prio := range []uint32{4, 3, 5, 1} {
		client, err := queryctl.Dial(m.Addr().String())
		require.NoError(t, err)
		clients = append(clients, client)
		id, err := client.Submit("q.qs", prio)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	// One worker drains them strictly in admission order.
	w := connectWorkerID(t, m.Addr().String(), 0)
	for _, want := range ids {
		assign := w.awaitAssignment()
		assert.Equal(t, want, assign.QueryID)
		w.finish(assign.QueryID)
	}
}

func TestPriorityDispatchPicksMinimum(t *testing.T) {
	m := startMaster(t, "PRIORITY")

	clients := make([]*queryctl.Client, 0, 3)
	byPriority := map[uint32]uint32{} // priority -> query id
	for _, prio := range []uint32{4, 1, 3} {
		client, err := queryctl.Dial(m.Addr().String())
		require.NoError(t, err)
		clients = append(clients, client)
		id, err := client.Submit("q.qs", prio)
		require.NoError(t, err)
		byPriority[prio] = id
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	w := connectWorkerID(t, m.Addr().String(), 0)
	for _, wantPrio := range []uint32{1, 3, 4} {
		assign := w.awaitAssignment()
		assert.Equal(t, byPriority[wantPrio], assign.QueryID)
		w.finish(assign.QueryID)
	}
}

func TestPreemptionSwapsWorstForBest(t *testing.T) {
	m := startMaster(t, "PRIORITY")

	// Two workers run the two first queries.
	w0 := connectWorkerID(t, m.Addr().String(), 0)
	w1 := connectWorkerID(t, m.Addr().String(), 1)

	c0, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer c0.Close()
	q0, err := c0.Submit("q0.qs", 4)
	require.NoError(t, err)

	c1, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	_, err = c1.Submit("q1.qs", 3)
	require.NoError(t, err)

	a0 := w0.awaitAssignment()
	w1.awaitAssignment()

	// A strictly better query arrives; the prio-4 victim gets ejected.
	c3, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer c3.Close()
	q3, err := c3.Submit("q3.qs", 1)
	require.NoError(t, err)

	pkt := w0.expect(protocol.OpEjectQuery)
	eject, err := protocol.DecodeEjectQuery(pkt.Payload)
	require.NoError(t, err)
	assert.Equal(t, q0, eject.QueryID)
	assert.Equal(t, a0.QueryID, eject.QueryID)

	// The worker checkpoints at instruction 5 and the challenger runs.
	w0.answerEject(q0, 5)
	assign := w0.awaitAssignment()
	assert.Equal(t, q3, assign.QueryID)

	// The evicted query waits in ready with its advanced checkpoint.
	evicted := m.queries.Get(q0)
	require.NotNil(t, evicted)
	assert.Equal(t, uint32(5), evicted.ProgramCounter)

	// When the challenger ends, the evicted query resumes from its PC.
	w0.finish(q3)
	resume := w0.awaitAssignment()
	assert.Equal(t, q0, resume.QueryID)
	assert.Equal(t, uint32(5), resume.ProgramCounter)
}

func TestWorkerDisconnectFinalizesQuery(t *testing.T) {
	m := startMaster(t, "FIFO")
	w := connectWorkerID(t, m.Addr().String(), 0)

	client, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Submit("q.qs", 2)
	require.NoError(t, err)
	w.awaitAssignment()

	// The worker dies mid-query.
	w.conn.Close()

	result, err := client.Await(nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "worker disconnected")
}

func TestClientDisconnectCancelsReadyQuery(t *testing.T) {
	m := startMaster(t, "FIFO")

	client, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	queryID, err := client.Submit("q.qs", 2)
	require.NoError(t, err)

	client.Close()

	require.Eventually(t, func() bool {
		qcb := m.queries.Get(queryID)
		return qcb != nil && qcb.State == types.QueryStateCanceled
	}, 2*time.Second, 10*time.Millisecond)

	// A worker connecting afterwards gets nothing.
	w := connectWorkerID(t, m.Addr().String(), 0)
	_ = w
	time.Sleep(100 * time.Millisecond)
	idle, busy, _ := m.workers.Counts()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, busy)
}

func TestAgingPromotesStarvedQuery(t *testing.T) {
	m := startMaster(t, "PRIORITY")

	client, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	queryID, err := client.Submit("q.qs", 5)
	require.NoError(t, err)

	// 200ms interval: after a bit over five intervals the priority
	// must have drained to zero.
	require.Eventually(t, func() bool {
		qcb := m.queries.Get(queryID)
		return qcb != nil && qcb.Priority == 0
	}, 3*time.Second, 25*time.Millisecond)
}

func TestReadDataIsForwardedToClient(t *testing.T) {
	m := startMaster(t, "FIFO")
	w := connectWorkerID(t, m.Addr().String(), 0)

	client, err := queryctl.Dial(m.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	queryID, err := client.Submit("q.qs", 1)
	require.NoError(t, err)
	w.awaitAssignment()

	require.NoError(t, protocol.Send(w.conn, protocol.ReadMsg{
		WorkerID: 0,
		QueryID:  queryID,
		Data:     []byte("resultado"),
		File:     "f",
		Tag:      "t",
	}))
	w.finish(queryID)

	var chunks []queryctl.ReadChunk
	result, err := client.Await(func(chunk queryctl.ReadChunk) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, chunks, 1)
	assert.Equal(t, "f:t", chunks[0].FileTag)
	assert.Equal(t, []byte("resultado"), chunks[0].Data)
}
