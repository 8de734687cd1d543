package master

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/quarry/pkg/events"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/google/uuid"
)

// prioritySeparator splits path and priority in QUERY_FILE_PATH
const prioritySeparator = "\x1f"

func (m *Master) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.logger.Error().Err(err).Msg("Accept failed")
			return
		}
		m.wg.Add(1)
		go m.handleConn(conn)
	}
}

// handleConn discriminates the peer by its first packet: workers open
// with WORKER_HANDSHAKE_REQ, query controls with QUERY_HANDSHAKE or an
// immediate QUERY_FILE_PATH.
func (m *Master) handleConn(conn net.Conn) {
	defer m.wg.Done()

	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return
	}

	switch pkt.Op {
	case protocol.OpWorkerHandshakeReq:
		m.serveWorker(conn, pkt)
	case protocol.OpQueryHandshake, protocol.OpQueryFilePath:
		m.serveClient(conn, pkt)
	default:
		m.logger.Warn().Str("op", pkt.Op.String()).Msg("Unexpected opening opcode, dropping")
		conn.Close()
	}
}

// --- query control sessions ---

func (m *Master) serveClient(conn net.Conn, first *protocol.Packet) {
	cs := &clientSession{id: uuid.New().String(), conn: conn}
	m.registerClient(cs)
	logger := m.logger.With().Str("client_id", cs.id).Logger()
	logger.Info().Msg("Query control connected")

	pkt := first
	for {
		switch pkt.Op {
		case protocol.OpQueryHandshake:
			if err := cs.send(protocol.QueryHandshakeAck{ClientID: cs.id}); err != nil {
				logger.Warn().Err(err).Msg("Handshake ack failed")
				m.clientDisconnected(cs.id)
				return
			}

		case protocol.OpQueryFilePath:
			msg, err := protocol.DecodeQueryFilePath(pkt.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("Bad QUERY_FILE_PATH")
				m.clientDisconnected(cs.id)
				return
			}
			if err := m.submitQuery(cs, msg.Payload); err != nil {
				logger.Warn().Err(err).Msg("Query rejected")
				m.clientDisconnected(cs.id)
				return
			}

		default:
			logger.Warn().Str("op", pkt.Op.String()).Msg("Unexpected opcode from query control")
			m.clientDisconnected(cs.id)
			return
		}

		var err error
		pkt, err = protocol.ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("Query control read failed")
			}
			m.clientDisconnected(cs.id)
			return
		}
	}
}

// submitQuery parses "path<US>priority", admits the query in READY and
// pokes the dispatcher.
func (m *Master) submitQuery(cs *clientSession, payload string) error {
	path, prioStr, found := strings.Cut(payload, prioritySeparator)
	if !found || path == "" || prioStr == "" {
		return fmt.Errorf("invalid input: want path and priority")
	}
	priority, err := strconv.ParseUint(prioStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid priority %q: %w", prioStr, err)
	}

	qcb := m.queries.Admit(path, uint32(priority), cs.id)
	if err := cs.send(protocol.QuerySubmitAck{QueryID: qcb.QueryID}); err != nil {
		// The admission ack could not be delivered; cancel right away.
		m.queries.Lock()
		m.queries.CancelLocked(qcb)
		m.queries.Unlock()
		return fmt.Errorf("failed to ack submission: %w", err)
	}

	m.logger.Info().
		Uint32("query_id", qcb.QueryID).
		Str("path", path).
		Uint32("priority", qcb.Priority).
		Msg("Query admitted")
	m.broker.Publish(&events.Event{Type: events.EventQueryAdmitted, QueryID: qcb.QueryID})

	m.TryDispatch()
	return nil
}

// clientDisconnected cancels the client's queries: ready ones are
// retired immediately, a running one is ejected and cleaned up when the
// worker answers.
func (m *Master) clientDisconnected(clientID string) {
	m.dropClient(clientID)

	m.workers.Lock()
	m.queries.Lock()

	for _, qcb := range m.queries.ReadyByClientLocked(clientID) {
		m.queries.CancelLocked(qcb)
		m.logger.Info().Uint32("query_id", qcb.QueryID).Msg("Ready query canceled, client gone")
		m.record(qcb, "canceled", "client disconnected")
		m.broker.Publish(&events.Event{Type: events.EventQueryCanceled, QueryID: qcb.QueryID})
	}

	running := m.queries.RunningByClientLocked(clientID)
	for _, qcb := range running {
		workerID := qcb.AssignedWorker
		m.queries.CancelLocked(qcb)
		ws := m.workerSessionByID(workerID)
		if ws != nil {
			if err := ws.send(protocol.EjectQuery{QueryID: qcb.QueryID}); err != nil {
				m.logger.Warn().Err(err).Uint32("query_id", qcb.QueryID).Msg("Failed to eject canceled query")
			}
		}
		m.logger.Info().
			Uint32("query_id", qcb.QueryID).
			Uint32("worker_id", workerID).
			Msg("Running query canceled, eviction sent")
		m.broker.Publish(&events.Event{Type: events.EventQueryCanceled, QueryID: qcb.QueryID})
	}

	m.queries.Unlock()
	m.workers.Unlock()
}

// --- worker sessions ---

func (m *Master) serveWorker(conn net.Conn, first *protocol.Packet) {
	req, err := protocol.DecodeWorkerHandshakeReq(first.Payload)
	if err != nil {
		conn.Close()
		return
	}
	id64, err := strconv.ParseUint(req.WorkerID, 10, 32)
	if err != nil {
		m.logger.Warn().Str("worker_id", req.WorkerID).Msg("Non-numeric worker id, rejecting")
		_ = protocol.WritePacket(conn, protocol.OpWorkerHandshakeRes,
			protocol.NewBuilder().PutI8(int8(protocol.StatusProtocolError)).Bytes())
		conn.Close()
		return
	}
	workerID := uint32(id64)

	ws := &workerSession{workerID: workerID, conn: conn}
	if err := ws.send(protocol.WorkerHandshakeRes{Status: protocol.StatusSuccess}); err != nil {
		conn.Close()
		return
	}
	m.registerWorkerSession(ws)
	m.workers.Connect(workerID)

	logger := m.logger.With().Uint32("worker_id", workerID).Logger()
	logger.Info().Int("connected", m.workers.ConnectedCount()).Msg("Worker connected")
	m.broker.Publish(&events.Event{Type: events.EventWorkerJoined, WorkerID: workerID})

	m.TryDispatch()

	for {
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("Worker read failed")
			}
			m.workerDisconnected(workerID)
			conn.Close()
			return
		}

		switch pkt.Op {
		case protocol.OpEjectRes:
			msg, err := protocol.DecodeEjectRes(pkt.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("Bad EJECT_RES")
				m.workerDisconnected(workerID)
				conn.Close()
				return
			}
			m.HandleEjectRes(workerID, msg)

		case protocol.OpEndQuery:
			msg, err := protocol.DecodeEndQuery(pkt.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("Bad END_QUERY")
				m.workerDisconnected(workerID)
				conn.Close()
				return
			}
			m.HandleEndQuery(workerID, msg)

		case protocol.OpReadMsg:
			msg, err := protocol.DecodeReadMsg(pkt.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("Bad READ_MSG")
				continue
			}
			m.forwardReadData(msg)

		default:
			logger.Warn().Str("op", pkt.Op.String()).Msg("Unexpected opcode from worker")
		}
	}
}

// forwardReadData relays streamed READ results to the originating
// query control, preserving arrival order.
func (m *Master) forwardReadData(msg protocol.ReadMsg) {
	qcb := m.queries.Get(msg.QueryID)
	if qcb == nil {
		return
	}
	cs := m.clientByID(qcb.ClientID)
	if cs == nil {
		return
	}
	err := cs.send(protocol.ReadData{
		Data:    msg.Data,
		FileTag: msg.File + ":" + msg.Tag,
	})
	if err != nil {
		m.logger.Warn().Err(err).Uint32("query_id", msg.QueryID).Msg("Failed to forward read data")
	}
}

// workerDisconnected retires the worker and finalizes its in-flight
// query with an error to the query control.
func (m *Master) workerDisconnected(workerID uint32) {
	m.dropWorkerSession(workerID)

	m.workers.Lock()
	m.queries.Lock()

	wcb := m.workers.FindLocked(workerID)
	if wcb == nil || wcb.State == types.WorkerStateDisconnected {
		m.queries.Unlock()
		m.workers.Unlock()
		return
	}
	queryID, hadQuery := m.workers.DisconnectLocked(wcb)

	var victim *types.QueryControlBlock
	if hadQuery {
		victim = m.queries.FindRunningLocked(queryID)
		if victim == nil {
			// Already canceled by a client disconnect; the eviction
			// answer will never come, so the teardown ends here.
			victim = m.queries.GetLocked(queryID)
		}
		if victim != nil {
			m.queries.CancelLocked(victim)
		}
	}

	m.queries.Unlock()
	m.workers.Unlock()

	m.logger.Info().
		Uint32("worker_id", workerID).
		Int("connected", m.workers.ConnectedCount()).
		Msg("Worker disconnected")
	m.broker.Publish(&events.Event{Type: events.EventWorkerLeft, WorkerID: workerID})

	if victim != nil {
		m.notifyQueryError(victim, "query canceled — worker disconnected")
		m.record(victim, "canceled", "worker disconnected")
		m.broker.Publish(&events.Event{Type: events.EventQueryCanceled, QueryID: victim.QueryID})
	}
}
