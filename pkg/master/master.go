package master

import (
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/quarry/pkg/config"
	"github.com/cuemby/quarry/pkg/events"
	"github.com/cuemby/quarry/pkg/history"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/cuemby/quarry/pkg/types"
	"github.com/rs/zerolog"
)

// Master admits queries from query controls, schedules them onto idle
// workers and relays results back. Both tables have one mutex each and
// every routine that needs both takes the worker table first.
type Master struct {
	cfg     *config.Master
	queries *QueryTable
	workers *WorkerTable
	broker  *events.Broker
	journal *history.Store // nil when history is disabled
	logger  zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}

	sessionsMu sync.Mutex
	clients    map[string]*clientSession
	sessions   map[uint32]*workerSession

	agingStop chan struct{}
}

// clientSession is one connected query control
type clientSession struct {
	id     string
	conn   net.Conn
	sendMu sync.Mutex
}

func (s *clientSession) send(msg protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return protocol.Send(s.conn, msg)
}

// workerSession is the connection side of one worker
type workerSession struct {
	workerID uint32
	conn     net.Conn
	sendMu   sync.Mutex
}

func (s *workerSession) send(msg protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return protocol.Send(s.conn, msg)
}

// NewMaster wires the tables, the event broker and the optional
// history journal.
func NewMaster(cfg *config.Master) (*Master, error) {
	m := &Master{
		cfg:      cfg,
		queries:  NewQueryTable(cfg.SchedulingAlgorithm()),
		workers:  NewWorkerTable(),
		broker:   events.NewBroker(),
		logger:   log.WithComponent("master"),
		stopCh:   make(chan struct{}),
		clients:  make(map[string]*clientSession),
		sessions: make(map[uint32]*workerSession),
	}

	if cfg.HistoryPath != "" {
		journal, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open history journal: %w", err)
		}
		m.journal = journal
	}
	return m, nil
}

// Broker exposes the event stream for subscribers
func (m *Master) Broker() *events.Broker {
	return m.broker
}

// Queries exposes the query table; used by tests and tooling
func (m *Master) Queries() *QueryTable {
	return m.queries
}

// Workers exposes the worker table; used by tests and tooling
func (m *Master) Workers() *WorkerTable {
	return m.workers
}

// Start binds the listen address and launches the accept loop plus the
// aging task when the policy calls for it.
func (m *Master) Start() error {
	listener, err := net.Listen("tcp", m.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", m.cfg.ListenAddr(), err)
	}
	m.listener = listener
	m.broker.Start()

	if m.cfg.SchedulingAlgorithm() == types.SchedulingPriority {
		m.agingStop = make(chan struct{})
		m.wg.Add(1)
		go m.agingLoop()
	}

	m.wg.Add(1)
	go m.acceptLoop()

	m.logger.Info().
		Str("addr", m.cfg.ListenAddr()).
		Str("algorithm", string(m.cfg.SchedulingAlgorithm())).
		Msg("Master listening")
	return nil
}

// Addr returns the bound listen address
func (m *Master) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Stop shuts the listener, asks workers to end and waits for handlers
func (m *Master) Stop() {
	close(m.stopCh)
	if m.agingStop != nil {
		close(m.agingStop)
	}
	if m.listener != nil {
		m.listener.Close()
	}

	m.sessionsMu.Lock()
	for _, ws := range m.sessions {
		_ = ws.send(protocol.EndWorker{})
		ws.conn.Close()
	}
	for _, cs := range m.clients {
		cs.conn.Close()
	}
	m.sessionsMu.Unlock()

	m.wg.Wait()
	m.broker.Stop()
	if m.journal != nil {
		m.journal.Close()
	}
}

// --- session registries ---

func (m *Master) registerClient(cs *clientSession) {
	m.sessionsMu.Lock()
	m.clients[cs.id] = cs
	m.sessionsMu.Unlock()
}

func (m *Master) dropClient(id string) {
	m.sessionsMu.Lock()
	if cs, ok := m.clients[id]; ok {
		cs.conn.Close()
		delete(m.clients, id)
	}
	m.sessionsMu.Unlock()
}

func (m *Master) clientByID(id string) *clientSession {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return m.clients[id]
}

func (m *Master) registerWorkerSession(ws *workerSession) {
	m.sessionsMu.Lock()
	m.sessions[ws.workerID] = ws
	m.sessionsMu.Unlock()
}

func (m *Master) dropWorkerSession(workerID uint32) {
	m.sessionsMu.Lock()
	delete(m.sessions, workerID)
	m.sessionsMu.Unlock()
}

func (m *Master) workerSessionByID(workerID uint32) *workerSession {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return m.sessions[workerID]
}

// --- client-facing notifications ---

// notifyQueryEnd sends the final success notice and closes the session
func (m *Master) notifyQueryEnd(qcb *types.QueryControlBlock) {
	cs := m.clientByID(qcb.ClientID)
	if cs == nil {
		return
	}
	if err := cs.send(protocol.MasterQueryEnd{QueryID: qcb.QueryID}); err != nil {
		m.logger.Warn().Err(err).Uint32("query_id", qcb.QueryID).Msg("Failed to notify query end")
	}
	m.dropClient(qcb.ClientID)
}

// notifyQueryError reports a cancellation or failure and closes the
// session.
func (m *Master) notifyQueryError(qcb *types.QueryControlBlock, reason string) {
	cs := m.clientByID(qcb.ClientID)
	if cs == nil {
		return
	}
	if err := cs.send(protocol.MasterEndDisconnect{QueryID: qcb.QueryID, Reason: reason}); err != nil {
		m.logger.Warn().Err(err).Uint32("query_id", qcb.QueryID).Msg("Failed to notify query error")
	}
	m.dropClient(qcb.ClientID)
}

// record writes a terminal query to the history journal
func (m *Master) record(qcb *types.QueryControlBlock, outcome, reason string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(qcb, outcome, reason); err != nil {
		m.logger.Warn().Err(err).Uint32("query_id", qcb.QueryID).Msg("Failed to journal query")
	}
}
