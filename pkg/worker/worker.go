package worker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/quarry/pkg/config"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/memory"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/rs/zerolog"
)

// reconnectDelay paces handshake retries against a lost master
const reconnectDelay = 2 * time.Second

// queryContext is the executor's view of the assigned query
type queryContext struct {
	QueryID        uint32
	ProgramCounter uint32
	RelativePath   string
}

// Worker holds one active query at a time. Two goroutines cooperate
// over a single mutex and condition: the master listener updates shared
// state, the executor runs instructions and observes the ejection flag
// between them.
type Worker struct {
	id      uint32
	cfg     *config.Worker
	storage *StorageClient
	mem     *memory.Manager
	logger  zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	conn    net.Conn // current master connection
	sendMu  sync.Mutex
	current queryContext

	hasQuery          bool
	ejectionRequested bool
	abandonQuery      bool
	stopping          bool
}

// NewWorker connects to storage, sizes the paged memory to the storage
// block size and prepares the worker for its master connection.
func NewWorker(id uint32, cfg *config.Worker) (*Worker, error) {
	storage, err := DialStorage(cfg.StorageAddr(), id)
	if err != nil {
		return nil, err
	}

	mem, err := memory.NewManager(
		cfg.MemoryBytes,
		storage.BlockSize(),
		cfg.ReplacementAlgorithm(),
		cfg.AccessDelay(),
		storage,
	)
	if err != nil {
		storage.Close()
		return nil, err
	}

	w := &Worker{
		id:      id,
		cfg:     cfg,
		storage: storage,
		mem:     mem,
		logger:  log.WithWorkerID(id),
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// Run connects to the master and serves until stopped. The worker
// survives master loss: an in-flight query is abandoned (the master
// finalizes it on its side) and the handshake is retried.
func (w *Worker) Run() error {
	go w.executorLoop()

	for {
		w.mu.Lock()
		stopping := w.stopping
		w.mu.Unlock()
		if stopping {
			return nil
		}

		conn, err := w.connectMaster()
		if err != nil {
			w.logger.Warn().Err(err).Msg("Master unreachable, retrying")
			time.Sleep(reconnectDelay)
			continue
		}

		w.listen(conn)

		w.mu.Lock()
		stopping = w.stopping
		if w.hasQuery {
			// The master owns query finalization after a disconnect;
			// locally the executor just drops it at the next checkpoint.
			w.abandonQuery = true
		}
		w.conn = nil
		w.mu.Unlock()
		conn.Close()

		if stopping {
			return nil
		}
		w.logger.Warn().Msg("Master connection lost, reconnecting")
		time.Sleep(reconnectDelay)
	}
}

// Stop asks both goroutines to wind down
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopping = true
	conn := w.conn
	w.mu.Unlock()
	w.cond.Broadcast()
	if conn != nil {
		conn.Close()
	}
	w.storage.Close()
}

func (w *Worker) connectMaster() (net.Conn, error) {
	conn, err := net.Dial("tcp", w.cfg.MasterAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master %s: %w", w.cfg.MasterAddr(), err)
	}

	req := protocol.WorkerHandshakeReq{WorkerID: strconv.FormatUint(uint64(w.id), 10)}
	if err := protocol.Send(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("master handshake failed: %w", err)
	}
	if pkt.Op != protocol.OpWorkerHandshakeRes {
		conn.Close()
		return nil, fmt.Errorf("master handshake: unexpected %s", pkt.Op)
	}
	res, err := protocol.DecodeWorkerHandshakeRes(pkt.Payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if res.Status != protocol.StatusSuccess {
		conn.Close()
		return nil, fmt.Errorf("master rejected handshake: %s", res.Status)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.logger.Info().Str("addr", w.cfg.MasterAddr()).Msg("Connected to master")
	return conn, nil
}

// listen drains master messages until the connection drops or the
// worker is told to shut down.
func (w *Worker) listen(conn net.Conn) {
	for {
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Error().Err(err).Msg("Master read failed")
			}
			return
		}

		switch pkt.Op {
		case protocol.OpAssignQuery:
			msg, err := protocol.DecodeAssignQuery(pkt.Payload)
			if err != nil {
				w.logger.Error().Err(err).Msg("Bad ASSIGN_QUERY")
				return
			}
			w.assign(msg)

		case protocol.OpEjectQuery:
			msg, err := protocol.DecodeEjectQuery(pkt.Payload)
			if err != nil {
				w.logger.Error().Err(err).Msg("Bad EJECT_QUERY")
				return
			}
			w.requestEjection(msg.QueryID)

		case protocol.OpEndWorker:
			w.logger.Info().Msg("Shutdown requested by master")
			w.mu.Lock()
			w.stopping = true
			w.mu.Unlock()
			w.cond.Broadcast()
			return

		default:
			w.logger.Warn().Str("op", pkt.Op.String()).Msg("Unexpected opcode from master")
		}
	}
}

// assign installs the query context and wakes the executor
func (w *Worker) assign(msg protocol.AssignQuery) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hasQuery {
		w.logger.Warn().
			Uint32("query_id", msg.QueryID).
			Uint32("current", w.current.QueryID).
			Msg("Assignment while busy, ignoring")
		return
	}

	w.current = queryContext{
		QueryID:        msg.QueryID,
		ProgramCounter: msg.ProgramCounter,
		RelativePath:   msg.RelativePath,
	}
	w.hasQuery = true
	w.ejectionRequested = false
	w.abandonQuery = false
	w.cond.Signal()

	w.logger.Info().
		Uint32("query_id", msg.QueryID).
		Uint32("pc", msg.ProgramCounter).
		Str("path", msg.RelativePath).
		Msg("Query assigned")
}

// requestEjection raises the flag the executor polls between
// instructions.
func (w *Worker) requestEjection(queryID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hasQuery || w.current.QueryID != queryID {
		w.logger.Warn().Uint32("query_id", queryID).Msg("Ejection for unknown query, ignoring")
		return
	}
	w.ejectionRequested = true
	w.logger.Info().Uint32("query_id", queryID).Msg("Ejection requested")
}

// sendToMaster serializes outbound packets across both goroutines
func (w *Worker) sendToMaster(msg protocol.Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no master connection")
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return protocol.Send(conn, msg)
}
