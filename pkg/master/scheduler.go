package master

import (
	"github.com/cuemby/quarry/pkg/events"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/cuemby/quarry/pkg/types"
)

// TryDispatch pairs ready queries with idle workers until either side
// runs dry. Invoked on admission, on a worker turning idle and after
// completions and evictions.
func (m *Master) TryDispatch() {
	for m.dispatchOne() {
	}
}

// dispatchOne performs a single dispatch. Lock order: worker table
// first, then query table. The assignment packet is small and bounded,
// so it is sent under both locks and reverted atomically on failure.
func (m *Master) dispatchOne() bool {
	timer := metrics.NewTimer()

	m.workers.Lock()
	defer m.workers.Unlock()
	m.queries.Lock()
	defer m.queries.Unlock()

	qcb := m.queries.HeadReadyLocked()
	if qcb == nil {
		return false
	}
	wcb := m.workers.PopIdleLocked()
	if wcb == nil {
		return false
	}
	m.queries.PopReadyLocked()

	m.queries.DispatchLocked(qcb, wcb.WorkerID)
	m.workers.AssignLocked(wcb, qcb.QueryID)

	ws := m.workerSessionByID(wcb.WorkerID)
	var sendErr error
	if ws == nil {
		sendErr = errNoSession
	} else {
		sendErr = ws.send(protocol.AssignQuery{
			QueryID:        qcb.QueryID,
			ProgramCounter: qcb.ProgramCounter,
			RelativePath:   qcb.FilePath,
		})
	}

	if sendErr != nil {
		// Revert the transition: the query keeps its policy position,
		// the worker returns to idle for the next attempt.
		m.queries.RequeueLocked(qcb, false)
		m.workers.ReleaseLocked(wcb)
		metrics.DispatchRevertsTotal.Inc()
		m.logger.Error().
			Err(sendErr).
			Uint32("query_id", qcb.QueryID).
			Uint32("worker_id", wcb.WorkerID).
			Msg("Dispatch send failed, reverted")
		return false
	}

	timer.ObserveDuration(metrics.DispatchLatency)
	metrics.DispatchesTotal.Inc()
	m.logger.Info().
		Uint32("query_id", qcb.QueryID).
		Uint32("worker_id", wcb.WorkerID).
		Uint32("pc", qcb.ProgramCounter).
		Msg("Query dispatched")
	m.broker.Publish(&events.Event{
		Type:     events.EventQueryDispatched,
		QueryID:  qcb.QueryID,
		WorkerID: wcb.WorkerID,
	})
	return true
}

// CheckPreemption ejects the worst running query when a strictly
// better one waits in ready. The evicted query re-enters READY only
// when its worker answers with EJECT_RES.
func (m *Master) CheckPreemption() {
	if m.cfg.SchedulingAlgorithm() != types.SchedulingPriority {
		return
	}

	m.workers.Lock()
	defer m.workers.Unlock()
	m.queries.Lock()
	defer m.queries.Unlock()

	best := m.queries.HeadReadyLocked()
	worst := m.queries.WorstRunningLocked()
	if best == nil || worst == nil {
		return
	}
	if best.Priority >= worst.Priority {
		return
	}

	ws := m.workerSessionByID(worst.AssignedWorker)
	if ws == nil {
		m.logger.Error().
			Uint32("query_id", worst.QueryID).
			Uint32("worker_id", worst.AssignedWorker).
			Msg("No session for preemption victim's worker")
		return
	}
	if err := ws.send(protocol.EjectQuery{QueryID: worst.QueryID}); err != nil {
		m.logger.Error().Err(err).
			Uint32("query_id", worst.QueryID).
			Msg("Failed to send eviction")
		return
	}

	metrics.PreemptionsTotal.Inc()
	m.logger.Info().
		Uint32("query_id", worst.QueryID).
		Uint32("priority", worst.Priority).
		Uint32("worker_id", worst.AssignedWorker).
		Uint32("challenger", best.QueryID).
		Msg("Query evicted")
	m.broker.Publish(&events.Event{
		Type:     events.EventQueryPreempted,
		QueryID:  worst.QueryID,
		WorkerID: worst.AssignedWorker,
	})
}

// HandleEjectRes lands an evicted query back in READY with its
// checkpointed program counter, frees the worker and dispatches. If the
// query was canceled while the eviction was in flight, the cleanup is
// finished here instead.
func (m *Master) HandleEjectRes(workerID uint32, msg protocol.EjectRes) {
	m.workers.Lock()
	m.queries.Lock()

	wcb := m.workers.FindLocked(workerID)
	if wcb != nil && wcb.State == types.WorkerStateBusy {
		m.workers.ReleaseLocked(wcb)
	}

	qcb := m.queries.FindRunningLocked(msg.QueryID)
	if qcb != nil {
		qcb.ProgramCounter = msg.ProgramCounter
		m.queries.RequeueLocked(qcb, true)
		m.queries.Unlock()
		m.workers.Unlock()

		m.logger.Info().
			Uint32("query_id", msg.QueryID).
			Uint32("pc", msg.ProgramCounter).
			Msg("Evicted query back in ready")
		m.TryDispatch()
		return
	}

	// Canceled mid-eviction: the client is already gone, finish the
	// teardown with the final program counter on record.
	canceled := m.queries.GetLocked(msg.QueryID)
	m.queries.Unlock()
	m.workers.Unlock()

	if canceled != nil {
		canceled.ProgramCounter = msg.ProgramCounter
		m.record(canceled, "canceled", "client disconnected")
	}
	m.logger.Info().
		Uint32("query_id", msg.QueryID).
		Msg("Eviction completed for canceled query")
	m.TryDispatch()
}

// HandleEndQuery finalizes a completed (or worker-failed) query,
// notifies its query control, frees the worker and dispatches.
func (m *Master) HandleEndQuery(workerID uint32, msg protocol.EndQuery) {
	m.workers.Lock()
	m.queries.Lock()

	wcb := m.workers.FindLocked(workerID)
	if wcb == nil || wcb.CurrentQueryID != msg.QueryID {
		m.logger.Warn().
			Uint32("worker_id", workerID).
			Uint32("query_id", msg.QueryID).
			Msg("END_QUERY from mismatched worker")
	}
	if wcb != nil && wcb.State == types.WorkerStateBusy {
		m.workers.ReleaseLocked(wcb)
	}

	qcb := m.queries.FindRunningLocked(msg.QueryID)
	if qcb != nil {
		m.queries.CompleteLocked(qcb)
	}
	m.queries.Unlock()
	m.workers.Unlock()

	if qcb != nil {
		m.logger.Info().Uint32("query_id", qcb.QueryID).Msg("Query completed")
		m.notifyQueryEnd(qcb)
		m.record(qcb, "completed", "")
		m.broker.Publish(&events.Event{
			Type:     events.EventQueryCompleted,
			QueryID:  qcb.QueryID,
			WorkerID: workerID,
		})
	}
	m.TryDispatch()
}

var errNoSession = &noSessionError{}

type noSessionError struct{}

func (*noSessionError) Error() string { return "worker session not registered" }
