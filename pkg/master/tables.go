package master

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/types"
)

// QueryTable owns every query control block and the four state lists.
// One table-level mutex guards it all; routines that also need the
// worker table take that lock first (see Master).
type QueryTable struct {
	mu        sync.Mutex
	algorithm types.SchedulingAlgorithm

	nextQueryID uint32
	nextSeq     uint64
	total       uint64

	ready     []*types.QueryControlBlock
	running   []*types.QueryControlBlock
	completed []*types.QueryControlBlock
	canceled  []*types.QueryControlBlock
	all       map[uint32]*types.QueryControlBlock
}

// NewQueryTable creates an empty table for the given policy
func NewQueryTable(algorithm types.SchedulingAlgorithm) *QueryTable {
	return &QueryTable{
		algorithm:   algorithm,
		nextQueryID: 1,
		all:         make(map[uint32]*types.QueryControlBlock),
	}
}

// Lock takes the table mutex; every method suffixed Locked expects it
func (t *QueryTable) Lock() { t.mu.Lock() }

// Unlock releases the table mutex
func (t *QueryTable) Unlock() { t.mu.Unlock() }

// Admit creates a QCB in READY and queues it by policy
func (t *QueryTable) Admit(path string, priority uint32, clientID string) *types.QueryControlBlock {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	qcb := &types.QueryControlBlock{
		QueryID:         t.nextQueryID,
		ClientID:        clientID,
		FilePath:        path,
		Priority:        priority,
		InitialPriority: priority,
		State:           types.QueryStateReady,
		ReadySince:      now,
		Seq:             t.nextSeq,
		CreatedAt:       now,
	}
	t.nextQueryID++
	t.nextSeq++
	t.total++

	t.all[qcb.QueryID] = qcb
	t.insertReadyLocked(qcb)
	t.publishGauges()
	return qcb
}

// insertReadyLocked places a READY QCB by policy: FIFO appends, PRIORITY
// keeps the list ordered by (priority, ready_since, admission seq).
func (t *QueryTable) insertReadyLocked(qcb *types.QueryControlBlock) {
	t.ready = append(t.ready, qcb)
	if t.algorithm == types.SchedulingPriority {
		t.resortLocked()
	}
}

func (t *QueryTable) resortLocked() {
	sort.SliceStable(t.ready, func(i, j int) bool {
		a, b := t.ready[i], t.ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ReadySince.Equal(b.ReadySince) {
			return a.ReadySince.Before(b.ReadySince)
		}
		return a.Seq < b.Seq
	})
}

// HeadReadyLocked peeks the next dispatch candidate
func (t *QueryTable) HeadReadyLocked() *types.QueryControlBlock {
	if len(t.ready) == 0 {
		return nil
	}
	return t.ready[0]
}

// PopReadyLocked removes and returns the head of the ready list
func (t *QueryTable) PopReadyLocked() *types.QueryControlBlock {
	if len(t.ready) == 0 {
		return nil
	}
	qcb := t.ready[0]
	t.ready = t.ready[1:]
	return qcb
}

// DispatchLocked moves a popped QCB into RUNNING on workerID
func (t *QueryTable) DispatchLocked(qcb *types.QueryControlBlock, workerID uint32) {
	qcb.State = types.QueryStateRunning
	qcb.AssignedWorker = workerID
	t.running = append(t.running, qcb)
	t.publishGauges()
}

// RequeueLocked reverts a failed dispatch or lands an ejected query
// back in READY at its policy position.
func (t *QueryTable) RequeueLocked(qcb *types.QueryControlBlock, resetReadySince bool) {
	t.removeFromListLocked(&t.running, qcb)
	qcb.State = types.QueryStateReady
	qcb.AssignedWorker = 0
	if resetReadySince {
		qcb.ReadySince = time.Now()
	}
	t.insertReadyLocked(qcb)
	t.publishGauges()
}

// FindRunningLocked locates a RUNNING QCB by query id
func (t *QueryTable) FindRunningLocked(queryID uint32) *types.QueryControlBlock {
	for _, qcb := range t.running {
		if qcb.QueryID == queryID {
			return qcb
		}
	}
	return nil
}

// WorstRunningLocked returns the RUNNING QCB with the numerically
// highest (worst) priority.
func (t *QueryTable) WorstRunningLocked() *types.QueryControlBlock {
	var worst *types.QueryControlBlock
	for _, qcb := range t.running {
		if worst == nil || qcb.Priority > worst.Priority {
			worst = qcb
		}
	}
	return worst
}

// CompleteLocked moves a RUNNING QCB to COMPLETED
func (t *QueryTable) CompleteLocked(qcb *types.QueryControlBlock) {
	t.removeFromListLocked(&t.running, qcb)
	qcb.State = types.QueryStateCompleted
	qcb.AssignedWorker = 0
	t.completed = append(t.completed, qcb)
	t.publishGauges()
}

// CancelLocked moves a QCB from whatever non-terminal list holds it to
// CANCELED. An already terminal QCB is left alone.
func (t *QueryTable) CancelLocked(qcb *types.QueryControlBlock) {
	if qcb.State.Terminal() {
		return
	}
	t.removeFromListLocked(&t.ready, qcb)
	t.removeFromListLocked(&t.running, qcb)
	qcb.State = types.QueryStateCanceled
	t.canceled = append(t.canceled, qcb)
	t.publishGauges()
}

// ReadyByClientLocked returns the READY queries of one client
func (t *QueryTable) ReadyByClientLocked(clientID string) []*types.QueryControlBlock {
	var out []*types.QueryControlBlock
	for _, qcb := range t.ready {
		if qcb.ClientID == clientID {
			out = append(out, qcb)
		}
	}
	return out
}

// RunningByClientLocked returns the RUNNING queries of one client
func (t *QueryTable) RunningByClientLocked(clientID string) []*types.QueryControlBlock {
	var out []*types.QueryControlBlock
	for _, qcb := range t.running {
		if qcb.ClientID == clientID {
			out = append(out, qcb)
		}
	}
	return out
}

// Get looks a QCB up by id
func (t *QueryTable) Get(queryID uint32) *types.QueryControlBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.all[queryID]
}

// GetLocked looks a QCB up by id under an already held table lock
func (t *QueryTable) GetLocked(queryID uint32) *types.QueryControlBlock {
	return t.all[queryID]
}

// AgeReadyLocked applies one aging sweep: every READY query that sat a
// full interval gets its priority decremented once per elapsed
// interval, never below zero, and its ready timestamp advanced by the
// intervals consumed. Reports whether any priority moved.
func (t *QueryTable) AgeReadyLocked(now time.Time, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	changed := false
	for _, qcb := range t.ready {
		if qcb.Priority == 0 {
			continue
		}
		elapsed := now.Sub(qcb.ReadySince)
		if elapsed < interval {
			continue
		}
		intervals := uint32(elapsed / interval)
		decrement := intervals
		if decrement > qcb.Priority {
			decrement = qcb.Priority
		}
		qcb.Priority -= decrement
		qcb.ReadySince = qcb.ReadySince.Add(time.Duration(intervals) * interval)
		changed = true
		metrics.AgingPromotionsTotal.Add(float64(decrement))
	}
	if changed {
		t.resortLocked()
	}
	return changed
}

// Counts returns the list lengths; used by tests and gauges
func (t *QueryTable) Counts() (ready, running, completed, canceled int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ready), len(t.running), len(t.completed), len(t.canceled)
}

func (t *QueryTable) removeFromListLocked(list *[]*types.QueryControlBlock, qcb *types.QueryControlBlock) {
	for i, candidate := range *list {
		if candidate == qcb {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (t *QueryTable) publishGauges() {
	metrics.QueriesTotal.WithLabelValues(string(types.QueryStateReady)).Set(float64(len(t.ready)))
	metrics.QueriesTotal.WithLabelValues(string(types.QueryStateRunning)).Set(float64(len(t.running)))
	metrics.QueriesTotal.WithLabelValues(string(types.QueryStateCompleted)).Set(float64(len(t.completed)))
	metrics.QueriesTotal.WithLabelValues(string(types.QueryStateCanceled)).Set(float64(len(t.canceled)))
}

// WorkerTable owns every worker control block and the idle, busy and
// disconnected lists, guarded by one mutex.
type WorkerTable struct {
	mu sync.Mutex

	idle         []*types.WorkerControlBlock
	busy         []*types.WorkerControlBlock
	disconnected []*types.WorkerControlBlock
	all          map[uint32]*types.WorkerControlBlock

	connectedCount int
}

// NewWorkerTable creates an empty worker table
func NewWorkerTable() *WorkerTable {
	return &WorkerTable{all: make(map[uint32]*types.WorkerControlBlock)}
}

// Lock takes the table mutex; this is always the first table locked
// when the query table is needed too.
func (t *WorkerTable) Lock() { t.mu.Lock() }

// Unlock releases the table mutex
func (t *WorkerTable) Unlock() { t.mu.Unlock() }

// Connect registers a worker in IDLE. A reconnecting id replaces its
// stale disconnected entry.
func (t *WorkerTable) Connect(workerID uint32) *types.WorkerControlBlock {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.all[workerID]; ok {
		t.removeFromListLocked(&t.disconnected, old)
	}
	wcb := &types.WorkerControlBlock{
		WorkerID:    workerID,
		State:       types.WorkerStateIdle,
		ConnectedAt: time.Now(),
	}
	t.all[workerID] = wcb
	t.idle = append(t.idle, wcb)
	t.connectedCount++
	metrics.WorkersConnected.Set(float64(t.connectedCount))
	return wcb
}

// PopIdleLocked removes and returns the head of the idle list
func (t *WorkerTable) PopIdleLocked() *types.WorkerControlBlock {
	if len(t.idle) == 0 {
		return nil
	}
	wcb := t.idle[0]
	t.idle = t.idle[1:]
	return wcb
}

// AssignLocked moves a popped worker to BUSY on queryID
func (t *WorkerTable) AssignLocked(wcb *types.WorkerControlBlock, queryID uint32) {
	wcb.State = types.WorkerStateBusy
	wcb.CurrentQueryID = queryID
	wcb.HasQuery = true
	t.busy = append(t.busy, wcb)
}

// ReleaseLocked returns a BUSY worker to IDLE
func (t *WorkerTable) ReleaseLocked(wcb *types.WorkerControlBlock) {
	t.removeFromListLocked(&t.busy, wcb)
	wcb.State = types.WorkerStateIdle
	wcb.CurrentQueryID = 0
	wcb.HasQuery = false
	t.idle = append(t.idle, wcb)
}

// DisconnectLocked retires a worker session. Returns the query it was
// holding, if any.
func (t *WorkerTable) DisconnectLocked(wcb *types.WorkerControlBlock) (queryID uint32, hadQuery bool) {
	queryID, hadQuery = wcb.CurrentQueryID, wcb.HasQuery

	t.removeFromListLocked(&t.idle, wcb)
	t.removeFromListLocked(&t.busy, wcb)
	wcb.State = types.WorkerStateDisconnected
	wcb.CurrentQueryID = 0
	wcb.HasQuery = false
	t.disconnected = append(t.disconnected, wcb)
	t.connectedCount--
	metrics.WorkersConnected.Set(float64(t.connectedCount))
	return queryID, hadQuery
}

// FindLocked looks a WCB up by id
func (t *WorkerTable) FindLocked(workerID uint32) *types.WorkerControlBlock {
	return t.all[workerID]
}

// ConnectedCount publishes the multiprogramming level
func (t *WorkerTable) ConnectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectedCount
}

// Counts returns the list lengths; used by tests
func (t *WorkerTable) Counts() (idle, busy, disconnected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.idle), len(t.busy), len(t.disconnected)
}

func (t *WorkerTable) removeFromListLocked(list *[]*types.WorkerControlBlock, wcb *types.WorkerControlBlock) {
	for i, candidate := range *list {
		if candidate == wcb {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
