package types

import (
	"errors"
	"time"
)

// QueryState represents the scheduling state of a query
type QueryState string

const (
	QueryStateNew       QueryState = "new"
	QueryStateReady     QueryState = "ready"
	QueryStateRunning   QueryState = "running"
	QueryStateCompleted QueryState = "completed"
	QueryStateCanceled  QueryState = "canceled"
)

// Terminal reports whether the state is final for the query
func (s QueryState) Terminal() bool {
	return s == QueryStateCompleted || s == QueryStateCanceled
}

// WorkerState represents the state of a connected worker
type WorkerState string

const (
	WorkerStateIdle         WorkerState = "idle"
	WorkerStateBusy         WorkerState = "busy"
	WorkerStateDisconnected WorkerState = "disconnected"
)

// SchedulingAlgorithm selects the master's ready-queue policy
type SchedulingAlgorithm string

const (
	SchedulingFIFO     SchedulingAlgorithm = "FIFO"
	SchedulingPriority SchedulingAlgorithm = "PRIORITY"
)

// ReplacementAlgorithm selects the worker's page replacement policy
type ReplacementAlgorithm string

const (
	ReplacementLRU    ReplacementAlgorithm = "LRU"
	ReplacementClockM ReplacementAlgorithm = "CLOCK_M"
)

// QueryControlBlock tracks one live query on the master.
// Cross references to workers are by id; the authoritative lookup is
// always through the owning table under its lock.
type QueryControlBlock struct {
	QueryID         uint32
	ClientID        string // originating query control session
	FilePath        string // program path, resolved by the worker
	Priority        uint32 // lower = higher priority
	InitialPriority uint32
	ProgramCounter  uint32
	State           QueryState
	AssignedWorker  uint32 // valid only while running
	ReadySince      time.Time
	Seq             uint64 // admission sequence, tie-break under aging
	CreatedAt       time.Time
}

// WorkerControlBlock tracks one connected worker on the master
type WorkerControlBlock struct {
	WorkerID       uint32
	State          WorkerState
	CurrentQueryID uint32
	HasQuery       bool
	ConnectedAt    time.Time
}

// FileState is the lifecycle state of a tagged file version in storage
type FileState string

const (
	FileStateWorkInProgress FileState = "WORK_IN_PROGRESS"
	FileStateCommitted      FileState = "COMMITTED"
)

// Domain errors shared by storage, worker and master. They map one to
// one onto the wire status codes in the protocol package.
var (
	ErrFileTagMissing   = errors.New("file tag missing")
	ErrFileTagExists    = errors.New("file tag already exists")
	ErrAlreadyCommitted = errors.New("file already committed")
	ErrOutOfBounds      = errors.New("block number out of bounds")
	ErrNotEnoughSpace   = errors.New("not enough space")
	ErrCorruptIndex     = errors.New("corrupt hash index")
)

// OpKind identifies a query script instruction
type OpKind string

const (
	OpCreate   OpKind = "CREATE"
	OpTruncate OpKind = "TRUNCATE"
	OpWrite    OpKind = "WRITE"
	OpRead     OpKind = "READ"
	OpTag      OpKind = "TAG"
	OpCommit   OpKind = "COMMIT"
	OpFlush    OpKind = "FLUSH"
	OpDelete   OpKind = "DELETE"
	OpEnd      OpKind = "END"
)

// Instruction is one decoded line of a query script
type Instruction struct {
	Kind OpKind
	File string
	Tag  string

	// TAG only
	DstFile string
	DstTag  string

	// TRUNCATE size, WRITE/READ base offset
	Size uint32
	Base uint32

	// WRITE payload
	Data []byte

	// Raw is the original script line, kept for result logging
	Raw string
}
