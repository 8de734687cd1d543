package protocol

import (
	"fmt"
	"io"
)

// Message is any typed wire message that knows how to frame itself
type Message interface {
	Op() OpCode
	payload() []byte
}

// Send frames and writes a typed message
func Send(w io.Writer, msg Message) error {
	if err := WritePacket(w, msg.Op(), msg.payload()); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Op(), err)
	}
	return nil
}

// --- Master <-> Query Control ---

// QueryHandshake opens a query control session; the master answers with
// the assigned client id.
type QueryHandshake struct{}

func (QueryHandshake) Op() OpCode      { return OpQueryHandshake }
func (QueryHandshake) payload() []byte { return nil }

// QueryHandshakeAck carries the client id assigned by the master
type QueryHandshakeAck struct {
	ClientID string
}

func (QueryHandshakeAck) Op() OpCode { return OpQueryAck }
func (m QueryHandshakeAck) payload() []byte {
	return NewBuilder().PutString(m.ClientID).Bytes()
}

func DecodeQueryHandshakeAck(p []byte) (QueryHandshakeAck, error) {
	r := NewReader(p)
	m := QueryHandshakeAck{ClientID: r.String()}
	return m, r.Err()
}

// QueryFilePath submits a query: path and ASCII priority joined by the
// unit separator byte.
type QueryFilePath struct {
	Payload string
}

func (QueryFilePath) Op() OpCode { return OpQueryFilePath }
func (m QueryFilePath) payload() []byte {
	return NewBuilder().PutString(m.Payload).Bytes()
}

func DecodeQueryFilePath(p []byte) (QueryFilePath, error) {
	r := NewReader(p)
	m := QueryFilePath{Payload: r.String()}
	return m, r.Err()
}

// QuerySubmitAck acknowledges an admitted query with its assigned id
type QuerySubmitAck struct {
	QueryID uint32
}

func (QuerySubmitAck) Op() OpCode { return OpQuerySubmitRes }
func (m QuerySubmitAck) payload() []byte {
	return NewBuilder().PutU32(m.QueryID).Bytes()
}

func DecodeQuerySubmitAck(p []byte) (QuerySubmitAck, error) {
	r := NewReader(p)
	m := QuerySubmitAck{QueryID: r.U32()}
	return m, r.Err()
}

// MasterQueryEnd is the final success notice to a query control
type MasterQueryEnd struct {
	QueryID uint32
}

func (MasterQueryEnd) Op() OpCode { return OpMasterQueryEnd }
func (m MasterQueryEnd) payload() []byte {
	return NewBuilder().PutU32(m.QueryID).Bytes()
}

func DecodeMasterQueryEnd(p []byte) (MasterQueryEnd, error) {
	r := NewReader(p)
	m := MasterQueryEnd{QueryID: r.U32()}
	return m, r.Err()
}

// MasterEndDisconnect reports an error or cancellation to a query control
type MasterEndDisconnect struct {
	QueryID uint32
	Reason  string
}

func (MasterEndDisconnect) Op() OpCode { return OpMasterEndDisconnect }
func (m MasterEndDisconnect) payload() []byte {
	return NewBuilder().PutU32(m.QueryID).PutString(m.Reason).Bytes()
}

func DecodeMasterEndDisconnect(p []byte) (MasterEndDisconnect, error) {
	r := NewReader(p)
	m := MasterEndDisconnect{QueryID: r.U32(), Reason: r.String()}
	return m, r.Err()
}

// ReadData streams read results to a query control
type ReadData struct {
	Data    []byte
	FileTag string
}

func (ReadData) Op() OpCode { return OpReadData }
func (m ReadData) payload() []byte {
	return NewBuilder().PutBytes(m.Data).PutString(m.FileTag).Bytes()
}

func DecodeReadData(p []byte) (ReadData, error) {
	r := NewReader(p)
	m := ReadData{Data: r.Bytes(), FileTag: r.String()}
	return m, r.Err()
}

// --- Master <-> Worker ---

// WorkerHandshakeReq announces a worker and its self-assigned id
type WorkerHandshakeReq struct {
	WorkerID string
}

func (WorkerHandshakeReq) Op() OpCode { return OpWorkerHandshakeReq }
func (m WorkerHandshakeReq) payload() []byte {
	return NewBuilder().PutString(m.WorkerID).Bytes()
}

func DecodeWorkerHandshakeReq(p []byte) (WorkerHandshakeReq, error) {
	r := NewReader(p)
	m := WorkerHandshakeReq{WorkerID: r.String()}
	return m, r.Err()
}

// WorkerHandshakeRes acknowledges a worker handshake
type WorkerHandshakeRes struct {
	Status Status
}

func (WorkerHandshakeRes) Op() OpCode { return OpWorkerHandshakeRes }
func (m WorkerHandshakeRes) payload() []byte {
	return NewBuilder().PutI8(int8(m.Status)).Bytes()
}

func DecodeWorkerHandshakeRes(p []byte) (WorkerHandshakeRes, error) {
	r := NewReader(p)
	m := WorkerHandshakeRes{Status: Status(r.I8())}
	return m, r.Err()
}

// AssignQuery dispatches a query to a worker
type AssignQuery struct {
	QueryID        uint32
	ProgramCounter uint32
	RelativePath   string
}

func (AssignQuery) Op() OpCode { return OpAssignQuery }
func (m AssignQuery) payload() []byte {
	return NewBuilder().
		PutU32(m.QueryID).
		PutU32(m.ProgramCounter).
		PutString(m.RelativePath).
		Bytes()
}

func DecodeAssignQuery(p []byte) (AssignQuery, error) {
	r := NewReader(p)
	m := AssignQuery{
		QueryID:        r.U32(),
		ProgramCounter: r.U32(),
		RelativePath:   r.String(),
	}
	return m, r.Err()
}

// EjectQuery asks a worker to preempt its running query
type EjectQuery struct {
	QueryID uint32
}

func (EjectQuery) Op() OpCode { return OpEjectQuery }
func (m EjectQuery) payload() []byte {
	return NewBuilder().PutU32(m.QueryID).Bytes()
}

func DecodeEjectQuery(p []byte) (EjectQuery, error) {
	r := NewReader(p)
	m := EjectQuery{QueryID: r.U32()}
	return m, r.Err()
}

// EjectRes returns the checkpointed program counter after an eviction
type EjectRes struct {
	QueryID        uint32
	ProgramCounter uint32
}

func (EjectRes) Op() OpCode { return OpEjectRes }
func (m EjectRes) payload() []byte {
	return NewBuilder().PutU32(m.QueryID).PutU32(m.ProgramCounter).Bytes()
}

func DecodeEjectRes(p []byte) (EjectRes, error) {
	r := NewReader(p)
	m := EjectRes{QueryID: r.U32(), ProgramCounter: r.U32()}
	return m, r.Err()
}

// EndQuery reports completion, or an unrecoverable error, of a query
type EndQuery struct {
	WorkerID uint32
	QueryID  uint32
}

func (EndQuery) Op() OpCode { return OpEndQuery }
func (m EndQuery) payload() []byte {
	return NewBuilder().PutU32(m.WorkerID).PutU32(m.QueryID).Bytes()
}

func DecodeEndQuery(p []byte) (EndQuery, error) {
	r := NewReader(p)
	m := EndQuery{WorkerID: r.U32(), QueryID: r.U32()}
	return m, r.Err()
}

// ReadMsg streams READ results from a worker for forwarding to the
// originating query control.
type ReadMsg struct {
	WorkerID uint32
	QueryID  uint32
	Data     []byte
	File     string
	Tag      string
}

func (ReadMsg) Op() OpCode { return OpReadMsg }
func (m ReadMsg) payload() []byte {
	return NewBuilder().
		PutU32(m.WorkerID).
		PutU32(m.QueryID).
		PutBytes(m.Data).
		PutString(m.File).
		PutString(m.Tag).
		Bytes()
}

func DecodeReadMsg(p []byte) (ReadMsg, error) {
	r := NewReader(p)
	m := ReadMsg{
		WorkerID: r.U32(),
		QueryID:  r.U32(),
		Data:     r.Bytes(),
		File:     r.String(),
		Tag:      r.String(),
	}
	return m, r.Err()
}

// EndWorker asks a worker process to shut down
type EndWorker struct{}

func (EndWorker) Op() OpCode      { return OpEndWorker }
func (EndWorker) payload() []byte { return nil }

// --- Worker <-> Storage ---

// SendIDReq is the worker handshake with storage
type SendIDReq struct {
	WorkerID uint32
}

func (SendIDReq) Op() OpCode { return OpSendIDReq }
func (m SendIDReq) payload() []byte {
	return NewBuilder().PutU32(m.WorkerID).Bytes()
}

func DecodeSendIDReq(p []byte) (SendIDReq, error) {
	r := NewReader(p)
	m := SendIDReq{WorkerID: r.U32()}
	return m, r.Err()
}

// SendIDRes acknowledges the storage handshake
type SendIDRes struct {
	Status Status
}

func (SendIDRes) Op() OpCode { return OpSendIDRes }
func (m SendIDRes) payload() []byte {
	return NewBuilder().PutI8(int8(m.Status)).Bytes()
}

func DecodeSendIDRes(p []byte) (SendIDRes, error) {
	r := NewReader(p)
	m := SendIDRes{Status: Status(r.I8())}
	return m, r.Err()
}

// GetBlockSizeReq asks storage for its configured block size
type GetBlockSizeReq struct{}

func (GetBlockSizeReq) Op() OpCode      { return OpGetBlockSizeReq }
func (GetBlockSizeReq) payload() []byte { return nil }

// GetBlockSizeRes carries the block size in bytes
type GetBlockSizeRes struct {
	BlockSize uint16
}

func (GetBlockSizeRes) Op() OpCode { return OpGetBlockSizeRes }
func (m GetBlockSizeRes) payload() []byte {
	return NewBuilder().PutU16(m.BlockSize).Bytes()
}

func DecodeGetBlockSizeRes(p []byte) (GetBlockSizeRes, error) {
	r := NewReader(p)
	m := GetBlockSizeRes{BlockSize: r.U16()}
	return m, r.Err()
}

// FileTagReq is the shared shape of the file:tag storage requests
type FileTagReq struct {
	WorkerID uint32
	File     string
	Tag      string
}

func (m FileTagReq) encode() []byte {
	return NewBuilder().
		PutU32(m.WorkerID).
		PutString(m.File).
		PutString(m.Tag).
		Bytes()
}

func decodeFileTagReq(p []byte) (FileTagReq, error) {
	r := NewReader(p)
	m := FileTagReq{WorkerID: r.U32(), File: r.String(), Tag: r.String()}
	return m, r.Err()
}

// FileCreateReq creates an empty file:tag
type FileCreateReq struct{ FileTagReq }

func (FileCreateReq) Op() OpCode        { return OpFileCreateReq }
func (m FileCreateReq) payload() []byte { return m.encode() }

func DecodeFileCreateReq(p []byte) (FileCreateReq, error) {
	m, err := decodeFileTagReq(p)
	return FileCreateReq{m}, err
}

// TagCommitReq deduplicates and seals a file:tag
type TagCommitReq struct{ FileTagReq }

func (TagCommitReq) Op() OpCode        { return OpTagCommitReq }
func (m TagCommitReq) payload() []byte { return m.encode() }

func DecodeTagCommitReq(p []byte) (TagCommitReq, error) {
	m, err := decodeFileTagReq(p)
	return TagCommitReq{m}, err
}

// TagDeleteReq removes a file:tag
type TagDeleteReq struct{ FileTagReq }

func (TagDeleteReq) Op() OpCode        { return OpTagDeleteReq }
func (m TagDeleteReq) payload() []byte { return m.encode() }

func DecodeTagDeleteReq(p []byte) (TagDeleteReq, error) {
	m, err := decodeFileTagReq(p)
	return TagDeleteReq{m}, err
}

// FileTruncateReq resizes a file:tag
type FileTruncateReq struct {
	FileTagReq
	NewSize uint32
}

func (FileTruncateReq) Op() OpCode { return OpFileTruncateReq }
func (m FileTruncateReq) payload() []byte {
	return NewBuilder().
		PutU32(m.WorkerID).
		PutString(m.File).
		PutString(m.Tag).
		PutU32(m.NewSize).
		Bytes()
}

func DecodeFileTruncateReq(p []byte) (FileTruncateReq, error) {
	r := NewReader(p)
	m := FileTruncateReq{
		FileTagReq: FileTagReq{WorkerID: r.U32(), File: r.String(), Tag: r.String()},
		NewSize:    r.U32(),
	}
	return m, r.Err()
}

// TagCreateReq materializes dst as a hard-link copy of src
type TagCreateReq struct {
	WorkerID uint32
	SrcFile  string
	SrcTag   string
	DstFile  string
	DstTag   string
}

func (TagCreateReq) Op() OpCode { return OpTagCreateReq }
func (m TagCreateReq) payload() []byte {
	return NewBuilder().
		PutU32(m.WorkerID).
		PutString(m.SrcFile).
		PutString(m.SrcTag).
		PutString(m.DstFile).
		PutString(m.DstTag).
		Bytes()
}

func DecodeTagCreateReq(p []byte) (TagCreateReq, error) {
	r := NewReader(p)
	m := TagCreateReq{
		WorkerID: r.U32(),
		SrcFile:  r.String(),
		SrcTag:   r.String(),
		DstFile:  r.String(),
		DstTag:   r.String(),
	}
	return m, r.Err()
}

// BlockReadReq fetches one logical block
type BlockReadReq struct {
	FileTagReq
	BlockNumber uint32
}

func (BlockReadReq) Op() OpCode { return OpBlockReadReq }
func (m BlockReadReq) payload() []byte {
	return NewBuilder().
		PutU32(m.WorkerID).
		PutString(m.File).
		PutString(m.Tag).
		PutU32(m.BlockNumber).
		Bytes()
}

func DecodeBlockReadReq(p []byte) (BlockReadReq, error) {
	r := NewReader(p)
	m := BlockReadReq{
		FileTagReq:  FileTagReq{WorkerID: r.U32(), File: r.String(), Tag: r.String()},
		BlockNumber: r.U32(),
	}
	return m, r.Err()
}

// BlockReadRes carries one logical block's contents
type BlockReadRes struct {
	Data []byte
}

func (BlockReadRes) Op() OpCode { return OpBlockReadRes }
func (m BlockReadRes) payload() []byte {
	return NewBuilder().PutU32(uint32(len(m.Data))).PutBytes(m.Data).Bytes()
}

func DecodeBlockReadRes(p []byte) (BlockReadRes, error) {
	r := NewReader(p)
	size := r.U32()
	m := BlockReadRes{Data: r.Bytes()}
	if err := r.Err(); err != nil {
		return m, err
	}
	if uint32(len(m.Data)) != size {
		return m, fmt.Errorf("block read size mismatch: header %d, blob %d", size, len(m.Data))
	}
	return m, nil
}

// BlockWriteReq writes one logical block
type BlockWriteReq struct {
	FileTagReq
	BlockNumber uint32
	Data        []byte
}

func (BlockWriteReq) Op() OpCode { return OpBlockWriteReq }
func (m BlockWriteReq) payload() []byte {
	return NewBuilder().
		PutU32(m.WorkerID).
		PutString(m.File).
		PutString(m.Tag).
		PutU32(m.BlockNumber).
		PutBytes(m.Data).
		Bytes()
}

func DecodeBlockWriteReq(p []byte) (BlockWriteReq, error) {
	r := NewReader(p)
	m := BlockWriteReq{
		FileTagReq:  FileTagReq{WorkerID: r.U32(), File: r.String(), Tag: r.String()},
		BlockNumber: r.U32(),
	}
	m.Data = r.Bytes()
	return m, r.Err()
}

// StatusRes is the generic i8 response to a storage mutation
type StatusRes struct {
	ResOp  OpCode
	Status Status
}

func (m StatusRes) Op() OpCode { return m.ResOp }
func (m StatusRes) payload() []byte {
	return NewBuilder().PutI8(int8(m.Status)).Bytes()
}

func DecodeStatusRes(p []byte) (Status, error) {
	r := NewReader(p)
	s := Status(r.I8())
	return s, r.Err()
}

// StorageError replaces a normal RES when storage hits a runtime failure
type StorageError struct {
	QueryID uint32
	Message string
}

func (StorageError) Op() OpCode { return OpStorageError }
func (m StorageError) payload() []byte {
	return NewBuilder().PutU32(m.QueryID).PutString(m.Message).Bytes()
}

func DecodeStorageError(p []byte) (StorageError, error) {
	r := NewReader(p)
	m := StorageError{QueryID: r.U32(), Message: r.String()}
	return m, r.Err()
}
