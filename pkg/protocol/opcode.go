package protocol

// OpCode identifies a wire message. Every packet on every connection
// starts with one of these.
type OpCode uint8

// Master <-> Query Control
const (
	OpQueryHandshake OpCode = iota + 1
	OpQueryFilePath
	OpQueryAck
	OpQuerySubmitRes
	OpMasterQueryEnd
	OpMasterEndDisconnect
	OpReadData
)

// Master <-> Worker
const (
	OpWorkerHandshakeReq OpCode = iota + 32
	OpWorkerHandshakeRes
	OpAssignQuery
	OpEjectQuery
	OpEjectRes
	OpEndQuery
	OpReadMsg
	OpEndWorker
)

// Worker <-> Storage
const (
	OpSendIDReq OpCode = iota + 64
	OpSendIDRes
	OpGetBlockSizeReq
	OpGetBlockSizeRes
	OpFileCreateReq
	OpFileCreateRes
	OpFileTruncateReq
	OpFileTruncateRes
	OpTagCreateReq
	OpTagCreateRes
	OpTagCommitReq
	OpTagCommitRes
	OpTagDeleteReq
	OpTagDeleteRes
	OpBlockReadReq
	OpBlockReadRes
	OpBlockWriteReq
	OpBlockWriteRes
	OpStorageError
)

var opNames = map[OpCode]string{
	OpQueryHandshake:      "QUERY_HANDSHAKE",
	OpQueryFilePath:       "QUERY_FILE_PATH",
	OpQueryAck:            "QUERY_ACK",
	OpQuerySubmitRes:      "QUERY_SUBMIT_RES",
	OpMasterQueryEnd:      "MASTER_QUERY_END",
	OpMasterEndDisconnect: "MASTER_END_DISCONNECT",
	OpReadData:            "READ_DATA",
	OpWorkerHandshakeReq:  "WORKER_HANDSHAKE_REQ",
	OpWorkerHandshakeRes:  "WORKER_HANDSHAKE_RES",
	OpAssignQuery:         "ASSIGN_QUERY",
	OpEjectQuery:          "EJECT_QUERY",
	OpEjectRes:            "EJECT_RES",
	OpEndQuery:            "END_QUERY",
	OpReadMsg:             "READ_MSG",
	OpEndWorker:           "END_WORKER",
	OpSendIDReq:           "SEND_ID_REQ",
	OpSendIDRes:           "SEND_ID_RES",
	OpGetBlockSizeReq:     "GET_BLOCK_SIZE_REQ",
	OpGetBlockSizeRes:     "GET_BLOCK_SIZE_RES",
	OpFileCreateReq:       "FILE_CREATE_REQ",
	OpFileCreateRes:       "FILE_CREATE_RES",
	OpFileTruncateReq:     "FILE_TRUNCATE_REQ",
	OpFileTruncateRes:     "FILE_TRUNCATE_RES",
	OpTagCreateReq:        "TAG_CREATE_REQ",
	OpTagCreateRes:        "TAG_CREATE_RES",
	OpTagCommitReq:        "TAG_COMMIT_REQ",
	OpTagCommitRes:        "TAG_COMMIT_RES",
	OpTagDeleteReq:        "TAG_DELETE_REQ",
	OpTagDeleteRes:        "TAG_DELETE_RES",
	OpBlockReadReq:        "BLOCK_READ_REQ",
	OpBlockReadRes:        "BLOCK_READ_RES",
	OpBlockWriteReq:       "BLOCK_WRITE_REQ",
	OpBlockWriteRes:       "BLOCK_WRITE_RES",
	OpStorageError:        "STORAGE_ERROR",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}
