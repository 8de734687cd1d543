package worker

import (
	"fmt"
	"net"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/rs/zerolog"
)

// StorageClient is the worker's synchronous connection to the storage
// node. It is driven only by the executor, one request in flight at a
// time.
type StorageClient struct {
	conn      net.Conn
	workerID  uint32
	blockSize int
	logger    zerolog.Logger
}

// DialStorage connects, identifies the worker and fetches the block
// size the filesystem was formatted with.
func DialStorage(addr string, workerID uint32) (*StorageClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to storage %s: %w", addr, err)
	}

	c := &StorageClient{
		conn:     conn,
		workerID: workerID,
		logger:   log.WithComponent("storage-client"),
	}

	if err := protocol.Send(conn, protocol.SendIDReq{WorkerID: workerID}); err != nil {
		conn.Close()
		return nil, err
	}
	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage handshake failed: %w", err)
	}
	if pkt.Op != protocol.OpSendIDRes {
		conn.Close()
		return nil, fmt.Errorf("storage handshake: unexpected %s", pkt.Op)
	}
	res, err := protocol.DecodeSendIDRes(pkt.Payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if res.Status != protocol.StatusSuccess {
		conn.Close()
		return nil, fmt.Errorf("storage rejected handshake: %s", res.Status)
	}

	size, err := c.fetchBlockSize()
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.blockSize = size

	c.logger.Info().
		Str("addr", addr).
		Uint32("worker_id", workerID).
		Int("block_size", size).
		Msg("Connected to storage")
	return c, nil
}

// Close tears down the connection
func (c *StorageClient) Close() error {
	return c.conn.Close()
}

// BlockSize returns the storage block size; the worker sizes its pages
// to match.
func (c *StorageClient) BlockSize() int {
	return c.blockSize
}

func (c *StorageClient) fetchBlockSize() (int, error) {
	pkt, err := c.roundTrip(protocol.GetBlockSizeReq{}, protocol.OpGetBlockSizeRes)
	if err != nil {
		return 0, err
	}
	res, err := protocol.DecodeGetBlockSizeRes(pkt.Payload)
	if err != nil {
		return 0, err
	}
	return int(res.BlockSize), nil
}

// roundTrip sends one request and reads its paired response. A
// STORAGE_ERROR in place of the RES is decoded back into the domain
// error it carries.
func (c *StorageClient) roundTrip(msg protocol.Message, wantOp protocol.OpCode) (*protocol.Packet, error) {
	if err := protocol.Send(c.conn, msg); err != nil {
		return nil, err
	}
	pkt, err := protocol.ReadPacket(c.conn)
	if err != nil {
		return nil, fmt.Errorf("storage response failed: %w", err)
	}
	if pkt.Op == protocol.OpStorageError {
		se, decErr := protocol.DecodeStorageError(pkt.Payload)
		if decErr != nil {
			return nil, decErr
		}
		if status, ok := protocol.StatusByName(se.Message); ok {
			return nil, status.Err()
		}
		return nil, fmt.Errorf("storage error: %s", se.Message)
	}
	if pkt.Op != wantOp {
		return nil, fmt.Errorf("expected %s, got %s", wantOp, pkt.Op)
	}
	return pkt, nil
}

// statusRequest runs a request whose answer is a bare i8 status
func (c *StorageClient) statusRequest(msg protocol.Message, wantOp protocol.OpCode) error {
	pkt, err := c.roundTrip(msg, wantOp)
	if err != nil {
		return err
	}
	status, err := protocol.DecodeStatusRes(pkt.Payload)
	if err != nil {
		return err
	}
	return status.Err()
}

func (c *StorageClient) fileTag(file, tag string) protocol.FileTagReq {
	return protocol.FileTagReq{WorkerID: c.workerID, File: file, Tag: tag}
}

// Create ensures file:tag exists empty and writable
func (c *StorageClient) Create(file, tag string) error {
	return c.statusRequest(
		protocol.FileCreateReq{FileTagReq: c.fileTag(file, tag)},
		protocol.OpFileCreateRes,
	)
}

// Truncate resizes file:tag
func (c *StorageClient) Truncate(file, tag string, newSize uint32) error {
	return c.statusRequest(
		protocol.FileTruncateReq{FileTagReq: c.fileTag(file, tag), NewSize: newSize},
		protocol.OpFileTruncateRes,
	)
}

// CreateTag materializes dst from src by hard-link copy
func (c *StorageClient) CreateTag(srcFile, srcTag, dstFile, dstTag string) error {
	return c.statusRequest(
		protocol.TagCreateReq{
			WorkerID: c.workerID,
			SrcFile:  srcFile,
			SrcTag:   srcTag,
			DstFile:  dstFile,
			DstTag:   dstTag,
		},
		protocol.OpTagCreateRes,
	)
}

// Commit deduplicates and seals file:tag
func (c *StorageClient) Commit(file, tag string) error {
	return c.statusRequest(
		protocol.TagCommitReq{FileTagReq: c.fileTag(file, tag)},
		protocol.OpTagCommitRes,
	)
}

// Delete removes file:tag
func (c *StorageClient) Delete(file, tag string) error {
	return c.statusRequest(
		protocol.TagDeleteReq{FileTagReq: c.fileTag(file, tag)},
		protocol.OpTagDeleteRes,
	)
}

// ReadBlock fetches one logical block
func (c *StorageClient) ReadBlock(file, tag string, blockNumber uint32) ([]byte, error) {
	pkt, err := c.roundTrip(
		protocol.BlockReadReq{FileTagReq: c.fileTag(file, tag), BlockNumber: blockNumber},
		protocol.OpBlockReadRes,
	)
	if err != nil {
		return nil, err
	}
	res, err := protocol.DecodeBlockReadRes(pkt.Payload)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// WriteBlock stores one logical block
func (c *StorageClient) WriteBlock(file, tag string, blockNumber uint32, data []byte) error {
	return c.statusRequest(
		protocol.BlockWriteReq{
			FileTagReq:  c.fileTag(file, tag),
			BlockNumber: blockNumber,
			Data:        data,
		},
		protocol.OpBlockWriteRes,
	)
}
