package storage

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/rs/zerolog"
)

// Server accepts worker connections and serves block and tag requests.
// Each worker connection is handled serially by its own goroutine;
// cross-worker contention is serialized by the file, bitmap and hash
// index locks inside the filesystem.
type Server struct {
	fs       *FileSystem
	listener net.Listener
	logger   zerolog.Logger
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewServer creates a storage server over a mounted filesystem
func NewServer(fs *FileSystem) *Server {
	return &Server{
		fs:     fs,
		logger: log.WithComponent("storage-server"),
		stopCh: make(chan struct{}),
	}
}

// Listen binds addr and starts the accept loop
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", addr).Msg("Storage listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for connection handlers
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves one worker for the life of its connection
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	workerID, err := s.handshake(conn)
	if err != nil {
		logger.Error().Err(err).Msg("Worker handshake failed")
		return
	}
	logger = logger.With().Uint32("worker_id", workerID).Logger()
	logger.Info().Msg("Worker connected")

	for {
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("Worker disconnected")
			} else {
				logger.Error().Err(err).Msg("Read failed, dropping connection")
			}
			return
		}
		if err := s.serve(conn, workerID, pkt); err != nil {
			logger.Error().Err(err).Str("op", pkt.Op.String()).Msg("Request failed, dropping connection")
			return
		}
	}
}

func (s *Server) handshake(conn net.Conn) (uint32, error) {
	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		return 0, err
	}
	if pkt.Op != protocol.OpSendIDReq {
		return 0, fmt.Errorf("expected SEND_ID_REQ, got %s", pkt.Op)
	}
	req, err := protocol.DecodeSendIDReq(pkt.Payload)
	if err != nil {
		return 0, err
	}
	if err := protocol.Send(conn, protocol.SendIDRes{Status: protocol.StatusSuccess}); err != nil {
		return 0, err
	}
	return req.WorkerID, nil
}

// serve answers one request. A transport error is fatal for the
// connection; a domain error travels back as a status code.
func (s *Server) serve(conn net.Conn, workerID uint32, pkt *protocol.Packet) error {
	timer := metrics.NewTimer()
	opName := pkt.Op.String()

	var sendErr error
	var opErr error

	switch pkt.Op {
	case protocol.OpGetBlockSizeReq:
		sendErr = protocol.Send(conn, protocol.GetBlockSizeRes{
			BlockSize: uint16(s.fs.BlockSize()),
		})

	case protocol.OpFileCreateReq:
		req, err := protocol.DecodeFileCreateReq(pkt.Payload)
		if err != nil {
			return err
		}
		opErr = s.fs.Create(req.File, req.Tag)
		sendErr = s.sendStatus(conn, protocol.OpFileCreateRes, opErr)

	case protocol.OpFileTruncateReq:
		req, err := protocol.DecodeFileTruncateReq(pkt.Payload)
		if err != nil {
			return err
		}
		opErr = s.fs.Truncate(req.File, req.Tag, req.NewSize)
		sendErr = s.sendStatus(conn, protocol.OpFileTruncateRes, opErr)

	case protocol.OpTagCreateReq:
		req, err := protocol.DecodeTagCreateReq(pkt.Payload)
		if err != nil {
			return err
		}
		opErr = s.fs.CreateTag(req.SrcFile, req.SrcTag, req.DstFile, req.DstTag)
		sendErr = s.sendStatus(conn, protocol.OpTagCreateRes, opErr)

	case protocol.OpTagCommitReq:
		req, err := protocol.DecodeTagCommitReq(pkt.Payload)
		if err != nil {
			return err
		}
		opErr = s.fs.Commit(req.File, req.Tag)
		sendErr = s.sendStatus(conn, protocol.OpTagCommitRes, opErr)

	case protocol.OpTagDeleteReq:
		req, err := protocol.DecodeTagDeleteReq(pkt.Payload)
		if err != nil {
			return err
		}
		opErr = s.fs.Delete(req.File, req.Tag)
		sendErr = s.sendStatus(conn, protocol.OpTagDeleteRes, opErr)

	case protocol.OpBlockReadReq:
		req, err := protocol.DecodeBlockReadReq(pkt.Payload)
		if err != nil {
			return err
		}
		var data []byte
		data, opErr = s.fs.ReadBlock(req.File, req.Tag, req.BlockNumber)
		if opErr != nil {
			// Reads have no status slot in their RES; the error travels
			// as a STORAGE_ERROR carrying the status name.
			sendErr = protocol.Send(conn, protocol.StorageError{
				Message: protocol.StatusFromError(opErr).String(),
			})
		} else {
			sendErr = protocol.Send(conn, protocol.BlockReadRes{Data: data})
		}

	case protocol.OpBlockWriteReq:
		req, err := protocol.DecodeBlockWriteReq(pkt.Payload)
		if err != nil {
			return err
		}
		opErr = s.fs.WriteBlock(req.File, req.Tag, req.BlockNumber, req.Data)
		sendErr = s.sendStatus(conn, protocol.OpBlockWriteRes, opErr)

	default:
		return fmt.Errorf("unexpected opcode %s", pkt.Op)
	}

	status := protocol.StatusFromError(opErr)
	metrics.StorageOpsTotal.WithLabelValues(opName, status.String()).Inc()
	timer.ObserveDurationVec(metrics.StorageOpDuration, opName)

	if opErr != nil {
		s.logger.Warn().
			Uint32("worker_id", workerID).
			Str("op", opName).
			Str("status", status.String()).
			Err(opErr).
			Msg("Operation rejected")
	}
	return sendErr
}

// sendStatus maps an operation result onto the paired i8 response
func (s *Server) sendStatus(conn net.Conn, resOp protocol.OpCode, opErr error) error {
	return protocol.Send(conn, protocol.StatusRes{
		ResOp:  resOp,
		Status: protocol.StatusFromError(opErr),
	})
}
