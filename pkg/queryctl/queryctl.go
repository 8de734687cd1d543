package queryctl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/protocol"
	"github.com/rs/zerolog"
)

// Result is the terminal outcome of one submitted query
type Result struct {
	QueryID uint32
	Success bool
	Reason  string
}

// ReadChunk is one streamed READ result
type ReadChunk struct {
	FileTag string
	Data    []byte
}

// Client is a query control session: submit one query, consume its
// streamed reads and wait for the final notice.
type Client struct {
	conn     net.Conn
	clientID string
	logger   zerolog.Logger
}

// Dial connects to the master and completes the handshake
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master %s: %w", addr, err)
	}

	c := &Client{conn: conn, logger: log.WithComponent("query-control")}

	if err := protocol.Send(conn, protocol.QueryHandshake{}); err != nil {
		conn.Close()
		return nil, err
	}
	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	if pkt.Op != protocol.OpQueryAck {
		conn.Close()
		return nil, fmt.Errorf("handshake: unexpected %s", pkt.Op)
	}
	ack, err := protocol.DecodeQueryHandshakeAck(pkt.Payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.clientID = ack.ClientID
	c.logger.Info().Str("client_id", c.clientID).Msg("Session open")
	return c, nil
}

// Close tears the session down
func (c *Client) Close() error {
	return c.conn.Close()
}

// ClientID returns the id assigned by the master
func (c *Client) ClientID() string {
	return c.clientID
}

// Submit sends the query path and priority and returns the assigned
// query id.
func (c *Client) Submit(path string, priority uint32) (uint32, error) {
	payload := path + "\x1f" + strconv.FormatUint(uint64(priority), 10)
	if err := protocol.Send(c.conn, protocol.QueryFilePath{Payload: payload}); err != nil {
		return 0, err
	}
	pkt, err := protocol.ReadPacket(c.conn)
	if err != nil {
		return 0, fmt.Errorf("submission failed: %w", err)
	}
	if pkt.Op != protocol.OpQuerySubmitRes {
		return 0, fmt.Errorf("submission: unexpected %s", pkt.Op)
	}
	ack, err := protocol.DecodeQuerySubmitAck(pkt.Payload)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Uint32("query_id", ack.QueryID).Str("path", path).Msg("Query submitted")
	return ack.QueryID, nil
}

// Await consumes the session until the final notice, handing every
// streamed READ chunk to onRead as it arrives.
func (c *Client) Await(onRead func(ReadChunk)) (*Result, error) {
	for {
		pkt, err := protocol.ReadPacket(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("master closed the session early")
			}
			return nil, err
		}

		switch pkt.Op {
		case protocol.OpReadData:
			msg, err := protocol.DecodeReadData(pkt.Payload)
			if err != nil {
				return nil, err
			}
			if onRead != nil {
				onRead(ReadChunk{FileTag: msg.FileTag, Data: msg.Data})
			}

		case protocol.OpMasterQueryEnd:
			msg, err := protocol.DecodeMasterQueryEnd(pkt.Payload)
			if err != nil {
				return nil, err
			}
			return &Result{QueryID: msg.QueryID, Success: true}, nil

		case protocol.OpMasterEndDisconnect:
			msg, err := protocol.DecodeMasterEndDisconnect(pkt.Payload)
			if err != nil {
				return nil, err
			}
			return &Result{QueryID: msg.QueryID, Success: false, Reason: msg.Reason}, nil

		default:
			return nil, fmt.Errorf("unexpected %s from master", pkt.Op)
		}
	}
}
