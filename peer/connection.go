package peer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"goleech/internal/bterrors"
	"goleech/internal/logging"
	"goleech/pieces"
)

// readChunkSize bounds each underlying socket read; the buffered reader
// accumulates partial frames across reads until ReadMessage has enough
// bytes, per spec §5's resource model.
const readChunkSize = 10240

// stateFlag is a bitflag set replacing the source's list-of-strings
// my_state (spec §9 design note).
type stateFlag uint8

const (
	flagChoked stateFlag = 1 << iota
	flagInterested
	flagPendingRequest
	flagStopped
)

func (s stateFlag) has(f stateFlag) bool { return s&f != 0 }

// Connection drives one TCP peer session: handshake, framed message
// stream, local choke/interest state, block requests (spec §4.3).
type Connection struct {
	RemoteAddr string
	InfoHash   [20]byte
	LocalID    [20]byte

	Manager *pieces.Manager
	Log     *logging.Session

	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration

	state    stateFlag
	remoteID string
	conn     net.Conn
	reader   *bufio.Reader
}

// Run drives one full peer session to completion: dial, handshake, and
// the request/receive loop, until the context is cancelled, the peer
// errs out, or the piece manager has nothing left for this peer to
// fetch. It always releases the socket before returning.
func (c *Connection) Run(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	defer c.terminate()

	if err := c.handshake(); err != nil {
		return err
	}
	c.state |= flagChoked

	if err := c.sendInterested(); err != nil {
		return err
	}
	c.state |= flagInterested

	return c.loop(ctx)
}

func (c *Connection) dial(ctx context.Context) error {
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.RemoteAddr)
	if err != nil {
		return fmt.Errorf("peer %s: dial: %w: %v", c.RemoteAddr, bterrors.ErrTransport, err)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, readChunkSize)
	return nil
}

func (c *Connection) handshake() error {
	c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(Handshake{InfoHash: c.InfoHash, PeerID: c.LocalID}.Encode()); err != nil {
		return fmt.Errorf("peer %s: sending handshake: %w: %v", c.RemoteAddr, bterrors.ErrTransport, err)
	}

	hs, err := ReadHandshake(c.reader, c.InfoHash)
	if err != nil {
		return fmt.Errorf("peer %s: %w", c.RemoteAddr, err)
	}

	c.remoteID = string(hs.PeerID[:])
	c.Log.Info("peer %s: handshake complete, remote_id=%x", c.RemoteAddr, hs.PeerID)
	return nil
}

func (c *Connection) sendInterested() error {
	return c.send(Message{ID: Interested})
}

func (c *Connection) send(m Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := c.conn.Write(m.Encode()); err != nil {
		return fmt.Errorf("peer %s: writing message: %w: %v", c.RemoteAddr, bterrors.ErrTransport, err)
	}
	return nil
}

// loop is the Unchoked/Choked request/receive cycle: at most one
// outstanding Request at a time, refilled from the piece manager whenever
// the peer is unchoked and nothing is pending.
func (c *Connection) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil || c.state.has(flagStopped) {
			return nil
		}

		if !c.state.has(flagChoked) && !c.state.has(flagPendingRequest) {
			block := c.Manager.NextRequest(c.remoteID)
			if block == nil {
				c.Log.Info("peer %s: nothing left to request, ending session", c.RemoteAddr)
				return nil
			}

			if err := c.send(EncodeRequest(block.PieceIndex, block.Offset, block.Length)); err != nil {
				return err
			}
			c.state |= flagPendingRequest
		}

		c.conn.SetReadDeadline(time.Now().Add(pieces.MaxPendingTime + 30*time.Second))
		msg, err := ReadMessage(c.reader)
		if err != nil {
			return fmt.Errorf("peer %s: %w: %v", c.RemoteAddr, bterrors.ErrTransport, err)
		}

		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *Connection) handle(msg Message) error {
	if msg.KeepAlive {
		return nil
	}

	switch msg.ID {
	case BitField:
		c.Manager.AddPeer(c.remoteID, msg.Payload)

	case Have:
		index, err := HaveIndex(msg)
		if err != nil {
			c.Log.Fail("peer %s: malformed Have: %v", c.RemoteAddr, err)
			return nil
		}
		c.Manager.UpdatePeer(c.remoteID, index)

	case Choke:
		c.state |= flagChoked

	case Unchoke:
		c.state &^= flagChoked

	case Piece:
		payload, err := DecodePiece(msg)
		if err != nil {
			c.Log.Fail("peer %s: malformed Piece: %v", c.RemoteAddr, err)
			return nil
		}
		c.state &^= flagPendingRequest
		if err := c.Manager.BlockReceived(c.remoteID, payload.Index, payload.Begin, payload.Block); err != nil {
			return err
		}

	case Request, Cancel:
		c.Log.Info("peer %s: ignoring %d (leech-only)", c.RemoteAddr, msg.ID)

	case Interested, NotInterested:
		// No local choke algorithm: this client never serves data.

	default:
		c.Log.Fail("peer %s: unknown message id %d, discarding", c.RemoteAddr, msg.ID)
	}

	return nil
}

// Stop marks the connection Stopped and sets an immediate socket deadline,
// so a blocked read fails and ends the session; loop also checks the
// Stopped flag at the top of each iteration.
func (c *Connection) Stop() {
	c.state |= flagStopped
	if c.conn != nil {
		c.conn.SetDeadline(time.Now())
	}
}

func (c *Connection) terminate() {
	c.Manager.RemovePeer(c.remoteID)
	if c.conn != nil {
		c.conn.Close()
	}
}
