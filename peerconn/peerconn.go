// Package peerconn implements one peer connection's lifetime: the 68-byte
// handshake, the BITFIELD/HAVE bootstrap, and the choke/unchoke/request
// message loop that pipelines block requests through a piece.Manager.
package peerconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"gorent/bitfield"
	"gorent/message"
	"gorent/piece"
)

const (
	protocolID = "BitTorrent protocol"

	dialTimeout      = 3 * time.Second
	handshakeTimeout = 5 * time.Second
	messageTimeout   = 2 * time.Minute

	// idleRetryDelay is how long the connection pauses when the piece
	// manager had nothing useful to request. The manager is asked again only
	// after the next message from the peer has been read and handled.
	idleRetryDelay = 200 * time.Millisecond
)

// HandshakeFailedError reports a malformed handshake or an info-hash
// mismatch.
type HandshakeFailedError struct {
	Reason string
}

func (e *HandshakeFailedError) Error() string {
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

// ProtocolViolationError reports a peer that broke the wire protocol, e.g.
// a second BITFIELD message.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

type handshake struct {
	infoHash [20]byte
	peerID   [20]byte
}

func (h handshake) serialize() []byte {
	buf := make([]byte, 49+len(protocolID))
	cursor := 0
	buf[cursor] = byte(len(protocolID))
	cursor++
	cursor += copy(buf[cursor:], protocolID)
	cursor += copy(buf[cursor:], make([]byte, 8))
	cursor += copy(buf[cursor:], h.infoHash[:])
	copy(buf[cursor:], h.peerID[:])
	return buf
}

func readHandshake(r io.Reader) (handshake, error) {
	var h handshake
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return h, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen != len(protocolID) {
		return h, &HandshakeFailedError{Reason: fmt.Sprintf("unexpected pstrlen %d", pstrlen)}
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return h, err
	}
	if string(rest[:pstrlen]) != protocolID {
		return h, &HandshakeFailedError{Reason: fmt.Sprintf("unexpected protocol id %q", rest[:pstrlen])}
	}
	cursor := pstrlen + 8
	copy(h.infoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.peerID[:], rest[cursor:cursor+20])
	return h, nil
}

// Conn is one peer connection's state machine.
type Conn struct {
	conn net.Conn

	localPeerID  [20]byte
	remotePeerID string // hex, used as the piece manager's peer key
	infoHash     [20]byte
	numPieces    int

	pm  *piece.Manager
	log *zap.SugaredLogger

	remoteChoking   bool
	localInterested bool

	// awaitingPiece is true while a REQUEST is outstanding. Per the
	// stop-and-wait pipelining rule, at most one REQUEST may be in flight
	// at a time, so Run must not issue another until the matching PIECE
	// (or a Choke, which moots it) is handled.
	awaitingPiece bool
}

// Dial connects to addr, completes the handshake, and waits for the
// peer's first non-keep-alive message, installing the peer's availability
// in pm.
// The returned Conn is ready to run its request loop via Run.
func Dial(ctx context.Context, addr string, infoHash, localPeerID [20]byte, numPieces int, pm *piece.Manager, log *zap.SugaredLogger) (*Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{
		conn:          netConn,
		localPeerID:   localPeerID,
		infoHash:      infoHash,
		numPieces:     numPieces,
		pm:            pm,
		log:           log,
		remoteChoking: true,
	}

	if err := c.handshake(); err != nil {
		netConn.Close()
		return nil, err
	}
	if err := c.awaitBootstrap(); err != nil {
		netConn.Close()
		if c.remotePeerID != "" {
			pm.RemovePeer(c.remotePeerID)
		}
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	req := handshake{infoHash: c.infoHash, peerID: c.localPeerID}
	if _, err := c.conn.Write(req.serialize()); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	resp, err := readHandshake(c.conn)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if !bytes.Equal(resp.infoHash[:], c.infoHash[:]) {
		return &HandshakeFailedError{Reason: fmt.Sprintf(
			"info-hash mismatch: got %x, want %x", resp.infoHash, c.infoHash)}
	}
	c.remotePeerID = fmt.Sprintf("%x", resp.peerID)
	return nil
}

// awaitBootstrap skips keep-alives until the peer's first useful message,
// installs the peer's availability (from that message if it is a BITFIELD,
// otherwise an empty map that HAVE messages fill in), handles any other
// message normally, and sends our own INTERESTED.
func (c *Conn) awaitBootstrap() error {
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	// Seed an empty availability map so add_peer-independent bookkeeping
	// (remove_peer on teardown) is always safe, then let a BITFIELD or
	// HAVE messages fill it in.
	if err := c.pm.AddPeer(c.remotePeerID, make([]bool, c.numPieces)); err != nil {
		return err
	}

	msg, err := message.Read(c.conn)
	for err == nil && msg == nil {
		msg, err = message.Read(c.conn) // keep-alive
	}
	if err != nil {
		return fmt.Errorf("read bootstrap message: %w", err)
	}

	if msg.ID == message.BitField {
		if err := c.handleBitfield(msg); err != nil {
			return err
		}
	} else if err := c.handleMessage(msg); err != nil {
		return err
	}
	return c.sendInterested()
}

func (c *Conn) sendInterested() error {
	msg := &message.Message{ID: message.Interested}
	if _, err := c.conn.Write(msg.Serialize()); err != nil {
		return fmt.Errorf("send interested: %w", err)
	}
	c.localInterested = true
	return nil
}

func (c *Conn) handleBitfield(msg *message.Message) error {
	bf := bitfield.Bitfield(msg.Payload)
	if err := bitfield.Validate(bf, c.numPieces); err != nil {
		return &ProtocolViolationError{Reason: err.Error()}
	}
	have := make([]bool, c.numPieces)
	for i := range have {
		have[i] = bf.HasPiece(i)
	}
	return c.pm.AddPeer(c.remotePeerID, have)
}

// Run drives the connection's message loop until the piece manager
// reports the download complete, ctx is cancelled, or an error tears the
// connection down. On return the socket is closed and the peer is removed
// from the piece manager.
func (c *Conn) Run(ctx context.Context) error {
	defer c.conn.Close()
	defer c.pm.RemovePeer(c.remotePeerID)

	for {
		if c.pm.Complete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !c.remoteChoking && c.localInterested && !c.awaitingPiece {
			if err := c.tryRequest(); err != nil {
				return err
			}
		}

		c.conn.SetDeadline(time.Now().Add(messageTimeout))
		msg, err := message.Read(c.conn)
		c.conn.SetDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := c.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (c *Conn) tryRequest() error {
	block := c.pm.NextRequest(c.remotePeerID)
	if block == nil {
		time.Sleep(idleRetryDelay)
		return nil
	}
	req := message.FormatRequest(block.PieceIndex, block.Offset, block.Length)
	if _, err := c.conn.Write(req.Serialize()); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	c.awaitingPiece = true
	return nil
}

func (c *Conn) handleMessage(msg *message.Message) error {
	switch msg.ID {
	case message.Choke:
		c.remoteChoking = true
		// A choked peer will never answer the outstanding REQUEST; clear it
		// so Run doesn't wait forever for a PIECE that isn't coming.
		c.awaitingPiece = false
	case message.Unchoke:
		c.remoteChoking = false
	case message.Interested, message.NotInterested:
		// This client never seeds; remote interest state is not acted on.
	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			return &ProtocolViolationError{Reason: err.Error()}
		}
		c.pm.UpdatePeer(c.remotePeerID, index)
	case message.BitField:
		return &ProtocolViolationError{Reason: "received BITFIELD outside the handshake bootstrap"}
	case message.Piece:
		index, begin, data, err := message.ParsePiece(msg)
		if err != nil {
			return &ProtocolViolationError{Reason: err.Error()}
		}
		c.pm.BlockReceived(c.remotePeerID, index, begin, data)
		c.awaitingPiece = false
	case message.Request, message.Cancel:
		// Seeding is out of scope; upload requests are ignored.
	default:
		c.log.Debugw("ignoring unknown message id", "id", uint8(msg.ID))
	}
	return nil
}
