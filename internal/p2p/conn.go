package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/seedbit/swarm/internal/shared/models"
)

// State tracks a peer connection through its lifecycle. Transitions only move
// forward; any failure jumps straight to Closed.
type State int

const (
	Connecting State = iota
	HandshakeSent
	HandshakeVerified
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake sent"
	case HandshakeVerified:
		return "handshake verified"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrConnState = errors.New("p2p: operation not allowed in current connection state")

const (
	// idleTimeout is the longest we wait for any inbound traffic before the
	// read fails. Keep-alives reset it like any other message.
	idleTimeout = 2 * time.Minute

	writeTimeout = 30 * time.Second
)

// Conn owns one TCP socket to one remote peer and runs the handshake and
// framing layers. Message-level reads are single-consumer; writes may come
// from several goroutines and are serialized internally.
type Conn interface {
	Dial(addr models.Addr) error
	Handshake(infoHash models.Hash, peerID string) (remoteID string, err error)
	Activate() error
	ReadMessage() (*Message, error)
	WriteMessage(msg *Message) error
	State() State
	RemoteAddr() string
	Close() error
}

type conn struct {
	mu          sync.Mutex // guards state transitions and writes
	tcp         net.Conn
	state       State
	dialTimeout time.Duration
	remoteAddr  string
}

func NewConn(dialTimeout time.Duration) Conn {
	return &conn{state: Connecting, dialTimeout: dialTimeout}
}

// Adopt wraps an already-established transport (an inbound connection or a
// test pipe) in the same state machine, starting at Connecting with the dial
// step considered done.
func Adopt(transport net.Conn) Conn {
	return &conn{
		state:      Connecting,
		tcp:        transport,
		remoteAddr: remoteAddrOf(transport),
	}
}

func remoteAddrOf(transport net.Conn) string {
	if addr := transport.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *conn) Dial(addr models.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connecting || c.tcp != nil {
		return fmt.Errorf("%w: dial in state %s", ErrConnState, c.state)
	}

	tcp, err := net.DialTimeout("tcp", addr.String(), c.dialTimeout)
	if err != nil {
		c.state = Closed
		return err
	}
	c.tcp = tcp
	c.remoteAddr = remoteAddrOf(tcp)
	return nil
}

// Handshake sends the local 68-byte handshake and validates the remote's
// reply. A foreign info hash closes the connection immediately so a session
// for one torrent can never leak into another.
func (c *conn) Handshake(infoHash models.Hash, peerID string) (string, error) {
	c.mu.Lock()
	if c.state != Connecting || c.tcp == nil {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: handshake in state %s", ErrConnState, c.state)
	}

	local := Handshake{InfoHash: infoHash, PeerID: peerID}
	c.tcp.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.tcp.Write(local.Serialize()); err != nil {
		c.closeLocked()
		c.mu.Unlock()
		return "", err
	}
	c.state = HandshakeSent
	// Snapshot the transport: a concurrent Close may nil out c.tcp while the
	// reply is being read.
	transport := c.tcp
	c.mu.Unlock()

	transport.SetReadDeadline(time.Now().Add(idleTimeout))
	remote, err := ReadHandshake(transport)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.closeLocked()
		return "", err
	}
	if remote.InfoHash != infoHash {
		c.closeLocked()
		return "", ErrHandshakeMismatch
	}
	if c.state != HandshakeSent {
		return "", fmt.Errorf("%w: closed during handshake", ErrConnState)
	}

	c.state = HandshakeVerified
	return remote.PeerID, nil
}

func (c *conn) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != HandshakeVerified {
		return fmt.Errorf("%w: activate in state %s", ErrConnState, c.state)
	}
	c.state = Active
	return nil
}

func (c *conn) ReadMessage() (*Message, error) {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: read in state %s", ErrConnState, c.state)
	}
	transport := c.tcp
	c.mu.Unlock()

	transport.SetReadDeadline(time.Now().Add(idleTimeout))
	msg, err := ReadMessage(transport)
	if err != nil {
		c.Close()
		return nil, err
	}
	return msg, nil
}

func (c *conn) WriteMessage(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return fmt.Errorf("%w: write in state %s", ErrConnState, c.state)
	}

	c.tcp.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.tcp.Write(msg.Serialize()); err != nil {
		c.closeLocked()
		return err
	}
	return nil
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *conn) closeLocked() error {
	c.state = Closed
	if c.tcp == nil {
		return nil
	}
	err := c.tcp.Close()
	c.tcp = nil
	return err
}
