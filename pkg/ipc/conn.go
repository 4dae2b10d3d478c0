// Package ipc implements MessageConnection: the framed Unix-domain
// socket endpoint used by launcher and function-worker processes to
// talk to the gateway. It owns the handshake state machine and the
// fixed-header wire framing; everything past the handshake is handed to
// a Handler supplied by the caller.
package ipc

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/funcconfig"
)

// State is a MessageConnection's position in its handshake lifecycle.
type State int

const (
	StateCreated State = iota
	StateHandshakePending
	StateHandshakeDone
	StateRunning
	StateClosed
)

// Handler receives the gateway-side effects of a connection's handshake
// and post-handshake traffic. Implementations typically delegate
// registration to a workermanager.Manager and routing to a per-func_id
// dispatch.Dispatcher.
type Handler interface {
	// OnLauncherHandshake registers a launcher for funcID, with
	// containerID already validated as a well-formed UUID (or empty, if
	// the handshake carried none). Returning false aborts the handshake
	// and the connection is closed without a response.
	OnLauncherHandshake(conn *Conn, funcID uint16, containerID string) bool
	// OnWorkerHandshake registers a worker for funcID. Returning false
	// aborts the handshake.
	OnWorkerHandshake(conn *Conn, funcID uint16) bool
	// OnMessage handles a post-handshake Invoke/Complete/Failure frame.
	OnMessage(conn *Conn, msg faascall.Message, inline []byte)
	// OnClose is invoked once, when the connection's read loop exits
	// for any reason (peer closed, protocol violation, I/O error).
	OnClose(conn *Conn)
}

// Conn is one MessageConnection. It is safe to call Send concurrently
// with Serve running the read loop.
type Conn struct {
	id     uint16
	nc     net.Conn
	cfg    *funcconfig.Config
	h      Handler
	logger logr.Logger

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	funcID      uint16
	isLauncher  bool
}

// New wraps an accepted net.Conn. id is assigned by the IPC listener and
// must be unique and stable for the connection's lifetime.
func New(id uint16, nc net.Conn, cfg *funcconfig.Config, h Handler, logger logr.Logger) *Conn {
	return &Conn{
		id:     id,
		nc:     nc,
		cfg:    cfg,
		h:      h,
		logger: logger.WithValues("conn_id", id),
		state:  StateCreated,
	}
}

// ID returns the connection's stable identity.
func (c *Conn) ID() uint16 { return c.id }

// State returns the connection's current handshake state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Send frames and writes msg to the peer. Safe for concurrent use; the
// Dispatcher's worker-selection path and the read loop's handshake
// response both call this.
func (c *Conn) Send(msg faascall.Message) error {
	wire, err := faascall.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(wire)
	return err
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.setState(StateClosed)
	return c.nc.Close()
}

// Serve runs the connection's read loop until the peer disconnects or a
// protocol violation closes it, then invokes Handler.OnClose exactly
// once. Callers should run Serve in its own goroutine per accepted
// connection.
func (c *Conn) Serve() error {
	defer c.h.OnClose(c)
	defer c.Close()

	headerBuf := make([]byte, faascall.HeaderSize())
	for {
		if _, err := io.ReadFull(c.nc, headerBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("ipc: read header: %w", err)
		}
		msg, inlineLen, err := faascall.DecodeHeader(headerBuf)
		if err != nil {
			c.logger.Error(err, "malformed header, closing")
			return err
		}
		var inline []byte
		if inlineLen > 0 {
			inline = make([]byte, inlineLen)
			if _, err := io.ReadFull(c.nc, inline); err != nil {
				return fmt.Errorf("ipc: read inline payload: %w", err)
			}
		}

		if c.State() == StateRunning {
			c.h.OnMessage(c, msg, inline)
			continue
		}
		if err := c.handleHandshake(msg, inline); err != nil {
			c.logger.Error(err, "handshake rejected, closing")
			return err
		}
	}
}

func (c *Conn) handleHandshake(msg faascall.Message, inline []byte) error {
	c.setState(StateHandshakePending)

	if _, ok := c.cfg.ByFuncID(msg.Call.FuncID); !ok {
		return fmt.Errorf("unknown func_id %d in handshake", msg.Call.FuncID)
	}

	switch msg.Type {
	case faascall.LauncherHandshake:
		containerID := parseContainerID(inline)
		if !c.h.OnLauncherHandshake(c, msg.Call.FuncID, containerID) {
			return fmt.Errorf("launcher handshake rejected for func_id %d", msg.Call.FuncID)
		}
		c.isLauncher = true
	case faascall.FuncWorkerHandshake:
		if !c.h.OnWorkerHandshake(c, msg.Call.FuncID) {
			return fmt.Errorf("worker handshake rejected for func_id %d", msg.Call.FuncID)
		}
	default:
		return fmt.Errorf("unexpected message type %s before handshake", msg.Type)
	}

	c.funcID = msg.Call.FuncID
	c.setState(StateHandshakeDone)

	resp := faascall.Message{
		Type:             faascall.HandshakeResponse,
		Call:             faascall.FuncCall{FuncID: msg.Call.FuncID},
		ParentFullCallID: faascall.InvalidFullCallID,
		PayloadSize:      int32(len(c.cfg.RawJSON())),
		InlineData:       c.cfg.RawJSON(),
	}
	if len(resp.InlineData) > faascall.InlineDataSize {
		// The config text is gateway-controlled, not attacker input; a
		// config this large indicates a deployment error, not a runtime
		// condition to recover from gracefully.
		return fmt.Errorf("func config of %d bytes exceeds inline limit %d", len(resp.InlineData), faascall.InlineDataSize)
	}
	if err := c.Send(resp); err != nil {
		return fmt.Errorf("send handshake response: %w", err)
	}
	c.setState(StateRunning)
	return nil
}

// parseContainerID trims a fixed-width container-id field and validates
// it as a UUID; an invalid or absent id yields "" rather than an error,
// since a malformed container id degrades monitoring, not correctness.
func parseContainerID(inline []byte) string {
	s := strings.TrimRight(string(inline), "\x00")
	if _, err := uuid.Parse(s); err != nil {
		return ""
	}
	return s
}
