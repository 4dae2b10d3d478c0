package faascall

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageType enumerates the IPC control frames exchanged over a
// MessageConnection between the gateway and a launcher or function
// worker process.
type MessageType uint8

const (
	// LauncherHandshake is sent by a newly connected launcher process to
	// announce which func_id it is prepared to spawn workers for. The
	// inline tail carries a ContainerIDLength container-id string.
	LauncherHandshake MessageType = iota + 1
	// FuncWorkerHandshake is sent by a newly connected worker process to
	// announce it is ready to accept invocations for its func_id.
	FuncWorkerHandshake
	// HandshakeResponse is the gateway's reply to either handshake,
	// carrying the raw function-config bytes the peer should trust.
	HandshakeResponse
	// InvokeFunc dispatches one call to a ready worker.
	InvokeFunc
	// FuncCallComplete reports a successful invocation result.
	FuncCallComplete
	// FuncCallFailed reports that a dispatched invocation errored.
	FuncCallFailed
)

func (t MessageType) String() string {
	switch t {
	case LauncherHandshake:
		return "LAUNCHER_HANDSHAKE"
	case FuncWorkerHandshake:
		return "FUNC_WORKER_HANDSHAKE"
	case HandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case InvokeFunc:
		return "INVOKE_FUNC"
	case FuncCallComplete:
		return "FUNC_CALL_COMPLETE"
	case FuncCallFailed:
		return "FUNC_CALL_FAILED"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// InlineDataSize bounds the payload a Message can carry inline. Larger
// payloads travel via a named ShmRegion instead; PayloadSize is then
// negative and its absolute value is the shm payload's length.
const InlineDataSize = 4096

// ContainerIDLength is the fixed length of the container-id string
// carried in a LauncherHandshake's inline tail (a UUIDv4 text form).
const ContainerIDLength = 36

// header is the fixed-size portion of every Message, in wire order.
// Changing field order or width changes the wire format.
type header struct {
	Type           uint8
	_              [3]byte // padding, kept explicit so struct size is stable
	FuncID         uint16
	MethodID       uint16
	ClientID       uint16
	_              uint16
	CallID         uint32
	ParentFullCall uint64
	SentAtUnixNano int64
	ProcessingNs   int64
	DispatchDelay  int64
	PayloadSize    int32
	InlineLen      uint32
}

const headerSize = 1 + 3 + 2 + 2 + 2 + 2 + 4 + 8 + 8 + 8 + 8 + 4 + 4 // 56 bytes

// Message is one framed IPC control message, mirroring the fixed Message
// record of the data model: a FuncCall, a parent call id, timing fields,
// and a payload whose sign distinguishes inline delivery from shm.
type Message struct {
	Type MessageType
	Call FuncCall

	// ParentFullCallID is InvalidFullCallID when the call has no
	// parent (typically: external invocations).
	ParentFullCallID uint64

	SentAtUnixNano int64
	ProcessingNs   int64
	DispatchDelayNs int64

	// PayloadSize >= 0 means InlineData carries that many bytes inline.
	// PayloadSize < 0 means |PayloadSize| bytes live in the shm region
	// named by InputShmName/OutputShmName(Call.Pack()).
	PayloadSize int32
	InlineData  []byte
}

// UsesShm reports whether the payload must be fetched from shared memory.
func (m Message) UsesShm() bool {
	return m.PayloadSize < 0
}

// PayloadLen returns the payload's length regardless of which path
// carries it.
func (m Message) PayloadLen() int {
	if m.PayloadSize < 0 {
		return int(-m.PayloadSize)
	}
	return int(m.PayloadSize)
}

// Encode serializes m into its wire form: a fixed header followed by
// len(InlineData) bytes (zero when the payload lives in shm).
func Encode(m Message) ([]byte, error) {
	if len(m.InlineData) > InlineDataSize {
		return nil, fmt.Errorf("faascall: inline payload of %d bytes exceeds %d byte limit", len(m.InlineData), InlineDataSize)
	}
	buf := new(bytes.Buffer)
	buf.Grow(headerSize + len(m.InlineData))
	h := header{
		Type:            uint8(m.Type),
		FuncID:          m.Call.FuncID,
		MethodID:        m.Call.MethodID,
		ClientID:        m.Call.ClientID,
		CallID:          m.Call.CallID,
		ParentFullCall:  m.ParentFullCallID,
		SentAtUnixNano:  m.SentAtUnixNano,
		ProcessingNs:    m.ProcessingNs,
		DispatchDelay:   m.DispatchDelayNs,
		PayloadSize:     m.PayloadSize,
		InlineLen:       uint32(len(m.InlineData)),
	}
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("faascall: encode header: %w", err)
	}
	buf.Write(m.InlineData)
	return buf.Bytes(), nil
}

// DecodeHeader parses the fixed-size header prefix of a frame, returning
// the partially populated Message and the number of inline bytes still
// to be read from the stream.
func DecodeHeader(b []byte) (Message, int, error) {
	if len(b) < headerSize {
		return Message{}, 0, fmt.Errorf("faascall: short header: need %d bytes, got %d", headerSize, len(b))
	}
	var h header
	if err := binary.Read(bytes.NewReader(b[:headerSize]), binary.BigEndian, &h); err != nil {
		return Message{}, 0, fmt.Errorf("faascall: decode header: %w", err)
	}
	if h.InlineLen > InlineDataSize {
		return Message{}, 0, fmt.Errorf("faascall: header claims %d inline bytes, exceeds %d byte limit", h.InlineLen, InlineDataSize)
	}
	msg := Message{
		Type: MessageType(h.Type),
		Call: FuncCall{
			FuncID:   h.FuncID,
			MethodID: h.MethodID,
			ClientID: h.ClientID,
			CallID:   h.CallID,
		},
		ParentFullCallID: h.ParentFullCall,
		SentAtUnixNano:   h.SentAtUnixNano,
		ProcessingNs:     h.ProcessingNs,
		DispatchDelayNs:  h.DispatchDelay,
		PayloadSize:      h.PayloadSize,
	}
	return msg, int(h.InlineLen), nil
}

// HeaderSize is the number of bytes DecodeHeader expects in its input.
func HeaderSize() int { return headerSize }
