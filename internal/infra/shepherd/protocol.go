// Package shepherd implements the broker that owns a session's PTY so
// the workspace can detach and reattach without losing child state,
// plus the framed wire protocol both sides speak.
package shepherd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types on the wire. A frame is a 4-byte big-endian length (type
// byte + payload, excluding the prefix itself) followed by the type
// byte and payload.
const (
	typePtyOutput    byte = 0x01
	typePtyInput     byte = 0x02
	typeResize       byte = 0x03
	typeInitialState byte = 0x04
	typeShutdown     byte = 0x05
)

// maxFrameLen bounds incoming frames so a corrupt length prefix cannot
// trigger a huge allocation.
const maxFrameLen = 64 * 1024 * 1024

// Message is one protocol frame.
type Message struct {
	// Data carries the payload for PtyOutput, PtyInput, and
	// InitialState frames.
	Data []byte
	Type MessageType
	Rows uint16
	Cols uint16
}

// MessageType discriminates Message values.
type MessageType uint8

const (
	// PtyOutput carries child output, shepherd to workspace.
	PtyOutput MessageType = iota
	// PtyInput carries keyboard input, workspace to shepherd.
	PtyInput
	// Resize announces the client terminal size, workspace to shepherd.
	Resize
	// InitialState carries a restore sequence for state recovery on
	// connect, shepherd to workspace.
	InitialState
	// Shutdown requests a graceful child exit, workspace to shepherd.
	Shutdown
)

func (t MessageType) String() string {
	switch t {
	case PtyOutput:
		return "PtyOutput"
	case PtyInput:
		return "PtyInput"
	case Resize:
		return "Resize"
	case InitialState:
		return "InitialState"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Encode serializes a message into wire format.
func Encode(msg Message) []byte {
	var typeByte byte
	payload := msg.Data
	switch msg.Type {
	case PtyOutput:
		typeByte = typePtyOutput
	case PtyInput:
		typeByte = typePtyInput
	case InitialState:
		typeByte = typeInitialState
	case Shutdown:
		typeByte = typeShutdown
		payload = nil
	case Resize:
		buf := make([]byte, 4+1+4)
		binary.BigEndian.PutUint32(buf, 1+4)
		buf[4] = typeResize
		binary.BigEndian.PutUint16(buf[5:], msg.Rows)
		binary.BigEndian.PutUint16(buf[7:], msg.Cols)
		return buf
	}

	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = typeByte
	copy(buf[5:], payload)
	return buf
}

// Decode parses one complete frame body (type byte + payload, no
// length prefix).
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("empty frame buffer")
	}
	payload := frame[1:]
	switch frame[0] {
	case typePtyOutput:
		return Message{Type: PtyOutput, Data: payload}, nil
	case typePtyInput:
		return Message{Type: PtyInput, Data: payload}, nil
	case typeInitialState:
		return Message{Type: InitialState, Data: payload}, nil
	case typeShutdown:
		return Message{Type: Shutdown}, nil
	case typeResize:
		if len(payload) < 4 {
			return Message{}, fmt.Errorf("resize payload too short: expected 4 bytes, got %d", len(payload))
		}
		return Message{
			Type: Resize,
			Rows: binary.BigEndian.Uint16(payload[0:2]),
			Cols: binary.BigEndian.Uint16(payload[2:4]),
		}, nil
	default:
		return Message{}, fmt.Errorf("unknown message type: 0x%02x", frame[0])
	}
}

// ReadMessage reads one framed message. Returns io.EOF on a clean
// close at a frame boundary.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, fmt.Errorf("invalid zero-length frame")
	}
	if length > maxFrameLen {
		return Message{}, fmt.Errorf("frame too large: %d bytes", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Message{}, fmt.Errorf("read message frame: %w", err)
	}
	return Decode(frame)
}

// WriteMessage writes one framed message.
func WriteMessage(w io.Writer, msg Message) error {
	if _, err := w.Write(Encode(msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
