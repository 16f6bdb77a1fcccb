package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/PoHsuanLai/tutti-plugin/errors"
)

// Version is the control channel protocol version announced in ReadyNotice.
const Version uint32 = 1

// MaxFrameSize caps a single control frame. Audio never travels here, so
// anything larger than this is a corrupted or hostile stream.
const MaxFrameSize = 1 << 20

// Conn frames Messages over a stream connection: a 4-byte big-endian length
// prefix followed by a JSON envelope. Send and Receive are each safe for one
// goroutine at a time; the client keeps a single reader and serializes writes.
type Conn struct {
	conn net.Conn
}

// NewConn wraps an established stream connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes one framed message.
func (c *Conn) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &errors.ProtocolError{Err: err, Message: msg.Tag(), Reason: "encode payload"}
	}
	body, err := json.Marshal(envelope{Type: msg.Tag(), Payload: payload})
	if err != nil {
		return &errors.ProtocolError{Err: err, Message: msg.Tag(), Reason: "encode envelope"}
	}
	if len(body) > MaxFrameSize {
		return &errors.ProtocolError{Message: msg.Tag(), Reason: fmt.Sprintf("frame of %d bytes exceeds limit", len(body))}
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads one framed message and decodes it into its typed payload.
func (c *Conn) Receive() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return nil, &errors.ProtocolError{Reason: fmt.Sprintf("frame size %d out of range", size)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &errors.ProtocolError{Err: err, Reason: "decode envelope"}
	}
	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, &errors.ProtocolError{Err: err, Message: env.Type, Reason: "decode payload"}
		}
	}
	return msg, nil
}

// SetReadDeadline bounds the next Receive.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next Send.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
