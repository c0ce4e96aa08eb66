// Package protocol implements the duplex-rpc wire format.
//
// Every frame on a plain or HTTP-duplex connection starts with a 2-byte
// prefix followed by a little-endian length and the payload. The receiver
// reads the prefix first, then the length, then exactly that many bytes.
// PingPong frames are the single type byte and nothing else.
//
// Frame format:
//
//	0    1    2              6
//	┌────┬────┬──────────────┬───────────────┐
//	│type│comp│   length     │  payload ...  │
//	│    │    │ uint32 (LE)  │ length bytes  │
//	└────┴────┴──────────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

// ErrProtocol marks errors that must tear the connection down.
const ErrProtocol = errors.ConstError("protocol error")

// HeaderSize is the size of the type, compression and length prefix.
const HeaderSize = 6

// DefaultMaxPayload bounds a single frame payload unless configured otherwise.
const DefaultMaxPayload = 64 << 20

// DataType identifies the meaning of a frame.
type DataType byte

const (
	CallMethod                DataType = 1 // caller → callee method invocation
	ResponseCallMethod        DataType = 2 // callee → caller callback
	PingPong                  DataType = 3 // liveness probe, no payload
	GetServiceDetails         DataType = 4 // service catalogue request and reply
	GetMethodParameterDetails DataType = 5 // parameter skeleton request and reply
	GetClientId               DataType = 6 // server-issued connection identifier
	FlushStream               DataType = 7 // stream transfer progress record
)

// Valid reports whether t is a known frame type.
func (t DataType) Valid() bool {
	return t >= CallMethod && t <= FlushStream
}

func (t DataType) String() string {
	switch t {
	case CallMethod:
		return "CallMethod"
	case ResponseCallMethod:
		return "ResponseCallMethod"
	case PingPong:
		return "PingPong"
	case GetServiceDetails:
		return "GetServiceDetails"
	case GetMethodParameterDetails:
		return "GetMethodParameterDetails"
	case GetClientId:
		return "GetClientId"
	case FlushStream:
		return "FlushStream"
	}
	return "Unknown"
}

// CompressMode identifies the payload compression. Only CompressNone is defined.
type CompressMode byte

const CompressNone CompressMode = 0

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Type        DataType
	Compression CompressMode
	Payload     []byte
}

// Encode writes a complete frame to w.
// The caller must hold a write lock if multiple goroutines share the same writer.
func Encode(w io.Writer, f *Frame) error {
	if f.Type == PingPong {
		_, err := w.Write([]byte{byte(PingPong)})
		return err
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = byte(f.Compression)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. Payloads larger than maxPayload are rejected
// before any of their bytes are read.
func Decode(r io.Reader, maxPayload uint32) (*Frame, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:1]); err != nil {
		return nil, err
	}
	t := DataType(prefix[0])
	if !t.Valid() {
		return nil, errors.WithType(errors.Errorf("unknown frame type: %d", prefix[0]), ErrProtocol)
	}
	if t == PingPong {
		return &Frame{Type: PingPong}, nil
	}
	if _, err := io.ReadFull(r, prefix[1:]); err != nil {
		return nil, err
	}
	if CompressMode(prefix[1]) != CompressNone {
		return nil, errors.WithType(errors.Errorf("unsupported compression: %d", prefix[1]), ErrProtocol)
	}
	payload, err := ReadBlock(r, maxPayload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: t, Compression: CompressNone, Payload: payload}, nil
}

// WriteBlock writes a little-endian length followed by data.
func WriteBlock(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadBlock reads a length-prefixed block of at most max bytes.
func ReadBlock(r io.Reader, max uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if max > 0 && n > max {
		return nil, errors.WithType(errors.Errorf("payload of %d bytes exceeds limit of %d", n, max), ErrProtocol)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
