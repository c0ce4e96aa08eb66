package protocol

import (
	"bytes"
	"strconv"

	"github.com/juju/errors"
)

// EncodeText renders f as a WebSocket text payload: "<type>,<compression>/" + payload.
func EncodeText(f *Frame) []byte {
	prefix := strconv.Itoa(int(f.Type)) + "," + strconv.Itoa(int(f.Compression)) + "/"
	out := make([]byte, 0, len(prefix)+len(f.Payload))
	out = append(out, prefix...)
	return append(out, f.Payload...)
}

// DecodeText parses a WebSocket text payload produced by EncodeText.
func DecodeText(data []byte, maxPayload uint32) (*Frame, error) {
	slash := bytes.IndexByte(data, '/')
	if slash < 0 {
		return nil, errors.WithType(errors.New("missing text frame prefix"), ErrProtocol)
	}
	head := string(data[:slash])
	comma := bytes.IndexByte(data[:slash], ',')
	if comma < 0 {
		return nil, errors.WithType(errors.Errorf("malformed text frame prefix %q", head), ErrProtocol)
	}
	typ, err := strconv.Atoi(head[:comma])
	if err != nil || !DataType(typ).Valid() {
		return nil, errors.WithType(errors.Errorf("unknown frame type: %q", head[:comma]), ErrProtocol)
	}
	comp, err := strconv.Atoi(head[comma+1:])
	if err != nil || CompressMode(comp) != CompressNone {
		return nil, errors.WithType(errors.Errorf("unsupported compression: %q", head[comma+1:]), ErrProtocol)
	}
	payload := data[slash+1:]
	if maxPayload > 0 && uint32(len(payload)) > maxPayload {
		return nil, errors.WithType(errors.Errorf("payload of %d bytes exceeds limit of %d", len(payload), maxPayload), ErrProtocol)
	}
	return &Frame{Type: DataType(typ), Compression: CompressNone, Payload: payload}, nil
}
