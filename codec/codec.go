// Package codec is the serialization boundary of duplex-rpc.
//
// Records and parameter values cross the wire as text produced by a Codec.
// The dispatch engine only ever calls Encode and Decode, so another format
// can be plugged in without touching the connection layer.
package codec

import "github.com/juju/errors"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}, nil
	}
	return nil, errors.NotSupportedf("codec type %d", codecType)
}

// ParseCodecType maps a codec name such as "json" to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json", "":
		return CodecTypeJSON, nil
	}
	return 0, errors.NotValidf("codec %q", name)
}
