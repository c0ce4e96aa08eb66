package codec

import (
	"encoding/json"

	"github.com/juju/errors"
)

// JSONCodec uses encoding/json for serialization.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// Exclude drops the named top-level fields from a serialized JSON object.
// Data that is not an object is returned unchanged.
func Exclude(data []byte, fields []string) ([]byte, error) {
	if len(fields) == 0 || len(data) == 0 || data[0] != '{' {
		return data, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, errors.Annotate(err, "filtering result fields")
	}
	for _, f := range fields {
		delete(obj, f)
	}
	return json.Marshal(obj)
}
