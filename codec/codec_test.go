package codec

import (
	"duplex-rpc/message"
	"strings"
	"testing"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := &message.CallbackRecord{
		ID:         "abc",
		Data:       `{"a":1,"b":2}`,
		PartNumber: -1,
	}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded message.CallbackRecord
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded != *original {
		t.Errorf("callback mismatch: got %+v, want %+v", decoded, *original)
	}
}

func TestGetCodec(t *testing.T) {
	c, err := GetCodec(CodecTypeJSON)
	if err != nil || c.Type() != CodecTypeJSON {
		t.Fatalf("expect json codec, got %v %v", c, err)
	}
	if _, err := GetCodec(CodecType(9)); err == nil {
		t.Fatal("expect error for unknown codec type")
	}
}

func TestExclude(t *testing.T) {
	out, err := Exclude([]byte(`{"Name":"a","Password":"secret","Age":3}`), []string{"Password"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "secret") || !strings.Contains(string(out), `"Name":"a"`) {
		t.Fatalf("unexpected filtered output %s", out)
	}

	out, err = Exclude([]byte(`"plain"`), []string{"Password"})
	if err != nil || string(out) != `"plain"` {
		t.Fatalf("non-object data should pass through, got %s %v", out, err)
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, err := ParseCodecType("json"); err != nil || ct != CodecTypeJSON {
		t.Fatalf("expect json, got %v %v", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect an error for an unknown codec")
	}
}
