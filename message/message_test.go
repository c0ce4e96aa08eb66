package message

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestCallRecordWireNames(t *testing.T) {
	call := CallRecord{
		ID:          "6f1c",
		ServiceName: "EchoService",
		MethodName:  "Say",
		Parameters:  []Parameter{{Name: "message", Value: `"hi"`}},
	}
	data, err := json.Marshal(call)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"guid":"6f1c"`) {
		t.Fatalf("correlation id should be serialized as guid: %s", data)
	}
	if strings.Contains(string(data), `"kind"`) {
		t.Fatalf("user calls should omit kind: %s", data)
	}
}

func TestIsControl(t *testing.T) {
	if (&CallRecord{MethodName: "Say"}).IsControl() {
		t.Fatal("plain method should not be a control call")
	}
	if !(&CallRecord{MethodName: "/RegisterService"}).IsControl() {
		t.Fatal("method starting with / should be a control call")
	}
	if !(&CallRecord{MethodName: "x", Kind: InternalControlCall}).IsControl() {
		t.Fatal("kind should mark a control call")
	}
}

func TestParamNames(t *testing.T) {
	call := &CallRecord{Parameters: []Parameter{{Name: "a"}, {Name: "b"}}}
	if got := call.ParamNames(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestExceptionIsFinalPart(t *testing.T) {
	cb := Exception("1", "boom")
	if !cb.IsException || cb.PartNumber != -1 || cb.Data != "boom" {
		t.Fatalf("unexpected exception callback %+v", cb)
	}
}
