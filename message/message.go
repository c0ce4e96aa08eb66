// Package message defines the records exchanged between the two ends of a
// duplex connection.
//
// A CallRecord travels in a CallMethod frame and a CallbackRecord answers it in
// a ResponseCallMethod frame carrying the same ID. Both get serialized by the
// codec layer before they are wrapped in a protocol frame.
package message

import "strings"

// CallKind separates user method calls from internal control calls.
type CallKind uint8

const (
	UserCall            CallKind = 0
	InternalControlCall CallKind = 1
)

// ControlPrefix starts the method name of every internal control call.
const ControlPrefix = "/"

// Parameter is one named argument. Value holds the serialized text, "null" for nil.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CallRecord describes one method invocation. It is immutable once sent.
type CallRecord struct {
	ID          string      `json:"guid"`
	ServiceName string      `json:"serviceName"`
	MethodName  string      `json:"methodName"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Kind        CallKind    `json:"kind,omitempty"`
}

// IsControl reports whether the call bypasses method resolution.
func (c *CallRecord) IsControl() bool {
	return c.Kind == InternalControlCall || strings.HasPrefix(c.MethodName, ControlPrefix)
}

// ParamNames returns the parameter names in call order.
func (c *CallRecord) ParamNames() []string {
	names := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		names[i] = p.Name
	}
	return names
}

// CallbackRecord answers a CallRecord with the same ID.
//
//   - Data holds the serialized result, the error text when IsException is set,
//     or the serialized fallback value when IsAccessDenied is set.
//   - PartNumber is -1 for a whole callback and for the last part of a split one.
type CallbackRecord struct {
	ID             string `json:"guid"`
	Data           string `json:"data,omitempty"`
	IsException    bool   `json:"isException,omitempty"`
	IsAccessDenied bool   `json:"isAccessDenied,omitempty"`
	PartNumber     int16  `json:"partNumber"`
}

// Exception builds an exception callback for id.
func Exception(id string, text string) *CallbackRecord {
	return &CallbackRecord{ID: id, Data: text, IsException: true, PartNumber: -1}
}

// ParameterDetailsRequest asks for a skeleton of one method parameter's type.
type ParameterDetailsRequest struct {
	ServiceName   string `json:"serviceName"`
	MethodName    string `json:"methodName"`
	ParameterName string `json:"parameterName"`
}

// ServiceDetails is the catalogue returned for a GetServiceDetails request.
type ServiceDetails struct {
	HostURL  string          `json:"hostUrl,omitempty"`
	Services []ServiceDetail `json:"services"`
}

type ServiceDetail struct {
	Name    string         `json:"name"`
	Methods []MethodDetail `json:"methods"`
}

type MethodDetail struct {
	Name       string            `json:"name"`
	ReturnType string            `json:"returnType,omitempty"`
	Parameters []ParameterDetail `json:"parameters,omitempty"`
}

type ParameterDetail struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	HasDefault bool   `json:"hasDefault,omitempty"`
}
