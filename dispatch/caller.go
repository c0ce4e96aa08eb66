package dispatch

import (
	"fmt"

	"duplex-rpc/codec"
	"duplex-rpc/message"

	"github.com/juju/errors"
)

// Argument is one named value sent with a call.
type Argument struct {
	Name  string
	Value any
}

// Arg builds an Argument.
func Arg(name string, value any) Argument {
	return Argument{Name: name, Value: value}
}

// RemoteError carries the text of an exception raised by the remote method.
type RemoteError struct {
	Service string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Service, e.Method, e.Message)
}

// Call is an asynchronous invocation started by Session.Go.
type Call struct {
	ServiceName  string
	MethodName   string
	Reply        any
	Error        error
	AccessDenied bool // Reply holds the fallback of the rule that rejected the call
	Done         chan *Call
}

func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
		logger.Warningf("discarding reply of %s.%s: done channel is full", c.ServiceName, c.MethodName)
	}
}

// EncodeArgs serializes call arguments into named parameters.
func EncodeArgs(c codec.Codec, args []Argument) ([]message.Parameter, error) {
	params := make([]message.Parameter, len(args))
	for i, a := range args {
		data, err := c.Encode(a.Value)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding argument %s", a.Name)
		}
		params[i] = message.Parameter{Name: a.Name, Value: string(data)}
	}
	return params, nil
}

// settle applies a callback to call.
func settle(c codec.Codec, call *Call, cb *message.CallbackRecord) {
	if cb.IsException {
		call.Error = &RemoteError{Service: call.ServiceName, Method: call.MethodName, Message: cb.Data}
		return
	}
	call.AccessDenied = cb.IsAccessDenied
	if call.Reply == nil || cb.Data == "" {
		return
	}
	if err := c.Decode([]byte(cb.Data), call.Reply); err != nil {
		call.Error = errors.Annotatef(err, "decoding reply of %s.%s", call.ServiceName, call.MethodName)
	}
}
