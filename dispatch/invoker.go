// Package dispatch runs method calls in both directions of a duplex connection.
//
// The callee side resolves an incoming CallRecord against a Registry,
// applies the method's admission rules and concurrency scope, runs it and
// turns the outcome into a CallbackRecord. The caller side is a Session: it
// sends calls over a transport.FrameConn and parks each caller on a
// correlation slot until its callback arrives.
//
//	frame → Session.readLoop ─┬─ CallMethod ──────→ handler (Invoker.Handle) → callback frame
//	                          ├─ ResponseCallMethod → correlation.Table.Fulfill
//	                          └─ other types ───────→ waiter or OnFrame
package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"duplex-rpc/codec"
	"duplex-rpc/message"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("duplexrpc.dispatch")

// Outcome is the result of running one call on the callee side.
type Outcome struct {
	Value    any
	Void     bool
	Err      error
	Denied   bool
	Fallback any
	Exclude  []string
}

// Invoker executes calls against a Registry.
type Invoker struct {
	registry  *Registry
	codec     codec.Codec
	scopes    *Scopes
	instances *Instances
}

func NewInvoker(reg *Registry, c codec.Codec) *Invoker {
	return &Invoker{
		registry:  reg,
		codec:     c,
		scopes:    NewScopes(),
		instances: NewInstances(),
	}
}

func (iv *Invoker) Registry() *Registry { return iv.registry }

func (iv *Invoker) Instances() *Instances { return iv.instances }

func (iv *Invoker) Codec() codec.Codec { return iv.codec }

// Handle runs call and builds its callback. It has the shape of
// middleware.HandlerFunc.
func (iv *Invoker) Handle(ctx context.Context, call *message.CallRecord) *message.CallbackRecord {
	return iv.Callback(call, iv.Invoke(ctx, call))
}

// Invoke resolves and runs call. A panicking method becomes an error outcome.
func (iv *Invoker) Invoke(ctx context.Context, call *message.CallRecord) Outcome {
	m, err := iv.registry.resolve(call)
	if err != nil {
		return Outcome{Err: err}
	}
	peer, _ := PeerFromContext(ctx)
	if ok, fallback := m.policy.admit(ctx, peer, call); !ok {
		logger.Debugf("call %s.%s from %s denied", call.ServiceName, call.MethodName, peer.Addr)
		return Outcome{Denied: true, Fallback: fallback}
	}
	args, err := iv.bind(ctx, m, call)
	if err != nil {
		return Outcome{Err: err}
	}
	if peer.ClientID == "" {
		peer.ClientID = callerFromArgs(args)
	}
	recv := iv.instances.receiver(m.service, peer.ClientID)

	release := iv.scopes.Acquire(m.policy.Concurrency, peer, m.key)
	defer release()
	return m.run(ctx, recv, args)
}

func (iv *Invoker) bind(ctx context.Context, m *method, call *message.CallRecord) ([]reflect.Value, error) {
	binder := binderFromContext(ctx)
	args := make([]reflect.Value, len(m.params))
	for i, p := range m.params {
		t := m.argTypes[i]
		sent, ok := findParam(call, p.Name)
		if !ok {
			v, err := defaultValue(p, t)
			if err != nil {
				return nil, errors.Annotatef(err, "parameter %s", p.Name)
			}
			args[i] = v
			continue
		}
		ptr := reflect.New(t)
		if err := iv.codec.Decode([]byte(sent.Value), ptr.Interface()); err != nil {
			return nil, errors.NotValidf("parameter %s of %s.%s: %v", p.Name, call.ServiceName, call.MethodName, err)
		}
		args[i] = ptr.Elem()
		if binder != nil {
			binder(args[i].Interface())
		}
	}
	return args, nil
}

// CallerIdentifier is implemented by parameters that carry the caller's
// client id, such as stream descriptors sent over secondary connections.
type CallerIdentifier interface {
	CallerID() string
}

func callerFromArgs(args []reflect.Value) string {
	for _, a := range args {
		if !a.IsValid() || !a.CanInterface() {
			continue
		}
		if (a.Kind() == reflect.Ptr || a.Kind() == reflect.Interface) && a.IsNil() {
			continue
		}
		if c, ok := a.Interface().(CallerIdentifier); ok {
			return c.CallerID()
		}
	}
	return ""
}

func findParam(call *message.CallRecord, name string) (message.Parameter, bool) {
	for _, p := range call.Parameters {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return message.Parameter{}, false
}

func defaultValue(p Param, t reflect.Type) (reflect.Value, error) {
	if p.Default == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(p.Default)
	switch {
	case v.Type().AssignableTo(t):
		return v, nil
	case v.Type().ConvertibleTo(t):
		return v.Convert(t), nil
	}
	return reflect.Value{}, errors.NotValidf("default %T for %s", p.Default, t)
}

func (m *method) run(ctx context.Context, recv any, args []reflect.Value) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("method %s.%s panicked: %v", m.service.name, m.name, r)
			out = Outcome{Err: errors.Errorf("%s.%s panicked: %v", m.service.name, m.name, r)}
		}
	}()
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, reflect.ValueOf(recv))
	if m.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)
	results := m.fn.Call(in)

	out = Outcome{Void: m.returnType == nil, Exclude: m.policy.Exclude}
	if m.returnType != nil {
		out.Value = results[0].Interface()
	}
	if m.returnsErr {
		if errV := results[len(results)-1]; !errV.IsNil() {
			out.Err = errV.Interface().(error)
		}
	}
	return out
}

// Callback turns an outcome into the record answering call.
func (iv *Invoker) Callback(call *message.CallRecord, out Outcome) *message.CallbackRecord {
	if out.Err != nil {
		return message.Exception(call.ID, out.Err.Error())
	}
	cb := &message.CallbackRecord{ID: call.ID, PartNumber: -1}
	if out.Denied {
		cb.IsAccessDenied = true
		data, err := iv.codec.Encode(out.Fallback)
		if err != nil {
			return message.Exception(call.ID, fmt.Sprintf("encoding fallback: %v", err))
		}
		cb.Data = string(data)
		return cb
	}
	if out.Void {
		return cb
	}
	data, err := iv.codec.Encode(out.Value)
	if err == nil {
		data, err = codec.Exclude(data, out.Exclude)
	}
	if err != nil {
		return message.Exception(call.ID, fmt.Sprintf("encoding result: %v", err))
	}
	cb.Data = string(data)
	return cb
}
