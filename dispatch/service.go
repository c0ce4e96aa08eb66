package dispatch

import (
	"context"
	"reflect"
	"strings"

	"github.com/juju/errors"
)

// Instancing decides how many receivers back a service.
type Instancing int

const (
	// SingleInstance shares one receiver across every connection.
	SingleInstance Instancing = iota
	// PerClientInstance creates a receiver per connection on first use.
	PerClientInstance
)

// Param names one method parameter. Parameters with a default may be
// omitted by the caller.
type Param struct {
	Name       string
	Default    any
	HasDefault bool
}

// Required declares a parameter the caller must send.
func Required(name string) Param {
	return Param{Name: name}
}

// Optional declares a parameter that falls back to def when omitted.
func Optional(name string, def any) Param {
	return Param{Name: name, Default: def, HasDefault: true}
}

// MethodSpec binds a wire name to a Go function.
//
// Func takes the service receiver first, optionally a context.Context, and
// then one argument per entry of Params. It returns nothing, a value, an
// error, or a value and an error. A method expression such as
// (*EchoService).Say fits directly. Several specs may share a Name; they
// are told apart by their parameter names.
type MethodSpec struct {
	Name   string
	Func   any
	Params []Param
	Policy MethodPolicy
}

// ServiceSpec describes one callable service.
type ServiceSpec struct {
	Name       string
	New        func() any
	Instancing Instancing
	Methods    []MethodSpec
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type method struct {
	service    *service
	name       string
	fn         reflect.Value
	takesCtx   bool
	params     []Param
	argTypes   []reflect.Type
	returnType reflect.Type // nil for void
	returnsErr bool
	policy     MethodPolicy
	key        string // lower-cased "service.method(params)", the PerMethod scope key
}

type service struct {
	name       string
	newFn      func() any
	instancing Instancing
	single     any
	methods    []*method
}

func compileService(spec ServiceSpec) (*service, error) {
	if spec.Name == "" {
		return nil, errors.NotValidf("service without a name")
	}
	if spec.New == nil {
		return nil, errors.NotValidf("service %q without a constructor", spec.Name)
	}
	svc := &service{name: spec.Name, newFn: spec.New, instancing: spec.Instancing}
	if spec.Instancing == SingleInstance {
		svc.single = spec.New()
	}
	recvType := reflect.TypeOf(spec.New())
	for _, ms := range spec.Methods {
		m, err := compileMethod(svc, recvType, ms)
		if err != nil {
			return nil, errors.Annotatef(err, "service %s", spec.Name)
		}
		svc.methods = append(svc.methods, m)
	}
	return svc, nil
}

// methodKey identifies one overload: overloads share a name and differ in
// their parameter names.
func methodKey(service string, ms MethodSpec) string {
	names := make([]string, len(ms.Params))
	for i, p := range ms.Params {
		names[i] = p.Name
	}
	return strings.ToLower(service + "." + ms.Name + "(" + strings.Join(names, ",") + ")")
}

func compileMethod(svc *service, recvType reflect.Type, ms MethodSpec) (*method, error) {
	fn := reflect.ValueOf(ms.Func)
	if fn.Kind() != reflect.Func {
		return nil, errors.NotValidf("method %q: Func is %T", ms.Name, ms.Func)
	}
	ft := fn.Type()
	if ft.NumIn() < 1 || !recvType.AssignableTo(ft.In(0)) {
		return nil, errors.NotValidf("method %q: first argument must accept %s", ms.Name, recvType)
	}
	m := &method{
		service: svc,
		name:    ms.Name,
		fn:      fn,
		params:  ms.Params,
		policy:  ms.Policy,
		key:     methodKey(svc.name, ms),
	}
	first := 1
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		m.takesCtx = true
		first = 2
	}
	if ft.NumIn()-first != len(ms.Params) {
		return nil, errors.NotValidf("method %q: %d parameters declared for %d arguments",
			ms.Name, len(ms.Params), ft.NumIn()-first)
	}
	for i := first; i < ft.NumIn(); i++ {
		m.argTypes = append(m.argTypes, ft.In(i))
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.returnsErr = true
		} else {
			m.returnType = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, errors.NotValidf("method %q: second result must be error", ms.Name)
		}
		m.returnType, m.returnsErr = ft.Out(0), true
	default:
		return nil, errors.NotValidf("method %q: too many results", ms.Name)
	}
	return m, nil
}

// matches reports whether the lower-cased names select this overload and
// how many defaults it would fill in.
func (m *method) matches(names map[string]struct{}) (bool, int) {
	if len(names) > len(m.params) {
		return false, 0
	}
	seen, omitted := 0, 0
	for _, p := range m.params {
		if _, ok := names[strings.ToLower(p.Name)]; ok {
			seen++
			continue
		}
		if !p.HasDefault {
			return false, 0
		}
		omitted++
	}
	return seen == len(names), omitted
}

