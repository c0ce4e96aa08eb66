package dispatch

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"duplex-rpc/codec"
	"duplex-rpc/message"

	"github.com/juju/errors"
)

// Registry holds the services exposed on one end of a connection and
// resolves incoming calls to a method overload.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*service // lower-cased name
	order    []string
	cache    sync.Map // resolution key → *method
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*service)}
}

// Register compiles spec and adds it. Names are matched case-insensitively.
func (r *Registry) Register(spec ServiceSpec) error {
	svc, err := compileService(spec)
	if err != nil {
		return errors.Trace(err)
	}
	key := strings.ToLower(spec.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[key]; ok {
		return errors.AlreadyExistsf("service %q", spec.Name)
	}
	r.services[key] = svc
	r.order = append(r.order, spec.Name)
	return nil
}

// Has reports whether a service is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[strings.ToLower(name)]
	return ok
}

// Names returns the registered service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) service(name string) (*service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[strings.ToLower(name)]
	return svc, ok
}

// resolutionKey is the cache key of a call: service, method and the sorted
// lower-cased parameter names.
func resolutionKey(call *message.CallRecord) (string, map[string]struct{}) {
	names := make([]string, 0, len(call.Parameters))
	set := make(map[string]struct{}, len(call.Parameters))
	for _, p := range call.Parameters {
		n := strings.ToLower(p.Name)
		names = append(names, n)
		set[n] = struct{}{}
	}
	sort.Strings(names)
	return strings.ToLower(call.ServiceName) + "|" + strings.ToLower(call.MethodName) + "|" + strings.Join(names, ","), set
}

// resolve finds the overload whose parameter names cover the call. When
// several match, the one needing the fewest defaults wins.
func (r *Registry) resolve(call *message.CallRecord) (*method, error) {
	key, names := resolutionKey(call)
	if m, ok := r.cache.Load(key); ok {
		return m.(*method), nil
	}
	svc, ok := r.service(call.ServiceName)
	if !ok {
		return nil, errors.NotFoundf("service %q", call.ServiceName)
	}
	if len(names) != len(call.Parameters) {
		return nil, errors.NotValidf("duplicate parameter names in call to %s.%s", call.ServiceName, call.MethodName)
	}
	var best *method
	bestOmitted := 0
	found := false
	for _, m := range svc.methods {
		if !strings.EqualFold(m.name, call.MethodName) {
			continue
		}
		found = true
		if ok, omitted := m.matches(names); ok && (best == nil || omitted < bestOmitted) {
			best, bestOmitted = m, omitted
		}
	}
	if best == nil {
		if !found {
			return nil, errors.NotFoundf("method %s.%s", call.ServiceName, call.MethodName)
		}
		return nil, errors.NotFoundf("overload of %s.%s taking (%s)",
			call.ServiceName, call.MethodName, strings.Join(call.ParamNames(), ", "))
	}
	r.cache.Store(key, best)
	return best, nil
}

// Details lists every service with its methods and parameter types.
func (r *Registry) Details(hostURL string) message.ServiceDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := message.ServiceDetails{HostURL: hostURL, Services: []message.ServiceDetail{}}
	for _, name := range r.order {
		svc := r.services[strings.ToLower(name)]
		sd := message.ServiceDetail{Name: svc.name}
		for _, m := range svc.methods {
			md := message.MethodDetail{Name: m.name, ReturnType: "void"}
			if m.returnType != nil {
				md.ReturnType = m.returnType.String()
			}
			for i, p := range m.params {
				md.Parameters = append(md.Parameters, message.ParameterDetail{
					Name:       p.Name,
					Type:       m.argTypes[i].String(),
					HasDefault: p.HasDefault,
				})
			}
			sd.Methods = append(sd.Methods, md)
		}
		out.Services = append(out.Services, sd)
	}
	return out
}

// ParameterSkeleton serializes the zero value of a method parameter's type,
// giving a caller a template to fill in.
func (r *Registry) ParameterSkeleton(c codec.Codec, req *message.ParameterDetailsRequest) (string, error) {
	svc, ok := r.service(req.ServiceName)
	if !ok {
		return "", errors.NotFoundf("service %q", req.ServiceName)
	}
	for _, m := range svc.methods {
		if !strings.EqualFold(m.name, req.MethodName) {
			continue
		}
		for i, p := range m.params {
			if !strings.EqualFold(p.Name, req.ParameterName) {
				continue
			}
			data, err := c.Encode(skeleton(m.argTypes[i]).Interface())
			if err != nil {
				return "", errors.Annotatef(err, "encoding skeleton of %s", p.Name)
			}
			return string(data), nil
		}
	}
	return "", errors.NotFoundf("parameter %q of %s.%s", req.ParameterName, req.ServiceName, req.MethodName)
}

// skeleton allocates pointers so nested structs show their fields.
func skeleton(t reflect.Type) reflect.Value {
	if t.Kind() == reflect.Ptr {
		v := reflect.New(t.Elem())
		v.Elem().Set(skeleton(t.Elem()))
		return v
	}
	return reflect.New(t).Elem()
}
