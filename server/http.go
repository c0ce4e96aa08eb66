package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/transport"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// routes serves GET or POST /{service}/{method}. Query and form values are
// the named parameters.
func (svr *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{service}/{method}", svr.serveCall)
	r.Post("/{service}/{method}", svr.serveCall)
	return r
}

// serveHTTP answers the single request of a plain HTTP connection and closes it.
func (svr *Server) serveHTTP(hs *transport.Handshake) error {
	defer hs.Conn.Close()
	w := transport.NewResponseWriter(hs.Conn, hs.Reader)
	svr.router.ServeHTTP(w, hs.Request.WithContext(svr.ctx))
	return w.Flush()
}

func (svr *Server) serveCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	call := &message.CallRecord{
		ID:          uuid.NewString(),
		ServiceName: chi.URLParam(r, "service"),
		MethodName:  chi.URLParam(r, "method"),
	}
	names := make([]string, 0, len(r.Form))
	for name := range r.Form {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		call.Parameters = append(call.Parameters, message.Parameter{Name: name, Value: formValue(r.Form.Get(name))})
	}

	ctx := dispatch.NewPeerContext(r.Context(), dispatch.Peer{Addr: r.RemoteAddr})
	cb := svr.handler(ctx, call)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case cb.IsException:
		w.WriteHeader(http.StatusInternalServerError)
	case cb.IsAccessDenied:
		w.WriteHeader(http.StatusForbidden)
	default:
		w.WriteHeader(http.StatusOK)
	}
	io.WriteString(w, cb.Data)
}

// formValue uses v as-is when it is valid JSON, otherwise as a JSON string.
func formValue(v string) string {
	if json.Valid([]byte(v)) {
		return v
	}
	quoted, _ := json.Marshal(v)
	return string(quoted)
}
