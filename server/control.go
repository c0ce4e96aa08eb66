package server

import (
	"context"
	"strings"

	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
)

// RegisterServiceControl is the control call a client sends to announce a
// server service it is going to use.
const RegisterServiceControl = "/RegisterService"

func (svr *Server) controls() map[string]middleware.HandlerFunc {
	return map[string]middleware.HandlerFunc{
		strings.ToLower(strings.TrimPrefix(RegisterServiceControl, message.ControlPrefix)): svr.registerService,
	}
}

// registerService confirms that the service named by the call exists.
func (svr *Server) registerService(_ context.Context, call *message.CallRecord) *message.CallbackRecord {
	if !svr.services.Has(call.ServiceName) {
		return message.Exception(call.ID, "service "+call.ServiceName+" not found")
	}
	data, _ := svr.opts.codec.Encode(true)
	return &message.CallbackRecord{ID: call.ID, Data: string(data), PartNumber: protocol.FinalPart}
}

// onFrame answers detail and id requests. It runs on the session read loop.
func (svr *Server) onFrame(s *dispatch.Session, f *protocol.Frame) {
	var reply []byte
	switch f.Type {
	case protocol.GetServiceDetails:
		host := svr.opts.hostURL
		if len(f.Payload) > 0 {
			var requested string
			if err := svr.opts.codec.Decode(f.Payload, &requested); err == nil && requested != "" {
				host = requested
			}
		}
		reply, _ = svr.opts.codec.Encode(svr.services.Details(host))
	case protocol.GetMethodParameterDetails:
		req := &message.ParameterDetailsRequest{}
		if err := svr.opts.codec.Decode(f.Payload, req); err != nil {
			logger.Debugf("client %s sent a bad parameter details request: %v", s.ID(), err)
			break
		}
		skeleton, err := svr.services.ParameterSkeleton(svr.opts.codec, req)
		if err != nil {
			logger.Debugf("parameter details for %s.%s(%s): %v", req.ServiceName, req.MethodName, req.ParameterName, err)
			break
		}
		reply = []byte(skeleton)
	case protocol.GetClientId:
		reply, _ = svr.opts.codec.Encode(s.ID())
	default:
		logger.Tracef("ignoring %s frame from client %s", f.Type, s.ID())
		return
	}
	if err := s.Send(&protocol.Frame{Type: f.Type, Payload: reply}); err != nil {
		logger.Debugf("answering %s for client %s: %v", f.Type, s.ID(), err)
	}
}
