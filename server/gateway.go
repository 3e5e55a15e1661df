package server

import (
	"context"
	"fmt"

	"pipe-rpc/message"
	"pipe-rpc/middleware"
)

// Gateway turns one inbound call into exactly one Result. It never returns
// nil and never panics:
//
//   - unknown opcode: failure "Method not found"
//   - handler value:  success with the encoded value (empty for void)
//   - handler error:  failure with err.Error()
//   - handler panic:  failure with the panic value, logged at error level
func (s *Server) Gateway(ctx context.Context, req *middleware.Request) (result *message.Result) {
	handler, ok := s.table.Lookup(req.Call.Opcode)
	if !ok {
		return message.Failure(req.Codec, message.MethodNotFound)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "opcode", req.Call.Opcode, "panic", r)
			result = message.Failure(req.Codec, fmt.Sprint(r))
		}
	}()

	payload, err := handler(ctx, req.Codec, req.Call.Args)
	if err != nil {
		return message.Failure(req.Codec, err.Error())
	}
	return message.Success(payload)
}
