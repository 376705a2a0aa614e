package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Response struct {
	result json.RawMessage
	err    error
}

func (r *Response) Result() json.RawMessage {
	return r.result
}

func (r *Response) Err() error {
	return r.err
}

func (r *Response) Parse(m interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(r.result) == 0 {
		return nil
	}
	return json.Unmarshal(r.result, m)
}

// RPCError is an error the daemon reported for a well-formed call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// TransportError means the daemon could not be reached or did not answer.
// Whether the call took effect is unknown.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRPCError reports whether err carries a daemon error with one of the given
// codes, or any daemon error if none are given.
func IsRPCError(err error, codes ...int) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, code := range codes {
		if rpcErr.Code == code {
			return true
		}
	}
	return false
}
