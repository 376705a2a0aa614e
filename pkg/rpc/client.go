// Package rpc is a client for the proxy control socket.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const maxDatagramSize = 65535

// ResponseError is an error reply of the proxy.
type ResponseError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client sends one datagram per command to a proxy control socket.
type Client struct {
	address string
	timeout time.Duration
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{address: address, timeout: timeout}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.address)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Send delivers msg without waiting for a reply.
func (c *Client) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}

// Call delivers msg and decodes the reply into out, which may be nil. An
// error reply is returned as *ResponseError.
func (c *Client) Call(ctx context.Context, msg Message, out interface{}) error {
	raw, err := c.CallRaw(ctx, msg)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode reply %s: %v", string(raw), err)
	}
	return nil
}

// CallRaw delivers msg and returns the undecoded reply.
func (c *Client) CallRaw(ctx context.Context, msg Message) (json.RawMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(append([]byte(nil), buf[:n]...))
	if rerr := parseError(raw); rerr != nil {
		return nil, rerr
	}
	return raw, nil
}

func parseError(raw []byte) *ResponseError {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return nil
	}
	var rsp struct {
		Error *string `json:"error"`
		Code  string  `json:"code"`
	}
	if err := json.Unmarshal(raw, &rsp); err != nil || rsp.Error == nil {
		return nil
	}
	return &ResponseError{Message: *rsp.Error, Code: rsp.Code}
}

// IsCode reports whether err is an error reply with the given code name.
func IsCode(err error, code string) bool {
	rerr, ok := err.(*ResponseError)
	return ok && rerr.Code == code
}
