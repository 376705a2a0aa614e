package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/utils"
)

const jsonRPCVersion = "2.0"

// Client talks JSON-RPC 2.0 to the storage target daemon over a stream
// socket. Calls are serialized; the connection is dialed lazily and dropped
// after any transport failure so the next call redials.
type Client struct {
	network string
	address string
	timeout time.Duration

	mutex   sync.Mutex
	conn    net.Conn
	decoder *json.Decoder
	nextID  uint64
}

// NewClient accepts unix:// and tcp:// endpoints. timeout bounds each call
// that does not carry its own deadline.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	network, address, err := utils.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	return &Client{
		network: network,
		address: address,
		timeout: timeout,
	}, nil
}

// Call starts a request for the given daemon method.
func (c *Client) Call(method string) *Request {
	return NewRequest(c).Method(method)
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.decoder = nil
	return err
}

type rpcRequest struct {
	Version string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (c *Client) roundTrip(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		dialer := net.Dialer{Timeout: c.timeout}
		conn, err := dialer.DialContext(ctx, c.network, c.address)
		if err != nil {
			return nil, &TransportError{Method: method, Err: err}
		}
		c.conn = conn
		c.decoder = json.NewDecoder(conn)
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, &TransportError{Method: method, Err: err}
	}

	c.nextID++
	req := rpcRequest{Version: jsonRPCVersion, ID: c.nextID, Method: method, Params: params}
	if err := json.NewEncoder(c.conn).Encode(&req); err != nil {
		c.closeLocked()
		return nil, &TransportError{Method: method, Err: err}
	}

	var rsp rpcResponse
	if err := c.decoder.Decode(&rsp); err != nil {
		c.closeLocked()
		return nil, &TransportError{Method: method, Err: err}
	}
	if rsp.ID != req.ID {
		c.closeLocked()
		return nil, &TransportError{Method: method, Err: fmt.Errorf("response id %d does not match request id %d", rsp.ID, req.ID)}
	}
	if rsp.Error != nil {
		klog.V(4).Infof("Call: %s failed: %v", method, rsp.Error)
		return nil, rsp.Error
	}

	klog.V(4).Infof("Call: %s result: %s", method, string(rsp.Result))
	return rsp.Result, nil
}
