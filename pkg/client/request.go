package client

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/metrics"
)

type Request struct {
	client *Client
	method string
	params interface{}

	err error
	ctx context.Context
}

func NewRequest(client *Client) *Request {
	return &Request{
		client: client,
	}
}

func (r *Request) Method(method string) *Request {
	r.method = method
	return r
}

// Params sets the JSON-RPC params object. A nil value omits params.
func (r *Request) Params(obj interface{}) *Request {
	switch obj.(type) {
	case nil:
	case []byte, string:
		r.err = fmt.Errorf("params must be a JSON object, got %T", obj)
	default:
		r.params = obj
	}
	return r
}

func (r *Request) Context(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

func (r *Request) Do() *Response {
	if r.err != nil {
		return &Response{
			err: r.err,
		}
	}
	if r.method == "" {
		return &Response{
			err: fmt.Errorf("no method set on request"),
		}
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	klog.V(4).Infof("Request: %s %+v", r.method, r.params)
	result, err := r.client.roundTrip(ctx, r.method, r.params)
	if err != nil {
		metrics.TargetCalls.WithLabelValues(r.method, metrics.ResultError).Inc()
		return &Response{
			err: err,
		}
	}

	metrics.TargetCalls.WithLabelValues(r.method, metrics.ResultOK).Inc()
	return &Response{
		result: result,
	}
}
