/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package nvmf

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
	"github.com/ceph-nvme/nvmf-proxy/pkg/metrics"
)

// State of the control loop.
type State int32

const (
	StateListening State = iota
	StateDecoding
	StateDispatching
	StateEncoding
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateDecoding:
		return "DECODING"
	case StateDispatching:
		return "DISPATCHING"
	case StateEncoding:
		return "ENCODING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

const (
	maxDatagramSize = 65535
	// largest UDP payload over IPv4
	maxReplySize = 65507
)

type handlerFunc func(ctx context.Context, data []byte) (interface{}, error)

// ControlService answers control datagrams one at a time. Each datagram is
// a complete request and gets exactly one reply, except stop.
type ControlService struct {
	conn              net.PacketConn
	registry          *Registry
	reconcileInterval time.Duration

	state    atomic.Int32
	handlers map[string]handlerFunc
}

func NewControlService(conn net.PacketConn, registry *Registry, reconcileInterval time.Duration) *ControlService {
	s := &ControlService{
		conn:              conn,
		registry:          registry,
		reconcileInterval: reconcileInterval,
	}
	s.handlers = map[string]handlerFunc{
		MethodClusterAdd: s.clusterAdd,
		MethodCreate:     s.create,
		MethodFind:       s.find,
		MethodJoin:       s.join,
		MethodLeave:      s.leave,
		MethodHostAdd:    s.hostAdd,
		MethodHostList:   s.hostList,
		MethodHostDel:    s.hostDel,
		MethodList:       s.list,
		MethodRemove:     s.remove,
	}
	return s
}

func (s *ControlService) State() State {
	return State(s.state.Load())
}

func (s *ControlService) setState(st State) {
	s.state.Store(int32(st))
}

// Serve runs the loop until a stop command arrives or ctx is done. A command
// being dispatched when ctx ends is completed and answered first.
func (s *ControlService) Serve(ctx context.Context) error {
	defer s.setState(StateTerminated)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// wake up the blocked read
			s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	klog.Infof("ControlService: listening on %s", s.conn.LocalAddr())
	buf := make([]byte, maxDatagramSize)
	lastReconcile := time.Now()
	for {
		s.setState(StateListening)
		if ctx.Err() != nil {
			s.setState(StateShuttingDown)
			klog.Info("ControlService: context done, shutting down")
			return nil
		}

		var deadline time.Time
		if s.reconcileInterval > 0 {
			deadline = lastReconcile.Add(s.reconcileInterval)
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		if ctx.Err() != nil {
			continue
		}

		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if ctx.Err() == nil && s.reconcileInterval > 0 && time.Since(lastReconcile) >= s.reconcileInterval {
					s.reconcile()
					lastReconcile = time.Now()
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				s.setState(StateShuttingDown)
				return nil
			}
			klog.Errorf("ControlService: read failed: %v", err)
			return err
		}

		if stop := s.handle(buf[:n], peer); stop {
			s.setState(StateShuttingDown)
			klog.Info("ControlService: stop requested, shutting down")
			return nil
		}

		if s.reconcileInterval > 0 && time.Since(lastReconcile) >= s.reconcileInterval {
			s.reconcile()
			lastReconcile = time.Now()
		}
	}
}

func (s *ControlService) reconcile() {
	s.setState(StateDispatching)
	if err := s.registry.Reconcile(context.Background()); err != nil {
		klog.Errorf("ControlService: periodic reconcile failed: %v", err)
	}
}

// handle processes one datagram and reports whether it was a stop command.
func (s *ControlService) handle(data []byte, peer net.Addr) bool {
	start := time.Now()

	s.setState(StateDecoding)
	method, err := decodeMethod(data)
	if err == nil && method == MethodStop {
		metrics.Requests.WithLabelValues(method, codes.OK.String()).Inc()
		return true
	}
	klog.V(4).Infof("ControlService: %s from %s: %s", method, peer, string(data))

	var result interface{}
	if err == nil {
		handler, ok := s.handlers[method]
		if !ok {
			err = status.Errorf(codes.InvalidArgument, "unknown method %q", method)
			method = "unknown"
		} else {
			s.setState(StateDispatching)
			// commands run to completion even if the loop is asked to stop
			result, err = handler(context.Background(), data)
		}
	} else {
		method = "malformed"
	}

	s.setState(StateEncoding)
	if err != nil {
		klog.V(2).Infof("ControlService: %s failed: %v", method, err)
		result = encodeError(err)
	}
	rsp, merr := json.Marshal(result)
	if merr != nil {
		klog.Errorf("ControlService: encoding %s reply failed: %v", method, merr)
		err = status.Errorf(codes.Internal, "failed to encode reply: %v", merr)
		rsp, _ = json.Marshal(encodeError(err))
	}
	if len(rsp) > maxReplySize {
		klog.Errorf("ControlService: %s reply of %d bytes does not fit in a datagram", method, len(rsp))
		err = status.Errorf(codes.ResourceExhausted, "reply of %d bytes exceeds the %d byte datagram limit", len(rsp), maxReplySize)
		rsp, _ = json.Marshal(encodeError(err))
	}
	if _, werr := s.conn.WriteTo(rsp, peer); werr != nil {
		klog.Errorf("ControlService: reply to %s failed: %v", peer, werr)
		if err == nil {
			err = status.Errorf(codes.ResourceExhausted, "failed to send reply: %v", werr)
			rsp, _ = json.Marshal(encodeError(err))
			if _, werr := s.conn.WriteTo(rsp, peer); werr != nil {
				klog.Errorf("ControlService: error reply to %s failed: %v", peer, werr)
			}
		}
	}

	metrics.Requests.WithLabelValues(method, status.Code(err).String()).Inc()
	metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return false
}

func (s *ControlService) clusterAdd(ctx context.Context, data []byte) (interface{}, error) {
	var req clusterAddRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	cred := ClusterCredential{Name: req.Name, User: req.User, Key: req.Key, MonHost: req.MonHost}
	if err := s.registry.ClusterAdd(ctx, cred); err != nil {
		return nil, err
	}
	return ack{}, nil
}

func (s *ControlService) create(ctx context.Context, data []byte) (interface{}, error) {
	var req createRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	return s.registry.Create(ctx, CreateRequest{
		NQN:     req.NQN,
		Cluster: req.Cluster,
		Pool:    req.PoolName,
		Image:   req.RbdName,
		Addr:    req.Addr,
	})
}

func (s *ControlService) find(ctx context.Context, data []byte) (interface{}, error) {
	var req nqnRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	return s.registry.Find(ctx, req.NQN)
}

func (s *ControlService) join(ctx context.Context, data []byte) (interface{}, error) {
	var req joinRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	addresses := make([]gmap.Endpoint, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		ep, err := decodeEndpoint(a.Addr, a.Port)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, ep)
	}
	if err := s.registry.Join(ctx, req.NQN, addresses, req.Addr); err != nil {
		return nil, err
	}
	return ack{}, nil
}

func (s *ControlService) leave(ctx context.Context, data []byte) (interface{}, error) {
	var req leaveRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	units := make([]UnitRef, 0, len(req.Subsystems))
	for _, u := range req.Subsystems {
		ep, err := decodeEndpoint(u.Addr, u.Port)
		if err != nil {
			return nil, err
		}
		units = append(units, UnitRef{NQN: u.NQN, Endpoint: ep})
	}
	if err := s.registry.Leave(ctx, units); err != nil {
		return nil, err
	}
	return ack{}, nil
}

func (s *ControlService) hostAdd(ctx context.Context, data []byte) (interface{}, error) {
	var req hostRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	key, err := decodeKey(req.DhchapKey)
	if err != nil {
		return nil, err
	}
	if err := s.registry.HostAdd(ctx, req.NQN, req.Host, key); err != nil {
		return nil, err
	}
	return ack{}, nil
}

func (s *ControlService) hostList(ctx context.Context, data []byte) (interface{}, error) {
	var req nqnRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	policy, err := s.registry.HostList(ctx, req.NQN)
	if err != nil {
		return nil, err
	}
	return encodeHostPolicy(policy), nil
}

func (s *ControlService) hostDel(ctx context.Context, data []byte) (interface{}, error) {
	var req hostRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	if err := s.registry.HostDel(ctx, req.NQN, req.Host); err != nil {
		return nil, err
	}
	return ack{}, nil
}

func (s *ControlService) list(ctx context.Context, data []byte) (interface{}, error) {
	return s.registry.List(ctx)
}

func (s *ControlService) remove(ctx context.Context, data []byte) (interface{}, error) {
	var req nqnRequest
	if err := decodeParams(data, &req); err != nil {
		return nil, err
	}
	if err := s.registry.Remove(ctx, req.NQN); err != nil {
		return nil, err
	}
	return ack{}, nil
}
