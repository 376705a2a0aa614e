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
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
	netutils "k8s.io/utils/net"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// SubsystemInfo describes one subsystem and the endpoint a client should
// connect to.
type SubsystemInfo struct {
	NQN     string `json:"nqn"`
	Pool    string `json:"pool"`
	Image   string `json:"image"`
	Cluster string `json:"cluster"`
	Addr    string `json:"addr,omitempty"`
	Port    *int   `json:"port,omitempty"`
}

// Unit is one node endpoint serving a subsystem.
type Unit struct {
	Node string `json:"node"`
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// SubsystemSummary is one entry of List.
type SubsystemSummary struct {
	Type    string `json:"type"`
	NQN     string `json:"nqn"`
	Pool    string `json:"pool"`
	Image   string `json:"image"`
	Cluster string `json:"cluster"`
	Units   []Unit `json:"units"`
}

// CreateRequest carries the fields of a create command.
type CreateRequest struct {
	NQN     string
	Cluster string
	Pool    string
	Image   string
	Addr    string
}

// RegistryConfig tunes a Registry.
type RegistryConfig struct {
	NodeID        string
	Pool          string
	CommitRetries int
	StoreTimeout  time.Duration
	TargetTimeout time.Duration
}

// Registry applies control commands to the global map and the local target
// daemon. It is driven by a single goroutine.
type Registry struct {
	nodeID        string
	pool          string
	opts          gmap.Options
	targetTimeout time.Duration

	store  gmap.Store
	target TargetClient
	creds  *CredentialStore
}

func NewRegistry(conf RegistryConfig, store gmap.Store, target TargetClient, creds *CredentialStore) *Registry {
	return &Registry{
		nodeID: conf.NodeID,
		pool:   conf.Pool,
		opts: gmap.Options{
			Backoff: gmap.BackoffWithRetries(conf.CommitRetries),
			Timeout: conf.StoreTimeout,
		},
		targetTimeout: conf.TargetTimeout,
		store:         store,
		target:        target,
		creds:         creds,
	}
}

// errUnitsRemain aborts a removal that found units of other nodes.
var errUnitsRemain = errors.New("units remain")

func (r *Registry) read(ctx context.Context, op string) (*gmap.GlobalMap, error) {
	m, err := gmap.Get(ctx, r.store, r.opts.Timeout)
	if err != nil {
		return nil, storeError(op, err)
	}
	return m, nil
}

func (r *Registry) update(ctx context.Context, fn gmap.Mutator) (*gmap.GlobalMap, error) {
	return gmap.Update(ctx, r.store, r.opts, fn)
}

// targetCtx bounds one daemon round trip.
func (r *Registry) targetCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.targetTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.targetTimeout)
}

func lookup(m *gmap.GlobalMap, nqn string) (*gmap.Subsystem, error) {
	s, ok := m.Subsystems[nqn]
	if !ok || s == nil {
		return nil, status.Errorf(codes.NotFound, "subsystem %s not found", nqn)
	}
	return s, nil
}

// ClusterAdd stores credentials for a backing cluster on this node only.
func (r *Registry) ClusterAdd(ctx context.Context, cred ClusterCredential) error {
	return r.creds.Add(cred)
}

// Create exports a new subsystem from this node and records it with this
// node as its only unit.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*SubsystemInfo, error) {
	if req.Pool == "" {
		req.Pool = r.pool
	}
	if !isValidNQN(req.NQN) {
		return nil, status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	if req.Cluster == "" || req.Pool == "" || req.Image == "" {
		return nil, status.Error(codes.InvalidArgument, "cluster, pool_name and rbd_name must be provided")
	}
	if !isValidAddr(req.Addr) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid addr %q", req.Addr)
	}

	klog.V(4).Infof("Create called for %s", req.NQN)

	cred, err := r.creds.Get(req.Cluster)
	if err != nil {
		return nil, err
	}
	m, err := r.read(ctx, "Create")
	if err != nil {
		return nil, err
	}
	if _, ok := m.Subsystems[req.NQN]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "subsystem %s already exists", req.NQN)
	}

	vol := gmap.Volume{Pool: req.Pool, Image: req.Image, Cluster: req.Cluster}
	tctx, cancel := r.targetCtx(ctx)
	ep, err := r.target.CreateExport(tctx, req.NQN, vol, cred, gmap.Endpoint{Addr: req.Addr})
	cancel()
	if err != nil {
		klog.Errorf("Create: export of %s failed: %v", req.NQN, err)
		return nil, targetError("Create", err)
	}

	_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
		if s, ok := m.Subsystems[req.NQN]; ok {
			// our own earlier attempt whose reply was lost
			if s.Volume == vol && s.HasUnit(r.nodeID, ep) {
				return nil
			}
			return status.Errorf(codes.AlreadyExists, "subsystem %s already exists", req.NQN)
		}
		s := &gmap.Subsystem{Volume: vol, Hosts: gmap.RestrictedPolicy()}
		s.AddUnit(r.nodeID, ep)
		m.Subsystems[req.NQN] = s
		return nil
	})
	if err != nil {
		r.rollbackExport(ctx, "Create", req.NQN, err)
		return nil, storeError("Create", err)
	}

	klog.Infof("Create: subsystem %s created on %s:%d", req.NQN, ep.Addr, ep.Port)
	port := ep.Port
	return &SubsystemInfo{
		NQN:     req.NQN,
		Pool:    vol.Pool,
		Image:   vol.Image,
		Cluster: vol.Cluster,
		Addr:    ep.Addr,
		Port:    &port,
	}, nil
}

// rollbackExport deletes an export whose map commit failed, unless the
// commit may have landed.
func (r *Registry) rollbackExport(ctx context.Context, op, nqn string, commitErr error) {
	if commitOutcomeUnknown(commitErr) {
		klog.Warningf("%s: commit of %s has an unknown outcome, keeping the export: %v", op, nqn, commitErr)
		return
	}
	klog.Errorf("%s: commit of %s failed, rollback!!! err: %v", op, nqn, commitErr)
	tctx, cancel := r.targetCtx(ctx)
	defer cancel()
	if err := r.target.DeleteExport(tctx, nqn); err != nil {
		klog.Errorf("%s: rollback of %s failed: %v", op, nqn, err)
	}
}

// Find returns the subsystem with this node's endpoint, or the first
// endpoint of the lexically first node when this node does not serve it.
func (r *Registry) Find(ctx context.Context, nqn string) (*SubsystemInfo, error) {
	if !isValidNQN(nqn) {
		return nil, status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	m, err := r.read(ctx, "Find")
	if err != nil {
		return nil, err
	}
	s, err := lookup(m, nqn)
	if err != nil {
		return nil, err
	}

	info := &SubsystemInfo{
		NQN:     nqn,
		Pool:    s.Volume.Pool,
		Image:   s.Volume.Image,
		Cluster: s.Volume.Cluster,
	}
	units := s.Units[r.nodeID]
	if len(units) == 0 {
		if nodes := s.Nodes(); len(nodes) > 0 {
			units = s.Units[nodes[0]]
		}
	}
	if len(units) > 0 {
		port := units[0].Port
		info.Addr = units[0].Addr
		info.Port = &port
	}
	return info, nil
}

// List returns every subsystem in NQN order.
func (r *Registry) List(ctx context.Context) ([]SubsystemSummary, error) {
	m, err := r.read(ctx, "List")
	if err != nil {
		return nil, err
	}

	out := make([]SubsystemSummary, 0, len(m.Subsystems))
	for _, nqn := range m.NQNs() {
		s := m.Subsystems[nqn]
		summary := SubsystemSummary{
			Type:    gmap.VolumeTypeRBD,
			NQN:     nqn,
			Pool:    s.Volume.Pool,
			Image:   s.Volume.Image,
			Cluster: s.Volume.Cluster,
			Units:   []Unit{},
		}
		for _, node := range s.Nodes() {
			for _, ep := range s.Units[node] {
				summary.Units = append(summary.Units, Unit{Node: node, Addr: ep.Addr, Port: ep.Port})
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// Remove deletes this node's export and the map entry. It fails while other
// nodes still serve the subsystem.
func (r *Registry) Remove(ctx context.Context, nqn string) error {
	if !isValidNQN(nqn) {
		return status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	m, err := r.read(ctx, "Remove")
	if err != nil {
		return err
	}
	s, err := lookup(m, nqn)
	if err != nil {
		return err
	}
	if others := s.OtherNodes(r.nodeID); len(others) > 0 {
		return status.Errorf(codes.Aborted, "subsystem %s is still served by nodes %s", nqn, strings.Join(others, ","))
	}

	if len(s.Units[r.nodeID]) > 0 {
		tctx, cancel := r.targetCtx(ctx)
		err := r.target.DeleteExport(tctx, nqn)
		cancel()
		if err != nil {
			klog.Errorf("Remove: deleting export %s failed: %v", nqn, err)
			return targetError("Remove", err)
		}
	}

	var others []string
	_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
		s, ok := m.Subsystems[nqn]
		if !ok {
			return nil
		}
		if others = s.OtherNodes(r.nodeID); len(others) > 0 {
			return errUnitsRemain
		}
		delete(m.Subsystems, nqn)
		return nil
	})
	if errors.Is(err, errUnitsRemain) {
		// another node joined meanwhile: keep the entry, drop our units
		_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
			if s, ok := m.Subsystems[nqn]; ok {
				delete(s.Units, r.nodeID)
			}
			return nil
		})
		if err != nil {
			return storeError("Remove", err)
		}
		return status.Errorf(codes.Aborted, "subsystem %s is still served by nodes %s", nqn, strings.Join(others, ","))
	}
	if err != nil {
		return storeError("Remove", err)
	}

	klog.Infof("Remove: subsystem %s removed", nqn)
	return nil
}

func isValidNQN(nqn string) bool {
	if nqn == "" {
		klog.Error("NQN cannot be empty")
		return false
	}
	if len(nqn) > NVMF_NQN_SIZE {
		klog.Errorf("NQN %s is longer than %d bytes", nqn, NVMF_NQN_SIZE)
		return false
	}

	return true
}

func isValidAddr(addr string) bool {
	if netutils.ParseIPSloppy(addr) == nil {
		klog.Errorf("Address %q is not an IP address", addr)
		return false
	}

	return true
}

func isValidEndpoint(ep gmap.Endpoint) bool {
	if !isValidAddr(ep.Addr) {
		return false
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		klog.Errorf("Port %d is out of range", ep.Port)
		return false
	}

	return true
}

func endpointString(ep gmap.Endpoint) string {
	return net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port))
}
