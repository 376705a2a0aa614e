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

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// UnitRef names one unit of a subsystem on this node.
type UnitRef struct {
	NQN string
	gmap.Endpoint
}

// Join exports an existing subsystem from this node as well. If the node
// does not serve it yet, a new export is created on addr with the
// subsystem's host policy. Every endpoint in addresses becomes an extra
// listener and unit of this node.
func (r *Registry) Join(ctx context.Context, nqn string, addresses []gmap.Endpoint, addr string) error {
	if !isValidNQN(nqn) {
		return status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	if len(addresses) == 0 {
		return status.Error(codes.InvalidArgument, "addresses must not be empty")
	}
	for _, ep := range addresses {
		if !isValidEndpoint(ep) {
			return status.Errorf(codes.InvalidArgument, "invalid address %s", endpointString(ep))
		}
	}
	if !isValidAddr(addr) {
		return status.Errorf(codes.InvalidArgument, "invalid addr %q", addr)
	}

	klog.V(4).Infof("Join called for %s with %v", nqn, addresses)

	m, err := r.read(ctx, "Join")
	if err != nil {
		return err
	}
	s, err := lookup(m, nqn)
	if err != nil {
		return err
	}

	var (
		created bool
		added   []gmap.Endpoint
	)
	rollback := func(cause error) {
		klog.Errorf("Join: %s failed, rollback!!! err: %v", nqn, cause)
		tctx, cancel := r.targetCtx(ctx)
		defer cancel()
		if created {
			if err := r.target.DeleteExport(tctx, nqn); err != nil {
				klog.Errorf("Join: rollback of export %s failed: %v", nqn, err)
			}
			return
		}
		for _, ep := range added {
			if err := r.target.RemoveListener(tctx, nqn, ep); err != nil {
				klog.Errorf("Join: rollback of listener %s on %s failed: %v", endpointString(ep), nqn, err)
			}
		}
	}

	local := append([]gmap.Endpoint(nil), s.Units[r.nodeID]...)
	if len(local) == 0 {
		cred, err := r.creds.Get(s.Volume.Cluster)
		if err != nil {
			return err
		}
		tctx, cancel := r.targetCtx(ctx)
		ep, err := r.target.CreateExport(tctx, nqn, s.Volume, cred, gmap.Endpoint{Addr: addr})
		if err == nil {
			created = true
			added = append(added, ep)
			local = append(local, ep)
			err = r.applyHostPolicy(tctx, nqn, s.Hosts)
		}
		cancel()
		if err != nil {
			if created {
				rollback(err)
			}
			return targetError("Join", err)
		}
	}

	for _, ep := range addresses {
		if containsEndpoint(local, ep) {
			continue
		}
		tctx, cancel := r.targetCtx(ctx)
		err := r.target.AddListener(tctx, nqn, ep)
		cancel()
		if err != nil {
			rollback(err)
			return targetError("Join", err)
		}
		added = append(added, ep)
		local = append(local, ep)
	}

	if len(added) == 0 {
		klog.V(4).Infof("Join: %s already served on every requested address", nqn)
		return nil
	}

	_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
		s, err := lookup(m, nqn)
		if err != nil {
			return err
		}
		for _, ep := range added {
			s.AddUnit(r.nodeID, ep)
		}
		return nil
	})
	if err != nil {
		if !commitOutcomeUnknown(err) {
			rollback(err)
		}
		return storeError("Join", err)
	}

	klog.Infof("Join: node %s now serves %s on %v", r.nodeID, nqn, local)
	return nil
}

// applyHostPolicy installs policy on a freshly created export.
func (r *Registry) applyHostPolicy(ctx context.Context, nqn string, policy gmap.HostPolicy) error {
	if policy.IsOpen() {
		return r.target.SetHostRule(ctx, nqn, gmap.HostRule{Host: gmap.AnyHost})
	}
	for _, rule := range policy.Rules() {
		if err := r.target.SetHostRule(ctx, nqn, rule); err != nil {
			return err
		}
	}
	return nil
}

// Leave retracts units of this node. Every unit is checked before the
// daemon is touched; units retracted before a daemon failure are still
// removed from the map.
func (r *Registry) Leave(ctx context.Context, units []UnitRef) error {
	if len(units) == 0 {
		return status.Error(codes.InvalidArgument, "subsystems must not be empty")
	}
	for _, u := range units {
		if !isValidNQN(u.NQN) || !isValidEndpoint(u.Endpoint) {
			return status.Errorf(codes.InvalidArgument, "invalid unit %s %s", u.NQN, endpointString(u.Endpoint))
		}
	}

	klog.V(4).Infof("Leave called for %v", units)

	m, err := r.read(ctx, "Leave")
	if err != nil {
		return err
	}
	// remaining tracks this node's units per subsystem as they are retracted
	remaining := map[string][]gmap.Endpoint{}
	var todo []UnitRef
	for _, u := range units {
		s, err := lookup(m, u.NQN)
		if err != nil {
			return err
		}
		if !s.HasUnit(r.nodeID, u.Endpoint) {
			return status.Errorf(codes.NotFound, "node %s has no unit %s for %s", r.nodeID, endpointString(u.Endpoint), u.NQN)
		}
		if _, ok := remaining[u.NQN]; !ok {
			remaining[u.NQN] = append([]gmap.Endpoint(nil), s.Units[r.nodeID]...)
		}
		if !containsRef(todo, u) {
			todo = append(todo, u)
		}
	}

	var (
		done      []UnitRef
		targetErr error
	)
	for _, u := range todo {
		tctx, cancel := r.targetCtx(ctx)
		err := r.target.RemoveListener(tctx, u.NQN, u.Endpoint)
		if err == nil {
			remaining[u.NQN] = withoutEndpoint(remaining[u.NQN], u.Endpoint)
			if len(remaining[u.NQN]) == 0 {
				err = r.target.DeleteExport(tctx, u.NQN)
			}
		}
		cancel()
		if err != nil {
			klog.Errorf("Leave: retracting %s from %s failed: %v", endpointString(u.Endpoint), u.NQN, err)
			targetErr = targetError("Leave", err)
			// the listener is gone even if the export could not be deleted
			if len(remaining[u.NQN]) == 0 {
				done = append(done, u)
			}
			break
		}
		done = append(done, u)
	}

	if len(done) > 0 {
		_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
			for _, u := range done {
				if s, ok := m.Subsystems[u.NQN]; ok {
					s.RemoveUnit(r.nodeID, u.Endpoint)
				}
			}
			return nil
		})
		if err != nil {
			klog.Errorf("Leave: commit failed: %v", err)
			if targetErr == nil {
				return storeError("Leave", err)
			}
		}
	}
	if targetErr != nil {
		return targetErr
	}

	klog.Infof("Leave: node %s retracted %d units", r.nodeID, len(done))
	return nil
}

func containsEndpoint(eps []gmap.Endpoint, ep gmap.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}

func withoutEndpoint(eps []gmap.Endpoint, ep gmap.Endpoint) []gmap.Endpoint {
	out := make([]gmap.Endpoint, 0, len(eps))
	for _, e := range eps {
		if e != ep {
			out = append(out, e)
		}
	}
	return out
}

func containsRef(refs []UnitRef, u UnitRef) bool {
	for _, r := range refs {
		if r == u {
			return true
		}
	}
	return false
}
