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
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// Reconcile brings the local daemon in line with this node's units in the
// global map: missing exports are re-created on their recorded endpoints,
// missing listeners re-added and host policies re-applied, revoking hosts
// the map no longer admits. Exports the map
// does not know about are reported but left alone.
func (r *Registry) Reconcile(ctx context.Context) error {
	m, err := r.read(ctx, "Reconcile")
	if err != nil {
		return err
	}
	tctx, cancel := r.targetCtx(ctx)
	exports, err := r.target.ListExports(tctx)
	cancel()
	if err != nil {
		return targetError("Reconcile", err)
	}

	byNQN := make(map[string]Export, len(exports))
	actual := sets.NewString()
	for _, e := range exports {
		byNQN[e.NQN] = e
		actual.Insert(e.NQN)
	}

	wanted := sets.NewString()
	var errs []error
	for _, nqn := range m.NQNs() {
		s := m.Subsystems[nqn]
		if len(s.Units[r.nodeID]) == 0 {
			continue
		}
		wanted.Insert(nqn)

		var err error
		if e, ok := byNQN[nqn]; ok {
			err = r.repairExport(ctx, nqn, s, e)
		} else {
			err = r.recreateExport(ctx, nqn, s)
		}
		if err != nil {
			klog.Errorf("Reconcile: %s: %v", nqn, err)
			errs = append(errs, fmt.Errorf("%s: %w", nqn, err))
		}
	}

	for _, nqn := range actual.Difference(wanted).List() {
		klog.Warningf("Reconcile: target serves %s but the global map has no unit of node %s for it", nqn, r.nodeID)
	}

	if len(errs) > 0 {
		return targetError("Reconcile", utilerrors.NewAggregate(errs))
	}
	klog.V(2).Infof("Reconcile: %d subsystems in sync at version %d", wanted.Len(), m.Version)
	return nil
}

func (r *Registry) recreateExport(ctx context.Context, nqn string, s *gmap.Subsystem) error {
	cred, err := r.creds.Get(s.Volume.Cluster)
	if err != nil {
		return err
	}
	units := s.Units[r.nodeID]
	klog.Infof("Reconcile: re-creating export %s on %s", nqn, endpointString(units[0]))

	tctx, cancel := r.targetCtx(ctx)
	defer cancel()
	if _, err := r.target.CreateExport(tctx, nqn, s.Volume, cred, units[0]); err != nil {
		return err
	}
	for _, ep := range units[1:] {
		if err := r.target.AddListener(tctx, nqn, ep); err != nil {
			return err
		}
	}
	return r.applyHostPolicy(tctx, nqn, s.Hosts)
}

func (r *Registry) repairExport(ctx context.Context, nqn string, s *gmap.Subsystem, e Export) error {
	tctx, cancel := r.targetCtx(ctx)
	defer cancel()

	listening := sets.NewString()
	for _, ep := range e.Listeners {
		listening.Insert(endpointString(ep))
	}
	for _, ep := range s.Units[r.nodeID] {
		if listening.Has(endpointString(ep)) {
			continue
		}
		klog.Infof("Reconcile: re-adding listener %s to %s", endpointString(ep), nqn)
		if err := r.target.AddListener(tctx, nqn, ep); err != nil {
			return err
		}
	}

	if s.Hosts.IsOpen() {
		if !e.AllowAnyHost {
			return r.target.SetHostRule(tctx, nqn, gmap.HostRule{Host: gmap.AnyHost})
		}
		return nil
	}
	if e.AllowAnyHost {
		if err := r.target.RemoveHostRule(tctx, nqn, gmap.AnyHost); err != nil {
			return err
		}
	}
	wanted := sets.NewString()
	for _, rule := range s.Hosts.Rules() {
		wanted.Insert(rule.Host)
	}
	allowed := make(map[string]gmap.HostRule, len(e.Hosts))
	for _, h := range e.Hosts {
		allowed[h.Host] = h
		if wanted.Has(h.Host) {
			continue
		}
		klog.Infof("Reconcile: revoking host %s from %s", h.Host, nqn)
		if err := r.target.RemoveHostRule(tctx, nqn, h.Host); err != nil {
			return err
		}
	}
	for _, rule := range s.Hosts.Rules() {
		if h, ok := allowed[rule.Host]; ok && sameKey(h.Key, rule.Key) {
			continue
		}
		klog.Infof("Reconcile: applying host %s to %s", rule.Host, nqn)
		if err := r.target.SetHostRule(tctx, nqn, rule); err != nil {
			return err
		}
	}
	return nil
}

func sameKey(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
