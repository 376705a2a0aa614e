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
	"k8s.io/utils/pointer"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// DefaultHostKey is the DHCHAP key used when host_add carries none.
func DefaultHostKey(nqn, host string) string {
	return nqn + "@" + host
}

// HostAdd admits host to the subsystem. gmap.AnyHost opens the subsystem to
// every host and drops the specific rules. A nil key is replaced by
// DefaultHostKey.
func (r *Registry) HostAdd(ctx context.Context, nqn, host string, key *string) error {
	if !isValidNQN(nqn) {
		return status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	if !isValidHost(host) {
		return status.Error(codes.InvalidArgument, "host must be provided")
	}

	m, err := r.read(ctx, "HostAdd")
	if err != nil {
		return err
	}
	s, err := lookup(m, nqn)
	if err != nil {
		return err
	}

	rule := gmap.HostRule{Host: host}
	if host != gmap.AnyHost {
		if key == nil {
			key = pointer.String(DefaultHostKey(nqn, host))
		}
		rule.Key = key
	}

	if host != gmap.AnyHost && s.Hosts.IsOpen() {
		klog.V(2).Infof("HostAdd: %s is open to any host, ignoring %s", nqn, host)
		return nil
	}

	served := len(s.Units[r.nodeID]) > 0
	prev, hadPrev := s.Hosts.Lookup(host)
	if served {
		tctx, cancel := r.targetCtx(ctx)
		err := r.target.SetHostRule(tctx, nqn, rule)
		if err == nil && host == gmap.AnyHost {
			for _, old := range s.Hosts.Rules() {
				if rerr := r.target.RemoveHostRule(tctx, nqn, old.Host); rerr != nil {
					klog.Warningf("HostAdd: dropping host %s from %s failed: %v", old.Host, nqn, rerr)
				}
			}
		}
		cancel()
		if err != nil {
			klog.Errorf("HostAdd: admitting %s to %s failed: %v", host, nqn, err)
			return targetError("HostAdd", err)
		}
	}

	_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
		s, err := lookup(m, nqn)
		if err != nil {
			return err
		}
		s.Hosts = s.Hosts.WithRule(rule)
		return nil
	})
	if err != nil {
		if served && !commitOutcomeUnknown(err) {
			klog.Errorf("HostAdd: commit for %s failed, rollback!!! err: %v", nqn, err)
			tctx, cancel := r.targetCtx(ctx)
			var rerr error
			switch {
			case host == gmap.AnyHost && !s.Hosts.IsOpen():
				// close the subsystem again and restore the dropped rules
				rerr = r.target.RemoveHostRule(tctx, nqn, gmap.AnyHost)
				if rerr == nil {
					rerr = r.applyHostPolicy(tctx, nqn, s.Hosts)
				}
			case host == gmap.AnyHost:
			case hadPrev:
				rerr = r.target.SetHostRule(tctx, nqn, prev)
			default:
				rerr = r.target.RemoveHostRule(tctx, nqn, host)
			}
			cancel()
			if rerr != nil {
				klog.Errorf("HostAdd: rollback of %s on %s failed: %v", host, nqn, rerr)
			}
		}
		return storeError("HostAdd", err)
	}

	klog.Infof("HostAdd: %s admitted to %s", host, nqn)
	return nil
}

// HostList returns the subsystem's host policy.
func (r *Registry) HostList(ctx context.Context, nqn string) (gmap.HostPolicy, error) {
	if !isValidNQN(nqn) {
		return gmap.HostPolicy{}, status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	m, err := r.read(ctx, "HostList")
	if err != nil {
		return gmap.HostPolicy{}, err
	}
	s, err := lookup(m, nqn)
	if err != nil {
		return gmap.HostPolicy{}, err
	}
	return s.Hosts, nil
}

// HostDel revokes host. Deleting gmap.AnyHost leaves the subsystem with no
// admitted hosts; deleting a specific host from an open subsystem changes
// nothing.
func (r *Registry) HostDel(ctx context.Context, nqn, host string) error {
	if !isValidNQN(nqn) {
		return status.Error(codes.InvalidArgument, "a valid nqn must be provided")
	}
	if !isValidHost(host) {
		return status.Error(codes.InvalidArgument, "host must be provided")
	}

	m, err := r.read(ctx, "HostDel")
	if err != nil {
		return err
	}
	s, err := lookup(m, nqn)
	if err != nil {
		return err
	}

	switch {
	case host == gmap.AnyHost && !s.Hosts.IsOpen():
		return status.Errorf(codes.NotFound, "subsystem %s is not open to any host", nqn)
	case host != gmap.AnyHost && s.Hosts.IsOpen():
		klog.V(2).Infof("HostDel: %s is open to any host, nothing to revoke for %s", nqn, host)
		return nil
	case host != gmap.AnyHost:
		if _, ok := s.Hosts.Lookup(host); !ok {
			return status.Errorf(codes.NotFound, "host %s not found in %s", host, nqn)
		}
	}

	if len(s.Units[r.nodeID]) > 0 {
		tctx, cancel := r.targetCtx(ctx)
		err := r.target.RemoveHostRule(tctx, nqn, host)
		cancel()
		if err != nil {
			klog.Errorf("HostDel: revoking %s from %s failed: %v", host, nqn, err)
			return targetError("HostDel", err)
		}
	}

	_, err = r.update(ctx, func(m *gmap.GlobalMap) error {
		s, err := lookup(m, nqn)
		if err != nil {
			return err
		}
		s.Hosts = s.Hosts.WithoutHost(host)
		return nil
	})
	if err != nil {
		return storeError("HostDel", err)
	}

	klog.Infof("HostDel: %s revoked from %s", host, nqn)
	return nil
}

func isValidHost(host string) bool {
	if host == "" {
		klog.Error("Host cannot be empty")
		return false
	}

	return true
}
