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

// Package gmap holds the cluster-wide subsystem map shared by every proxy
// instance, and the stores that persist it with optimistic concurrency.
package gmap

import (
	"sort"
)

// AnyHost is the host value that lets any initiator connect without a
// per-host rule.
const AnyHost = "any"

// VolumeTypeRBD is the only backing volume type the proxy exports.
const VolumeTypeRBD = "rbd"

// Volume identifies the storage volume a subsystem exports.
type Volume struct {
	Pool    string `json:"pool"`
	Image   string `json:"image"`
	Cluster string `json:"cluster"`
}

// Endpoint is a network address and port a node exports a subsystem on.
type Endpoint struct {
	Addr string
	Port int
}

// HostRule grants one initiator access to a subsystem. Key is nil when no
// DHCHAP secret is required.
type HostRule struct {
	Host string
	Key  *string
}

// HostPolicy is either open (any host) or restricted to an ordered list of
// rules. An open policy never carries rules.
type HostPolicy struct {
	open  bool
	rules []HostRule
}

// Subsystem is the map entry for one exported NQN.
type Subsystem struct {
	Volume Volume
	Hosts  HostPolicy
	// Units maps a node id to the endpoints that node serves the subsystem on.
	Units map[string][]Endpoint
}

// GlobalMap is the versioned, cluster-wide subsystem map.
type GlobalMap struct {
	Version    int64
	Subsystems map[string]*Subsystem
}

// New returns an empty map at version 0.
func New() *GlobalMap {
	return &GlobalMap{Subsystems: make(map[string]*Subsystem)}
}

// OpenPolicy returns a policy admitting any host.
func OpenPolicy() HostPolicy {
	return HostPolicy{open: true}
}

// RestrictedPolicy returns a policy admitting only the given hosts.
func RestrictedPolicy(rules ...HostRule) HostPolicy {
	p := HostPolicy{}
	for _, r := range rules {
		p = p.WithRule(r)
	}
	return p
}

func (p HostPolicy) IsOpen() bool {
	return p.open
}

// Rules returns a copy of the host rules; empty for an open policy.
func (p HostPolicy) Rules() []HostRule {
	if len(p.rules) == 0 {
		return nil
	}
	out := make([]HostRule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.copy()
	}
	return out
}

// Lookup returns the rule for host, if present.
func (p HostPolicy) Lookup(host string) (HostRule, bool) {
	for _, r := range p.rules {
		if r.Host == host {
			return r.copy(), true
		}
	}
	return HostRule{}, false
}

// WithRule returns the policy with rule added. Adding AnyHost turns the
// policy open and drops every specific rule; adding a specific host to an
// open policy leaves it open. An existing rule for the same host is
// overwritten in place.
func (p HostPolicy) WithRule(rule HostRule) HostPolicy {
	if rule.Host == AnyHost {
		return OpenPolicy()
	}
	if p.open {
		return p
	}
	rules := p.Rules()
	for i := range rules {
		if rules[i].Host == rule.Host {
			rules[i] = rule.copy()
			return HostPolicy{rules: rules}
		}
	}
	return HostPolicy{rules: append(rules, rule.copy())}
}

// WithoutHost returns the policy with host removed. Removing AnyHost from an
// open policy yields an empty restricted policy.
func (p HostPolicy) WithoutHost(host string) HostPolicy {
	if p.open {
		if host == AnyHost {
			return HostPolicy{}
		}
		return p
	}
	var rules []HostRule
	for _, r := range p.rules {
		if r.Host != host {
			rules = append(rules, r.copy())
		}
	}
	return HostPolicy{rules: rules}
}

func (r HostRule) copy() HostRule {
	if r.Key == nil {
		return r
	}
	k := *r.Key
	return HostRule{Host: r.Host, Key: &k}
}

// HasUnit reports whether node serves the subsystem on ep.
func (s *Subsystem) HasUnit(node string, ep Endpoint) bool {
	for _, u := range s.Units[node] {
		if u == ep {
			return true
		}
	}
	return false
}

// AddUnit records ep for node. It is a no-op if the unit already exists.
func (s *Subsystem) AddUnit(node string, ep Endpoint) {
	if s.HasUnit(node, ep) {
		return
	}
	if s.Units == nil {
		s.Units = make(map[string][]Endpoint)
	}
	s.Units[node] = append(s.Units[node], ep)
}

// RemoveUnit drops ep from node. It is a no-op if the unit does not exist.
func (s *Subsystem) RemoveUnit(node string, ep Endpoint) {
	units := s.Units[node]
	for i, u := range units {
		if u == ep {
			units = append(units[:i:i], units[i+1:]...)
			break
		}
	}
	if len(units) == 0 {
		delete(s.Units, node)
		return
	}
	s.Units[node] = units
}

// OtherNodes returns, sorted, the nodes other than node that still serve the
// subsystem.
func (s *Subsystem) OtherNodes(node string) []string {
	var nodes []string
	for n, units := range s.Units {
		if n != node && len(units) > 0 {
			nodes = append(nodes, n)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// Nodes returns every node serving the subsystem, sorted.
func (s *Subsystem) Nodes() []string {
	return s.OtherNodes("")
}

// DeepCopy returns a copy sharing no memory with s.
func (s *Subsystem) DeepCopy() *Subsystem {
	out := &Subsystem{
		Volume: s.Volume,
		Hosts:  HostPolicy{open: s.Hosts.open, rules: s.Hosts.Rules()},
	}
	if s.Units != nil {
		out.Units = make(map[string][]Endpoint, len(s.Units))
		for n, units := range s.Units {
			out.Units[n] = append([]Endpoint(nil), units...)
		}
	}
	return out
}

// DeepCopy returns a copy sharing no memory with m.
func (m *GlobalMap) DeepCopy() *GlobalMap {
	out := &GlobalMap{
		Version:    m.Version,
		Subsystems: make(map[string]*Subsystem, len(m.Subsystems)),
	}
	for nqn, s := range m.Subsystems {
		out.Subsystems[nqn] = s.DeepCopy()
	}
	return out
}

// NQNs returns the subsystem NQNs in lexical order.
func (m *GlobalMap) NQNs() []string {
	nqns := make([]string, 0, len(m.Subsystems))
	for nqn := range m.Subsystems {
		nqns = append(nqns, nqn)
	}
	sort.Strings(nqns)
	return nqns
}
