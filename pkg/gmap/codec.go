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

package gmap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// legacy entries name their volume "rbd://" followed by the volume JSON
const rbdScheme = VolumeTypeRBD + "://"

type wireMap struct {
	Version    int64                     `json:"version"`
	Subsystems map[string]*wireSubsystem `json:"subsystems,omitempty"`
	Subsys     map[string]*wireSubsystem `json:"subsys,omitempty"`
}

type wireSubsystem struct {
	Type   string                     `json:"type,omitempty"`
	Volume *Volume                    `json:"volume,omitempty"`
	Name   string                     `json:"name,omitempty"`
	Hosts  []wireHost                 `json:"hosts"`
	Units  map[string]json.RawMessage `json:"units"`
}

type wireHost struct {
	Host string          `json:"host"`
	Key  json.RawMessage `json:"dhchap_key"`
}

// Encode serializes m in the structured wire shape.
func Encode(m *GlobalMap) ([]byte, error) {
	w := wireMap{
		Version:    m.Version,
		Subsystems: make(map[string]*wireSubsystem, len(m.Subsystems)),
	}
	for nqn, s := range m.Subsystems {
		vol := s.Volume
		ws := &wireSubsystem{
			Type:   VolumeTypeRBD,
			Volume: &vol,
			Hosts:  encodeHosts(s.Hosts),
			Units:  make(map[string]json.RawMessage, len(s.Units)),
		}
		for node, units := range s.Units {
			pairs := make([][2]interface{}, 0, len(units))
			for _, u := range units {
				pairs = append(pairs, [2]interface{}{u.Addr, u.Port})
			}
			raw, err := json.Marshal(pairs)
			if err != nil {
				return nil, err
			}
			ws.Units[node] = raw
		}
		w.Subsystems[nqn] = ws
	}
	return json.Marshal(&w)
}

// Decode parses a map in either the structured or the legacy wire shape.
// Empty input decodes to an empty map at version 0.
func Decode(data []byte) (*GlobalMap, error) {
	m := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}

	var w wireMap
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode global map: %v", err)
	}
	m.Version = w.Version

	entries := w.Subsystems
	if entries == nil {
		entries = w.Subsys
	}
	for nqn, ws := range entries {
		if ws == nil {
			return nil, fmt.Errorf("decode global map: subsystem %s is null", nqn)
		}
		s, err := decodeSubsystem(ws)
		if err != nil {
			return nil, fmt.Errorf("decode global map: subsystem %s: %v", nqn, err)
		}
		m.Subsystems[nqn] = s
	}
	return m, nil
}

func decodeSubsystem(ws *wireSubsystem) (*Subsystem, error) {
	s := &Subsystem{}
	switch {
	case ws.Volume != nil:
		s.Volume = *ws.Volume
	case strings.HasPrefix(ws.Name, rbdScheme):
		if err := json.Unmarshal([]byte(strings.TrimPrefix(ws.Name, rbdScheme)), &s.Volume); err != nil {
			return nil, fmt.Errorf("bad volume name %q: %v", ws.Name, err)
		}
	default:
		return nil, fmt.Errorf("missing volume")
	}

	hosts, err := decodeHosts(ws.Hosts)
	if err != nil {
		return nil, err
	}
	s.Hosts = hosts

	for node, raw := range ws.Units {
		units, err := decodeUnits(raw)
		if err != nil {
			return nil, fmt.Errorf("units of node %s: %v", node, err)
		}
		for _, u := range units {
			s.AddUnit(node, u)
		}
	}
	return s, nil
}

func encodeHosts(p HostPolicy) []wireHost {
	if p.IsOpen() {
		return []wireHost{{Host: AnyHost, Key: json.RawMessage("false")}}
	}
	hosts := make([]wireHost, 0, len(p.rules))
	for _, r := range p.rules {
		key := json.RawMessage("false")
		if r.Key != nil {
			key, _ = json.Marshal(*r.Key)
		}
		hosts = append(hosts, wireHost{Host: r.Host, Key: key})
	}
	return hosts
}

// decodeHosts folds a host list into a policy; any AnyHost entry makes the
// whole policy open regardless of its position.
func decodeHosts(hosts []wireHost) (HostPolicy, error) {
	var rules []HostRule
	for _, h := range hosts {
		if h.Host == "" {
			return HostPolicy{}, fmt.Errorf("host entry without host")
		}
		if h.Host == AnyHost {
			return OpenPolicy(), nil
		}
		key, err := decodeKey(h.Key)
		if err != nil {
			return HostPolicy{}, fmt.Errorf("host %s: %v", h.Host, err)
		}
		rules = append(rules, HostRule{Host: h.Host, Key: key})
	}
	return RestrictedPolicy(rules...), nil
}

func decodeKey(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return nil, nil
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("bad dhchap_key %s", string(raw))
	}
	return &key, nil
}

// decodeUnits accepts a list of [addr, port] pairs or a single legacy pair.
func decodeUnits(raw json.RawMessage) ([]Endpoint, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(bytes.TrimSpace(elems[0]), []byte("[")) {
		units := make([]Endpoint, 0, len(elems))
		for _, e := range elems {
			var pair []json.RawMessage
			if err := json.Unmarshal(e, &pair); err != nil {
				return nil, err
			}
			ep, err := decodePair(pair)
			if err != nil {
				return nil, err
			}
			units = append(units, ep)
		}
		return units, nil
	}
	ep, err := decodePair(elems)
	if err != nil {
		return nil, err
	}
	return []Endpoint{ep}, nil
}

func decodePair(pair []json.RawMessage) (Endpoint, error) {
	if len(pair) != 2 {
		return Endpoint{}, fmt.Errorf("unit must be an [addr, port] pair")
	}
	var addr string
	if err := json.Unmarshal(pair[0], &addr); err != nil {
		return Endpoint{}, fmt.Errorf("bad unit address %s", string(pair[0]))
	}
	port, err := ParsePort(pair[1])
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Addr: addr, Port: port}, nil
}

// ParsePort reads a port given either as a JSON number or a numeric string.
func ParsePort(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	s := string(raw)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("bad port %s", string(raw))
		}
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("bad port %s", string(raw))
	}
	return port, nil
}
