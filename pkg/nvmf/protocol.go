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
	"bytes"
	"encoding/json"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// Control protocol methods.
const (
	MethodClusterAdd = "cluster_add"
	MethodCreate     = "create"
	MethodFind       = "find"
	MethodJoin       = "join"
	MethodLeave      = "leave"
	MethodHostAdd    = "host_add"
	MethodHostList   = "host_list"
	MethodHostDel    = "host_del"
	MethodList       = "list"
	MethodRemove     = "remove"
	MethodStop       = "stop"
)

type requestHeader struct {
	Method *string `json:"method"`
}

type clusterAddRequest struct {
	Name    string `json:"name"`
	User    string `json:"user"`
	Key     string `json:"key"`
	MonHost string `json:"mon_host"`
}

type createRequest struct {
	NQN      string `json:"nqn"`
	Cluster  string `json:"cluster"`
	PoolName string `json:"pool_name"`
	RbdName  string `json:"rbd_name"`
	Addr     string `json:"addr"`
}

type nqnRequest struct {
	NQN string `json:"nqn"`
}

type endpointSpec struct {
	Addr string          `json:"addr"`
	Port json.RawMessage `json:"port"`
}

type joinRequest struct {
	NQN       string         `json:"nqn"`
	Addresses []endpointSpec `json:"addresses"`
	Addr      string         `json:"addr"`
}

type unitSpec struct {
	NQN  string          `json:"nqn"`
	Addr string          `json:"addr"`
	Port json.RawMessage `json:"port"`
}

type leaveRequest struct {
	Subsystems []unitSpec `json:"subsystems"`
}

type hostRequest struct {
	NQN       string          `json:"nqn"`
	Host      string          `json:"host"`
	DhchapKey json.RawMessage `json:"dhchap_key"`
}

type hostEntry struct {
	Host      string      `json:"host"`
	DhchapKey interface{} `json:"dhchap_key"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ack is the reply to commands without a result.
type ack struct{}

// decodeMethod returns the method of a request datagram.
func decodeMethod(data []byte) (string, error) {
	var h requestHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if h.Method == nil || *h.Method == "" {
		return "", status.Error(codes.InvalidArgument, "request has no method")
	}
	return *h.Method, nil
}

func decodeParams(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func decodeEndpoint(addr string, port json.RawMessage) (gmap.Endpoint, error) {
	if len(port) == 0 {
		return gmap.Endpoint{}, status.Errorf(codes.InvalidArgument, "address %s has no port", addr)
	}
	p, err := gmap.ParsePort(port)
	if err != nil {
		return gmap.Endpoint{}, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return gmap.Endpoint{Addr: addr, Port: p}, nil
}

// decodeKey accepts an absent, null or false key as none.
func decodeKey(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return nil, nil
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, status.Error(codes.InvalidArgument, "dhchap_key must be a string")
	}
	return &key, nil
}

// encodeHostPolicy renders an open policy as the bare "any" string and a
// restricted one as a list of {host, dhchap_key}.
func encodeHostPolicy(p gmap.HostPolicy) interface{} {
	if p.IsOpen() {
		return gmap.AnyHost
	}
	entries := []hostEntry{}
	for _, r := range p.Rules() {
		e := hostEntry{Host: r.Host, DhchapKey: false}
		if r.Key != nil {
			e.DhchapKey = *r.Key
		}
		entries = append(entries, e)
	}
	return entries
}

func encodeError(err error) errorResponse {
	st := status.Convert(err)
	return errorResponse{Error: st.Message(), Code: st.Code().String()}
}
