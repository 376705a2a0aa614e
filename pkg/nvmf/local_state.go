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
	"errors"
	"fmt"
	"os"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/utils"
)

// ClusterCredential holds what the target daemon needs to connect to one
// storage cluster.
type ClusterCredential struct {
	Name    string `json:"name"`
	User    string `json:"user"`
	Key     string `json:"key"`
	MonHost string `json:"mon_host"`
}

// LocalState is the per-node state file. It is never shared with other nodes.
type LocalState struct {
	NodeID    string              `json:"node-id,omitempty"`
	ProxyPort int                 `json:"proxy-port,omitempty"`
	Pool      string              `json:"pool,omitempty"`
	Clusters  []ClusterCredential `json:"clusters"`
}

// CredentialStore keeps cluster credentials in the local state file and
// rewrites the file on every change.
type CredentialStore struct {
	mutex sync.Mutex
	path  string
	state LocalState
}

// LoadCredentialStore reads the state file at path. A missing file yields an
// empty store that is created on the first Add.
func LoadCredentialStore(path string) (*CredentialStore, error) {
	s := &CredentialStore{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		klog.Infof("Local state %s not found, starting empty", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading local state %s: %v", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("error decoding local state %s: %v", path, err)
	}
	klog.Infof("Loaded %d cluster credentials from %s", len(s.state.Clusters), path)
	return s, nil
}

// State returns a copy of the local state.
func (s *CredentialStore) State() LocalState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := s.state
	out.Clusters = append([]ClusterCredential(nil), s.state.Clusters...)
	return out
}

// Add inserts or replaces the credential with the same name and persists the
// state before returning.
func (s *CredentialStore) Add(cred ClusterCredential) error {
	if !isValidClusterName(cred.Name) {
		return status.Error(codes.InvalidArgument, "cluster name must be provided")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	prev := s.state.Clusters
	next := make([]ClusterCredential, 0, len(prev)+1)
	replaced := false
	for _, c := range prev {
		if c.Name == cred.Name {
			next = append(next, cred)
			replaced = true
			continue
		}
		next = append(next, c)
	}
	if !replaced {
		next = append(next, cred)
	}

	s.state.Clusters = next
	if err := s.persist(); err != nil {
		s.state.Clusters = prev
		return status.Errorf(codes.Internal, "failed to persist local state: %v", err)
	}
	klog.Infof("ClusterAdd: stored credentials for cluster %s", cred.Name)
	return nil
}

// Get returns the credential for the named cluster.
func (s *CredentialStore) Get(name string) (ClusterCredential, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, c := range s.state.Clusters {
		if c.Name == name {
			return c, nil
		}
	}
	return ClusterCredential{}, status.Errorf(codes.NotFound, "unknown cluster %s", name)
}

func (s *CredentialStore) persist() error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&s.state); err != nil {
		return fmt.Errorf("error encoding local state: %v", err)
	}
	return utils.WriteFileAtomic(s.path, buf.Bytes(), 0600)
}

func isValidClusterName(name string) bool {
	if name == "" {
		klog.Error("Cluster name cannot be empty")
		return false
	}

	return true
}
