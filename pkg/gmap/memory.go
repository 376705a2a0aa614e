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
	"context"
	"sync"
)

// MemoryStore keeps the map in process memory. It serves single-node
// deployments and tests; it is not shared with other proxies.
type MemoryStore struct {
	mutex sync.Mutex
	cur   *GlobalMap
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding initial, or an empty map if nil.
func NewMemoryStore(initial *GlobalMap) *MemoryStore {
	if initial == nil {
		initial = New()
	}
	return &MemoryStore{cur: initial.DeepCopy()}
}

func (s *MemoryStore) Read(ctx context.Context) (*GlobalMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cur.DeepCopy(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, baseVersion int64, fn Mutator) (*GlobalMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "commit", Err: err}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	next, err := apply(s.cur, baseVersion, fn)
	if err != nil {
		return nil, err
	}
	s.cur = next
	return next.DeepCopy(), nil
}
