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
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

// EtcdStore keeps the map under a single etcd key and commits with a
// transaction guarded on the key's mod revision.
type EtcdStore struct {
	kv  clientv3.KV
	key string
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore wraps an existing KV (a client or a namespaced view of one).
func NewEtcdStore(kv clientv3.KV, key string) *EtcdStore {
	return &EtcdStore{kv: kv, key: key}
}

// DialEtcd connects to the given endpoints and returns the store with the
// client, which the caller must close.
func DialEtcd(endpoints []string, key string, dialTimeout time.Duration) (*EtcdStore, *clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, nil, fmt.Errorf("no etcd endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcdStore(client.KV, key), client, nil
}

// get returns the map and the mod revision of its key, 0 if absent.
func (s *EtcdStore) get(ctx context.Context) (*GlobalMap, int64, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, 0, &TransportError{Op: "read", Err: err}
	}
	if len(resp.Kvs) == 0 {
		return New(), 0, nil
	}
	m, err := Decode(resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, err
	}
	return m, resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) Read(ctx context.Context) (*GlobalMap, error) {
	m, _, err := s.get(ctx)
	return m, err
}

func (s *EtcdStore) Commit(ctx context.Context, baseVersion int64, fn Mutator) (*GlobalMap, error) {
	cur, rev, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	next, err := apply(cur, baseVersion, fn)
	if err != nil {
		return nil, err
	}
	data, err := Encode(next)
	if err != nil {
		return nil, err
	}

	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(s.key), "=", rev)).
		Then(clientv3.OpPut(s.key, string(data))).
		Commit()
	if err != nil {
		return nil, &TransportError{Op: "commit", Err: err}
	}
	if !resp.Succeeded {
		return nil, ErrConflict
	}
	klog.V(4).Infof("EtcdStore: committed version %d to %s", next.Version, s.key)
	return next, nil
}
