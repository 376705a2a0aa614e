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

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// ConfigMapDataKey is the ConfigMap data key holding the encoded map.
const ConfigMapDataKey = "gmap.json"

// ConfigMapStore keeps the map in a Kubernetes ConfigMap. The API server's
// resourceVersion check makes the final write a compare-and-swap, so two
// proxies committing against the same map cannot both succeed.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

var _ Store = (*ConfigMapStore)(nil)

func NewConfigMapStore(client kubernetes.Interface, namespace, name string) *ConfigMapStore {
	return &ConfigMapStore{
		client:    client,
		namespace: namespace,
		name:      name,
	}
}

// get returns the ConfigMap (nil if it does not exist yet) and the map it holds.
func (s *ConfigMapStore) get(ctx context.Context) (*corev1.ConfigMap, *GlobalMap, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, New(), nil
	}
	if err != nil {
		return nil, nil, &TransportError{Op: "read", Err: err}
	}
	m, err := Decode([]byte(cm.Data[ConfigMapDataKey]))
	if err != nil {
		return nil, nil, err
	}
	return cm, m, nil
}

func (s *ConfigMapStore) Read(ctx context.Context) (*GlobalMap, error) {
	_, m, err := s.get(ctx)
	return m, err
}

func (s *ConfigMapStore) Commit(ctx context.Context, baseVersion int64, fn Mutator) (*GlobalMap, error) {
	cm, cur, err := s.get(ctx)
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

	configMaps := s.client.CoreV1().ConfigMaps(s.namespace)
	if cm == nil {
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: s.name, Namespace: s.namespace},
			Data:       map[string]string{ConfigMapDataKey: string(data)},
		}
		_, err = configMaps.Create(ctx, cm, metav1.CreateOptions{})
	} else {
		cm = cm.DeepCopy()
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[ConfigMapDataKey] = string(data)
		_, err = configMaps.Update(ctx, cm, metav1.UpdateOptions{})
	}

	switch {
	case err == nil:
		klog.V(4).Infof("ConfigMapStore: committed version %d to %s/%s", next.Version, s.namespace, s.name)
		return next, nil
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return nil, ErrConflict
	default:
		return nil, &TransportError{Op: "commit", Err: err}
	}
}
