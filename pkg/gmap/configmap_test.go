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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const (
	testNamespace = "ceph-nvme"
	testName      = "nvmf-gmap"
)

func TestConfigMapStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing configmap reads as empty and is created on commit", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		store := NewConfigMapStore(client, testNamespace, testName)

		m, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), m.Version)

		next, err := store.Commit(ctx, 0, addSubsystem("nqn.1"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), next.Version)

		cm, err := client.CoreV1().ConfigMaps(testNamespace).Get(ctx, testName, metav1.GetOptions{})
		require.NoError(t, err)
		assert.Contains(t, cm.Data[ConfigMapDataKey], `"nqn.1"`)

		again, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, next, again)
	})

	t.Run("updates an existing legacy configmap", func(t *testing.T) {
		client := fake.NewSimpleClientset(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: testName, Namespace: testNamespace},
			Data:       map[string]string{ConfigMapDataKey: legacyMap},
		})
		store := NewConfigMapStore(client, testNamespace, testName)

		next, err := store.Commit(ctx, 0, addSubsystem("nqn.2"))
		require.NoError(t, err)
		assert.Len(t, next.Subsystems, 2)
		assert.Equal(t, []Endpoint{{Addr: "127.0.0.1", Port: 8888}}, next.Subsystems["nqn.1"].Units["nx"])

		_, err = store.Commit(ctx, 0, addSubsystem("nqn.3"))
		assert.ErrorIs(t, err, ErrConflict, "version check happens before the write")
	})

	t.Run("api conflict maps to ErrConflict", func(t *testing.T) {
		client := fake.NewSimpleClientset(&corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: testName, Namespace: testNamespace},
		})
		client.PrependReactor("update", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "configmaps"}, testName, errors.New("stale"))
		})
		store := NewConfigMapStore(client, testNamespace, testName)

		_, err := store.Commit(ctx, 0, addSubsystem("nqn.1"))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("create race maps to ErrConflict", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		client.PrependReactor("create", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, apierrors.NewAlreadyExists(schema.GroupResource{Resource: "configmaps"}, testName)
		})
		store := NewConfigMapStore(client, testNamespace, testName)

		_, err := store.Commit(ctx, 0, addSubsystem("nqn.1"))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("api failures are transport errors", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		client.PrependReactor("get", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, apierrors.NewServiceUnavailable("apiserver down")
		})
		store := NewConfigMapStore(client, testNamespace, testName)

		_, err := store.Read(ctx)
		var te *TransportError
		assert.ErrorAs(t, err, &te)
		assert.True(t, IsRetriable(err))
	})
}
