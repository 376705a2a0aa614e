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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestCredentialStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLocalStateFile)

	creds, err := LoadCredentialStore(path)
	require.NoError(t, err)
	assert.Empty(t, creds.State().Clusters)
	_, err = creds.Get(testCluster)
	requireCode(t, err, codes.NotFound)

	require.NoError(t, creds.Add(testCred))
	require.NoError(t, creds.Add(ClusterCredential{Name: "ceph-b", User: "admin", Key: "k", MonHost: "10.0.1.1"}))
	rotated := testCred
	rotated.Key = "rotated"
	require.NoError(t, creds.Add(rotated))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	reloaded, err := LoadCredentialStore(path)
	require.NoError(t, err)
	state := reloaded.State()
	require.Len(t, state.Clusters, 2)
	assert.Equal(t, rotated, state.Clusters[0])
	assert.Equal(t, "ceph-b", state.Clusters[1].Name)

	got, err := reloaded.Get(testCluster)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Key)

	err = creds.Add(ClusterCredential{User: "admin"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestCredentialStoreKeepsNodeSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLocalStateFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"node-id":"node-a","proxy-port":12231,"pool":"rbd","clusters":[]}`), 0600))

	creds, err := LoadCredentialStore(path)
	require.NoError(t, err)
	require.NoError(t, creds.Add(testCred))

	reloaded, err := LoadCredentialStore(path)
	require.NoError(t, err)
	state := reloaded.State()
	assert.Equal(t, "node-a", state.NodeID)
	assert.Equal(t, 12231, state.ProxyPort)
	assert.Equal(t, "rbd", state.Pool)
	assert.Len(t, state.Clusters, 1)
}

func TestCredentialStorePersistFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	path := filepath.Join(blocker, DefaultLocalStateFile)
	creds, err := LoadCredentialStore(path)
	require.NoError(t, err)

	err = creds.Add(testCred)
	requireCode(t, err, codes.Internal)
	assert.Empty(t, creds.State().Clusters)
}

func TestLoadCredentialStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLocalStateFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := LoadCredentialStore(path)
	assert.Error(t, err)
}

func TestConfigComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pool":"fast","store-timeout":2.5}`), 0600))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, conf.Complete(LocalState{NodeID: "node-a", ProxyPort: 12231, Pool: "rbd"}))
	assert.Equal(t, "node-a", conf.NodeID)
	assert.Equal(t, 12231, conf.ProxyPort)
	assert.Equal(t, "fast", conf.Pool)
	assert.Equal(t, DefaultProxyAddr, conf.ProxyAddr)
	assert.Equal(t, DefaultCommitRetries, conf.CommitRetries)
	assert.Equal(t, 2500*time.Millisecond, conf.storeTimeout())
	assert.Equal(t, DefaultTargetTimeout, conf.targetTimeout())
	assert.Zero(t, conf.reconcileInterval())

	tests := []struct {
		name string
		conf GlobalConfig
	}{
		{"no node id", GlobalConfig{ProxyPort: 1}},
		{"no port", GlobalConfig{NodeID: "n"}},
		{"port out of range", GlobalConfig{NodeID: "n", ProxyPort: 70000}},
		{"negative timeout", GlobalConfig{NodeID: "n", ProxyPort: 1, TargetTimeout: -1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			conf := test.conf
			assert.Error(t, conf.Complete(LocalState{}))
		})
	}

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
