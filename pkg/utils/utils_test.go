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

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		network  string
		address  string
		wantErr  bool
	}{
		{endpoint: "unix:///var/tmp/spdk.sock", network: "unix", address: "/var/tmp/spdk.sock"},
		{endpoint: "UNIX:///tmp/a.sock", network: "unix", address: "/tmp/a.sock"},
		{endpoint: "tcp://127.0.0.1:5260", network: "tcp", address: "127.0.0.1:5260"},
		{endpoint: "unix://", wantErr: true},
		{endpoint: "/var/tmp/spdk.sock", wantErr: true},
		{endpoint: "udp://127.0.0.1:1", wantErr: true},
	}
	for _, c := range cases {
		network, address, err := ParseEndpoint(c.endpoint)
		if c.wantErr {
			assert.Error(t, err, c.endpoint)
			continue
		}
		require.NoError(t, err, c.endpoint)
		assert.Equal(t, c.network, network)
		assert.Equal(t, c.address, address)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "local.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	assert.True(t, IsFileExisting(path))
	assert.False(t, IsFileExisting(filepath.Join(dir, "absent")))
}
