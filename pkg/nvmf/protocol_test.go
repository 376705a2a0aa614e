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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/utils/pointer"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

func TestDecodeMethod(t *testing.T) {
	method, err := decodeMethod([]byte(`{"method":"find","nqn":"n"}`))
	require.NoError(t, err)
	assert.Equal(t, MethodFind, method)

	for _, data := range []string{`not json`, `{}`, `{"method":""}`, `{"method":null}`, `[1]`} {
		_, err := decodeMethod([]byte(data))
		requireCode(t, err, codes.InvalidArgument)
	}
}

func TestDecodeEndpoint(t *testing.T) {
	ep, err := decodeEndpoint("10.0.0.1", json.RawMessage(`4420`))
	require.NoError(t, err)
	assert.Equal(t, gmap.Endpoint{Addr: "10.0.0.1", Port: 4420}, ep)

	ep, err = decodeEndpoint("10.0.0.1", json.RawMessage(`"4421"`))
	require.NoError(t, err)
	assert.Equal(t, 4421, ep.Port)

	_, err = decodeEndpoint("10.0.0.1", nil)
	requireCode(t, err, codes.InvalidArgument)
	_, err = decodeEndpoint("10.0.0.1", json.RawMessage(`"abc"`))
	requireCode(t, err, codes.InvalidArgument)
}

func TestDecodeKey(t *testing.T) {
	for _, raw := range []string{``, `null`, `false`, ` null `} {
		key, err := decodeKey(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Nil(t, key, "key %q", raw)
	}

	key, err := decodeKey(json.RawMessage(`"secret"`))
	require.NoError(t, err)
	assert.Equal(t, pointer.String("secret"), key)

	_, err = decodeKey(json.RawMessage(`42`))
	requireCode(t, err, codes.InvalidArgument)
}

func TestEncodeHostPolicy(t *testing.T) {
	data, err := json.Marshal(encodeHostPolicy(gmap.OpenPolicy()))
	require.NoError(t, err)
	assert.JSONEq(t, `"any"`, string(data))

	data, err = json.Marshal(encodeHostPolicy(gmap.RestrictedPolicy()))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	policy := gmap.RestrictedPolicy(
		gmap.HostRule{Host: "nqn.h1", Key: pointer.String("k1")},
		gmap.HostRule{Host: "nqn.h2"},
	)
	data, err = json.Marshal(encodeHostPolicy(policy))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"host":"nqn.h1","dhchap_key":"k1"},{"host":"nqn.h2","dhchap_key":false}]`, string(data))
}

func TestEncodeError(t *testing.T) {
	assert.Equal(t, errorResponse{Error: "subsystem x not found", Code: "NotFound"},
		encodeError(status.Error(codes.NotFound, "subsystem x not found")))
	assert.Equal(t, errorResponse{Error: "boom", Code: "Unknown"}, encodeError(errors.New("boom")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "LISTENING", StateListening.String())
	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
