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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/goleak"
	"k8s.io/utils/pointer"

	"github.com/ceph-nvme/nvmf-proxy/pkg/client"
	"github.com/ceph-nvme/nvmf-proxy/pkg/client/fake"
	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
	"github.com/ceph-nvme/nvmf-proxy/pkg/rpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

type testProxy struct {
	proxy  *Proxy
	daemon *fake.Server
	rpc    *rpc.Client
	done   chan struct{}
	err    error
}

func startProxy(t *testing.T, store gmap.Store, nodeID string, reconcileInterval float64) *testProxy {
	t.Helper()
	dir := t.TempDir()

	daemon, err := fake.NewServer(filepath.Join(dir, "spdk.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { daemon.Close() })

	conf := &GlobalConfig{
		NodeID:            nodeID,
		ProxyPort:         dynaport.Get(1)[0],
		ProxyAddr:         testAddr,
		TargetTimeout:     2,
		StoreTimeout:      1,
		ReconcileInterval: reconcileInterval,
	}
	p, err := NewProxy(conf, Options{
		LocalStatePath: filepath.Join(dir, DefaultLocalStateFile),
		TargetEndpoint: daemon.Endpoint(),
		KeyDir:         filepath.Join(dir, "keys"),
		Store:          store,
	})
	require.NoError(t, err)

	tp := &testProxy{
		proxy:  p,
		daemon: daemon,
		rpc:    rpc.NewClient(p.Addr().String(), 5*time.Second),
		done:   make(chan struct{}),
	}
	go func() {
		tp.err = p.Run(context.Background())
		close(tp.done)
	}()
	t.Cleanup(func() {
		select {
		case <-tp.done:
			return
		default:
		}
		tp.rpc.Send(context.Background(), rpc.Stop())
		select {
		case <-tp.done:
		case <-time.After(5 * time.Second):
			t.Errorf("proxy %s did not stop", nodeID)
		}
	})

	require.NoError(t, tp.rpc.Call(context.Background(), rpc.ClusterAdd(testCluster, testCred.User, testCred.Key, testCred.MonHost), nil))
	return tp
}

func (tp *testProxy) call(t *testing.T, msg rpc.Message, out interface{}) {
	t.Helper()
	require.NoError(t, tp.rpc.Call(context.Background(), msg, out))
}

func (tp *testProxy) callErr(t *testing.T, msg rpc.Message, code string) {
	t.Helper()
	err := tp.rpc.Call(context.Background(), msg, nil)
	require.Error(t, err)
	assert.True(t, rpc.IsCode(err, code), "want %s, got %v", code, err)
}

func TestProxySingleNode(t *testing.T) {
	store := gmap.NewMemoryStore(nil)
	tp := startProxy(t, store, "node-a", 0)

	var info rpc.SubsystemInfo
	tp.call(t, rpc.Create(testNQN, testCluster, "", "img", testAddr), &info)
	assert.Equal(t, "rbd", info.Pool)
	require.NotNil(t, info.Port)

	var found rpc.SubsystemInfo
	tp.call(t, rpc.Find(testNQN), &found)
	assert.Equal(t, info, found)

	var hosts json.RawMessage
	tp.call(t, rpc.HostList(testNQN), &hosts)
	assert.JSONEq(t, `[]`, string(hosts))

	tp.call(t, rpc.HostAdd(testNQN, "nqn.host1", nil), nil)
	tp.call(t, rpc.HostAdd(testNQN, "nqn.host2", pointer.String("secret")), nil)
	tp.call(t, rpc.HostList(testNQN), &hosts)
	assert.JSONEq(t, `[{"host":"nqn.host1","dhchap_key":"`+testNQN+`@nqn.host1"},{"host":"nqn.host2","dhchap_key":"secret"}]`, string(hosts))

	tp.call(t, rpc.HostAdd(testNQN, gmap.AnyHost, nil), nil)
	tp.call(t, rpc.HostList(testNQN), &hosts)
	assert.JSONEq(t, `"any"`, string(hosts))
	tp.call(t, rpc.HostDel(testNQN, gmap.AnyHost), nil)
	tp.callErr(t, rpc.HostDel(testNQN, gmap.AnyHost), "NotFound")

	var list []rpc.Subsystem
	tp.call(t, rpc.List(), &list)
	require.Len(t, list, 1)
	assert.Equal(t, []rpc.Unit{{Node: "node-a", Addr: testAddr, Port: *info.Port}}, list[0].Units)

	tp.call(t, rpc.Remove(testNQN), nil)
	tp.call(t, rpc.List(), &list)
	assert.Empty(t, list)
	assert.Empty(t, tp.daemon.SubsystemNQNs())

	require.NoError(t, tp.rpc.Send(context.Background(), rpc.Stop()))
	select {
	case <-tp.done:
		assert.NoError(t, tp.err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not stop")
	}
	assert.Equal(t, StateTerminated, tp.proxy.State())
}

func TestProxyMultipath(t *testing.T) {
	store := gmap.NewMemoryStore(nil)
	a := startProxy(t, store, "node-a", 0)
	b := startProxy(t, store, "node-b", 0)

	var info rpc.SubsystemInfo
	a.call(t, rpc.Create(testNQN, testCluster, "rbd", "img", testAddr), &info)
	a.call(t, rpc.HostAdd(testNQN, "nqn.host1", nil), nil)

	b.call(t, rpc.Join(testNQN, testAddr, rpc.Endpoint{Addr: testAddr, Port: 4430}), nil)
	sub, ok := b.daemon.Subsystem(testNQN)
	require.True(t, ok)
	assert.Len(t, sub.ListenAddresses, 2)
	assert.Len(t, sub.Hosts, 1)

	var list []rpc.Subsystem
	a.call(t, rpc.List(), &list)
	require.Len(t, list, 1)
	require.Len(t, list[0].Units, 3)
	var unitsB []rpc.UnitRef
	for _, u := range list[0].Units {
		if u.Node == "node-b" {
			unitsB = append(unitsB, rpc.UnitRef{NQN: testNQN, Addr: u.Addr, Port: u.Port})
		}
	}
	require.Len(t, unitsB, 2)

	var found rpc.SubsystemInfo
	b.call(t, rpc.Find(testNQN), &found)
	require.NotNil(t, found.Port)
	assert.Equal(t, unitsB[0].Port, *found.Port)

	a.callErr(t, rpc.Remove(testNQN), "Aborted")
	b.callErr(t, rpc.Leave(rpc.UnitRef{NQN: testNQN, Addr: testAddr, Port: *info.Port}), "NotFound")

	b.call(t, rpc.Leave(unitsB...), nil)
	assert.Empty(t, b.daemon.SubsystemNQNs())
	a.call(t, rpc.Remove(testNQN), nil)
	assert.Empty(t, a.daemon.SubsystemNQNs())
}

func TestProxyErrors(t *testing.T) {
	tp := startProxy(t, gmap.NewMemoryStore(nil), "node-a", 0)

	tp.callErr(t, rpc.Message{"method": "frobnicate"}, "InvalidArgument")
	tp.callErr(t, rpc.Message{"nqn": testNQN}, "InvalidArgument")
	tp.callErr(t, rpc.Find(""), "InvalidArgument")
	tp.callErr(t, rpc.Find(testNQN), "NotFound")
	tp.callErr(t, rpc.Create(testNQN, "unknown", "rbd", "img", testAddr), "NotFound")
	tp.callErr(t, rpc.Message{"method": "join", "nqn": testNQN, "addr": testAddr, "addresses": []map[string]string{{"addr": testAddr}}}, "InvalidArgument")

	tp.call(t, rpc.Create(testNQN, testCluster, "rbd", "img", testAddr), nil)
	tp.callErr(t, rpc.Create(testNQN, testCluster, "rbd", "img", testAddr), "AlreadyExists")

	// a datagram that is not JSON at all still gets an answer
	conn, err := net.Dial("udp", tp.proxy.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	var rsp errorResponse
	require.NoError(t, json.Unmarshal(buf[:n], &rsp))
	assert.Equal(t, "InvalidArgument", rsp.Code)

	// the daemon going away is reported as unavailable
	tp.daemon.HangUp("nvmf_delete_subsystem")
	tp.callErr(t, rpc.Remove(testNQN), "Unavailable")
}

func TestProxyOversizedReply(t *testing.T) {
	m := gmap.New()
	for i := 0; i < 600; i++ {
		s := &gmap.Subsystem{
			Volume: gmap.Volume{Pool: "rbd", Image: fmt.Sprintf("image-%04d-%s", i, strings.Repeat("x", 64)), Cluster: testCluster},
			Hosts:  gmap.RestrictedPolicy(),
		}
		s.AddUnit("node-z", gmap.Endpoint{Addr: testAddr, Port: 4420})
		m.Subsystems[fmt.Sprintf("nqn.2016-06.io.spdk:large%04d", i)] = s
	}
	tp := startProxy(t, gmap.NewMemoryStore(m), "node-a", 0)

	tp.callErr(t, rpc.List(), "ResourceExhausted")

	// the loop keeps answering afterwards
	var info rpc.SubsystemInfo
	tp.call(t, rpc.Find("nqn.2016-06.io.spdk:large0000"), &info)
	assert.Equal(t, testAddr, info.Addr)
}

const legacySubsysMap = `{"subsys":
	{"nqn.1":
		{"name": "rbd://{\"pool\":\"p1\",\"image\":\"i1\",\"cluster\":\"ceph\"}",
		 "hosts": [{"host": "any", "dhchap_key": false},
		           {"host": "nqn.2", "dhchap_key": "some-key"}],
		 "units": {"nx": ["127.0.0.1", "8888"]}}}}`

func TestProxyLegacyMap(t *testing.T) {
	m, err := gmap.Decode([]byte(legacySubsysMap))
	require.NoError(t, err)
	tp := startProxy(t, gmap.NewMemoryStore(m), "node-a", 0)

	var subsystems []rpc.Subsystem
	tp.call(t, rpc.List(), &subsystems)
	assert.Equal(t, []rpc.Subsystem{{
		Type:    "rbd",
		NQN:     "nqn.1",
		Pool:    "p1",
		Image:   "i1",
		Cluster: "ceph",
		Units:   []rpc.Unit{{Node: "nx", Addr: "127.0.0.1", Port: 8888}},
	}}, subsystems)

	var hosts json.RawMessage
	tp.call(t, rpc.HostList("nqn.1"), &hosts)
	assert.JSONEq(t, `"any"`, string(hosts))

	var info rpc.SubsystemInfo
	tp.call(t, rpc.Find("nqn.1"), &info)
	assert.Equal(t, "127.0.0.1", info.Addr)
	require.NotNil(t, info.Port)
	assert.Equal(t, 8888, *info.Port)
}

func TestProxyPeriodicReconcile(t *testing.T) {
	tp := startProxy(t, gmap.NewMemoryStore(nil), "node-a", 0.05)
	tp.call(t, rpc.Create(testNQN, testCluster, "rbd", "img", testAddr), nil)

	cli, err := client.NewClient(tp.daemon.Endpoint(), 2*time.Second)
	require.NoError(t, err)
	defer cli.Close()
	_, err = cli.NvmfDeleteSubsystem(context.Background(), testNQN)
	require.NoError(t, err)
	_, err = cli.BdevRbdDelete(context.Background(), bdevName(testNQN))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := tp.daemon.Subsystem(testNQN)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProxyContextCancel(t *testing.T) {
	dir := t.TempDir()
	daemon, err := fake.NewServer(filepath.Join(dir, "spdk.sock"))
	require.NoError(t, err)
	defer daemon.Close()

	p, err := NewProxy(&GlobalConfig{NodeID: "node-a", ProxyPort: dynaport.Get(1)[0], ProxyAddr: testAddr}, Options{
		LocalStatePath: filepath.Join(dir, DefaultLocalStateFile),
		TargetEndpoint: daemon.Endpoint(),
		KeyDir:         filepath.Join(dir, "keys"),
		Store:          gmap.NewMemoryStore(nil),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var list []rpc.Subsystem
	require.NoError(t, rpc.NewClient(p.Addr().String(), 5*time.Second).Call(ctx, rpc.List(), &list))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not stop")
	}
	assert.Equal(t, StateTerminated, p.State())
	assert.Equal(t, 1, daemon.Calls("nvmf_create_transport"))
}

func TestNewProxyNeedsNodeID(t *testing.T) {
	_, err := NewProxy(&GlobalConfig{ProxyPort: dynaport.Get(1)[0]}, Options{
		LocalStatePath: filepath.Join(t.TempDir(), DefaultLocalStateFile),
		Store:          gmap.NewMemoryStore(nil),
	})
	assert.Error(t, err)

	_, err = NewProxy(&GlobalConfig{NodeID: "node-a", ProxyPort: 1}, Options{})
	assert.Error(t, err)
}
