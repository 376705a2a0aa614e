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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	netutils "k8s.io/utils/net"

	"github.com/ceph-nvme/nvmf-proxy/pkg/client"
	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// Export is a subsystem as the local target daemon currently serves it.
type Export struct {
	NQN          string
	Listeners    []gmap.Endpoint
	AllowAnyHost bool
	// Hosts carries the key each host authenticates with, read back from
	// the key directory.
	Hosts []gmap.HostRule
}

// TargetClient drives the local storage target daemon. Every method is a
// synchronous round trip.
type TargetClient interface {
	// CreateExport exports vol under nqn and listens on ep. A zero port
	// picks a free one; the endpoint actually used is returned.
	CreateExport(ctx context.Context, nqn string, vol gmap.Volume, cred ClusterCredential, ep gmap.Endpoint) (gmap.Endpoint, error)
	// DeleteExport removes the export and its backing device. Deleting an
	// export that does not exist succeeds.
	DeleteExport(ctx context.Context, nqn string) error
	AddListener(ctx context.Context, nqn string, ep gmap.Endpoint) error
	RemoveListener(ctx context.Context, nqn string, ep gmap.Endpoint) error
	// SetHostRule admits rule.Host, or any host for gmap.AnyHost.
	SetHostRule(ctx context.Context, nqn string, rule gmap.HostRule) error
	RemoveHostRule(ctx context.Context, nqn string, host string) error
	ListExports(ctx context.Context) ([]Export, error)
}

// nqnNamespace seeds the name-based UUIDs derived from subsystem NQNs, so
// that every node exports the same namespace identity for one subsystem.
var nqnNamespace = uuid.MustParse("1f6a3c2e-7b52-4c1f-9a8e-5e0d6b2f4a11")

// SPDKTarget implements TargetClient over the SPDK JSON-RPC interface.
type SPDKTarget struct {
	cli    *client.Client
	keyDir string

	mutex    sync.Mutex
	clusters sets.String //nolint:staticcheck
}

var _ TargetClient = (*SPDKTarget)(nil)

func NewSPDKTarget(cli *client.Client, keyDir string) *SPDKTarget {
	return &SPDKTarget{
		cli:      cli,
		keyDir:   keyDir,
		clusters: sets.NewString(),
	}
}

// Init creates the TCP transport. An existing transport is not an error.
func (t *SPDKTarget) Init(ctx context.Context) error {
	_, err := t.cli.NvmfCreateTransport(ctx, client.NvmeTransportTypeTCP)
	if err != nil && !client.IsRPCError(err) {
		return err
	}
	if err != nil {
		klog.V(2).Infof("Init: transport already present: %v", err)
	}
	return nil
}

func bdevName(nqn string) string {
	return "rbd-" + uuid.NewSHA1(nqnNamespace, []byte(nqn)).String()
}

func namespaceUUID(nqn string) string {
	return uuid.NewSHA1(nqnNamespace, []byte("ns:"+nqn)).String()
}

func serialNumber(nqn string) string {
	id := uuid.NewSHA1(nqnNamespace, []byte("sn:"+nqn))
	return "CEPH" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:16]
}

func keyName(nqn, host string) string {
	return "key-" + uuid.NewSHA1(nqnNamespace, []byte(nqn+"@"+host)).String()
}

func addressFamily(addr string) client.NvmeAddressFamily {
	if ip := netutils.ParseIPSloppy(addr); ip != nil && ip.To4() == nil {
		return client.NvmeAddressFamilyIPv6
	}
	return client.NvmeAddressFamilyIPv4
}

func (t *SPDKTarget) registerCluster(ctx context.Context, cred ClusterCredential) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.clusters.Has(cred.Name) {
		return nil
	}

	params := map[string]string{}
	if cred.MonHost != "" {
		params["mon_host"] = cred.MonHost
	}
	if cred.Key != "" {
		params["key"] = cred.Key
	}
	_, err := t.cli.BdevRbdRegisterCluster(ctx, cred.Name, cred.User, params)
	if err != nil && !client.IsRPCError(err, client.ErrorCodeExists) {
		return err
	}
	t.clusters.Insert(cred.Name)
	return nil
}

func (t *SPDKTarget) forgetCluster(name string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.clusters.Delete(name)
}

// allocatePort asks the kernel for a free TCP port on addr.
func allocatePort(addr string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a port on %s: %v", addr, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (t *SPDKTarget) CreateExport(ctx context.Context, nqn string, vol gmap.Volume, cred ClusterCredential, ep gmap.Endpoint) (gmap.Endpoint, error) {
	if err := t.registerCluster(ctx, cred); err != nil {
		return ep, err
	}

	bdev := bdevName(nqn)
	nsUUID := namespaceUUID(nqn)
	_, err := t.cli.BdevRbdCreate(ctx, bdev, vol.Pool, vol.Image, vol.Cluster, nsUUID, DefaultBlockSize)
	if client.IsRPCError(err, client.ErrorCodeNoDevice) {
		// the daemon restarted and lost the cluster registration
		t.forgetCluster(cred.Name)
		if err = t.registerCluster(ctx, cred); err == nil {
			_, err = t.cli.BdevRbdCreate(ctx, bdev, vol.Pool, vol.Image, vol.Cluster, nsUUID, DefaultBlockSize)
		}
	}
	if err != nil {
		return ep, err
	}

	defer func() {
		if err == nil {
			return
		}
		klog.Errorf("CreateExport: %s failed, rollback!!! err: %v", nqn, err)
		// ctx may be the deadline that just expired
		rctx, cancel := context.WithTimeout(context.Background(), DefaultTargetTimeout)
		defer cancel()
		if _, rerr := t.cli.NvmfDeleteSubsystem(rctx, nqn); rerr != nil && !client.IsRPCError(rerr, client.ErrorCodeInvalidParams) {
			klog.Errorf("CreateExport: rollback of subsystem %s failed: %v", nqn, rerr)
		}
		if _, rerr := t.cli.BdevRbdDelete(rctx, bdev); rerr != nil {
			klog.Errorf("CreateExport: rollback of bdev %s failed: %v", bdev, rerr)
		}
	}()

	if _, err = t.cli.NvmfCreateSubsystem(ctx, nqn, serialNumber(nqn), false); err != nil {
		return ep, err
	}
	if _, err = t.cli.NvmfSubsystemAddNs(ctx, nqn, bdev, nsUUID); err != nil {
		return ep, err
	}
	if ep.Port == 0 {
		if ep.Port, err = allocatePort(ep.Addr); err != nil {
			return ep, err
		}
	}
	if err = t.AddListener(ctx, nqn, ep); err != nil {
		return ep, err
	}

	klog.Infof("CreateExport: %s exports %s/%s@%s on %s:%d", nqn, vol.Pool, vol.Image, vol.Cluster, ep.Addr, ep.Port)
	return ep, nil
}

func (t *SPDKTarget) DeleteExport(ctx context.Context, nqn string) error {
	if _, err := t.cli.NvmfDeleteSubsystem(ctx, nqn); err != nil {
		if !client.IsRPCError(err, client.ErrorCodeInvalidParams) {
			return err
		}
		klog.V(2).Infof("DeleteExport: subsystem %s already gone", nqn)
	}
	if _, err := t.cli.BdevRbdDelete(ctx, bdevName(nqn)); err != nil && !client.IsRPCError(err, client.ErrorCodeNoDevice) {
		return err
	}
	return nil
}

func (t *SPDKTarget) AddListener(ctx context.Context, nqn string, ep gmap.Endpoint) error {
	_, err := t.cli.NvmfSubsystemAddListener(ctx, nqn, ep.Addr, strconv.Itoa(ep.Port), addressFamily(ep.Addr))
	return err
}

func (t *SPDKTarget) RemoveListener(ctx context.Context, nqn string, ep gmap.Endpoint) error {
	_, err := t.cli.NvmfSubsystemRemoveListener(ctx, nqn, ep.Addr, strconv.Itoa(ep.Port), addressFamily(ep.Addr))
	return err
}

func (t *SPDKTarget) SetHostRule(ctx context.Context, nqn string, rule gmap.HostRule) error {
	if rule.Host == gmap.AnyHost {
		_, err := t.cli.NvmfSubsystemAllowAnyHost(ctx, nqn, true)
		return err
	}

	name := ""
	if rule.Key != nil {
		name = keyName(nqn, rule.Host)
		if err := t.addKey(ctx, name, *rule.Key); err != nil {
			return err
		}
	}

	_, err := t.cli.NvmfSubsystemAddHost(ctx, nqn, rule.Host, name)
	if client.IsRPCError(err, client.ErrorCodeInvalidParams) {
		// already allowed, possibly with another key
		if _, rerr := t.cli.NvmfSubsystemRemoveHost(ctx, nqn, rule.Host); rerr == nil {
			_, err = t.cli.NvmfSubsystemAddHost(ctx, nqn, rule.Host, name)
			if err == nil && name == "" {
				t.removeKey(ctx, keyName(nqn, rule.Host))
			}
		}
	}
	return err
}

func (t *SPDKTarget) RemoveHostRule(ctx context.Context, nqn string, host string) error {
	if host == gmap.AnyHost {
		_, err := t.cli.NvmfSubsystemAllowAnyHost(ctx, nqn, false)
		return err
	}

	if _, err := t.cli.NvmfSubsystemRemoveHost(ctx, nqn, host); err != nil {
		return err
	}
	t.removeKey(ctx, keyName(nqn, host))
	return nil
}

// addKey writes the secret under keyDir and (re)registers it with the
// daemon keyring.
func (t *SPDKTarget) addKey(ctx context.Context, name, secret string) error {
	if err := os.MkdirAll(t.keyDir, 0700); err != nil {
		return err
	}
	path := filepath.Join(t.keyDir, name)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return fmt.Errorf("failed to write key file %s: %v", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0600); err != nil {
		return err
	}

	_, err := t.cli.KeyringFileAddKey(ctx, name, path)
	if client.IsRPCError(err, client.ErrorCodeExists) {
		if _, err = t.cli.KeyringFileRemoveKey(ctx, name); err != nil {
			return err
		}
		_, err = t.cli.KeyringFileAddKey(ctx, name, path)
	}
	return err
}

func (t *SPDKTarget) removeKey(ctx context.Context, name string) {
	if _, err := t.cli.KeyringFileRemoveKey(ctx, name); err != nil && !client.IsRPCError(err, client.ErrorCodeNoDevice) {
		klog.Warningf("RemoveHostRule: failed to drop key %s: %v", name, err)
	}
	if err := os.Remove(filepath.Join(t.keyDir, name)); err != nil && !os.IsNotExist(err) {
		klog.Warningf("RemoveHostRule: failed to delete key file %s: %v", name, err)
	}
}

// readKey returns the secret behind a keyring name, or nil when the key file
// is gone.
func (t *SPDKTarget) readKey(name string) *string {
	data, err := os.ReadFile(filepath.Join(t.keyDir, name))
	if err != nil {
		klog.Warningf("ListExports: failed to read key %s: %v", name, err)
		return nil
	}
	key := string(data)
	return &key
}

func (t *SPDKTarget) ListExports(ctx context.Context) ([]Export, error) {
	subsystems, err := t.cli.NvmfGetSubsystems(ctx, "")
	if err != nil {
		return nil, err
	}

	exports := make([]Export, 0, len(subsystems))
	for _, sub := range subsystems {
		if sub.Subtype == "Discovery" {
			continue
		}
		export := Export{NQN: sub.Nqn, AllowAnyHost: sub.AllowAnyHost}
		for _, l := range sub.ListenAddresses {
			port, err := strconv.Atoi(l.Trsvcid)
			if err != nil {
				klog.Warningf("ListExports: %s has a non-numeric listener port %q", sub.Nqn, l.Trsvcid)
				continue
			}
			export.Listeners = append(export.Listeners, gmap.Endpoint{Addr: l.Traddr, Port: port})
		}
		for _, h := range sub.Hosts {
			rule := gmap.HostRule{Host: h.Nqn}
			if h.DhchapKey != "" {
				rule.Key = t.readKey(h.DhchapKey)
			}
			export.Hosts = append(export.Hosts, rule)
		}
		exports = append(exports, export)
	}
	return exports, nil
}
