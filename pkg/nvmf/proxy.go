/*
Copyright 2021 The Kubernetes Authors.

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
	"strconv"

	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/client"
	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
)

// Options wires a Proxy to its collaborators.
type Options struct {
	LocalStatePath string
	TargetEndpoint string
	KeyDir         string
	Store          gmap.Store
}

// Proxy is one gateway node: the control socket, the registry behind it and
// the connection to the local target daemon.
type Proxy struct {
	nodeID string

	conn     net.PacketConn
	cli      *client.Client
	target   *SPDKTarget
	registry *Registry
	service  *ControlService
}

// NewProxy loads the local state, completes conf from it and binds the
// control socket. Nothing is sent to the target daemon until Run.
func NewProxy(conf *GlobalConfig, opts Options) (*Proxy, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("global map store not been specified")
	}
	if opts.TargetEndpoint == "" {
		opts.TargetEndpoint = DefaultTargetEndpoint
	}
	if opts.KeyDir == "" {
		opts.KeyDir = DefaultKeyDir
	}

	creds, err := LoadCredentialStore(opts.LocalStatePath)
	if err != nil {
		return nil, err
	}
	if err := conf.Complete(creds.State()); err != nil {
		return nil, err
	}

	cli, err := client.NewClient(opts.TargetEndpoint, conf.targetTimeout())
	if err != nil {
		return nil, err
	}
	target := NewSPDKTarget(cli, opts.KeyDir)
	registry := NewRegistry(RegistryConfig{
		NodeID:        conf.NodeID,
		Pool:          conf.Pool,
		CommitRetries: conf.CommitRetries,
		StoreTimeout:  conf.storeTimeout(),
		TargetTimeout: conf.targetTimeout(),
	}, opts.Store, target, creds)

	addr := net.JoinHostPort(conf.ProxyAddr, strconv.Itoa(conf.ProxyPort))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to listen on %s: %v", addr, err)
	}

	klog.Infof("Proxy: node %s, control socket %s, target %s", conf.NodeID, conn.LocalAddr(), opts.TargetEndpoint)
	return &Proxy{
		nodeID:   conf.NodeID,
		conn:     conn,
		cli:      cli,
		target:   target,
		registry: registry,
		service:  NewControlService(conn, registry, conf.reconcileInterval()),
	}, nil
}

// Addr is the bound control socket address.
func (p *Proxy) Addr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Proxy) State() State {
	return p.service.State()
}

func (p *Proxy) Registry() *Registry {
	return p.registry
}

// Run prepares the target daemon, reconciles it against the global map and
// serves control commands until a stop command arrives or ctx is done. The
// socket and the daemon connection are closed on return.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.cli.Close()
	defer p.conn.Close()

	if err := p.target.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize target: %v", err)
	}
	if err := p.registry.Reconcile(ctx); err != nil {
		klog.Errorf("Proxy: startup reconcile failed: %v", err)
	}

	klog.Infof("Starting nvmf-proxy on node %s", p.nodeID)
	err := p.service.Serve(ctx)
	klog.Infof("nvmf-proxy on node %s stopped", p.nodeID)
	return err
}
