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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/gmap"
	"github.com/ceph-nvme/nvmf-proxy/pkg/metrics"
	"github.com/ceph-nvme/nvmf-proxy/pkg/nvmf"
	"github.com/ceph-nvme/nvmf-proxy/pkg/utils"
)

const (
	storeMemory    = "memory"
	storeConfigMap = "configmap"
	storeEtcd      = "etcd"
)

var (
	configPath string
	nodeID     string
	proxyPort  int
	opts       nvmf.Options

	storeKind      string
	storeNamespace string
	storeName      string
	etcdEndpoints  string
	kubeconfig     string
)

func init() {
	klog.InitFlags(nil)

	flag.StringVar(&configPath, "config", "", "JSON config file")
	flag.StringVar(&nodeID, "nodeid", "", "node id, overrides the config file")
	flag.IntVar(&proxyPort, "proxy-port", 0, "control port, overrides the config file")
	flag.StringVar(&opts.LocalStatePath, "local-state", "", "per-node state file holding cluster credentials, defaults to local.json next to the config")
	flag.StringVar(&opts.TargetEndpoint, "target-endpoint", nvmf.DefaultTargetEndpoint, "storage target JSON-RPC endpoint")
	flag.StringVar(&opts.KeyDir, "key-dir", nvmf.DefaultKeyDir, "directory for DHCHAP key files")

	flag.StringVar(&storeKind, "store", storeMemory, "global map store: memory, configmap or etcd")
	flag.StringVar(&storeNamespace, "store-namespace", "default", "namespace of the global map ConfigMap")
	flag.StringVar(&storeName, "store-name", "nvmf-proxy-gmap", "ConfigMap name or etcd key of the global map")
	flag.StringVar(&etcdEndpoints, "etcd-endpoints", "", "comma separated etcd endpoints")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "kubeconfig for the configmap store")
}

func main() {
	cmd := &cobra.Command{
		Use:   "nvmf-proxy",
		Short: "NVMe-oF gateway proxy for RBD images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return handle()
		},
		SilenceUsage: true,
	}
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		klog.Flush()
		os.Exit(1)
	}

	klog.Flush()
	os.Exit(0)
}

func loadConfig() (*nvmf.GlobalConfig, error) {
	conf := &nvmf.GlobalConfig{}
	if configPath != "" {
		var err error
		if conf, err = nvmf.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	if opts.LocalStatePath == "" {
		opts.LocalStatePath = filepath.Join(filepath.Dir(configPath), nvmf.DefaultLocalStateFile)
	}
	if nodeID != "" {
		conf.NodeID = nodeID
	}
	if proxyPort != 0 {
		conf.ProxyPort = proxyPort
	}
	return conf, nil
}

// openStore returns the selected store and a func releasing it.
func openStore() (gmap.Store, func(), error) {
	switch storeKind {
	case storeMemory:
		klog.Warning("Using the in-memory global map, subsystems are not shared with other proxies")
		return gmap.NewMemoryStore(nil), func() {}, nil
	case storeConfigMap:
		clientset, err := utils.GetK8sClient(kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		return gmap.NewConfigMapStore(clientset, storeNamespace, storeName), func() {}, nil
	case storeEtcd:
		var endpoints []string
		for _, e := range strings.Split(etcdEndpoints, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		store, cli, err := gmap.DialEtcd(endpoints, storeName, 5*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { cli.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", storeKind)
}

func handle() error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	store, release, err := openStore()
	if err != nil {
		return err
	}
	defer release()
	opts.Store = store

	proxy, err := nvmf.NewProxy(conf, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// a stop command ends the whole process
		defer stop()
		return proxy.Run(gctx)
	})

	servicePort := os.Getenv("SERVICE_PORT")
	if servicePort == "" {
		servicePort = nvmf.DefaultServicePort
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(proxy))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: ":" + servicePort, Handler: mux}

	g.Go(func() error {
		klog.Infof("Serving health and metrics on :%s", servicePort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("service health port listen and serve err: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	klog.Info("nvmf-proxy is running")
	return g.Wait()
}

func healthHandler(proxy *nvmf.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := proxy.State()
		if state == nvmf.StateShuttingDown || state == nvmf.StateTerminated {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		message := "nvmf-proxy is " + state.String() + ", time:" + time.Now().String()
		w.Write([]byte(message))
	}
}
