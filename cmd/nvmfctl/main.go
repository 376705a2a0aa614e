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
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/pointer"

	"github.com/ceph-nvme/nvmf-proxy/pkg/nvmf"
	"github.com/ceph-nvme/nvmf-proxy/pkg/rpc"
)

var (
	server  string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:          "nvmfctl",
		Short:        "Send control commands to an nvmf-proxy",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&server, "server", "", "proxy control address, HOST:PORT")
	root.MarkPersistentFlagRequired("server")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "reply timeout")

	root.AddCommand(
		clusterAddCmd(),
		createCmd(),
		simpleCmd("find NQN", "Show a subsystem and an endpoint to connect to", 1, func(args []string) rpc.Message { return rpc.Find(args[0]) }),
		joinCmd(),
		leaveCmd(),
		hostAddCmd(),
		simpleCmd("host-list NQN", "Show the hosts admitted to a subsystem", 1, func(args []string) rpc.Message { return rpc.HostList(args[0]) }),
		simpleCmd("host-del NQN HOST", "Revoke a host, or \"any\"", 2, func(args []string) rpc.Message { return rpc.HostDel(args[0], args[1]) }),
		simpleCmd("list", "List every subsystem", 0, func(args []string) rpc.Message { return rpc.List() }),
		simpleCmd("remove NQN", "Remove a subsystem", 1, func(args []string) rpc.Message { return rpc.Remove(args[0]) }),
		stopCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func call(msg rpc.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	raw, err := rpc.NewClient(server, timeout).CallRaw(ctx, msg)
	if err != nil {
		return err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func simpleCmd(use, short string, nargs int, build func(args []string) rpc.Message) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(build(args))
		},
	}
}

func clusterAddCmd() *cobra.Command {
	var user, key, monHost string
	cmd := &cobra.Command{
		Use:   "cluster-add NAME",
		Short: "Store credentials of a storage cluster on the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(rpc.ClusterAdd(args[0], user, key, monHost))
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "cluster user")
	cmd.Flags().StringVar(&key, "key", "", "cluster secret key")
	cmd.Flags().StringVar(&monHost, "mon-host", "", "monitor addresses")
	return cmd
}

func createCmd() *cobra.Command {
	var pool, addr string
	cmd := &cobra.Command{
		Use:   "create NQN CLUSTER IMAGE",
		Short: "Export an image as a new subsystem",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(rpc.Create(args[0], args[1], pool, args[2], addr))
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "pool of the image, defaults to the proxy pool")
	cmd.Flags().StringVar(&addr, "addr", nvmf.DefaultProxyAddr, "address to listen on")
	return cmd
}

func parseEndpoint(s string) (rpc.Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return rpc.Endpoint{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return rpc.Endpoint{}, fmt.Errorf("bad port in %s", s)
	}
	return rpc.Endpoint{Addr: host, Port: p}, nil
}

func joinCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "join NQN ADDR:PORT...",
		Short: "Export an existing subsystem from this proxy too",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addresses []rpc.Endpoint
			for _, a := range args[1:] {
				ep, err := parseEndpoint(a)
				if err != nil {
					return err
				}
				addresses = append(addresses, ep)
			}
			return call(rpc.Join(args[0], addr, addresses...))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", nvmf.DefaultProxyAddr, "address of a new export")
	return cmd
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave NQN ADDR:PORT...",
		Short: "Stop exporting a subsystem on the given endpoints of this proxy",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var units []rpc.UnitRef
			for _, a := range args[1:] {
				ep, err := parseEndpoint(a)
				if err != nil {
					return err
				}
				units = append(units, rpc.UnitRef{NQN: args[0], Addr: ep.Addr, Port: ep.Port})
			}
			return call(rpc.Leave(units...))
		},
	}
}

func hostAddCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "host-add NQN HOST",
		Short: "Admit a host, or \"any\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k *string
			if cmd.Flags().Changed("dhchap-key") {
				k = pointer.String(key)
			}
			return call(rpc.HostAdd(args[0], args[1], k))
		},
	}
	cmd.Flags().StringVar(&key, "dhchap-key", "", "DHCHAP secret, defaults to NQN@HOST")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Shut the proxy down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return rpc.NewClient(server, timeout).Send(ctx, rpc.Stop())
		},
	}
}
