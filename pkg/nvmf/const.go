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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"
)

const (
	NVMF_NQN_SIZE = 223
)

const (
	DefaultServicePort    = "12231"
	DefaultProxyAddr      = "127.0.0.1"
	DefaultTargetEndpoint = "unix:///var/tmp/spdk.sock"
	DefaultKeyDir         = "/var/lib/nvmf-proxy/keys"
	DefaultLocalStateFile = "local.json"

	DefaultCommitRetries = 8
	DefaultStoreTimeout  = 10 * time.Second
	DefaultTargetTimeout = 10 * time.Second

	// DefaultBlockSize of the rbd bdevs behind every namespace.
	DefaultBlockSize = 4096
)

// GlobalConfig is the JSON process configuration. Durations are in seconds.
type GlobalConfig struct {
	ProxyPort         int     `json:"proxy-port"`
	NodeID            string  `json:"node-id"`
	Pool              string  `json:"pool"`
	ProxyAddr         string  `json:"proxy-addr"`
	CommitRetries     int     `json:"commit-retries"`
	StoreTimeout      float64 `json:"store-timeout"`
	TargetTimeout     float64 `json:"target-timeout"`
	ReconcileInterval float64 `json:"reconcile-interval"`
}

// LoadConfig reads the config file. Missing keys keep their zero value until
// Complete fills them.
func LoadConfig(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %v", path, err)
	}
	conf := &GlobalConfig{}
	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("error decoding config file %s: %v", path, err)
	}
	return conf, nil
}

// Complete fills unset fields from the local state and then from defaults,
// and checks the result.
func (c *GlobalConfig) Complete(local LocalState) error {
	if c.NodeID == "" {
		c.NodeID = local.NodeID
	}
	if c.ProxyPort == 0 {
		c.ProxyPort = local.ProxyPort
	}
	if c.Pool == "" {
		c.Pool = local.Pool
	}
	if c.ProxyAddr == "" {
		c.ProxyAddr = DefaultProxyAddr
	}
	if c.CommitRetries == 0 {
		c.CommitRetries = DefaultCommitRetries
	}

	if c.NodeID == "" {
		return fmt.Errorf("node-id not been specified")
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxy-port %d is out of range", c.ProxyPort)
	}
	if c.CommitRetries < 0 {
		return fmt.Errorf("commit-retries must not be negative")
	}
	if c.StoreTimeout < 0 || c.TargetTimeout < 0 || c.ReconcileInterval < 0 {
		return fmt.Errorf("timeouts and intervals must not be negative")
	}
	klog.V(4).Infof("Config: %+v", *c)
	return nil
}

func (c *GlobalConfig) storeTimeout() time.Duration {
	return seconds(c.StoreTimeout, DefaultStoreTimeout)
}

func (c *GlobalConfig) targetTimeout() time.Duration {
	return seconds(c.TargetTimeout, DefaultTargetTimeout)
}

func (c *GlobalConfig) reconcileInterval() time.Duration {
	return seconds(c.ReconcileInterval, 0)
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}
