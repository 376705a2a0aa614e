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

package utils

import (
	"os"
	"path/filepath"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

const userAgent = "nvmf-proxy"

// GetK8sClient returns a clientset for the global map ConfigMap. It tries an
// explicit kubeconfig path, then KUBECONFIG, then ~/.kube/config, and finally
// the in-cluster service account.
func GetK8sClient(kubeconfig string) (kubernetes.Interface, error) {
	var candidates []string
	if kubeconfig != "" {
		candidates = append(candidates, kubeconfig)
	}
	if env := os.Getenv("KUBECONFIG"); env != "" {
		candidates = append(candidates, strings.Split(env, ":")...)
	}
	if home, err := os.UserHomeDir(); err == nil {
		if path := filepath.Join(home, ".kube", "config"); IsFileExisting(path) {
			candidates = append(candidates, path)
		}
	}

	for _, path := range candidates {
		clientset, err := clientFromConfig(clientcmd.BuildConfigFromFlags("", path))
		if err == nil {
			klog.Infof("Created k8s client from kubeconfig: %s", path)
			return clientset, nil
		}
		klog.Warningf("Failed to create k8s client from kubeconfig %s: %v", path, err)
	}

	klog.Info("Attempting to create k8s client using in-cluster config")
	clientset, err := clientFromConfig(rest.InClusterConfig())
	if err != nil {
		return nil, err
	}
	klog.Info("Created k8s client using in-cluster config")
	return clientset, nil
}

func clientFromConfig(restConfig *rest.Config, err error) (kubernetes.Interface, error) {
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(rest.AddUserAgent(restConfig, userAgent))
}
