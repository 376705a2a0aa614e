// Package fake runs an in-process storage target daemon that speaks the
// JSON-RPC subset the proxy uses, keeping all state in memory.
package fake

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/ceph-nvme/nvmf-proxy/pkg/client"
)

const errorCodeMethodNotFound = -32601

type failure struct {
	rpcErr *client.RPCError
	hangUp bool
}

type Server struct {
	listener net.Listener
	path     string

	mutex      sync.Mutex
	clusters   map[string]client.BdevRbdRegisterClusterRequest
	bdevs      map[string]client.BdevRbdCreateRequest
	subsystems map[string]*client.NvmfSubsystem
	keys       map[string]string
	transports map[client.NvmeTransportType]bool
	failures   map[string]failure
	delays     map[string]time.Duration
	calls      map[string]int
	conns      map[net.Conn]struct{}
	closed     bool

	wg sync.WaitGroup
}

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Version string           `json:"jsonrpc"`
	ID      uint64           `json:"id"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *client.RPCError `json:"error,omitempty"`
}

// NewServer listens on a unix socket at path and serves until Close.
func NewServer(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:   listener,
		path:       path,
		clusters:   make(map[string]client.BdevRbdRegisterClusterRequest),
		bdevs:      make(map[string]client.BdevRbdCreateRequest),
		subsystems: make(map[string]*client.NvmfSubsystem),
		keys:       make(map[string]string),
		transports: make(map[client.NvmeTransportType]bool),
		failures:   make(map[string]failure),
		delays:     make(map[string]time.Duration),
		calls:      make(map[string]int),
		conns:      make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Endpoint() string {
	return "unix://" + s.path
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mutex.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()
	s.wg.Wait()
	return err
}

// Fail makes every later call of method return the given daemon error.
func (s *Server) Fail(method string, code int, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failures[method] = failure{rpcErr: &client.RPCError{Code: code, Message: message}}
}

// HangUp makes every later call of method close the connection unanswered.
func (s *Server) HangUp(method string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failures[method] = failure{hangUp: true}
}

// Delay holds every later call of method for d before handling it.
func (s *Server) Delay(method string, d time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.delays[method] = d
}

func (s *Server) ClearFailures() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failures = make(map[string]failure)
	s.delays = make(map[string]time.Duration)
}

// Calls returns how many times method was received, failed calls included.
func (s *Server) Calls(method string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls[method]
}

// Subsystem returns a copy of the named subsystem.
func (s *Server) Subsystem(nqn string) (client.NvmfSubsystem, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub, ok := s.subsystems[nqn]
	if !ok {
		return client.NvmfSubsystem{}, false
	}
	return copySubsystem(sub), true
}

func (s *Server) SubsystemNQNs() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	nqns := make([]string, 0, len(s.subsystems))
	for nqn := range s.subsystems {
		nqns = append(nqns, nqn)
	}
	sort.Strings(nqns)
	return nqns
}

func (s *Server) Bdevs() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := make([]string, 0, len(s.bdevs))
	for name := range s.bdevs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clusters returns the registered cluster connections by name.
func (s *Server) Clusters() map[string]client.BdevRbdRegisterClusterRequest {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make(map[string]client.BdevRbdRegisterClusterRequest, len(s.clusters))
	for k, v := range s.clusters {
		out[k] = v
	}
	return out
}

// KeyPath returns the file registered under the keyring name.
func (s *Server) KeyPath(name string) (string, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	path, ok := s.keys[name]
	return path, ok
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mutex.Lock()
		if s.closed {
			s.mutex.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var req request
		if err := decoder.Decode(&req); err != nil {
			return
		}

		s.mutex.Lock()
		delay := s.delays[req.Method]
		s.mutex.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		result, rpcErr, hangUp := s.dispatch(&req)
		if hangUp {
			return
		}
		rsp := response{Version: "2.0", ID: req.ID, Result: result, Error: rpcErr}
		if err := encoder.Encode(&rsp); err != nil {
			klog.V(4).Infof("fake target: write failed: %v", err)
			return
		}
	}
}

func invalidParams(format string, args ...interface{}) *client.RPCError {
	return &client.RPCError{Code: client.ErrorCodeInvalidParams, Message: fmt.Sprintf("Invalid parameters: "+format, args...)}
}

func (s *Server) dispatch(req *request) (interface{}, *client.RPCError, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.calls[req.Method]++
	if f, ok := s.failures[req.Method]; ok {
		return nil, f.rpcErr, f.hangUp
	}

	decode := func(v interface{}) *client.RPCError {
		if err := json.Unmarshal(req.Params, v); err != nil {
			return invalidParams("%v", err)
		}
		return nil
	}

	switch req.Method {
	case "bdev_rbd_register_cluster":
		var p client.BdevRbdRegisterClusterRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.clusters[p.Name]; ok {
			return nil, &client.RPCError{Code: client.ErrorCodeExists, Message: "File exists"}, false
		}
		s.clusters[p.Name] = p
		return p.Name, nil, false

	case "bdev_rbd_unregister_cluster":
		var p client.BdevRbdUnregisterClusterRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.clusters[p.Name]; !ok {
			return nil, &client.RPCError{Code: client.ErrorCodeNoEntry, Message: "No such file or directory"}, false
		}
		delete(s.clusters, p.Name)
		return true, nil, false

	case "bdev_rbd_create":
		var p client.BdevRbdCreateRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if p.ClusterName != "" {
			if _, ok := s.clusters[p.ClusterName]; !ok {
				return nil, &client.RPCError{Code: client.ErrorCodeNoDevice, Message: "No such device"}, false
			}
		}
		if _, ok := s.bdevs[p.Name]; ok {
			return nil, &client.RPCError{Code: client.ErrorCodeExists, Message: "File exists"}, false
		}
		s.bdevs[p.Name] = p
		return p.Name, nil, false

	case "bdev_rbd_delete":
		var p client.BdevRbdDeleteRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.bdevs[p.Name]; !ok {
			return nil, &client.RPCError{Code: client.ErrorCodeNoDevice, Message: "No such device"}, false
		}
		delete(s.bdevs, p.Name)
		return true, nil, false

	case "nvmf_create_transport":
		var p client.NvmfCreateTransportRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if s.transports[p.Trtype] {
			return nil, invalidParams("transport %s already exists", p.Trtype), false
		}
		s.transports[p.Trtype] = true
		return true, nil, false

	case "nvmf_create_subsystem":
		var p client.NvmfCreateSubsystemRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.subsystems[p.Nqn]; ok {
			return nil, invalidParams("subsystem %s already exists", p.Nqn), false
		}
		s.subsystems[p.Nqn] = &client.NvmfSubsystem{
			Nqn:             p.Nqn,
			Subtype:         "NVMe",
			SerialNumber:    p.SerialNumber,
			ModelNumber:     p.ModelNumber,
			AllowAnyHost:    p.AllowAnyHost,
			ListenAddresses: []client.NvmfSubsystemListenAddress{},
			Hosts:           []client.NvmfSubsystemHost{},
		}
		return true, nil, false

	case "nvmf_delete_subsystem":
		var p client.NvmfDeleteSubsystemRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.subsystems[p.Nqn]; !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		delete(s.subsystems, p.Nqn)
		return true, nil, false

	case "nvmf_get_subsystems":
		var p client.NvmfGetSubsystemsRequest
		if len(req.Params) > 0 {
			if err := decode(&p); err != nil {
				return nil, err, false
			}
		}
		list := []client.NvmfSubsystem{}
		if p.Nqn != "" {
			sub, ok := s.subsystems[p.Nqn]
			if !ok {
				return nil, invalidParams("no subsystem %s", p.Nqn), false
			}
			return append(list, copySubsystem(sub)), nil, false
		}
		for _, sub := range s.subsystems {
			list = append(list, copySubsystem(sub))
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Nqn < list[j].Nqn })
		return list, nil, false

	case "nvmf_subsystem_add_ns":
		var p client.NvmfSubsystemAddNsRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		sub, ok := s.subsystems[p.Nqn]
		if !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		if _, ok := s.bdevs[p.Namespace.BdevName]; !ok {
			return nil, invalidParams("no bdev %s", p.Namespace.BdevName), false
		}
		ns := p.Namespace
		ns.Nsid = uint32(len(sub.Namespaces) + 1)
		ns.Name = ns.BdevName
		sub.Namespaces = append(sub.Namespaces, ns)
		return ns.Nsid, nil, false

	case "nvmf_subsystem_add_listener":
		var p client.NvmfSubsystemListenerRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		sub, ok := s.subsystems[p.Nqn]
		if !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		if findListener(sub, p.ListenAddress) >= 0 {
			return nil, invalidParams("listener %s:%s already exists", p.ListenAddress.Traddr, p.ListenAddress.Trsvcid), false
		}
		sub.ListenAddresses = append(sub.ListenAddresses, p.ListenAddress)
		return true, nil, false

	case "nvmf_subsystem_remove_listener":
		var p client.NvmfSubsystemListenerRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		sub, ok := s.subsystems[p.Nqn]
		if !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		i := findListener(sub, p.ListenAddress)
		if i < 0 {
			return nil, invalidParams("no listener %s:%s", p.ListenAddress.Traddr, p.ListenAddress.Trsvcid), false
		}
		sub.ListenAddresses = append(sub.ListenAddresses[:i], sub.ListenAddresses[i+1:]...)
		return true, nil, false

	case "nvmf_subsystem_add_host":
		var p client.NvmfSubsystemAddHostRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		sub, ok := s.subsystems[p.Nqn]
		if !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		if p.DhchapKey != "" {
			if _, ok := s.keys[p.DhchapKey]; !ok {
				return nil, &client.RPCError{Code: client.ErrorCodeNoDevice, Message: "No such device"}, false
			}
		}
		if findHost(sub, p.Host) >= 0 {
			return nil, invalidParams("host %s already allowed", p.Host), false
		}
		sub.Hosts = append(sub.Hosts, client.NvmfSubsystemHost{Nqn: p.Host, DhchapKey: p.DhchapKey})
		return true, nil, false

	case "nvmf_subsystem_remove_host":
		var p client.NvmfSubsystemRemoveHostRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		sub, ok := s.subsystems[p.Nqn]
		if !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		i := findHost(sub, p.Host)
		if i < 0 {
			return nil, invalidParams("no host %s", p.Host), false
		}
		sub.Hosts = append(sub.Hosts[:i], sub.Hosts[i+1:]...)
		return true, nil, false

	case "nvmf_subsystem_allow_any_host":
		var p client.NvmfSubsystemAllowAnyHostRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		sub, ok := s.subsystems[p.Nqn]
		if !ok {
			return nil, invalidParams("no subsystem %s", p.Nqn), false
		}
		sub.AllowAnyHost = p.AllowAnyHost
		return true, nil, false

	case "keyring_file_add_key":
		var p client.KeyringFileAddKeyRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.keys[p.Name]; ok {
			return nil, &client.RPCError{Code: client.ErrorCodeExists, Message: "File exists"}, false
		}
		info, err := os.Stat(p.Path)
		if err != nil || info.Mode().Perm()&0077 != 0 {
			return nil, invalidParams("key file %s is missing or too permissive", p.Path), false
		}
		s.keys[p.Name] = p.Path
		return true, nil, false

	case "keyring_file_remove_key":
		var p client.KeyringFileRemoveKeyRequest
		if err := decode(&p); err != nil {
			return nil, err, false
		}
		if _, ok := s.keys[p.Name]; !ok {
			return nil, &client.RPCError{Code: client.ErrorCodeNoDevice, Message: "No such device"}, false
		}
		delete(s.keys, p.Name)
		return true, nil, false
	}

	return nil, &client.RPCError{Code: errorCodeMethodNotFound, Message: "Method not found"}, false
}

func findListener(sub *client.NvmfSubsystem, addr client.NvmfSubsystemListenAddress) int {
	for i, l := range sub.ListenAddresses {
		if l.Traddr == addr.Traddr && l.Trsvcid == addr.Trsvcid && l.Trtype == addr.Trtype {
			return i
		}
	}
	return -1
}

func findHost(sub *client.NvmfSubsystem, host string) int {
	for i, h := range sub.Hosts {
		if h.Nqn == host {
			return i
		}
	}
	return -1
}

func copySubsystem(sub *client.NvmfSubsystem) client.NvmfSubsystem {
	out := *sub
	out.ListenAddresses = append([]client.NvmfSubsystemListenAddress{}, sub.ListenAddresses...)
	out.Hosts = append([]client.NvmfSubsystemHost{}, sub.Hosts...)
	out.Namespaces = append([]client.NvmfSubsystemNamespace(nil), sub.Namespaces...)
	return out
}
