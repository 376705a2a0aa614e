package rpc

// Message is one control command.
type Message map[string]interface{}

// Endpoint is an address and port pair of join and leave.
type Endpoint struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// UnitRef names one unit to leave.
type UnitRef struct {
	NQN  string `json:"nqn"`
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// SubsystemInfo is the reply of create and find.
type SubsystemInfo struct {
	NQN     string `json:"nqn"`
	Pool    string `json:"pool"`
	Image   string `json:"image"`
	Cluster string `json:"cluster"`
	Addr    string `json:"addr,omitempty"`
	Port    *int   `json:"port,omitempty"`
}

// Unit is one serving endpoint in a list reply.
type Unit struct {
	Node string `json:"node"`
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// Subsystem is one entry of a list reply.
type Subsystem struct {
	Type    string `json:"type"`
	NQN     string `json:"nqn"`
	Pool    string `json:"pool"`
	Image   string `json:"image"`
	Cluster string `json:"cluster"`
	Units   []Unit `json:"units"`
}

func ClusterAdd(name, user, key, monHost string) Message {
	return Message{"method": "cluster_add", "name": name, "user": user, "key": key, "mon_host": monHost}
}

// Create leaves the pool out when it is empty so that the proxy default
// applies.
func Create(nqn, cluster, pool, image, addr string) Message {
	m := Message{"method": "create", "nqn": nqn, "cluster": cluster, "rbd_name": image, "addr": addr}
	if pool != "" {
		m["pool_name"] = pool
	}
	return m
}

func Find(nqn string) Message {
	return Message{"method": "find", "nqn": nqn}
}

func Join(nqn, addr string, addresses ...Endpoint) Message {
	return Message{"method": "join", "nqn": nqn, "addr": addr, "addresses": addresses}
}

func Leave(units ...UnitRef) Message {
	return Message{"method": "leave", "subsystems": units}
}

// HostAdd sends no key when key is nil.
func HostAdd(nqn, host string, key *string) Message {
	m := Message{"method": "host_add", "nqn": nqn, "host": host}
	if key != nil {
		m["dhchap_key"] = *key
	}
	return m
}

func HostList(nqn string) Message {
	return Message{"method": "host_list", "nqn": nqn}
}

func HostDel(nqn, host string) Message {
	return Message{"method": "host_del", "nqn": nqn, "host": host}
}

func List() Message {
	return Message{"method": "list"}
}

func Remove(nqn string) Message {
	return Message{"method": "remove", "nqn": nqn}
}

func Stop() Message {
	return Message{"method": "stop"}
}
