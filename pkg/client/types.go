package client

type NvmeTransportType string

const (
	NvmeTransportTypeTCP NvmeTransportType = "TCP"
)

type NvmeAddressFamily string

const (
	NvmeAddressFamilyIPv4 NvmeAddressFamily = "IPv4"
	NvmeAddressFamilyIPv6 NvmeAddressFamily = "IPv6"
)

// Error codes the daemon returns.
const (
	ErrorCodeInvalidParams = -32602
	ErrorCodeNoDevice      = -19 // -ENODEV
	ErrorCodeExists        = -17 // -EEXIST
	ErrorCodeNoEntry       = -2  // -ENOENT
)

type BdevRbdRegisterClusterRequest struct {
	Name        string            `json:"name"`
	UserID      string            `json:"user_id,omitempty"`
	ConfigParam map[string]string `json:"config_param,omitempty"`
}

type BdevRbdUnregisterClusterRequest struct {
	Name string `json:"name"`
}

type BdevRbdCreateRequest struct {
	Name        string `json:"name"`
	PoolName    string `json:"pool_name"`
	RbdName     string `json:"rbd_name"`
	BlockSize   uint32 `json:"block_size"`
	ClusterName string `json:"cluster_name,omitempty"`
	UUID        string `json:"uuid,omitempty"`
}

type BdevRbdDeleteRequest struct {
	Name string `json:"name"`
}

type NvmfCreateTransportRequest struct {
	Trtype NvmeTransportType `json:"trtype"`
}

type NvmfCreateSubsystemRequest struct {
	Nqn          string `json:"nqn"`
	SerialNumber string `json:"serial_number,omitempty"`
	ModelNumber  string `json:"model_number,omitempty"`
	AllowAnyHost bool   `json:"allow_any_host"`
}

type NvmfDeleteSubsystemRequest struct {
	Nqn string `json:"nqn"`
}

type NvmfGetSubsystemsRequest struct {
	Nqn string `json:"nqn,omitempty"`
}

type NvmfSubsystemNamespace struct {
	Nsid     uint32 `json:"nsid,omitempty"`
	BdevName string `json:"bdev_name"`
	Name     string `json:"name,omitempty"`
	UUID     string `json:"uuid,omitempty"`
}

type NvmfSubsystemAddNsRequest struct {
	Nqn       string                 `json:"nqn"`
	Namespace NvmfSubsystemNamespace `json:"namespace"`
}

type NvmfSubsystemListenAddress struct {
	Trtype  NvmeTransportType `json:"trtype"`
	Adrfam  NvmeAddressFamily `json:"adrfam"`
	Traddr  string            `json:"traddr"`
	Trsvcid string            `json:"trsvcid"`
}

type NvmfSubsystemListenerRequest struct {
	Nqn           string                     `json:"nqn"`
	ListenAddress NvmfSubsystemListenAddress `json:"listen_address"`
}

type NvmfSubsystemAddHostRequest struct {
	Nqn       string `json:"nqn"`
	Host      string `json:"host"`
	DhchapKey string `json:"dhchap_key,omitempty"`
}

type NvmfSubsystemRemoveHostRequest struct {
	Nqn  string `json:"nqn"`
	Host string `json:"host"`
}

type NvmfSubsystemAllowAnyHostRequest struct {
	Nqn          string `json:"nqn"`
	AllowAnyHost bool   `json:"allow_any_host"`
}

type NvmfSubsystemHost struct {
	Nqn       string `json:"nqn"`
	DhchapKey string `json:"dhchap_key,omitempty"`
}

type NvmfSubsystem struct {
	Nqn             string                       `json:"nqn"`
	Subtype         string                       `json:"subtype,omitempty"`
	ListenAddresses []NvmfSubsystemListenAddress `json:"listen_addresses"`
	AllowAnyHost    bool                         `json:"allow_any_host"`
	Hosts           []NvmfSubsystemHost          `json:"hosts"`
	SerialNumber    string                       `json:"serial_number,omitempty"`
	ModelNumber     string                       `json:"model_number,omitempty"`
	Namespaces      []NvmfSubsystemNamespace     `json:"namespaces,omitempty"`
}

type KeyringFileAddKeyRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type KeyringFileRemoveKeyRequest struct {
	Name string `json:"name"`
}
