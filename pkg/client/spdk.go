package client

import (
	"context"
)

// BdevRbdRegisterCluster registers a named storage cluster connection that
// later rbd bdevs refer to.
//
//	"name": Required. Cluster name.
//
//	"userID": Optional. Auth user, without the "client." prefix.
//
//	"params": Optional. Extra config params, e.g. "mon_host" and "key".
func (c *Client) BdevRbdRegisterCluster(ctx context.Context, name, userID string, params map[string]string) (registered string, err error) {
	req := BdevRbdRegisterClusterRequest{
		Name:        name,
		UserID:      userID,
		ConfigParam: params,
	}

	err = c.Call("bdev_rbd_register_cluster").Context(ctx).Params(req).Do().Parse(&registered)
	return registered, err
}

func (c *Client) BdevRbdUnregisterCluster(ctx context.Context, name string) (deleted bool, err error) {
	req := BdevRbdUnregisterClusterRequest{Name: name}

	err = c.Call("bdev_rbd_unregister_cluster").Context(ctx).Params(req).Do().Parse(&deleted)
	return deleted, err
}

// BdevRbdCreate creates an rbd bdev and returns its name.
//
//	"name": Required. Bdev name.
//
//	"pool", "image": Required. Backing pool and image.
//
//	"clusterName": Optional. Cluster registered with BdevRbdRegisterCluster.
func (c *Client) BdevRbdCreate(ctx context.Context, name, pool, image, clusterName, uuid string, blockSize uint32) (bdevName string, err error) {
	req := BdevRbdCreateRequest{
		Name:        name,
		PoolName:    pool,
		RbdName:     image,
		BlockSize:   blockSize,
		ClusterName: clusterName,
		UUID:        uuid,
	}

	err = c.Call("bdev_rbd_create").Context(ctx).Params(req).Do().Parse(&bdevName)
	return bdevName, err
}

func (c *Client) BdevRbdDelete(ctx context.Context, name string) (deleted bool, err error) {
	req := BdevRbdDeleteRequest{Name: name}

	err = c.Call("bdev_rbd_delete").Context(ctx).Params(req).Do().Parse(&deleted)
	return deleted, err
}

// NvmfCreateTransport initializes an NVMe-oF transport. "TCP" by default.
func (c *Client) NvmfCreateTransport(ctx context.Context, trtype NvmeTransportType) (created bool, err error) {
	if trtype == "" {
		trtype = NvmeTransportTypeTCP
	}
	req := NvmfCreateTransportRequest{Trtype: trtype}

	err = c.Call("nvmf_create_transport").Context(ctx).Params(req).Do().Parse(&created)
	return created, err
}

// NvmfCreateSubsystem constructs an NVMe over Fabrics target subsystem.
func (c *Client) NvmfCreateSubsystem(ctx context.Context, nqn, serial string, allowAnyHost bool) (created bool, err error) {
	req := NvmfCreateSubsystemRequest{
		Nqn:          nqn,
		SerialNumber: serial,
		ModelNumber:  "Ceph bdev Controller",
		AllowAnyHost: allowAnyHost,
	}

	err = c.Call("nvmf_create_subsystem").Context(ctx).Params(req).Do().Parse(&created)
	return created, err
}

func (c *Client) NvmfDeleteSubsystem(ctx context.Context, nqn string) (deleted bool, err error) {
	req := NvmfDeleteSubsystemRequest{Nqn: nqn}

	err = c.Call("nvmf_delete_subsystem").Context(ctx).Params(req).Do().Parse(&deleted)
	return deleted, err
}

// NvmfGetSubsystems lists all subsystems, or only nqn when it is set.
//
// Note: asking for a non-existing subsystem returns
// {"code": -32602, "message": "Invalid parameters"}.
func (c *Client) NvmfGetSubsystems(ctx context.Context, nqn string) (subsystemList []NvmfSubsystem, err error) {
	req := NvmfGetSubsystemsRequest{Nqn: nqn}

	err = c.Call("nvmf_get_subsystems").Context(ctx).Params(req).Do().Parse(&subsystemList)
	return subsystemList, err
}

// NvmfSubsystemAddNs exposes a bdev as a namespace and returns its NSID.
func (c *Client) NvmfSubsystemAddNs(ctx context.Context, nqn, bdevName, uuid string) (nsid uint32, err error) {
	req := NvmfSubsystemAddNsRequest{
		Nqn:       nqn,
		Namespace: NvmfSubsystemNamespace{BdevName: bdevName, UUID: uuid},
	}

	err = c.Call("nvmf_subsystem_add_ns").Context(ctx).Params(req).Do().Parse(&nsid)
	return nsid, err
}

// NvmfSubsystemAddListener adds a new listen address to an NVMe-oF subsystem.
//
//	"traddr": Required. NVMe-oF target address: an ip.
//
//	"trsvcid": Required. NVMe-oF target trsvcid: a port number.
//
//	"adrfam": Required. Address family ("IPv4" or "IPv6").
func (c *Client) NvmfSubsystemAddListener(ctx context.Context, nqn, traddr, trsvcid string, adrfam NvmeAddressFamily) (created bool, err error) {
	req := NvmfSubsystemListenerRequest{
		Nqn:           nqn,
		ListenAddress: listenAddress(traddr, trsvcid, adrfam),
	}

	err = c.Call("nvmf_subsystem_add_listener").Context(ctx).Params(req).Do().Parse(&created)
	return created, err
}

// NvmfSubsystemRemoveListener removes a listen address from an NVMe-oF subsystem.
func (c *Client) NvmfSubsystemRemoveListener(ctx context.Context, nqn, traddr, trsvcid string, adrfam NvmeAddressFamily) (deleted bool, err error) {
	req := NvmfSubsystemListenerRequest{
		Nqn:           nqn,
		ListenAddress: listenAddress(traddr, trsvcid, adrfam),
	}

	err = c.Call("nvmf_subsystem_remove_listener").Context(ctx).Params(req).Do().Parse(&deleted)
	return deleted, err
}

// NvmfSubsystemAddHost allows a host NQN to connect. keyName names a key
// added with KeyringFileAddKey, empty for no authentication.
func (c *Client) NvmfSubsystemAddHost(ctx context.Context, nqn, host, keyName string) (added bool, err error) {
	req := NvmfSubsystemAddHostRequest{
		Nqn:       nqn,
		Host:      host,
		DhchapKey: keyName,
	}

	err = c.Call("nvmf_subsystem_add_host").Context(ctx).Params(req).Do().Parse(&added)
	return added, err
}

func (c *Client) NvmfSubsystemRemoveHost(ctx context.Context, nqn, host string) (removed bool, err error) {
	req := NvmfSubsystemRemoveHostRequest{Nqn: nqn, Host: host}

	err = c.Call("nvmf_subsystem_remove_host").Context(ctx).Params(req).Do().Parse(&removed)
	return removed, err
}

func (c *Client) NvmfSubsystemAllowAnyHost(ctx context.Context, nqn string, allow bool) (set bool, err error) {
	req := NvmfSubsystemAllowAnyHostRequest{Nqn: nqn, AllowAnyHost: allow}

	err = c.Call("nvmf_subsystem_allow_any_host").Context(ctx).Params(req).Do().Parse(&set)
	return set, err
}

// KeyringFileAddKey registers a key file with the daemon keyring.
func (c *Client) KeyringFileAddKey(ctx context.Context, name, path string) (added bool, err error) {
	req := KeyringFileAddKeyRequest{Name: name, Path: path}

	err = c.Call("keyring_file_add_key").Context(ctx).Params(req).Do().Parse(&added)
	return added, err
}

func (c *Client) KeyringFileRemoveKey(ctx context.Context, name string) (removed bool, err error) {
	req := KeyringFileRemoveKeyRequest{Name: name}

	err = c.Call("keyring_file_remove_key").Context(ctx).Params(req).Do().Parse(&removed)
	return removed, err
}

func listenAddress(traddr, trsvcid string, adrfam NvmeAddressFamily) NvmfSubsystemListenAddress {
	if adrfam == "" {
		adrfam = NvmeAddressFamilyIPv4
	}
	return NvmfSubsystemListenAddress{
		Trtype:  NvmeTransportTypeTCP,
		Adrfam:  adrfam,
		Traddr:  traddr,
		Trsvcid: trsvcid,
	}
}
