// Package libvirt talks to a running libvirtd over its Unix socket.
//
// poold does not depend on libvirtd. The connection exists to import the
// storage pools a libvirtd host already defines:
//
//	client, err := libvirt.Connect(ctx, cfg.LibvirtSocket, 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	results, err := libvirt.ImportPools(ctx, client.Libvirt(), drv, libvirt.ImportOptions{})
//
// ImportPools takes the narrow StorageClient interface rather than a
// *Client, so tests drive it with a fake. *golibvirt.Libvirt satisfies
// StorageClient implicitly.
package libvirt
