package libvirt

import (
	"context"
	"fmt"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultSocket is the qemu:///system socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	defaultTimeout = 5 * time.Second
)

// Client is a connection to libvirtd.
type Client struct {
	libvirt *golibvirt.Libvirt
}

// Connect dials libvirtd at socketPath. An empty socketPath means
// DefaultSocket and a zero timeout means five seconds. The dial is
// abandoned when ctx is done.
func Connect(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		dialer := dialers.NewLocal(
			dialers.WithSocket(socketPath),
			dialers.WithLocalTimeout(timeout),
		)
		l := golibvirt.NewWithDialer(dialer)
		if err := l.Connect(); err != nil {
			resultCh <- result{err: fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)}
			return
		}
		resultCh <- result{client: &Client{libvirt: l}}
	}()

	select {
	case <-ctx.Done():
		// a late connection is closed once it arrives
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close disconnects. It is safe to call more than once.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}
	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

// Libvirt returns the underlying go-libvirt client.
func (c *Client) Libvirt() *golibvirt.Libvirt {
	return c.libvirt
}

// Ping checks that the connection is alive and returns libvirtd's version.
func (c *Client) Ping() (uint64, error) {
	if c.libvirt == nil {
		return 0, fmt.Errorf("client not connected")
	}
	version, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return 0, fmt.Errorf("libvirt connection is dead: %w", err)
	}
	return version, nil
}
