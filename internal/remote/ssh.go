// Package remote runs commands on fleet hosts.
// Each remote host gets a persistent, multiplexed SSH connection with keepalive;
// the deployer itself is driven through os/exec.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/pkg/netutil"
	"github.com/f9-o/fleet/pkg/sshutil"
)

// DefaultSSHPort is the fallback SSH port when HostSpec.Port is 0.
const DefaultSSHPort = 22

// PoolOptions are the connection defaults applied to hosts that leave fields empty.
type PoolOptions struct {
	User       string
	Key        string
	KnownHosts string
	Port       int
	// PinnedKey returns a recorded host key for strict verification.
	PinnedKey func(host string) (string, bool)
}

// connection holds a live SSH connection and its metadata.
type connection struct {
	client   *ssh.Client
	host     string
	lastUsed time.Time
	cancel   context.CancelFunc
}

// Pool manages persistent SSH connections to remote hosts.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*connection // host name → connection
	dials singleflight.Group
	opts  PoolOptions
	log   *logger.Logger
}

// NewPool creates an empty connection pool.
func NewPool(opts PoolOptions, log *logger.Logger) *Pool {
	return &Pool{
		conns: make(map[string]*connection),
		opts:  opts,
		log:   log,
	}
}

// Connect establishes (or returns an existing) SSH connection for a host.
// Dials run outside the pool lock; concurrent callers for the same host share one dial.
func (p *Pool) Connect(ctx context.Context, host v1.HostSpec) (*ssh.Client, error) {
	if client := p.cached(host.Name); client != nil {
		return client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := p.dials.DoChan(host.Name, func() (any, error) {
		if client := p.cached(host.Name); client != nil {
			return client, nil
		}
		client, err := p.dial(host)
		if err != nil {
			return nil, err
		}
		p.publish(host.Name, client)
		p.log.Debug("ssh connected", "host", host.Name, "addr", p.addr(host))
		return client, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

// cached returns a live pooled client, dropping it when the keepalive fails.
func (p *Pool) cached(name string) *ssh.Client {
	p.mu.Lock()
	c, ok := p.conns[name]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if _, _, err := c.client.Conn.SendRequest("keepalive@fleet", true, nil); err == nil {
		p.mu.Lock()
		c.lastUsed = time.Now()
		p.mu.Unlock()
		return c.client
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[name]; ok && cur == c {
		c.cancel()
		c.client.Close()
		delete(p.conns, name)
	}
	return nil
}

// publish stores a freshly dialled client and starts its keepalive.
func (p *Pool) publish(name string, client *ssh.Client) {
	connCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.conns[name] = &connection{
		client:   client,
		host:     name,
		lastUsed: time.Now(),
		cancel:   cancel,
	}
	p.mu.Unlock()

	go p.keepalive(connCtx, name, client)
}

func (p *Pool) addr(host v1.HostSpec) string {
	address := host.Address
	if address == "" {
		address = host.Name
	}
	port := host.Port
	if port == 0 {
		port = p.opts.Port
	}
	return netutil.JoinHostPort(address, port, DefaultSSHPort)
}

// dial opens a new SSH connection to host based on its spec and the pool defaults.
func (p *Pool) dial(host v1.HostSpec) (*ssh.Client, error) {
	keyPath := host.Key
	if keyPath == "" {
		keyPath = p.opts.Key
	}
	if keyPath == "" {
		return nil, fmt.Errorf("no SSH key configured for host %q", host.Name)
	}
	user := host.User
	if user == "" {
		user = p.opts.User
	}

	cfg, err := sshutil.ClientConfig(user, keyPath, p.opts.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("ssh config for host %q: %w", host.Name, err)
	}

	// Override host key callback if the host key was recorded by force-keys
	if p.opts.PinnedKey != nil {
		if key, ok := p.opts.PinnedKey(host.Name); ok {
			cb, err := sshutil.PinnedHostKey(key)
			if err != nil {
				return nil, fmt.Errorf("host %q: %w", host.Name, err)
			}
			cfg.HostKeyCallback = cb
		}
	}

	return sshutil.Dial(p.addr(host), cfg)
}

// Run executes a command line on the host and returns stdout, stderr and the exit status.
func (p *Pool) Run(ctx context.Context, host v1.HostSpec, cmd string, stdin []byte) ([]byte, []byte, int, error) {
	client, err := p.Connect(ctx, host)
	if err != nil {
		return nil, nil, -1, err
	}
	return sshutil.RunCommand(client, cmd, stdin)
}

// HostKey captures the host's public key in authorized_keys form.
func (p *Pool) HostKey(host v1.HostSpec) (string, error) {
	key, err := sshutil.GatherHostKey(p.addr(host), sshutil.ConnectTimeout)
	if err != nil {
		return "", err
	}
	return sshutil.AuthorizedKey(key), nil
}

// Disconnect closes the connection for a named host.
func (p *Pool) Disconnect(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[name]; ok {
		c.cancel()
		c.client.Close()
		delete(p.conns, name)
		p.log.Debug("ssh disconnected", "host", name)
	}
}

// Close disconnects all managed connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.conns {
		c.cancel()
		c.client.Close()
		delete(p.conns, name)
		p.log.Debug("ssh connection closed", "host", name)
	}
}

// keepalive sends periodic keepalive packets to prevent session timeout.
func (p *Pool) keepalive(ctx context.Context, host string, client *ssh.Client) {
	ticker := time.NewTicker(sshutil.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.Conn.SendRequest("keepalive@fleet", true, nil); err != nil {
				p.log.Warn("ssh keepalive failed, connection may be dead",
					"host", host, "err", err)
				return
			}
		}
	}
}
