package router

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/mitogen-go/multiplexer/internal/pacer"
)

// SFTPMethod is the "sftp" transport: a sibling of "ssh" that performs the
// establishment procedure's expanduser("~") round trip over an actual SFTP
// session instead of a shell command, grounded directly on
// backend/sftp/sftp.go's sftpConnection (an *ssh.Client paired with an
// *sftp.Client) and its getSftpConnection/putSftpConnection pool.
type SFTPMethod struct {
	router *MemRouter

	mu   sync.Mutex
	pool map[string][]*sftpConn
	sf   singleflight.Group
	pace *pacer.Pacer
}

// NewSFTPMethod builds the sftp transport bound to r.
func NewSFTPMethod(r *MemRouter) *SFTPMethod {
	return &SFTPMethod{
		router: r,
		pool:   map[string][]*sftpConn{},
		pace:   pacer.New(pacer.MinSleep(sshMinSleep), pacer.MaxSleep(sshMaxSleep), pacer.MaxConnections(8)),
	}
}

func (m *SFTPMethod) Name() string { return "sftp" }

func (m *SFTPMethod) AllowedKWArgs() map[string]struct{} {
	return map[string]struct{}{
		"hostname": {}, "port": {}, "username": {}, "password": {},
	}
}

// sftpConn bundles the ssh transport and the sftp session layered over it,
// the same pairing backend/sftp/sftp.go's sftpConnection holds, so closing
// one tears down the other.
type sftpConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
	err  chan error
}

func (c *sftpConn) wait() { c.err <- c.ssh.Wait() }

func (c *sftpConn) closed() error {
	select {
	case err := <-c.err:
		return err
	default:
		return nil
	}
}

func (m *SFTPMethod) dial(network, addr string, via Context) (net.Conn, error) {
	if parent, ok := via.(*sshContext); ok {
		return parent.client.Dial(network, addr)
	}
	d := net.Dialer{Timeout: sshDialTimeout}
	return d.Dial(network, addr)
}

func (m *SFTPMethod) connect(addr string, cfg *ssh.ClientConfig, via Context) (*sftpConn, error) {
	conn, err := m.dial("tcp", addr, via)
	if err != nil {
		return nil, errors.Wrap(err, "sftp dial")
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "sftp ssh handshake")
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, errors.Wrap(err, "sftp session")
	}
	return &sftpConn{ssh: sshClient, sftp: sftpClient, err: make(chan error, 1)}, nil
}

func (m *SFTPMethod) getConn(addr string, cfg *ssh.ClientConfig, via Context) (*sftpConn, error) {
	key := poolKey(addr, via)

	m.mu.Lock()
	for len(m.pool[key]) > 0 {
		c := m.pool[key][0]
		m.pool[key] = m.pool[key][1:]
		if c.closed() == nil {
			m.mu.Unlock()
			return c, nil
		}
		log.Debugf("discarding closed sftp connection for %s", key)
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do(key, func() (any, error) {
		var c *sftpConn
		err := m.pace.Call(func() (bool, error) {
			conn, err := m.connect(addr, cfg, via)
			if err != nil {
				return true, err
			}
			c = conn
			go c.wait()
			return false, nil
		})
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*sftpConn), nil
}

func (m *SFTPMethod) putConn(key string, c *sftpConn) {
	if c.closed() != nil {
		return
	}
	m.mu.Lock()
	m.pool[key] = append(m.pool[key], c)
	m.mu.Unlock()
}

func (m *SFTPMethod) Connect(_ context.Context, kwargs map[string]any, via Context) (Context, error) {
	hostname, _ := kwargs["hostname"].(string)
	if hostname == "" {
		return nil, fmt.Errorf("sftp: hostname is required")
	}
	port, _ := kwargs["port"].(string)
	if port == "" {
		port = "22"
	}
	username, _ := kwargs["username"].(string)
	if username == "" {
		username = readCurrentUser()
	}
	password, _ := kwargs["password"].(string)

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(hostname, port)
	key := poolKey(addr, via)
	conn, err := m.getConn(addr, cfg, via)
	if err != nil {
		return nil, errors.Wrapf(err, "sftp connect to %s", addr)
	}

	stream := m.router.NewStream()
	go func() {
		_ = conn.ssh.Wait()
		stream.Disconnect()
	}()

	home, err := conn.sftp.Getwd()
	if err != nil {
		_ = conn.sftp.Close()
		_ = conn.ssh.Close()
		return nil, errors.Wrap(err, "sftp expanduser")
	}
	m.putConn(key, conn)

	return &sftpContext{
		id:      nextContextID("sftp"),
		stream:  stream,
		conn:    conn,
		homeDir: home,
	}, nil
}

// sftpContext is the Context implementation returned by SFTPMethod.Connect.
// Its Call surface is deliberately narrow — expanduser plus the stat lookup
// the File Service's Register path would need against a remote path — since
// running arbitrary registered service methods over SFTP is outside this
// transport's purpose.
type sftpContext struct {
	id      string
	stream  *MemStream
	conn    *sftpConn
	homeDir string
}

func (c *sftpContext) ID() string       { return c.id }
func (c *sftpContext) StreamID() string { return c.stream.ID() }

func (c *sftpContext) Call(_ context.Context, method string, args map[string]any) (any, error) {
	switch method {
	case "expanduser":
		return c.homeDir, nil
	case "stat":
		path, _ := args["path"].(string)
		fi, err := c.conn.sftp.Stat(path)
		if err != nil {
			return nil, err
		}
		return fi.Size(), nil
	default:
		return nil, fmt.Errorf("sftp context %s: no such method %q", c.id, method)
	}
}

func (c *sftpContext) CallAsync(method string, args map[string]any) {
	if method != "fork_parent.prime" {
		return
	}
	go func() {
		_, _ = c.conn.sftp.Getwd()
	}()
}

func (c *sftpContext) Shutdown() error {
	_ = c.conn.sftp.Close()
	return c.conn.ssh.Close()
}
