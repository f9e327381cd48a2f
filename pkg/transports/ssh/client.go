package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is one SSH connection to a resource.
type Client struct {
	config *Config

	mu          sync.Mutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
}

// Dial connects to config.Host, through the jump host when one is configured.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: fmt.Errorf("invalid config: %w", err)}
	}

	targetConfig, err := config.BuildSSHClientConfig(config.User)
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: err, IsAuthError: true}
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()

	c := &Client{config: config}
	var conn net.Conn
	if config.ProxyHost != "" {
		proxyConfig, err := config.BuildSSHClientConfig(config.ProxyUser)
		if err != nil {
			return nil, &TransportError{Op: "connect-proxy", Host: config.ProxyHost, Err: err, IsAuthError: true}
		}
		c.proxy, err = dialClient(ctx, config.ProxyAddress(), proxyConfig)
		if err != nil {
			return nil, wrapDialError("connect-proxy", config.ProxyHost, err)
		}
		conn, err = c.proxy.DialContext(ctx, "tcp", config.Address())
		if err != nil {
			_ = c.proxy.Close()
			return nil, &TransportError{Op: "connect-via-proxy", Host: config.Host, Err: err, IsTemporary: true}
		}
		log.Debug().Str("proxy", config.ProxyAddress()).Str("target", config.Address()).Msg("connected through proxy")
	}

	if conn == nil {
		c.client, err = dialClient(ctx, config.Address(), targetConfig)
	} else {
		c.client, err = handshake(ctx, conn, config.Address(), targetConfig)
	}
	if err != nil {
		if c.proxy != nil {
			_ = c.proxy.Close()
		}
		return nil, wrapDialError("connect", config.Host, err)
	}

	c.connectedAt = time.Now()
	log.Debug().Str("address", config.Address()).Msg("SSH connection established")
	return c, nil
}

func dialClient(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, conn, addr, cfg)
}

// handshake runs the SSH handshake on conn, abandoning it when ctx ends.
func handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func wrapDialError(op, host string, err error) *TransportError {
	auth := isAuthFailure(err)
	return &TransportError{Op: op, Host: host, Err: err, IsTemporary: !auth, IsAuthError: auth}
}

// Run executes cmd and waits for it, up to the configured command timeout.
// A non-zero exit status is returned as an error alongside the result.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Host: c.config.Host, Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Host: c.config.Host, Err: ctx.Err(), IsTemporary: true}
	case err = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{Op: "exec", Host: c.config.Host, Err: fmt.Errorf("command exited with status %d", result.ExitCode)}
	default:
		return result, &TransportError{Op: "exec", Host: c.config.Host, Err: err, IsTemporary: true}
	}

	log.Debug().Str("host", c.config.Host).Dur("duration", result.Duration).Msg("command completed")
	return result, nil
}

// SFTP opens an SFTP session on the connection. The caller closes it.
func (c *Client) SFTP() (*sftp.Client, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Host: c.config.Host, Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sc, nil
}

// Close closes the connection and any jump host connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// Info returns details about the connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnectionInfo{
		Host:        c.config.Host,
		Port:        c.config.Port,
		User:        c.config.User,
		ConnectedAt: c.connectedAt,
		ViaProxy:    c.proxy != nil,
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "session", Host: c.config.Host, Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
