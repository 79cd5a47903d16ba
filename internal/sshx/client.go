package sshx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultConnectTimeout bounds connection establishment. Command execution
// itself is not bounded; a hung remote command blocks the run.
const DefaultConnectTimeout = 10 * time.Second

// ConnectivityError reports a failure to reach or authenticate against the
// remote host. It is always fatal and never retried automatically.
type ConnectivityError struct {
	Host         string
	AuthRejected bool
	Err          error
}

func (e *ConnectivityError) Error() string {
	if e.AuthRejected {
		return fmt.Sprintf("authentication rejected by %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Options configures the SSH client
type Options struct {
	Host           string
	User           string
	KeyPath        string
	Port           int
	ConnectTimeout time.Duration
	// KnownHostsPath enables strict host key verification when set;
	// empty means lenient checking (accept any host key)
	KnownHostsPath string
}

// Client holds one authenticated SSH connection to the target host. All
// remote stages share a single client; the pipeline's sequential execution
// means the connection is never used concurrently.
type Client struct {
	conn   *ssh.Client
	host   string
	logger *slog.Logger
}

// Dial opens an authenticated connection to the target host and verifies it
// with a trivial liveness command.
func Dial(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	key, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", opts.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", opts.KeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", opts.KnownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	port := opts.Port
	if port == 0 {
		port = 22
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", port))
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, &ConnectivityError{
			Host:         opts.Host,
			AuthRejected: strings.Contains(err.Error(), "unable to authenticate"),
			Err:          err,
		}
	}

	c := &Client{conn: conn, host: opts.Host, logger: logger}
	if _, err := c.Run(context.Background(), "true"); err != nil {
		conn.Close()
		return nil, &ConnectivityError{Host: opts.Host, Err: err}
	}

	logger.Info("ssh connection established", "host", opts.Host, "user", opts.User)
	return c, nil
}

// Close terminates the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Host returns the remote host name
func (c *Client) Host() string {
	return c.host
}

// Run executes a single command string in its own session and returns the
// combined output. A non-zero remote exit status is returned as an error
// alongside whatever output was produced.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	// sessions have no native context support; closing the session
	// unblocks the wait when the run is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(command)
	if ctx.Err() != nil {
		return strings.TrimSpace(string(output)), ctx.Err()
	}
	if err != nil {
		return strings.TrimSpace(string(output)), fmt.Errorf("remote command failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// RunWithInput executes a command with stdin fed from the given reader.
// Used for streaming transfers where the remote command consumes the data.
func (c *Client) RunWithInput(ctx context.Context, command string, stdin io.Reader) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = stdin

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(command)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("remote command failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// SFTP opens an SFTP subsystem client on the connection
func (c *Client) SFTP() (*sftp.Client, error) {
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp subsystem: %w", err)
	}
	return client, nil
}

// DialRemote opens a stream to an address as seen from the remote host.
// Dialing network "unix" reaches remote unix sockets, which is how the
// Docker API on the target is driven without exposing a TCP port.
func (c *Client) DialRemote(network, addr string) (net.Conn, error) {
	return c.conn.Dial(network, addr)
}
