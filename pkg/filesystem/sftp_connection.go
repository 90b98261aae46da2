package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Exported variables.
var (
	ErrNoAuthMethods = errors.New("no SSH authentication methods available (tried SSH agent and default keys)")
)

// ConnectOptions configures how an SSH connection is dialed.
type ConnectOptions struct {
	Host string
	Port int
	User string

	// DialTimeout bounds a single TCP+handshake attempt. Zero means 15s.
	DialTimeout time.Duration
	// MaxAttempts bounds dialing retries. Zero means 3.
	MaxAttempts int
	// StrictHostKeys verifies the server against ~/.ssh/known_hosts.
	StrictHostKeys bool
}

// SFTPConnection holds an active SSH connection that SFTP clients and command
// sessions are multiplexed over.
type SFTPConnection struct {
	sshClient *ssh.Client
	host      string
	port      int
	user      string
}

// ConnectWithOptions establishes an SSH connection, retrying transient dial
// failures with exponential backoff. Authentication uses the SSH agent first,
// then the default private keys in ~/.ssh.
func ConnectWithOptions(ctx context.Context, opts ConnectOptions) (*SFTPConnection, error) {
	authMethods := getSSHAuthMethods()
	if len(authMethods) == 0 {
		return nil, ErrNoAuthMethods
	}

	hostKeyCallback, err := hostKeyCallback(opts.StrictHostKeys)
	if err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second //nolint:mnd // Default dial timeout
	}

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	var sshClient *ssh.Client

	dial := func() error {
		client, dialErr := ssh.Dial("tcp", addr, config)
		if dialErr != nil {
			var keyErr *knownhosts.KeyError
			if errors.As(dialErr, &keyErr) {
				// Host key mismatches never heal on retry
				return backoff.Permanent(dialErr)
			}

			return dialErr
		}

		sshClient = client

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), //nolint:gosec // attempts >= 1
		ctx,
	)

	err = backoff.Retry(dial, policy)
	if err != nil {
		return nil, fmt.Errorf("SSH connection to %s failed: %w", addr, err)
	}

	return &SFTPConnection{
		sshClient: sshClient,
		host:      opts.Host,
		port:      opts.Port,
		user:      opts.User,
	}, nil
}

// Close closes the SSH connection. Pools built on it must be closed first.
func (c *SFTPConnection) Close() error {
	if c.sshClient == nil {
		return nil
	}

	return c.sshClient.Close()
}

// Run executes command in a new SSH session and returns its combined output.
// The session is torn down when ctx is cancelled.
func (c *SFTPConnection) Run(ctx context.Context, command string) ([]byte, error) {
	if c.sshClient == nil {
		return nil, fmt.Errorf("command %q: %w", command, ErrPoolClosed)
	}

	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open SSH session on %s: %w", c.String(), err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()

		return out.Bytes(), ctx.Err()
	}

	if err != nil {
		return out.Bytes(), fmt.Errorf("command %q failed on %s: %w", command, c.String(), err)
	}

	return out.Bytes(), nil
}

// SSHClient returns the underlying SSH client.
func (c *SFTPConnection) SSHClient() *ssh.Client {
	return c.sshClient
}

// String returns user@host:port.
func (c *SFTPConnection) String() string {
	return fmt.Sprintf("%s@%s:%d", c.user, c.host, c.port)
}

// getSSHAuthMethods returns SSH authentication methods in priority order:
// 1. SSH agent
// 2. Default SSH keys
func getSSHAuthMethods() []ssh.AuthMethod {
	var authMethods []ssh.AuthMethod

	if agentAuth := trySSHAgent(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	return append(authMethods, tryDefaultSSHKeys()...)
}

func hostKeyCallback(strict bool) (ssh.HostKeyCallback, error) {
	if !strict {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Opt-in verification via --strict-host-keys
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
	}

	callback, err := knownhosts.New(filepath.Join(homeDir, ".ssh", "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return callback, nil
}

// trySSHAgent attempts to connect to the SSH agent.
func trySSHAgent() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

// tryDefaultSSHKeys loads unencrypted keys from the default locations.
func tryDefaultSSHKeys() []ssh.AuthMethod {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var authMethods []ssh.AuthMethod

	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyData, err := os.ReadFile(filepath.Join(homeDir, ".ssh", name))
		if err != nil {
			continue
		}

		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			// Passphrase-protected keys are left to the agent
			continue
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	return authMethods
}
