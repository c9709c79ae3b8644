package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// errTimesNotPreserved marks an upload whose contents landed but whose
// modification time could not be set.
var errTimesNotPreserved = errors.New("remote modification time not preserved")

// conn is one authenticated SSH connection.
type conn interface {
	// Run executes a console command and reports its exit status and error text.
	// err is only set when the command could not be run at all.
	Run(command string) (status int, stderr string, err error)
	// FileTransfer opens an SFTP session on the connection.
	FileTransfer() (fileTransfer, error)
	Close() error
}

// fileTransfer is one SFTP session.
type fileTransfer interface {
	ReadDir(dir string) ([]os.FileInfo, error)
	// Upload writes src to dst, replacing any existing file, and stamps dst
	// with mtime.
	Upload(src io.Reader, dst string, mtime time.Time) error
	Remove(name string) error
	Close() error
}

type dialFunc func(ctx context.Context) (conn, error)

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	password := c.opts.Password
	return &ssh.ClientConfig{
		User: c.opts.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			// Crestron firmware prompts through keyboard-interactive; every
			// prompt is a password prompt.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.opts.ConnectTimeout,
	}, nil
}

func (c *Client) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.opts.KnownHostsFile == "" {
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			c.logger.Warn("accepting unverified host key (set device.known_hosts_file to pin it)",
				"host", hostname,
				"fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}

	callback, err := knownhosts.New(c.opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts file: %w", err)
	}
	return callback, nil
}

func (c *Client) dialSSH(ctx context.Context) (conn, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := c.opts.Addr()
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// The SSH handshake does not take a context; bound it with a deadline.
	if c.opts.ConnectTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	}
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(sc, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

func (s *sshConn) Run(command string) (int, string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = session.Close()
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case errors.As(err, &exitErr):
		// The console writes most errors to stdout.
		text := stderr.String()
		if strings.TrimSpace(text) == "" {
			text = stdout.String()
		}
		return exitErr.ExitStatus(), text, nil
	case errors.As(err, &missingErr):
		// Some firmware closes the channel without an exit-status message.
		return 0, "", nil
	case err != nil:
		return 0, "", err
	}
	return 0, "", nil
}

func (s *sshConn) FileTransfer() (fileTransfer, error) {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, err
	}
	return &sftpTransfer{client: client}, nil
}

func (s *sshConn) Close() error {
	return s.client.Close()
}

type sftpTransfer struct {
	client *sftp.Client
}

func (t *sftpTransfer) ReadDir(dir string) ([]os.FileInfo, error) {
	return t.client.ReadDir(dir)
}

func (t *sftpTransfer) Upload(src io.Reader, dst string, mtime time.Time) error {
	f, err := t.client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := t.client.Chtimes(dst, mtime, mtime); err != nil {
		return fmt.Errorf("%w: %v", errTimesNotPreserved, err)
	}
	return nil
}

func (t *sftpTransfer) Remove(name string) error {
	return t.client.Remove(name)
}

func (t *sftpTransfer) Close() error {
	return t.client.Close()
}
