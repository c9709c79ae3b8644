//go:build integration

package device

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/crestsync/internal/remote"
)

const (
	username = "admin"
	password = "crestron"
)

// Harness is an in-process SSH server that behaves like a control system:
// console commands over exec and the file system over the sftp subsystem.
type Harness struct {
	t       *testing.T
	ln      net.Listener
	config  *ssh.ServerConfig
	hostKey ssh.Signer

	// Root holds the program directories. The SFTP subsystem serves the
	// whole file system, so clients address them by absolute path.
	Root string

	mu       sync.Mutex
	commands []string
	failures map[string]int
}

// NewHarness starts a device listening on a random local port. It is shut
// down when the test finishes.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	h := &Harness{
		t:        t,
		hostKey:  signer,
		Root:     t.TempDir(),
		failures: make(map[string]int),
	}

	h.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == username && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
	}
	h.config.AddHostKey(signer)

	h.ln, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go h.acceptLoop()

	t.Cleanup(func() {
		_ = h.ln.Close()
	})
	return h
}

// Options returns client options pointing at the harness with valid
// credentials.
func (h *Harness) Options(slot int) remote.Options {
	host, portStr, _ := net.SplitHostPort(h.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return remote.Options{
		Host:           host,
		Port:           port,
		Username:       username,
		Password:       password,
		ProgramSlot:    slot,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// WriteKnownHosts writes a known_hosts file pinning key for the harness
// address and returns its path.
func (h *Harness) WriteKnownHosts(key ssh.PublicKey) string {
	h.t.Helper()
	if key == nil {
		key = h.hostKey.PublicKey()
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(h.ln.Addr().String())}, key)
	path := filepath.Join(h.t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		h.t.Fatalf("write known_hosts: %v", err)
	}
	return path
}

// MkdirProgram creates the program directory below Root.
func (h *Harness) MkdirProgram(name string) string {
	h.t.Helper()
	dir := filepath.Join(h.Root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatalf("mkdir %s: %v", dir, err)
	}
	return dir
}

// FailCommand makes command exit with status from now on.
func (h *Harness) FailCommand(command string, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[command] = status
}

// Commands returns the console commands received so far.
func (h *Harness) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *Harness) acceptLoop() {
	for {
		nc, err := h.ln.Accept()
		if err != nil {
			return
		}
		go h.serveConn(nc)
	}
}

func (h *Harness) serveConn(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, h.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer func() {
		_ = sconn.Close()
	}()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go h.handleSession(ch, requests)
	}
}

func (h *Harness) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() {
		_ = ch.Close()
	}()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			status := h.exec(ch, payload.Command)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			go discard(reqs)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			// Serve ends with io.EOF when the client closes the session
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// exec answers a console command the way the device firmware does: output on
// stdout, errors on stderr, and a non-zero exit status for failures.
func (h *Harness) exec(ch ssh.Channel, command string) int {
	h.mu.Lock()
	h.commands = append(h.commands, command)
	status, fail := h.failures[command]
	h.mu.Unlock()

	if fail {
		_, _ = fmt.Fprintf(ch.Stderr(), "ERROR: %s failed\r\n", command)
		return status
	}
	_, _ = fmt.Fprintf(ch, "%s: OK\r\n", command)
	return 0
}

func discard(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}
