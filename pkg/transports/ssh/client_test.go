package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server that understands a handful of exec
// commands and serves SFTP from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	signer := generateSigner(t)
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deployer" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(channel ssh.Channel, code uint32) {
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			s.exec(channel, payload.Command)
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
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

func (s *testSSHServer) exec(channel ssh.Channel, command string) {
	switch {
	case command == "true":
		exitStatus(channel, 0)
	case command == "echo test":
		_, _ = channel.Write([]byte("test\n"))
		exitStatus(channel, 0)
	case command == "fail":
		_, _ = channel.Stderr().Write([]byte("boom\n"))
		exitStatus(channel, 3)
	case command == "sleep":
		<-s.done
	case strings.HasPrefix(command, "cat "):
		data, err := os.ReadFile(strings.TrimPrefix(command, "cat "))
		if err != nil {
			_, _ = channel.Stderr().Write([]byte(err.Error()))
			exitStatus(channel, 1)
			return
		}
		_, _ = channel.Write(data)
		exitStatus(channel, 0)
	default:
		_, _ = channel.Write([]byte("command: " + command + "\n"))
		exitStatus(channel, 0)
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

func generateSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

func testClient(t *testing.T, server *testSSHServer, mutate func(*Config)) *Client {
	t.Helper()

	host, portStr, err := net.SplitHostPort(server.addr)
	if err != nil {
		t.Fatalf("invalid address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "deployer")
	config.Port = port
	config.Password = "secret"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	if mutate != nil {
		mutate(config)
	}

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := testClient(t, server, nil)

	if client.IsConnected() {
		t.Error("expected client to start disconnected")
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if info := client.Info(); info.User != "deployer" || info.ConnectedAt.IsZero() {
		t.Errorf("unexpected connection info: %+v", info)
	}

	if err := client.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	// Closing twice is a no-op.
	if err := client.Close(); err != nil {
		t.Errorf("unexpected second close error: %v", err)
	}
}

func TestClientConnectBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	client := testClient(t, server, func(c *Config) { c.Password = "wrong" })

	err := client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.IsAuthError {
		t.Errorf("expected auth error, got %+v", te)
	}
}

func TestClientKeyAuth(t *testing.T) {
	server := newTestSSHServer(t)
	signer := generateSigner(t)
	client := testClient(t, server, func(c *Config) {
		c.Password = ""
		c.Signer = signer
	})

	result, err := client.Run(context.Background(), "true")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := testClient(t, server, nil)
	ctx := context.Background()

	t.Run("stdout", func(t *testing.T) {
		result, err := client.Run(ctx, "echo test")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if result.Stdout != "test\n" || result.ExitCode != 0 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		result, err := client.Run(ctx, "fail")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if result.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", result.ExitCode)
		}
		if result.Stderr != "boom\n" {
			t.Errorf("expected stderr 'boom', got %q", result.Stderr)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := client.Run(ctx, "sleep")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestClientWriteFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := testClient(t, server, nil)
	ctx := context.Background()

	remotePath := filepath.Join(t.TempDir(), "values", "ceph.yaml")
	data := []byte("replicas: 3\n")

	if err := client.WriteFile(ctx, remotePath, data, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	result, err := client.Run(ctx, "cat "+remotePath)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Stdout != string(data) {
		t.Errorf("expected %q, got %q", data, result.Stdout)
	}

	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	if err := client.Remove(ctx, remotePath); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(remotePath); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, got %v", err)
	}
	if err := client.Remove(ctx, remotePath); err != nil {
		t.Errorf("expected removing a missing file to succeed, got %v", err)
	}
}
