package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// stubServer is an in-process ssh server executing commands with sh in a
// temporary directory.
type stubServer struct {
	Dir          string
	IdentityFile string
	HostKey      ssh.PublicKey

	listener net.Listener
	wg       sync.WaitGroup
}

func newKeyPair(t *testing.T, dir, name string) (string, ssh.Signer) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	return path, signer
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()

	keyDir := t.TempDir()
	identityFile, clientKey := newKeyPair(t, keyDir, "id_ed25519")
	_, hostKey := newKeyPair(t, keyDir, "host_key")

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientKey.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stubServer{
		Dir:          t.TempDir(),
		IdentityFile: identityFile,
		HostKey:      hostKey.PublicKey(),
		listener:     listener,
	}

	go s.mainLoop(config)

	t.Cleanup(func() {
		_ = listener.Close()
		s.wg.Wait()
	})

	return s
}

func (s *stubServer) Port() string {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	return port
}

func (s *stubServer) mainLoop(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			sconn, channels, reqs, err := ssh.NewServerConn(conn, config)
			if err != nil {
				return
			}
			defer sconn.Close()

			go ssh.DiscardRequests(reqs)

			for channel := range channels {
				if channel.ChannelType() != "session" {
					_ = channel.Reject(ssh.UnknownChannelType, "unsupported")
					continue
				}

				go s.handleSession(channel)
			}
		}()
	}
}

func (s *stubServer) handleSession(channel ssh.NewChannel) {
	conn, reqs, err := channel.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var command struct {
			Value []byte
		}
		if err := ssh.Unmarshal(req.Payload, &command); err != nil {
			_ = req.Reply(false, nil)
			return
		}

		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		cmd := exec.Command("sh", "-c", string(command.Value))
		cmd.Dir = s.Dir
		cmd.Stdin = conn
		cmd.Stdout = conn
		cmd.Stderr = conn.Stderr()

		code := 0
		var exitErr *exec.ExitError
		if err := cmd.Run(); errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = 255
		}

		var exit [4]byte
		binary.BigEndian.PutUint32(exit[:], uint32(code))

		_ = conn.CloseWrite()
		_, _ = conn.SendRequest("exit-status", false, exit[:])
		return
	}
}
