package remote

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	User                  string
	Port                  string
	IdentityFile          string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// SSH dials instances with public key authentication.
type SSH struct {
	config Config
	signer ssh.Signer
	logger *log.Entry
}

func NewSSH(config Config, logger *log.Entry) (*SSH, error) {
	if config.User == "" {
		config.User = "root"
	}

	if config.Port == "" {
		config.Port = "22"
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	signer, err := loadKey(config.IdentityFile)

	if err != nil {
		return nil, err
	}

	if err := CheckPermissions(config.IdentityFile); err != nil {
		logger.WithError(err).Warn("private key is readable by other users")
	}

	return &SSH{config: config, signer: signer, logger: logger}, nil
}

// PublicKey returns the authorized_keys line matching the identity file.
func (s *SSH) PublicKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.signer.PublicKey())))
}

func loadKey(identityFile string) (ssh.Signer, error) {
	buf, err := os.ReadFile(identityFile)

	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}

	signer, err := ssh.ParsePrivateKey(buf)

	if err != nil {
		return nil, errors.Wrapf(err, "parse private key %s", identityFile)
	}

	return signer, nil
}

func hostKeyCallback(config Config) (ssh.HostKeyCallback, error) {
	if config.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if config.KnownHostsFile == "" {
		homeDir, err := os.UserHomeDir()

		if err != nil {
			return nil, errors.Wrap(err, "user home directory")
		}

		config.KnownHostsFile = filepath.Join(homeDir, ".ssh", "known_hosts")
	}

	return knownhosts.New(config.KnownHostsFile)
}

func (s *SSH) Dial(ctx context.Context, address string) (Session, error) {
	callback, err := hostKeyCallback(s.config)

	if err != nil {
		return nil, errors.Wrap(err, "host key callback")
	}

	config := &ssh.ClientConfig{
		User:            s.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: callback,
		Timeout:         s.config.Timeout,
	}

	target := net.JoinHostPort(address, s.config.Port)

	dialer := net.Dialer{Timeout: s.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)

	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}

	_ = conn.SetDeadline(time.Now().Add(s.config.Timeout))

	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)

	if err != nil {
		_ = conn.Close()

		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{Address: target, Err: err}
		}

		return nil, errors.Wrapf(err, "ssh handshake with %s", target)
	}

	_ = conn.SetDeadline(time.Time{})

	s.logger.WithField("address", target).Debug("ssh connected")

	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, cmd Command) error {
	session, err := s.client.NewSession()

	if err != nil {
		return errors.Wrap(err, "new session")
	}

	defer func() { _ = session.Close() }()

	session.Stdin = cmd.Stdin
	session.Stdout = cmd.Stdout
	session.Stderr = cmd.Stderr

	if err := session.Start(cmd.Command); err != nil {
		return errors.Wrap(err, "start command")
	}

	waitCh := make(chan error, 1)
	go func() {
		err := session.Wait()
		if _, ok := err.(*ssh.ExitError); ok {
			err = &ExitError{Inner: err}
		}
		waitCh <- err
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-waitCh
		return errors.Wrap(ctx.Err(), "remote command")

	case err := <-waitCh:
		return err
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
