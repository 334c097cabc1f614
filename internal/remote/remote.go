package remote

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Command is a single remote shell command. Stdin, Stdout and Stderr are
// optional.
type Command struct {
	Command string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Session is an established connection to an instance.
type Session interface {
	Run(ctx context.Context, cmd Command) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, address string) (Session, error)
}

// ExitError is returned when the remote command ran and exited non-zero.
// Any other error from Run is a transport failure.
type ExitError struct {
	Inner error
}

func (e *ExitError) Error() string {
	if e.Inner == nil {
		return "error"
	}

	return e.Inner.Error()
}

func (e *ExitError) Unwrap() error { return e.Inner }

func (e *ExitError) ExitCode() int {
	var sshExit *ssh.ExitError
	if errors.As(e.Inner, &sshExit) {
		return sshExit.ExitStatus()
	}

	var coded *CodeError
	if errors.As(e.Inner, &coded) {
		return coded.Code
	}

	return -1
}

// CodeError carries an exit status for sessions that are not backed by ssh.
type CodeError struct {
	Code int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// AuthError means the host rejected our key. Reconnecting will not help.
type AuthError struct {
	Address string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh authentication to %s failed: %v", e.Address, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func ExitCode(err error) (int, bool) {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), true
	}

	return 0, false
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsTransport reports whether err is a connection level failure, i.e. neither
// a remote exit status nor an authentication rejection.
func IsTransport(err error) bool {
	if err == nil || IsAuth(err) {
		return false
	}

	_, exited := ExitCode(err)
	return !exited
}
