package executor

import (
	"strings"
)

// Cmd builds a single shell command line for a remote host.
type Cmd struct {
	Binary string
	args   []string
	envs   []string
}

func NewCmd(binary string, args ...string) *Cmd {
	return &Cmd{Binary: binary, args: args}
}

func (c *Cmd) Add(args ...string) *Cmd {
	c.args = append(c.args, args...)
	return c
}

// Env adds a KEY=value assignment in front of the command.
func (c *Cmd) Env(env string) *Cmd {
	c.envs = append(c.envs, env)
	return c
}

func (c *Cmd) Command() []string {
	return c.args
}

func (c *Cmd) String() string {
	parts := make([]string, 0, len(c.envs)+len(c.args)+1)

	for _, env := range c.envs {
		if i := strings.IndexByte(env, '='); i > 0 {
			parts = append(parts, env[:i+1]+Quote(env[i+1:]))
		}
	}

	parts = append(parts, c.Binary)

	for _, arg := range c.args {
		parts = append(parts, Quote(arg))
	}

	return strings.Join(parts, " ")
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}

	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+@%,", r)) {
			safe = false
			break
		}
	}

	if safe {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
