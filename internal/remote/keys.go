package remote

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// KeyNames are the private key file names looked up under ~/.ssh when no
// identity file is configured, in order of preference.
var KeyNames = []string{
	"id_ed25519",
	"id_rsa",
	"id_ecdsa",
	"datacrunch",
	"datacrunch_rsa",
	"datacrunch_ed25519",
}

// DiscoverKey returns the first existing private key under dir.
func DiscoverKey(dir string) (string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()

		if err != nil {
			return "", errors.Wrap(err, "user home directory")
		}

		dir = filepath.Join(home, ".ssh")
	}

	for _, name := range KeyNames {
		path := filepath.Join(dir, name)

		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}

	return "", errors.Errorf("no private key found in %s", dir)
}

// CheckPermissions fails when the key is accessible by group or others.
func CheckPermissions(path string) error {
	info, err := os.Stat(path)

	if err != nil {
		return errors.Wrap(err, "stat private key")
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return errors.Errorf("%s has mode %#o, expected 600 or 400", path, perm)
	}

	return nil
}
