package provision

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// IdentityResolver maps account names to numeric ids
type IdentityResolver interface {
	LookupUser(name string) (int, error)
	LookupGroup(name string) (int, error)
}

// OSIdentities resolves names through the system account databases
type OSIdentities struct{}

func (OSIdentities) LookupUser(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("unknown user %s: %w", name, err)
	}
	return strconv.Atoi(u.Uid)
}

func (OSIdentities) LookupGroup(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("unknown group %s: %w", name, err)
	}
	return strconv.Atoi(g.Gid)
}

// Files inspects and changes ownership and mode of socket directories
type Files interface {
	Owner(path string) (uid, gid int, err error)
	Chown(path string, uid, gid int) error
	Chmod(path string, mode os.FileMode) error

	// MkdirPrivate creates path if needed and leaves it mode 0700
	MkdirPrivate(path string) error
}

// HostFiles operates on the local filesystem
type HostFiles struct{}

func (HostFiles) Owner(path string) (int, int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return int(st.Uid), int(st.Gid), nil
}

func (HostFiles) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

func (HostFiles) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func (HostFiles) MkdirPrivate(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return err
	}
	return os.Chmod(path, 0700)
}
