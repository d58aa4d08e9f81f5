package peerlock

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// ErrNameNotFound indicates the queried name has no registration yet. Fresh
// peers hit this while the rest of the set is still starting; Start retries
// through it.
var ErrNameNotFound = errors.New("name not registered")

// Naming is the name-to-endpoint registry peers locate each other through.
// Register is idempotent for a given name; Resolve is called once per peer
// name at startup.
type Naming interface {
	Register(name, endpoint string) error
	Resolve(name string) (endpoint string, err error)
}

// DirNaming is a Naming backed by a shared directory: one file per name,
// holding the endpoint. Whichever process starts first creates the directory
// and with it the registry; everyone else discovers and reuses it, so there
// is never a second registry instance. Registrations are serialized with an
// exclusive lock on a well-known file inside the directory.
type DirNaming struct {
	dir string
	l   log15.Logger
}

// NewDirNaming opens (creating if needed) the registry rooted at dir.
func NewDirNaming(dir string, l log15.Logger) (*DirNaming, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create naming dir %q", dir)
	}
	return &DirNaming{dir: dir, l: l}, nil
}

func (n *DirNaming) lockFile() string {
	return filepath.Join(n.dir, "registry.lock")
}

func (n *DirNaming) namePath(name string) string {
	return filepath.Join(n.dir, name)
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Register writes name → endpoint, replacing any previous registration for
// the name. The write happens under the registry lock so two processes
// registering simultaneously cannot interleave, and lands via rename so a
// concurrent Resolve never observes a half-written endpoint.
func (n *DirNaming) Register(name, endpoint string) error {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return errors.Errorf("invalid name %q", name)
	}
	if err := touchFile(n.lockFile()); err != nil {
		return errors.Wrap(err, "create registry lock")
	}
	lock, err := filelock.ExclusiveLock(n.lockFile(), filelock.RegFile)
	if err != nil {
		return errors.Wrap(err, "lock registry")
	}
	defer lock.Close()

	tmp := n.namePath(name) + ".tmp"
	if err := os.WriteFile(tmp, []byte(endpoint), 0o644); err != nil {
		return errors.Wrapf(err, "write registration for %q", name)
	}
	if err := os.Rename(tmp, n.namePath(name)); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "publish registration for %q", name)
	}
	n.l.Debug("registered name", "name", name, "endpoint", endpoint)
	return nil
}

// Resolve returns the endpoint registered for name, or ErrNameNotFound.
func (n *DirNaming) Resolve(name string) (string, error) {
	data, err := os.ReadFile(n.namePath(name))
	if os.IsNotExist(err) {
		return "", ErrNameNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "read registration for %q", name)
	}
	endpoint := strings.TrimSpace(string(data))
	if endpoint == "" {
		return "", ErrNameNotFound
	}
	return endpoint, nil
}
