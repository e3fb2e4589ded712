package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dyluth/berth/internal/fault"
)

// fakeHost is an in-memory pool, ACL store, filesystem and account database
type fakeHost struct {
	mu sync.Mutex

	volumes map[string]*Volume
	acls    map[string]ACL
	owners  map[string][2]int
	modes   map[string]os.FileMode
	users   map[string]int
	groups  map[string]int

	writes      []string
	failChown   map[string]error
	ignoreACL   map[string]bool // Replace succeeds but changes nothing
	failReplace map[string]error
	failCreate  error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		volumes:     make(map[string]*Volume),
		acls:        make(map[string]ACL),
		owners:      make(map[string][2]int),
		modes:       make(map[string]os.FileMode),
		users:       map[string]int{"root": 0},
		groups:      map[string]int{"root": 0},
		failChown:   make(map[string]error),
		ignoreACL:   make(map[string]bool),
		failReplace: make(map[string]error),
	}
}

// addUser registers a user with a same-named primary group
func (h *fakeHost) addUser(name string, id int) {
	h.users[name] = id
	h.groups[name] = id
}

// defaultACL is what a fresh illumos dataset carries
func defaultACL() ACL {
	return ACL{
		{Tag: TagOwner, Perms: FullSet, Allow: true},
		{Tag: TagGroupAt, Perms: "rxs", Allow: true},
		{Tag: TagEveryone, Perms: "rxaRcs", Allow: true},
	}
}

func (h *fakeHost) record(format string, args ...any) {
	h.writes = append(h.writes, fmt.Sprintf(format, args...))
}

func (h *fakeHost) writeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.writes)
}

func (h *fakeHost) Lookup(ctx context.Context, dataset string) (*Volume, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.volumes[dataset]
	if !ok {
		return nil, nil
	}
	c := *v
	return &c, nil
}

func (h *fakeHost) MountedAt(ctx context.Context, mountpoint string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.volumes))
	for name := range h.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h.volumes[name].Mountpoint == mountpoint {
			return name, nil
		}
	}
	return "", nil
}

func (h *fakeHost) Create(ctx context.Context, dataset, mountpoint, family string) (*Volume, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failCreate != nil {
		return nil, h.failCreate
	}
	if _, ok := h.volumes[dataset]; ok {
		return nil, fmt.Errorf("dataset already exists")
	}
	v := &Volume{Dataset: dataset, Mountpoint: mountpoint, Family: family, State: StateIncomplete}
	h.volumes[dataset] = v
	h.acls[mountpoint] = defaultACL()
	h.owners[mountpoint] = [2]int{0, 0}
	h.modes[mountpoint] = 0755
	h.record("create %s", dataset)
	c := *v
	return &c, nil
}

func (h *fakeHost) SetProperty(ctx context.Context, dataset, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.volumes[dataset]
	if !ok {
		return fmt.Errorf("dataset %s does not exist", dataset)
	}
	switch key {
	case PropFamily:
		v.Family = value
	case PropState:
		v.State = value
	case PropMountpoint:
		h.acls[value] = h.acls[v.Mountpoint]
		h.owners[value] = h.owners[v.Mountpoint]
		h.modes[value] = h.modes[v.Mountpoint]
		delete(h.acls, v.Mountpoint)
		delete(h.owners, v.Mountpoint)
		delete(h.modes, v.Mountpoint)
		v.Mountpoint = value
	}
	h.record("set %s %s=%s", dataset, key, value)
	return nil
}

func (h *fakeHost) Read(ctx context.Context, path string) (ACL, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	acl, ok := h.acls[path]
	if !ok {
		return nil, fmt.Errorf("ls: %s: No such file or directory", path)
	}
	return append(ACL(nil), acl...), nil
}

func (h *fakeHost) Replace(ctx context.Context, path string, acl ACL) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failReplace[path]; err != nil {
		return err
	}
	h.record("acl %s", path)
	if h.ignoreACL[path] {
		return nil
	}
	h.acls[path] = append(ACL(nil), acl...)
	return nil
}

func (h *fakeHost) Owner(path string) (int, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.owners[path]
	if !ok {
		return 0, 0, fmt.Errorf("stat %s: no such file or directory", path)
	}
	return o[0], o[1], nil
}

func (h *fakeHost) Chown(path string, uid, gid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failChown[path]; err != nil {
		return err
	}
	h.owners[path] = [2]int{uid, gid}
	h.record("chown %s %d:%d", path, uid, gid)
	return nil
}

func (h *fakeHost) Chmod(path string, mode os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modes[path] = mode
	h.record("chmod %s %o", path, mode)
	return nil
}

func (h *fakeHost) MkdirPrivate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modes[path] = 0700
	return nil
}

func (h *fakeHost) LookupUser(name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.users[name]
	if !ok {
		return 0, fmt.Errorf("unknown user %s", name)
	}
	return id, nil
}

func (h *fakeHost) LookupGroup(name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.groups[name]
	if !ok {
		return 0, fmt.Errorf("unknown group %s", name)
	}
	return id, nil
}

// memLocker is an in-process Locker
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) Acquire(ctx context.Context, family string) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[family] {
		return nil, fmt.Errorf("%w: %s", fault.ErrLocked, family)
	}
	l.held[family] = true
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.held[family] {
			return errors.New("lock not held")
		}
		delete(l.held, family)
		return nil
	}, nil
}

func newTestProvisioner(h *fakeHost) *Provisioner {
	return &Provisioner{
		Volumes:       h,
		ACL:           h,
		Files:         h,
		Identities:    h,
		Locker:        newMemLocker(),
		StagingDir:    "/staging",
		GrantEveryone: true,
		Concurrency:   2,
	}
}
