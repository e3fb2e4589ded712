package provision

import (
	"context"
	"fmt"

	"github.com/dyluth/berth/internal/config"
	"golang.org/x/sync/errgroup"
)

// Status is the read-only view of one family on the host
type Status struct {
	Family     string
	Dataset    string
	Mountpoint string
	State      string
	Drift      []string
	Err        error
}

// InSync reports whether provisioning would change nothing
func (s Status) InSync() bool {
	return s.Err == nil && len(s.Drift) == 0
}

// Status inspects every family without writing anything and without taking locks
func (p *Provisioner) Status(ctx context.Context, families []config.Family) []Status {
	statuses := make([]Status, len(families))

	var g errgroup.Group
	g.SetLimit(p.limit())
	for i, f := range families {
		g.Go(func() error {
			statuses[i] = p.familyStatus(ctx, f)
			return nil
		})
	}
	g.Wait()

	return statuses
}

func (p *Provisioner) familyStatus(ctx context.Context, f config.Family) Status {
	mountpoint := f.SocketDir()
	s := Status{Family: f.Name, Dataset: f.Dataset, Mountpoint: mountpoint}
	drift := func(format string, args ...any) {
		s.Drift = append(s.Drift, fmt.Sprintf(format, args...))
	}

	vol, err := p.Volumes.Lookup(ctx, f.Dataset)
	if err != nil {
		s.Err = err
		return s
	}
	if vol == nil {
		drift("volume %s does not exist", f.Dataset)
		if other, err := p.Volumes.MountedAt(ctx, mountpoint); err == nil && other != "" {
			drift("%s is the mountpoint of dataset %s", mountpoint, other)
		}
		return s
	}

	s.State = vol.State
	if vol.Mountpoint != mountpoint {
		drift("mounted at %s, expected %s", vol.Mountpoint, mountpoint)
		return s
	}
	if vol.Family != f.Name {
		drift("family tag is %q", vol.Family)
	}
	if vol.State != StateComplete {
		drift("state is %q", vol.State)
	}

	acl, err := p.ACL.Read(ctx, mountpoint)
	if err != nil {
		s.Err = err
		return s
	}
	missing, extra := Diff(acl, DesiredACL(f, p.GrantEveryone))
	for _, e := range missing {
		drift("acl missing %s", e)
	}
	for _, e := range extra {
		drift("acl has unexpected %s", e)
	}

	uid, err := p.Identities.LookupUser(f.OwnerUser)
	if err != nil {
		s.Err = err
		return s
	}
	gid, err := p.Identities.LookupGroup(f.OwnerGroup)
	if err != nil {
		s.Err = err
		return s
	}
	curUID, curGID, err := p.Files.Owner(mountpoint)
	if err != nil {
		s.Err = err
		return s
	}
	if curUID != uid || curGID != gid {
		drift("owner is %d:%d, expected %s:%s (%d:%d)", curUID, curGID, f.OwnerUser, f.OwnerGroup, uid, gid)
	}

	return s
}
