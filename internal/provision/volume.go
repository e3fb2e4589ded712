package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	zfs "github.com/mistifyio/go-zfs/v3"
)

// User properties recorded on every socket volume
const (
	PropFamily = "berth:family"
	PropState  = "berth:state"

	// PropMountpoint is the native property; setting it remounts the dataset
	PropMountpoint = "mountpoint"
)

// Values of PropState
const (
	StateIncomplete = "incomplete"
	StateComplete   = "complete"
)

// Volume is a socket volume as seen in the storage pool
type Volume struct {
	Dataset    string
	Mountpoint string
	Family     string // PropFamily, empty when unset
	State      string // PropState, empty when unset
}

// VolumeManager looks up and creates socket volumes
type VolumeManager interface {
	// Lookup returns the dataset, or nil when it does not exist
	Lookup(ctx context.Context, dataset string) (*Volume, error)

	// MountedAt returns the dataset mounted at mountpoint, or "" when none is
	MountedAt(ctx context.Context, mountpoint string) (string, error)

	// Create creates a dataset mounted at mountpoint, tagged with family and
	// the incomplete state. Callers pass a root-only staging path and move
	// the volume with SetProperty once it is restricted.
	Create(ctx context.Context, dataset, mountpoint, family string) (*Volume, error)

	SetProperty(ctx context.Context, dataset, key, value string) error
}

// ZFSVolumes manages socket volumes as ZFS filesystems in one pool
type ZFSVolumes struct {
	Pool string
}

var _ VolumeManager = (*ZFSVolumes)(nil)

func (z *ZFSVolumes) Lookup(ctx context.Context, dataset string) (*Volume, error) {
	ds, err := zfs.GetDataset(dataset)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up dataset %s: %w", dataset, err)
	}
	return volumeOf(ds)
}

func (z *ZFSVolumes) MountedAt(ctx context.Context, mountpoint string) (string, error) {
	datasets, err := zfs.Filesystems(z.Pool)
	if err != nil {
		return "", fmt.Errorf("failed to list filesystems in %s: %w", z.Pool, err)
	}
	for _, ds := range datasets {
		if ds.Mountpoint == mountpoint {
			return ds.Name, nil
		}
	}
	return "", nil
}

func (z *ZFSVolumes) Create(ctx context.Context, dataset, mountpoint, family string) (*Volume, error) {
	ds, err := zfs.CreateFilesystem(dataset, map[string]string{
		"mountpoint": mountpoint,
		"aclinherit": "passthrough",
		"aclmode":    "passthrough",
		PropFamily:   family,
		PropState:    StateIncomplete,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset %s: %w", dataset, err)
	}
	return volumeOf(ds)
}

func (z *ZFSVolumes) SetProperty(ctx context.Context, dataset, key, value string) error {
	ds, err := zfs.GetDataset(dataset)
	if err != nil {
		return fmt.Errorf("failed to look up dataset %s: %w", dataset, err)
	}
	if err := ds.SetProperty(key, value); err != nil {
		return fmt.Errorf("failed to set %s on %s: %w", key, dataset, err)
	}
	return nil
}

func volumeOf(ds *zfs.Dataset) (*Volume, error) {
	v := &Volume{Dataset: ds.Name, Mountpoint: ds.Mountpoint}

	var err error
	if v.Family, err = userProperty(ds, PropFamily); err != nil {
		return nil, err
	}
	if v.State, err = userProperty(ds, PropState); err != nil {
		return nil, err
	}
	return v, nil
}

// userProperty reads a user property; zfs reports unset ones as "-"
func userProperty(ds *zfs.Dataset, key string) (string, error) {
	value, err := ds.GetProperty(key)
	if err != nil {
		return "", fmt.Errorf("failed to read %s on %s: %w", key, ds.Name, err)
	}
	if value == "-" {
		return "", nil
	}
	return value, nil
}

func isNotExist(err error) bool {
	var zerr *zfs.Error
	if errors.As(err, &zerr) {
		return strings.Contains(zerr.Stderr, "does not exist")
	}
	return false
}
