// Package provision prepares the socket volumes shared between a service
// family's daemon and its consumers.
//
// Each family is one unit of work: volume, then ACL, then ownership. Families
// run concurrently and fail independently. Every step compares before it
// writes, so a second run over a provisioned host changes nothing.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/fault"
	"github.com/dyluth/berth/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Stages of provisioning a family, used in results and errors
const (
	StageLock      = "lock"
	StageVolume    = "volume"
	StageACL       = "acl"
	StageOwnership = "ownership"
	StageState     = "state"
)

// Outcome summarises what a run did to a family
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Result is the report for one family
type Result struct {
	Family     string
	Dataset    string
	Mountpoint string
	Outcome    Outcome
	Changes    []string // What was written, in order
	Stage      string   // Failing stage
	Err        error
	Incomplete bool // The volume was left flagged berth:state=incomplete
	Duration   time.Duration
}

// Observer is notified when a family finishes
type Observer interface {
	FamilyFinished(r Result)
}

// Provisioner applies families to the host
type Provisioner struct {
	Volumes    VolumeManager
	ACL        ACLBackend
	Files      Files
	Identities IdentityResolver
	Locker     Locker
	Observer   Observer
	Logger     *slog.Logger

	// StagingDir is a root-only directory new volumes are first mounted under
	StagingDir string

	GrantEveryone bool
	Concurrency   int
}

// New wires a provisioner to the host's ZFS pool, ACL tools and account databases
func New(cfg config.ProvisionConfig, locker Locker, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		Volumes:       &ZFSVolumes{Pool: cfg.Pool},
		ACL:           NewChmodBackend(cfg.ACL),
		Files:         HostFiles{},
		Identities:    OSIdentities{},
		Locker:        locker,
		Logger:        logger,
		StagingDir:    cfg.StagingDir,
		GrantEveryone: cfg.ACL.Everyone(),
		Concurrency:   cfg.Concurrency,
	}
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Provisioner) limit() int {
	if p.Concurrency < 1 {
		return 1
	}
	return p.Concurrency
}

// Provision applies every family and returns one result per family in input
// order. A failing family never stops the others.
func (p *Provisioner) Provision(ctx context.Context, families []config.Family) []Result {
	results := make([]Result, len(families))

	var g errgroup.Group
	g.SetLimit(p.limit())
	for i, f := range families {
		g.Go(func() error {
			results[i] = p.ProvisionFamily(ctx, f)
			return nil
		})
	}
	g.Wait()

	return results
}

// ProvisionFamily runs one family under its lock
func (p *Provisioner) ProvisionFamily(ctx context.Context, f config.Family) Result {
	start := time.Now()
	run := &familyRun{p: p, f: f, mountpoint: f.SocketDir()}
	run.result = Result{Family: f.Name, Dataset: f.Dataset, Mountpoint: run.mountpoint}

	log := p.logger().With(logging.Family(f.Name))

	if err := run.do(ctx); err != nil {
		run.result.Outcome = OutcomeFailed
		run.result.Err = err
		log.Error("Provisioning failed", logging.Stage(run.result.Stage), logging.Error(err))
	} else {
		log.Info("Provisioning complete", slog.String("outcome", string(run.result.Outcome)))
	}

	run.result.Duration = time.Since(start)
	if p.Observer != nil {
		p.Observer.FamilyFinished(run.result)
	}
	return run.result
}

type familyRun struct {
	p          *Provisioner
	f          config.Family
	mountpoint string
	volume     *Volume
	created    bool
	result     Result
}

func (r *familyRun) fail(kind fault.Kind, stage string, err error) error {
	r.result.Stage = stage
	if kind == "" {
		return fmt.Errorf("family %s (%s): %w", r.f.Name, stage, err)
	}
	return fault.Family(kind, r.f.Name, stage, err)
}

func (r *familyRun) changed(what string) {
	r.result.Changes = append(r.result.Changes, what)
}

func (r *familyRun) do(ctx context.Context) error {
	release, err := r.p.Locker.Acquire(ctx, r.f.Name)
	if err != nil {
		return r.fail("", StageLock, err)
	}
	defer func() {
		if err := release(); err != nil {
			r.p.logger().Warn("Failed to release lock", logging.Family(r.f.Name), logging.Error(err))
		}
	}()

	if err := r.ensureVolume(ctx); err != nil {
		var c volumeConflict
		if errors.As(err, &c) {
			return r.fail(fault.VolumeConflict, StageVolume, c.error)
		}
		return r.fail("", StageVolume, err)
	}

	if err := r.applyAccessControl(ctx); err != nil {
		r.flagIncomplete(ctx)
		return r.fail(fault.AccessControlFailure, StageACL, err)
	}

	if err := r.assignOwnership(ctx); err != nil {
		r.flagIncomplete(ctx)
		return r.fail(fault.OwnershipFailure, StageOwnership, err)
	}

	if r.volume.State != StateComplete {
		if err := r.p.Volumes.SetProperty(ctx, r.f.Dataset, PropState, StateComplete); err != nil {
			r.result.Incomplete = true
			return r.fail("", StageState, err)
		}
		r.volume.State = StateComplete
		r.result.Incomplete = false
		if len(r.result.Changes) == 0 {
			r.changed("state")
		}
	}

	switch {
	case r.created:
		r.result.Outcome = OutcomeCreated
	case len(r.result.Changes) > 0:
		r.result.Outcome = OutcomeUpdated
	default:
		r.result.Outcome = OutcomeUnchanged
	}
	return nil
}

// volumeConflict is an existing dataset or mountpoint the family cannot use
type volumeConflict struct{ error }

func conflict(format string, args ...any) error {
	return volumeConflict{fmt.Errorf(format, args...)}
}

// stagingPath is where the family's volume is mounted until it is restricted
func (r *familyRun) stagingPath() string {
	return filepath.Join(r.p.StagingDir, r.f.Name)
}

// ensureVolume finds or creates the dataset mounted at <home>/socket
func (r *familyRun) ensureVolume(ctx context.Context) error {
	vol, err := r.p.Volumes.Lookup(ctx, r.f.Dataset)
	if err != nil {
		return err
	}

	if vol != nil {
		if vol.Mountpoint == r.stagingPath() && vol.Family == r.f.Name && vol.State != StateComplete {
			// An earlier run stopped before moving it into place
			r.volume = vol
			return r.moveIntoPlace(ctx)
		}
		if vol.Mountpoint != r.mountpoint {
			return conflict("dataset %s is mounted at %s, expected %s", vol.Dataset, vol.Mountpoint, r.mountpoint)
		}
		if vol.Family != "" && vol.Family != r.f.Name {
			return conflict("dataset %s belongs to family %s", vol.Dataset, vol.Family)
		}
		if vol.Family == "" {
			// Volumes made before berth was used get adopted
			if err := r.markIncomplete(ctx, vol); err != nil {
				return err
			}
			if err := r.p.Volumes.SetProperty(ctx, vol.Dataset, PropFamily, r.f.Name); err != nil {
				return err
			}
			vol.Family = r.f.Name
			r.changed("adopt")
		}
		r.volume = vol
		return nil
	}

	other, err := r.p.Volumes.MountedAt(ctx, r.mountpoint)
	if err != nil {
		return err
	}
	if other != "" {
		return conflict("%s is already the mountpoint of dataset %s", r.mountpoint, other)
	}

	if err := r.p.Files.MkdirPrivate(r.p.StagingDir); err != nil {
		return fmt.Errorf("failed to prepare staging directory: %w", err)
	}
	vol, err = r.p.Volumes.Create(ctx, r.f.Dataset, r.stagingPath(), r.f.Name)
	if err != nil {
		return err
	}
	r.volume = vol
	r.created = true
	r.changed("volume")

	return r.moveIntoPlace(ctx)
}

// moveIntoPlace restricts a staged volume to root, then mounts it at
// <home>/socket. Nobody else reaches the directory until the ACL is in place.
func (r *familyRun) moveIntoPlace(ctx context.Context) error {
	staged := r.volume.Mountpoint
	if err := r.p.Files.Chmod(staged, 0700); err != nil {
		return fmt.Errorf("failed to restrict %s: %w", staged, err)
	}
	if err := r.p.Volumes.SetProperty(ctx, r.f.Dataset, PropMountpoint, r.mountpoint); err != nil {
		return err
	}
	r.volume.Mountpoint = r.mountpoint
	if !r.created {
		r.changed("volume")
	}
	return nil
}

// applyAccessControl replaces the ACL when it differs from the desired one
func (r *familyRun) applyAccessControl(ctx context.Context) error {
	desired := DesiredACL(r.f, r.p.GrantEveryone)

	current, err := r.p.ACL.Read(ctx, r.mountpoint)
	if err != nil {
		return err
	}
	if current.Equal(desired) {
		return nil
	}

	for _, e := range desired {
		if e.Tag != TagUser {
			continue
		}
		if _, err := r.p.Identities.LookupUser(e.Principal); err != nil {
			return fmt.Errorf("cannot grant access: %w", err)
		}
	}

	if err := r.markIncomplete(ctx, r.volume); err != nil {
		return err
	}
	if err := r.p.ACL.Replace(ctx, r.mountpoint, desired); err != nil {
		return err
	}

	after, err := r.p.ACL.Read(ctx, r.mountpoint)
	if err != nil {
		return err
	}
	if !after.Equal(desired) {
		missing, extra := Diff(after, desired)
		return fmt.Errorf("ACL of %s not applied: missing %v, unexpected %v", r.mountpoint, missing.Strings(), extra.Strings())
	}

	r.changed("acl")
	return nil
}

// assignOwnership sets <owner_user>:<owner_group> on the socket directory
func (r *familyRun) assignOwnership(ctx context.Context) error {
	uid, err := r.p.Identities.LookupUser(r.f.OwnerUser)
	if err != nil {
		return err
	}
	gid, err := r.p.Identities.LookupGroup(r.f.OwnerGroup)
	if err != nil {
		return err
	}

	curUID, curGID, err := r.p.Files.Owner(r.mountpoint)
	if err != nil {
		return err
	}
	if curUID == uid && curGID == gid {
		return nil
	}

	if err := r.markIncomplete(ctx, r.volume); err != nil {
		return err
	}
	if err := r.p.Files.Chown(r.mountpoint, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s to %s:%s: %w", r.mountpoint, r.f.OwnerUser, r.f.OwnerGroup, err)
	}

	curUID, curGID, err = r.p.Files.Owner(r.mountpoint)
	if err != nil {
		return err
	}
	if curUID != uid || curGID != gid {
		return fmt.Errorf("owner of %s is %d:%d after chown, expected %d:%d", r.mountpoint, curUID, curGID, uid, gid)
	}

	r.changed("ownership")
	return nil
}

// markIncomplete flags the volume before its first modification in this run
func (r *familyRun) markIncomplete(ctx context.Context, vol *Volume) error {
	if vol.State == StateIncomplete {
		r.result.Incomplete = true
		return nil
	}
	if err := r.p.Volumes.SetProperty(ctx, vol.Dataset, PropState, StateIncomplete); err != nil {
		return err
	}
	vol.State = StateIncomplete
	r.result.Incomplete = true
	return nil
}

// flagIncomplete records a failure on a volume whose setup did not finish
func (r *familyRun) flagIncomplete(ctx context.Context) {
	if r.volume == nil {
		return
	}
	if err := r.markIncomplete(ctx, r.volume); err != nil {
		r.p.logger().Warn("Failed to flag volume incomplete", logging.Family(r.f.Name), logging.Error(err))
	}
}

// Diff returns the entries of want missing from have and the entries of have not in want
func Diff(have, want ACL) (missing, extra ACL) {
	count := make(map[Entry]int)
	for _, e := range have {
		count[e]++
	}
	for _, e := range want {
		if count[e] > 0 {
			count[e]--
			continue
		}
		missing = append(missing, e)
	}
	for _, e := range have {
		if count[e] > 0 {
			count[e]--
			extra = append(extra, e)
		}
	}
	return missing, extra
}

// Failures joins the errors of failed results, or returns nil
func Failures(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
