package provision

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, name, home, owner string, consumers ...string) config.Family {
	t.Helper()
	f := config.Family{Name: name, Home: home, OwnerUser: owner, Consumers: consumers}
	require.NoError(t, f.Validate("tank"))
	return f
}

func nodeHost() *fakeHost {
	h := newFakeHost()
	h.addUser("node", 1001)
	h.addUser("indexer", 1002)
	h.addUser("consumer", 1003)
	return h
}

func TestProvision_NodeScenario(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	node := family(t, "node", "/node", "node", "indexer", "consumer")

	results := p.Provision(context.Background(), []config.Family{node})
	require.Len(t, results, 1)
	res := results[0]

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, []string{"volume", "acl", "ownership"}, res.Changes)

	vol := h.volumes["tank/node-socket"]
	require.NotNil(t, vol)
	assert.Equal(t, "/node/socket", vol.Mountpoint)
	assert.Equal(t, "node", vol.Family)
	assert.Equal(t, StateComplete, vol.State)

	assert.Equal(t, []string{
		"user:node:full_set:inheritable:allow",
		"user:indexer:full_set:inheritable:allow",
		"user:consumer:full_set:inheritable:allow",
		"everyone@:full_set:inheritable:allow",
	}, h.acls["/node/socket"].Strings())

	assert.Equal(t, [2]int{1001, 1001}, h.owners["/node/socket"])
	assert.Equal(t, os.FileMode(0700), h.modes["/node/socket"])
}

func TestProvision_WriteOrder(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)

	p.Provision(context.Background(), []config.Family{family(t, "node", "/node", "node", "indexer")})

	// Restricted before it is mounted in place, flagged complete only at the end
	assert.Equal(t, []string{
		"create tank/node-socket",
		"chmod /staging/node 700",
		"set tank/node-socket mountpoint=/node/socket",
		"acl /node/socket",
		"chown /node/socket 1001:1001",
		"set tank/node-socket berth:state=complete",
	}, h.writes)
}

func TestProvision_Idempotent(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	families := []config.Family{family(t, "node", "/node", "node", "indexer", "consumer")}

	first := p.Provision(context.Background(), families)
	require.NoError(t, Failures(first))
	writes := h.writeCount()
	acl := h.acls["/node/socket"]

	second := p.Provision(context.Background(), families)
	require.NoError(t, Failures(second))

	assert.Equal(t, OutcomeUnchanged, second[0].Outcome)
	assert.Empty(t, second[0].Changes)
	assert.Equal(t, writes, h.writeCount(), "a second run must not write")
	assert.Equal(t, acl, h.acls["/node/socket"])
}

func TestProvision_DefaultFamilies(t *testing.T) {
	h := newFakeHost()
	for i, u := range []string{"bitcoin", "elements", "electrs", "lnd", "btcpay", "peerswap"} {
		h.addUser(u, 2000+i)
	}
	p := newTestProvisioner(h)

	cfg := config.Default()
	results := p.Provision(context.Background(), cfg.Provision.Families)
	require.NoError(t, Failures(results))
	require.Len(t, results, 2)

	assert.Equal(t, "bitcoin", results[0].Family)
	assert.Equal(t, "elements", results[1].Family)
	assert.Equal(t, []string{
		"user:bitcoin:full_set:inheritable:allow",
		"user:electrs:full_set:inheritable:allow",
		"user:lnd:full_set:inheritable:allow",
		"user:btcpay:full_set:inheritable:allow",
		"everyone@:full_set:inheritable:allow",
	}, h.acls["/home/bitcoin/socket"].Strings())
	assert.Equal(t, [2]int{2001, 2001}, h.owners["/home/elements/socket"])
}

func TestProvision_FailureIsolation(t *testing.T) {
	h := nodeHost()
	h.addUser("bitcoin", 3001)
	h.addUser("elements", 3002)
	h.failChown["/home/bitcoin/socket"] = errors.New("operation not permitted")
	p := newTestProvisioner(h)

	results := p.Provision(context.Background(), []config.Family{
		family(t, "bitcoin", "/home/bitcoin", "bitcoin", "indexer"),
		family(t, "elements", "/home/elements", "elements", "indexer"),
	})

	btc, elements := results[0], results[1]

	assert.Equal(t, OutcomeFailed, btc.Outcome)
	assert.Equal(t, StageOwnership, btc.Stage)
	assert.True(t, errors.Is(btc.Err, fault.OwnershipFailure))
	assert.True(t, btc.Incomplete)
	assert.Equal(t, StateIncomplete, h.volumes["tank/bitcoin-socket"].State)

	require.NoError(t, elements.Err)
	assert.Equal(t, OutcomeCreated, elements.Outcome)
	assert.Equal(t, StateComplete, h.volumes["tank/elements-socket"].State)

	err := Failures(results)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.OwnershipFailure))
	assert.Contains(t, err.Error(), "family bitcoin")
}

func TestProvision_RetryAfterOwnershipFailure(t *testing.T) {
	h := nodeHost()
	h.failChown["/node/socket"] = errors.New("operation not permitted")
	p := newTestProvisioner(h)
	node := family(t, "node", "/node", "node", "indexer")

	first := p.ProvisionFamily(context.Background(), node)
	require.Error(t, first.Err)

	delete(h.failChown, "/node/socket")
	second := p.ProvisionFamily(context.Background(), node)
	require.NoError(t, second.Err)
	assert.Equal(t, OutcomeUpdated, second.Outcome)
	assert.Equal(t, []string{"ownership"}, second.Changes)
	assert.Equal(t, StateComplete, h.volumes["tank/node-socket"].State)
}

func TestProvision_VolumeConflicts(t *testing.T) {
	tests := []struct {
		name     string
		existing *Volume
		message  string
	}{
		{
			name:     "dataset mounted elsewhere",
			existing: &Volume{Dataset: "tank/node-socket", Mountpoint: "/srv/node", Family: "node", State: StateComplete},
			message:  "is mounted at /srv/node",
		},
		{
			name:     "dataset owned by another family",
			existing: &Volume{Dataset: "tank/node-socket", Mountpoint: "/node/socket", Family: "elements", State: StateComplete},
			message:  "belongs to family elements",
		},
		{
			name:     "another dataset at the mountpoint",
			existing: &Volume{Dataset: "tank/legacy", Mountpoint: "/node/socket"},
			message:  "already the mountpoint of dataset tank/legacy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := nodeHost()
			h.volumes[tt.existing.Dataset] = tt.existing
			p := newTestProvisioner(h)

			res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "indexer"))

			require.Error(t, res.Err)
			assert.True(t, errors.Is(res.Err, fault.VolumeConflict))
			assert.Equal(t, StageVolume, res.Stage)
			assert.Contains(t, res.Err.Error(), tt.message)
			assert.Empty(t, h.writes)
		})
	}
}

func TestProvision_VolumeErrorsNotConflicts(t *testing.T) {
	h := nodeHost()
	h.failCreate = errors.New("cannot create 'tank/node-socket': no such pool 'tank'")
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "indexer"))

	require.Error(t, res.Err)
	assert.False(t, errors.Is(res.Err, fault.VolumeConflict))
	assert.Equal(t, StageVolume, res.Stage)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Err.Error(), "no such pool 'tank'")
}

func TestProvision_NeverMountedOpen(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "indexer"))
	require.NoError(t, res.Err)

	assert.Equal(t, os.FileMode(0700), h.modes["/staging"])
	_, staged := h.modes["/staging/node"]
	assert.False(t, staged, "volume left at the staging path")
	assert.Equal(t, "/node/socket", h.volumes["tank/node-socket"].Mountpoint)
}

func TestProvision_FinishesStagedVolume(t *testing.T) {
	h := nodeHost()
	h.volumes["tank/node-socket"] = &Volume{Dataset: "tank/node-socket", Mountpoint: "/staging/node", Family: "node", State: StateIncomplete}
	h.acls["/staging/node"] = defaultACL()
	h.owners["/staging/node"] = [2]int{0, 0}
	h.modes["/staging/node"] = 0755
	p := newTestProvisioner(h)
	node := family(t, "node", "/node", "node", "indexer")

	res := p.ProvisionFamily(context.Background(), node)
	require.NoError(t, res.Err)

	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, []string{"volume", "acl", "ownership"}, res.Changes)
	assert.Equal(t, []string{
		"chmod /staging/node 700",
		"set tank/node-socket mountpoint=/node/socket",
	}, h.writes[:2])
	assert.Equal(t, "/node/socket", h.volumes["tank/node-socket"].Mountpoint)
	assert.True(t, h.acls["/node/socket"].Equal(DesiredACL(node, true)))
	assert.Equal(t, StateComplete, h.volumes["tank/node-socket"].State)
}

func TestProvision_AdoptsUntaggedVolume(t *testing.T) {
	h := nodeHost()
	h.volumes["tank/node-socket"] = &Volume{Dataset: "tank/node-socket", Mountpoint: "/node/socket"}
	h.acls["/node/socket"] = DesiredACL(family(t, "node", "/node", "node", "indexer"), true)
	h.owners["/node/socket"] = [2]int{1001, 1001}
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "indexer"))
	require.NoError(t, res.Err)

	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, []string{"adopt"}, res.Changes)
	assert.Equal(t, "node", h.volumes["tank/node-socket"].Family)
	assert.Equal(t, StateComplete, h.volumes["tank/node-socket"].State)
}

func TestProvision_RepairsDriftedACL(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	node := family(t, "node", "/node", "node", "indexer")

	require.NoError(t, p.ProvisionFamily(context.Background(), node).Err)

	// Someone granted an extra user by hand
	h.acls["/node/socket"] = append(h.acls["/node/socket"], Grant("mallory"))

	res := p.ProvisionFamily(context.Background(), node)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, []string{"acl"}, res.Changes)
	assert.True(t, h.acls["/node/socket"].Equal(DesiredACL(node, true)))
}

func TestProvision_WithoutEveryone(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	p.GrantEveryone = false

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "indexer", "consumer"))
	require.NoError(t, res.Err)

	for _, e := range h.acls["/node/socket"] {
		assert.NotEqual(t, TagEveryone, e.Tag)
	}
	assert.Len(t, h.acls["/node/socket"], 3)
}

func TestProvision_DuplicateConsumersGrantedOnce(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "indexer", "node", "indexer"))
	require.NoError(t, res.Err)

	assert.Equal(t, []string{
		"user:node:full_set:inheritable:allow",
		"user:indexer:full_set:inheritable:allow",
		"everyone@:full_set:inheritable:allow",
	}, h.acls["/node/socket"].Strings())
}

func TestProvision_UnknownConsumer(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node", "ghost"))

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, fault.AccessControlFailure))
	assert.Contains(t, res.Err.Error(), "unknown user ghost")
	assert.Equal(t, defaultACL(), h.acls["/node/socket"], "ACL must be untouched")
	assert.True(t, res.Incomplete)
}

func TestProvision_ACLNotApplied(t *testing.T) {
	h := nodeHost()
	h.ignoreACL["/node/socket"] = true
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node"))

	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, fault.AccessControlFailure))
	assert.Contains(t, res.Err.Error(), "not applied")
	assert.Equal(t, StateIncomplete, h.volumes["tank/node-socket"].State)
}

func TestProvision_CompletesInterruptedRun(t *testing.T) {
	h := nodeHost()
	node := family(t, "node", "/node", "node", "indexer")
	h.volumes["tank/node-socket"] = &Volume{Dataset: "tank/node-socket", Mountpoint: "/node/socket", Family: "node", State: StateIncomplete}
	h.acls["/node/socket"] = DesiredACL(node, true)
	h.owners["/node/socket"] = [2]int{1001, 1001}
	p := newTestProvisioner(h)

	res := p.ProvisionFamily(context.Background(), node)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, []string{"state"}, res.Changes)
	assert.False(t, res.Incomplete)
	assert.Equal(t, []string{"set tank/node-socket berth:state=complete"}, h.writes)
}

func TestProvision_LockHeld(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	locker := newMemLocker()
	p.Locker = locker

	release, err := locker.Acquire(context.Background(), "node")
	require.NoError(t, err)
	defer release()

	res := p.ProvisionFamily(context.Background(), family(t, "node", "/node", "node"))
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, fault.ErrLocked))
	assert.Equal(t, StageLock, res.Stage)
	assert.Empty(t, h.writes)
}

type resultRecorder struct {
	results []Result
}

func (r *resultRecorder) FamilyFinished(res Result) { r.results = append(r.results, res) }

func TestProvision_NotifiesObserver(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	p.Concurrency = 1
	rec := &resultRecorder{}
	p.Observer = rec

	p.Provision(context.Background(), []config.Family{
		family(t, "node", "/node", "node"),
		family(t, "indexer", "/indexer", "indexer"),
	})

	require.Len(t, rec.results, 2)
	assert.Equal(t, OutcomeCreated, rec.results[0].Outcome)
}

func TestStatus(t *testing.T) {
	h := nodeHost()
	p := newTestProvisioner(h)
	node := family(t, "node", "/node", "node", "indexer")

	before := p.Status(context.Background(), []config.Family{node})
	require.Len(t, before, 1)
	assert.False(t, before[0].InSync())
	assert.Contains(t, before[0].Drift, "volume tank/node-socket does not exist")

	require.NoError(t, p.ProvisionFamily(context.Background(), node).Err)
	writes := h.writeCount()

	after := p.Status(context.Background(), []config.Family{node})
	assert.True(t, after[0].InSync(), "drift: %v", after[0].Drift)
	assert.Equal(t, StateComplete, after[0].State)

	h.acls["/node/socket"] = append(h.acls["/node/socket"], Grant("mallory"))
	h.owners["/node/socket"] = [2]int{0, 0}

	drifted := p.Status(context.Background(), []config.Family{node})
	assert.Contains(t, drifted[0].Drift, "acl has unexpected user:mallory:full_set:inheritable:allow")
	assert.Contains(t, drifted[0].Drift, "owner is 0:0, expected node:node (1001:1001)")
	assert.Equal(t, writes, h.writeCount(), "status never writes")
}
