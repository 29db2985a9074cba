package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// TestInstallSimulate tests that simulation returns the expanded plan
// without creating a job or touching tenant state
func TestInstallSimulate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.0.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.0"}},
	})
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-circulation-1.0.0",
		Requires: []*types.InterfaceReference{{ID: "users", Version: "1.0"}},
	})

	opts := types.DefaultInstallOptions()
	opts.Simulate = true
	plan, err := e.mgr.InstallModules(ctx, "diku", "", []*types.TenantModuleDescriptor{
		{ID: "mod-circulation-1.0.0", Action: types.ActionEnable},
	}, opts)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "mod-users-1.0.0", plan[0].ID)
	assert.Equal(t, "mod-circulation-1.0.0", plan[1].ID)

	mods, err := e.mgr.ListModules("diku")
	require.NoError(t, err)
	assert.Empty(t, mods)
	jobs, err := e.mgr.InstallJobList("diku")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// TestInstallRunsPlan tests a synchronous install drives every item to
// done and commits the modules
func TestInstallRunsPlan(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.0.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.0"}},
	})
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-circulation-1.0.0",
		Requires: []*types.InterfaceReference{{ID: "users", Version: "1.0"}},
	})

	plan, err := e.mgr.InstallModules(ctx, "diku", "job1", []*types.TenantModuleDescriptor{
		{ID: "mod-circulation", Action: types.ActionEnable},
	}, nil)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	for _, it := range plan {
		assert.Equal(t, types.StageDone, it.Stage, it.ID)
	}

	mods, err := e.mgr.ListModules("diku")
	require.NoError(t, err)
	assert.Equal(t, []string{"mod-circulation-1.0.0", "mod-users-1.0.0"}, mods)

	job, err := e.mgr.InstallJobGet("diku", "job1")
	require.NoError(t, err)
	assert.True(t, job.Complete)
	assert.NotEmpty(t, job.StartDate)
	assert.NotEmpty(t, job.EndDate)

	require.NoError(t, e.mgr.InstallJobDelete("diku", "job1"))
	_, err = e.mgr.InstallJobGet("diku", "job1")
	assert.True(t, errs.IsNotFound(err))
}

// TestInstallJobDeleteIncomplete tests delete is refused while a job
// is still running
func TestInstallJobDeleteIncomplete(t *testing.T) {
	e := newTestEnv(t)
	e.newTenant(t, "diku")
	require.NoError(t, e.mgr.jobs.Create("diku", &types.InstallJob{ID: "job1"}))

	err := e.mgr.InstallJobDelete("diku", "job1")
	require.Error(t, err)
	assert.True(t, errs.IsUser(err))
	assert.Contains(t, err.Error(), "not complete")

	// DeleteAll skips it too.
	require.NoError(t, e.mgr.InstallJobDeleteAll("diku"))
	jobs, err := e.mgr.InstallJobList("diku")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, e.mgr.jobs.Update("diku", &types.InstallJob{ID: "job1", Complete: true}))
	require.NoError(t, e.mgr.InstallJobDeleteAll("diku"))
	jobs, err = e.mgr.InstallJobList("diku")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// TestInstallStopsOnFailure tests a failed item records its message
// and halts the job unless errors are ignored
func TestInstallStopsOnFailure(t *testing.T) {
	newEnv := func(t *testing.T) *testEnv {
		e := newTestEnv(t)
		e.newTenant(t, "diku")
		e.addModule(t, &types.ModuleDescriptor{
			ID:       "mod-a-1.0.0",
			Provides: []*types.InterfaceDescriptor{tenantIfaceV11()},
		})
		e.addModule(t, &types.ModuleDescriptor{
			ID:       "mod-b-1.0.0",
			Provides: []*types.InterfaceDescriptor{tenantIfaceV11()},
		})
		e.prx.fail = func(tenantID string, inst *types.ModuleInstance) error {
			if inst.Module.ID == "mod-a-1.0.0" {
				return errs.Internalf("mod-a exploded")
			}
			return nil
		}
		return e
	}
	items := func() []*types.TenantModuleDescriptor {
		return []*types.TenantModuleDescriptor{
			{ID: "mod-a-1.0.0", Action: types.ActionEnable},
			{ID: "mod-b-1.0.0", Action: types.ActionEnable},
		}
	}

	t.Run("stop", func(t *testing.T) {
		e := newEnv(t)
		plan, err := e.mgr.InstallModules(context.Background(), "diku", "job1", items(), nil)
		require.Error(t, err)
		require.Len(t, plan, 2)
		assert.Contains(t, plan[0].Message, "mod-a exploded")
		assert.NotEqual(t, types.StageDone, plan[0].Stage)
		assert.NotEqual(t, types.StageDone, plan[1].Stage)

		mods, err := e.mgr.ListModules("diku")
		require.NoError(t, err)
		assert.Empty(t, mods)

		job, err := e.mgr.InstallJobGet("diku", "job1")
		require.NoError(t, err)
		assert.True(t, job.Complete)
	})

	t.Run("ignore errors", func(t *testing.T) {
		e := newEnv(t)
		opts := types.DefaultInstallOptions()
		opts.IgnoreErrors = true
		plan, err := e.mgr.InstallModules(context.Background(), "diku", "job1", items(), opts)
		require.Error(t, err)
		require.Len(t, plan, 2)
		assert.Contains(t, plan[0].Message, "mod-a exploded")
		assert.Equal(t, types.StageDone, plan[1].Stage)

		mods, err := e.mgr.ListModules("diku")
		require.NoError(t, err)
		assert.Equal(t, []string{"mod-b-1.0.0"}, mods)
	})
}

// TestInstallUpgradeAll tests a nil item list upgrades everything with
// a newer registered version
func TestInstallUpgradeAll(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.0.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.0"}},
	})
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-notes-1.0.0",
		Provides: []*types.InterfaceDescriptor{{ID: "notes", Version: "1.0"}},
	})
	_, err := e.mgr.EnableAndDisableModule(ctx, "diku", "", "mod-users-1.0.0", nil)
	require.NoError(t, err)
	_, err = e.mgr.EnableAndDisableModule(ctx, "diku", "", "mod-notes-1.0.0", nil)
	require.NoError(t, err)
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.2.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.1"}},
	})

	plan, err := e.mgr.InstallModules(ctx, "diku", "", nil, nil)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "mod-users-1.2.0", plan[0].ID)
	assert.Equal(t, "mod-users-1.0.0", plan[0].From)

	mods, err := e.mgr.ListModules("diku")
	require.NoError(t, err)
	assert.Equal(t, []string{"mod-notes-1.0.0", "mod-users-1.2.0"}, mods)

	// Already current: empty plan, empty job.
	plan, err = e.mgr.InstallModules(ctx, "diku", "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, plan)
}

// TestInstallDeploy tests deploy-managed installs bring modules up and
// release replaced ones nobody references
func TestInstallDeploy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.0.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.0"}},
	})
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.2.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.1"}},
	})

	opts := types.DefaultInstallOptions()
	opts.Deploy = true
	_, err := e.mgr.InstallModules(ctx, "diku", "", []*types.TenantModuleDescriptor{
		{ID: "mod-users-1.0.0", Action: types.ActionEnable},
	}, opts)
	require.NoError(t, err)
	assert.True(t, e.prx.isDeployed("mod-users-1.0.0"))

	plan, err := e.mgr.InstallModules(ctx, "diku", "", []*types.TenantModuleDescriptor{
		{ID: "mod-users-1.2.0", Action: types.ActionEnable},
	}, opts)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "mod-users-1.0.0", plan[0].From)
	assert.True(t, e.prx.isDeployed("mod-users-1.2.0"))
	assert.False(t, e.prx.isDeployed("mod-users-1.0.0"))
}

// TestInstallDeployUpToDate tests a deploy-managed install brings
// already-enabled modules up too
func TestInstallDeployUpToDate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{
		ID:       "mod-users-1.0.0",
		Provides: []*types.InterfaceDescriptor{{ID: "users", Version: "1.0"}},
	})
	_, err := e.mgr.EnableAndDisableModule(ctx, "diku", "", "mod-users-1.0.0", nil)
	require.NoError(t, err)
	assert.False(t, e.prx.isDeployed("mod-users-1.0.0"))

	opts := types.DefaultInstallOptions()
	opts.Deploy = true
	plan, err := e.mgr.InstallModules(ctx, "diku", "", []*types.TenantModuleDescriptor{
		{ID: "mod-users-1.0.0", Action: types.ActionEnable},
	}, opts)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, types.ActionUpToDate, plan[0].Action)
	assert.Equal(t, types.StageDone, plan[0].Stage)
	assert.True(t, e.prx.isDeployed("mod-users-1.0.0"))
}

// TestInstallRejectsMissingAction tests plan items without an action
// fail up front
func TestInstallRejectsMissingAction(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{ID: "mod-users-1.0.0"})

	items := []*types.TenantModuleDescriptor{{ID: "mod-users-1.0.0"}}

	_, err := e.mgr.InstallModules(ctx, "diku", "", items, nil)
	require.Error(t, err)
	assert.True(t, errs.IsUser(err))
	assert.Contains(t, err.Error(), "invalid action")

	opts := types.DefaultInstallOptions()
	opts.DepCheck = false
	_, err = e.mgr.InstallModules(ctx, "diku", "", items, opts)
	require.Error(t, err)
	assert.True(t, errs.IsUser(err))
	assert.Contains(t, err.Error(), "invalid action")

	mods, err := e.mgr.ListModules("diku")
	require.NoError(t, err)
	assert.Empty(t, mods)
}

// TestInstallAsync tests asynchronous jobs report progress through the
// job record
func TestInstallAsync(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.newTenant(t, "diku")
	e.addModule(t, &types.ModuleDescriptor{ID: "mod-users-1.0.0"})

	opts := types.DefaultInstallOptions()
	opts.Async = true
	_, err := e.mgr.InstallModules(ctx, "diku", "job1", []*types.TenantModuleDescriptor{
		{ID: "mod-users-1.0.0", Action: types.ActionEnable},
	}, opts)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := e.mgr.InstallJobGet("diku", "job1")
		require.NoError(t, err)
		if job.Complete {
			require.Len(t, job.Modules, 1)
			assert.Equal(t, types.StageDone, job.Modules[0].Stage)
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not complete")
		time.Sleep(10 * time.Millisecond)
	}

	mods, err := e.mgr.ListModules("diku")
	require.NoError(t, err)
	assert.Equal(t, []string{"mod-users-1.0.0"}, mods)
}

// TestInstallUnknownTenant tests job operations against a missing
// tenant
func TestInstallUnknownTenant(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.mgr.InstallModules(context.Background(), "nosuch", "", nil, nil)
	assert.True(t, errs.IsNotFound(err))
	_, err = e.mgr.InstallJobList("nosuch")
	assert.True(t, errs.IsNotFound(err))
	assert.True(t, errs.IsNotFound(e.mgr.InstallJobDelete("nosuch", "job1")))
}
