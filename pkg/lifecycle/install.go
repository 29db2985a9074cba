package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/islam56naser/okapi-1/pkg/depresolve"
	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/events"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/metrics"
	"github.com/islam56naser/okapi-1/pkg/moduleid"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// InstallModules plans a multi-module change and, unless simulating,
// runs it as an install job. A nil item list means "upgrade
// everything": an enable item is synthesized for every enabled module
// with a newer version available.
//
// The returned items are the expanded plan. For async jobs they
// reflect planning only; poll InstallJobGet for progress.
func (m *Manager) InstallModules(ctx context.Context, tenantID, jobID string,
	items []*types.TenantModuleDescriptor, opts *types.InstallOptions) ([]*types.TenantModuleDescriptor, error) {

	if opts == nil {
		opts = types.DefaultInstallOptions()
	}

	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return nil, err
	}
	enabled, err := m.cache.EnabledModules(t)
	if err != nil {
		return nil, err
	}
	if items == nil {
		if items, err = m.upgradeItems(enabled); err != nil {
			return nil, err
		}
	}

	var plan []*types.TenantModuleDescriptor
	if opts.DepCheck {
		available, err := m.availableModules(opts)
		if err != nil {
			return nil, err
		}
		plan, err = depresolve.InstallSimulate(available, enabled, items)
		if err != nil {
			return nil, err
		}
	} else {
		if plan, err = m.resolvePlain(t, items); err != nil {
			return nil, err
		}
	}

	if opts.Simulate {
		return plan, nil
	}

	if jobID == "" {
		jobID = uuid.New().String()
	}
	job := &types.InstallJob{
		ID:        jobID,
		StartDate: time.Now().UTC().Format(time.RFC3339),
		Modules:   plan,
	}
	if err := m.jobs.Create(tenantID, job); err != nil {
		return nil, err
	}

	if opts.Async {
		go func() {
			if err := m.runJob(context.Background(), tenantID, job, opts); err != nil {
				jobLogger(tenantID, job.ID).Error().Err(err).Msg("install job failed")
			}
		}()
		return plan, nil
	}
	if err := m.runJob(ctx, tenantID, job, opts); err != nil {
		return plan, err
	}
	return plan, nil
}

// InstallJobGet returns one install job.
func (m *Manager) InstallJobGet(tenantID, jobID string) (*types.InstallJob, error) {
	if _, err := m.tenants.GetNotFound(tenantID); err != nil {
		return nil, err
	}
	return m.jobs.Get(tenantID, jobID)
}

// InstallJobList returns the tenant's install jobs.
func (m *Manager) InstallJobList(tenantID string) ([]*types.InstallJob, error) {
	if _, err := m.tenants.GetNotFound(tenantID); err != nil {
		return nil, err
	}
	return m.jobs.List(tenantID)
}

// InstallJobDelete removes a finished job.
func (m *Manager) InstallJobDelete(tenantID, jobID string) error {
	if _, err := m.tenants.GetNotFound(tenantID); err != nil {
		return err
	}
	return m.jobs.Delete(tenantID, jobID)
}

// InstallJobDeleteAll removes every finished job of the tenant.
func (m *Manager) InstallJobDeleteAll(tenantID string) error {
	if _, err := m.tenants.GetNotFound(tenantID); err != nil {
		return err
	}
	return m.jobs.DeleteAll(tenantID)
}

// runJob executes the job's plan item by item, persisting every stage
// transition. A failed item stops the job unless errors are ignored;
// its message records the failure either way.
func (m *Manager) runJob(ctx context.Context, tenantID string, job *types.InstallJob, opts *types.InstallOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := jobLogger(tenantID, job.ID)
	var firstErr error
	for _, it := range job.Modules {
		if it.Action == types.ActionConflict {
			continue
		}
		if firstErr != nil && !opts.IgnoreErrors {
			break
		}
		if err := m.runJobItem(ctx, tenantID, job, it, opts); err != nil {
			it.Message = err.Error()
			if err := m.jobs.Update(tenantID, job); err != nil {
				logger.Error().Err(err).Msg("failed to persist job")
			}
			logger.Error().Err(err).Str("module_id", it.ID).Msg("install item failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if opts.Deploy && firstErr == nil {
		m.undeployUnreferenced(ctx, tenantID, job)
	}

	job.EndDate = time.Now().UTC().Format(time.RFC3339)
	job.Complete = true
	if err := m.jobs.Update(tenantID, job); err != nil {
		logger.Error().Err(err).Msg("failed to persist job")
	}

	result := "ok"
	if firstErr != nil {
		result = "error"
	}
	metrics.InstallJobsTotal.WithLabelValues(result).Inc()
	m.broker.Publish(&events.Event{Type: events.EventJobCompleted, TenantID: tenantID,
		Metadata: map[string]string{"job": job.ID, "result": result}})
	logger.Info().Str("result", result).Msg("install job finished")
	return firstErr
}

func (m *Manager) runJobItem(ctx context.Context, tenantID string, job *types.InstallJob,
	it *types.TenantModuleDescriptor, opts *types.InstallOptions) error {

	t, err := m.tenants.GetNotFound(tenantID)
	if err != nil {
		return err
	}

	setStage := func(s types.Stage) {
		it.Stage = s
		if err := m.jobs.Update(tenantID, job); err != nil {
			jobLogger(tenantID, job.ID).Error().Err(err).Msg("failed to persist job")
		}
	}

	switch it.Action {
	case types.ActionUpToDate:
		// Already enabled, but a deploy-managed install still has to
		// bring the module up.
		if opts.Deploy {
			if md, err := m.modules.Get(it.ID); err == nil {
				setStage(types.StageDeploy)
				if err := m.prx.AutoDeploy(ctx, md); err != nil {
					return err
				}
			}
		}
		setStage(types.StageDone)
		return nil

	case types.ActionEnable:
		mdTo, err := m.modules.Get(it.ID)
		if err != nil {
			return err
		}
		var mdFrom *types.ModuleDescriptor
		if it.From != "" {
			if mdFrom, err = m.modules.Get(it.From); err != nil {
				return err
			}
		}
		if opts.Deploy {
			setStage(types.StageDeploy)
			if err := m.prx.AutoDeploy(ctx, mdTo); err != nil {
				return err
			}
		}
		setStage(types.StageInvoke)
		if err := m.enableAndDisableResolved(ctx, t, mdFrom, mdTo, opts); err != nil {
			return err
		}
		setStage(types.StageDone)
		return nil

	case types.ActionDisable:
		mdFrom, err := m.modules.Get(it.ID)
		if err != nil {
			// Unresolvable module: nothing to hook, drop it anyway.
			setStage(types.StageInvoke)
			if err := m.commitModuleChange(ctx, t, it.ID, ""); err != nil {
				return err
			}
			setStage(types.StageDone)
			return nil
		}
		setStage(types.StageInvoke)
		if err := m.enableAndDisableResolved(ctx, t, mdFrom, nil, opts); err != nil {
			return err
		}
		setStage(types.StageDone)
		return nil

	default:
		return errs.User("invalid action %q for module %s", it.Action, it.ID)
	}
}

// undeployUnreferenced releases modules this job replaced or disabled
// once no tenant references them anymore. Modules are taken down one
// at a time; a failure logs and moves on, a stranded deployment is
// recoverable while a crashed job is not.
func (m *Manager) undeployUnreferenced(ctx context.Context, tenantID string, job *types.InstallJob) {
	logger := jobLogger(tenantID, job.ID)
	for _, it := range job.Modules {
		var gone string
		switch {
		case it.Action == types.ActionDisable && it.Stage == types.StageDone:
			gone = it.ID
		case it.Action == types.ActionEnable && it.Stage == types.StageDone && it.From != "":
			gone = it.From
		default:
			continue
		}
		users, err := m.GetModuleUser(gone)
		if err != nil {
			logger.Error().Err(err).Str("module_id", gone).Msg("failed to check module users")
			continue
		}
		if len(users) > 0 {
			continue
		}
		md, err := m.modules.Get(gone)
		if err != nil {
			continue
		}
		it.Stage = types.StageUndeploy
		if err := m.jobs.Update(tenantID, job); err != nil {
			logger.Error().Err(err).Msg("failed to persist job")
		}
		if err := m.prx.AutoUndeploy(ctx, md); err != nil {
			logger.Error().Err(err).Str("module_id", gone).Msg("failed to undeploy module")
		}
		it.Stage = types.StageDone
		if err := m.jobs.Update(tenantID, job); err != nil {
			logger.Error().Err(err).Msg("failed to persist job")
		}
	}
}

func jobLogger(tenantID, jobID string) *zerolog.Logger {
	l := log.WithTenantID(tenantID).With().Str("job_id", jobID).Logger()
	return &l
}

// upgradeItems synthesizes enable items for every enabled module with
// a newer registered version.
func (m *Manager) upgradeItems(enabled map[string]*types.ModuleDescriptor) ([]*types.TenantModuleDescriptor, error) {
	var items []*types.TenantModuleDescriptor
	for _, id := range sortedIDs(enabled) {
		mid, err := moduleid.Parse(id)
		if err != nil {
			continue
		}
		latest, err := m.modules.GetLatest(mid.Name())
		if err != nil {
			continue
		}
		if moduleid.Compare(latest.ID, id) > 0 {
			items = append(items, &types.TenantModuleDescriptor{
				ID:     latest.ID,
				From:   id,
				Action: types.ActionEnable,
			})
		}
	}
	return items, nil
}

// availableModules returns the registry view an install may draw
// from, keyed by ID.
func (m *Manager) availableModules(opts *types.InstallOptions) (map[string]*types.ModuleDescriptor, error) {
	mods, err := m.modules.ModulesWithFilter(opts.PreRelease, opts.NpmSnapshot, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.ModuleDescriptor, len(mods))
	for _, md := range mods {
		out[md.ID] = md
	}
	return out, nil
}

// resolvePlain resolves items without dependency analysis, for
// callers that opted out of the dependency check.
func (m *Manager) resolvePlain(t *types.Tenant, items []*types.TenantModuleDescriptor) ([]*types.TenantModuleDescriptor, error) {
	plan := make([]*types.TenantModuleDescriptor, 0, len(items))
	for _, it := range items {
		out := it.CloneWithoutStage()
		switch out.Action {
		case types.ActionEnable:
			md, err := m.modules.GetLatest(out.ID)
			if err != nil {
				return nil, err
			}
			out.ID = md.ID
			if prev := enabledVersionOf(t, md.ID); prev != "" {
				if prev == md.ID {
					out.Action = types.ActionUpToDate
				} else {
					out.From = prev
				}
			}
		case types.ActionDisable:
			prev := enabledVersionOf(t, out.ID)
			if prev == "" {
				out.Action = types.ActionUpToDate
			} else {
				out.ID = prev
			}
		case types.ActionUpToDate, types.ActionConflict:
			// Pass through.
		default:
			return nil, errs.User("invalid action %q for module %s", out.Action, out.ID)
		}
		plan = append(plan, out)
	}
	return plan, nil
}
