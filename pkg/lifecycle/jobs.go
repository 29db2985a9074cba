package lifecycle

import (
	"sort"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/replicated"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// jobStore keeps install jobs in a replicated map keyed by tenant and
// job ID, so any gateway instance can answer job status queries.
type jobStore struct {
	jobs *replicated.Map2[*types.InstallJob]
}

func newJobStore(backend replicated.Backend) *jobStore {
	return &jobStore{jobs: replicated.NewMap2[*types.InstallJob](backend, "installJobs")}
}

// Create registers a new job, failing when the ID is taken.
func (s *jobStore) Create(tenantID string, job *types.InstallJob) error {
	return s.jobs.Add(tenantID, job.ID, job)
}

// Update overwrites the job record. The install engine calls it after
// every stage transition so observers see progress.
func (s *jobStore) Update(tenantID string, job *types.InstallJob) error {
	return s.jobs.Put(tenantID, job.ID, job)
}

// Get returns the job or NOT_FOUND.
func (s *jobStore) Get(tenantID, jobID string) (*types.InstallJob, error) {
	return s.jobs.GetNotFound(tenantID, jobID)
}

// List returns the tenant's jobs sorted by ID.
func (s *jobStore) List(tenantID string) ([]*types.InstallJob, error) {
	ids, err := s.jobs.Keys(tenantID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*types.InstallJob, 0, len(ids))
	for _, id := range ids {
		job, ok, err := s.jobs.Get(tenantID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, job)
		}
	}
	return out, nil
}

// Delete removes a finished job. Running jobs must not lose their
// record, so incomplete ones are refused.
func (s *jobStore) Delete(tenantID, jobID string) error {
	job, err := s.jobs.GetNotFound(tenantID, jobID)
	if err != nil {
		return err
	}
	if !job.Complete {
		return errs.User("install job %s is not complete", jobID)
	}
	return s.jobs.RemoveNotFound(tenantID, jobID)
}

// DeleteAll removes every finished job of the tenant.
func (s *jobStore) DeleteAll(tenantID string) error {
	jobs, err := s.List(tenantID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.Complete {
			continue
		}
		if _, err := s.jobs.Remove(tenantID, job.ID); err != nil {
			return err
		}
	}
	return nil
}
