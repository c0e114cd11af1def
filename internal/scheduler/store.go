package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gregd453/agentic-sdlc-sub009/internal/kv"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/coreerrors"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/metrics"
)

// store persists jobs, executions, and history through the KV port,
// per spec §3 "Ownership": the Scheduler is the sole writer of job and
// execution records. Job/execution mutations are CAS-protected; the
// index and per-job history lists use the same read-compute-CAS loop
// since the KV store's primitives don't include native collections.
type store struct {
	kv             kv.Store
	casMaxAttempts int
}

func newStore(kvStore kv.Store, casMaxAttempts int) *store {
	if casMaxAttempts <= 0 {
		casMaxAttempts = 8
	}
	return &store{kv: kvStore, casMaxAttempts: casMaxAttempts}
}

func jobKey(id string) string        { return "job:" + id }
func executionKey(id string) string  { return "execution:" + id }
func jobIndexKey() string            { return "job-index" }
func jobHistoryKey(jobID string) string { return "job-history:" + jobID }

func (s *store) getJob(ctx context.Context, id string) (Job, bool, error) {
	raw, ok, err := s.kv.Get(ctx, jobKey(id))
	if err != nil || !ok {
		return Job{}, ok, err
	}
	job, err := unmarshalJob(raw)
	if err != nil {
		return Job{}, false, coreerrors.New(coreerrors.ParseFailure, "scheduler.getJob", err)
	}
	return job, true, nil
}

func (s *store) createJob(ctx context.Context, job Job) error {
	data, err := job.marshal()
	if err != nil {
		return coreerrors.New(coreerrors.ParseFailure, "scheduler.createJob", err)
	}
	res, err := s.kv.CAS(ctx, jobKey(job.ID), nil, data, 0)
	if err != nil {
		return err
	}
	if !res.Applied {
		return coreerrors.New(coreerrors.ValidationFailure, "scheduler.createJob", nil)
	}
	return s.addToIndex(ctx, job.ID)
}

// casJob reads the job, applies mutate, and writes it back iff nothing
// changed the record meanwhile, retrying up to casMaxAttempts times
// before surfacing Conflict (spec §4.3/§7).
func (s *store) casJob(ctx context.Context, id string, mutate func(job *Job) error) (Job, error) {
	var attempts int
	for attempts = 0; attempts < s.casMaxAttempts; attempts++ {
		raw, ok, err := s.kv.Get(ctx, jobKey(id))
		if err != nil {
			return Job{}, err
		}
		if !ok {
			return Job{}, coreerrors.New(coreerrors.NotFound, "scheduler.casJob", nil)
		}
		job, err := unmarshalJob(raw)
		if err != nil {
			return Job{}, coreerrors.New(coreerrors.ParseFailure, "scheduler.casJob", err)
		}
		before := job.Version
		if err := mutate(&job); err != nil {
			return Job{}, err
		}
		job.Version = before + 1
		job.UpdatedAt = time.Now().UTC()
		newData, err := job.marshal()
		if err != nil {
			return Job{}, coreerrors.New(coreerrors.ParseFailure, "scheduler.casJob", err)
		}
		res, err := s.kv.CAS(ctx, jobKey(id), raw, newData, 0)
		if err != nil {
			return Job{}, err
		}
		if res.Applied {
			metrics.RecordCASAttempts("applied", attempts+1)
			return job, nil
		}
	}
	metrics.RecordCASAttempts("conflict", attempts)
	return Job{}, coreerrors.New(coreerrors.Conflict, "scheduler.casJob", nil)
}

func (s *store) getExecution(ctx context.Context, id string) (Execution, bool, error) {
	raw, ok, err := s.kv.Get(ctx, executionKey(id))
	if err != nil || !ok {
		return Execution{}, ok, err
	}
	exec, err := unmarshalExecution(raw)
	if err != nil {
		return Execution{}, false, coreerrors.New(coreerrors.ParseFailure, "scheduler.getExecution", err)
	}
	return exec, true, nil
}

func (s *store) createExecution(ctx context.Context, exec Execution) error {
	data, err := exec.marshal()
	if err != nil {
		return coreerrors.New(coreerrors.ParseFailure, "scheduler.createExecution", err)
	}
	res, err := s.kv.CAS(ctx, executionKey(exec.ID), nil, data, 0)
	if err != nil {
		return err
	}
	if !res.Applied {
		return coreerrors.New(coreerrors.ValidationFailure, "scheduler.createExecution", nil)
	}
	return nil
}

func (s *store) casExecution(ctx context.Context, id string, mutate func(exec *Execution) error) (Execution, error) {
	for attempts := 0; attempts < s.casMaxAttempts; attempts++ {
		raw, ok, err := s.kv.Get(ctx, executionKey(id))
		if err != nil {
			return Execution{}, err
		}
		if !ok {
			return Execution{}, coreerrors.New(coreerrors.NotFound, "scheduler.casExecution", nil)
		}
		exec, err := unmarshalExecution(raw)
		if err != nil {
			return Execution{}, coreerrors.New(coreerrors.ParseFailure, "scheduler.casExecution", err)
		}
		if exec.Status.Terminal() {
			// Terminal stickiness (spec §3): report success without writing.
			return exec, nil
		}
		before := exec.Version
		if err := mutate(&exec); err != nil {
			return Execution{}, err
		}
		exec.Version = before + 1
		newData, err := exec.marshal()
		if err != nil {
			return Execution{}, coreerrors.New(coreerrors.ParseFailure, "scheduler.casExecution", err)
		}
		res, err := s.kv.CAS(ctx, executionKey(id), raw, newData, 0)
		if err != nil {
			return Execution{}, err
		}
		if res.Applied {
			return exec, nil
		}
	}
	return Execution{}, coreerrors.New(coreerrors.Conflict, "scheduler.casExecution", nil)
}

func (s *store) addToIndex(ctx context.Context, jobID string) error {
	for attempts := 0; attempts < s.casMaxAttempts; attempts++ {
		raw, ok, err := s.kv.Get(ctx, jobIndexKey())
		if err != nil {
			return err
		}
		var ids []string
		if ok {
			if err := json.Unmarshal(raw, &ids); err != nil {
				return coreerrors.New(coreerrors.ParseFailure, "scheduler.addToIndex", err)
			}
		}
		for _, id := range ids {
			if id == jobID {
				return nil
			}
		}
		ids = append(ids, jobID)
		newData, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		var expected []byte
		if ok {
			expected = raw
		}
		res, err := s.kv.CAS(ctx, jobIndexKey(), expected, newData, 0)
		if err != nil {
			return err
		}
		if res.Applied {
			return nil
		}
	}
	return coreerrors.New(coreerrors.Conflict, "scheduler.addToIndex", nil)
}

func (s *store) listJobIDs(ctx context.Context) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, jobIndexKey())
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, coreerrors.New(coreerrors.ParseFailure, "scheduler.listJobIDs", err)
	}
	return ids, nil
}

// appendHistory records executionID as a completed execution of jobID,
// ordered by append (== completed-at) time.
func (s *store) appendHistory(ctx context.Context, jobID, executionID string) error {
	key := jobHistoryKey(jobID)
	for attempts := 0; attempts < s.casMaxAttempts; attempts++ {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		var ids []string
		if ok {
			if err := json.Unmarshal(raw, &ids); err != nil {
				return coreerrors.New(coreerrors.ParseFailure, "scheduler.appendHistory", err)
			}
		}
		ids = append(ids, executionID)
		newData, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		var expected []byte
		if ok {
			expected = raw
		}
		res, err := s.kv.CAS(ctx, key, expected, newData, 0)
		if err != nil {
			return err
		}
		if res.Applied {
			return nil
		}
	}
	return coreerrors.New(coreerrors.Conflict, "scheduler.appendHistory", nil)
}

// getHistory returns up to limit executions for jobID, most recently
// completed first.
func (s *store) getHistory(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	raw, ok, err := s.kv.Get(ctx, jobHistoryKey(jobID))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, coreerrors.New(coreerrors.ParseFailure, "scheduler.getHistory", err)
	}

	out := make([]Execution, 0, len(ids))
	for _, id := range ids {
		exec, ok, err := s.getExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := completedOrZero(out[i]), completedOrZero(out[j])
		return ti.After(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func completedOrZero(e Execution) time.Time {
	if e.CompletedAt != nil {
		return *e.CompletedAt
	}
	return time.Time{}
}
