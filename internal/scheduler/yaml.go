package scheduler

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/coreerrors"
)

// jobDescriptor is the YAML-facing shape for one job, mirroring the
// teacher's config-file conventions (pkg/config) rather than the
// internal Job record directly: it keeps the job id but omits status,
// runtime counters, run times and version, so the same document can be
// replayed across environments.
type jobDescriptor struct {
	ID          string      `yaml:"id,omitempty"`
	Kind        JobKind     `yaml:"kind"`
	Schedule    string      `yaml:"schedule,omitempty"`
	TimeZone    string      `yaml:"time_zone,omitempty"`
	HandlerName string      `yaml:"handler_name"`
	HandlerKind HandlerKind `yaml:"handler_kind,omitempty"`
	Payload     any         `yaml:"payload,omitempty"`
	MaxRetries  int         `yaml:"max_retries"`
	RetryDelayMS int64      `yaml:"retry_delay_ms"`
	TimeoutMS   int64       `yaml:"timeout_ms"`
	Priority    int         `yaml:"priority"`
	Concurrency int         `yaml:"concurrency"`
	Overlap     bool        `yaml:"overlap"`
	MaxRuns     int         `yaml:"max_runs,omitempty"`
	ExecuteAt   *time.Time  `yaml:"execute_at,omitempty"`
}

// jobDescriptorFile is the root document ExportJobs/ImportJobs exchange.
type jobDescriptorFile struct {
	Jobs []jobDescriptor `yaml:"jobs"`
}

func toDescriptor(j Job) jobDescriptor {
	return jobDescriptor{
		ID:           j.ID,
		Kind:         j.Kind,
		Schedule:     j.Schedule,
		TimeZone:     j.TimeZone,
		HandlerName:  j.HandlerName,
		HandlerKind:  j.HandlerKind,
		Payload:      j.Payload,
		MaxRetries:   j.Retry.MaxRetries,
		RetryDelayMS: j.Retry.DelayMS,
		TimeoutMS:    j.TimeoutMS,
		Priority:     j.Priority,
		Concurrency:  j.Concurrency,
		Overlap:      j.Overlap,
		MaxRuns:      j.MaxRuns,
		ExecuteAt:    j.ExecuteAt,
	}
}

// ExportJobs renders every job matching filter as a YAML document an
// operator can archive or diff, the bulk counterpart to the one-job-
// at-a-time public contract (spec §4.3 supplemented: job descriptor
// round-trip).
func (s *Scheduler) ExportJobs(ctx context.Context, filter JobFilter) ([]byte, error) {
	jobs, err := s.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	file := jobDescriptorFile{Jobs: make([]jobDescriptor, 0, len(jobs))}
	for _, j := range jobs {
		file.Jobs = append(file.Jobs, toDescriptor(j))
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return nil, coreerrors.New(coreerrors.ParseFailure, "scheduler.ExportJobs", err)
	}
	return data, nil
}

// ImportJobs parses a YAML document produced by ExportJobs (or
// hand-written in the same shape) and schedules each job descriptor,
// returning the created jobs in document order. A descriptor's own id
// is reused if present, so importing a document into a store that
// already holds one of its ids fails with ValidationFailure at that
// descriptor; the jobs created before it are returned with the error.
func (s *Scheduler) ImportJobs(ctx context.Context, data []byte) ([]Job, error) {
	var file jobDescriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, coreerrors.New(coreerrors.ParseFailure, "scheduler.ImportJobs", err)
	}

	out := make([]Job, 0, len(file.Jobs))
	for _, d := range file.Jobs {
		retry := RetryPolicy{MaxRetries: d.MaxRetries, DelayMS: d.RetryDelayMS}
		var job Job
		var err error
		switch d.Kind {
		case JobCron:
			job, err = s.Schedule(ctx, CronSpec{
				ID: d.ID, Schedule: d.Schedule, TimeZone: d.TimeZone,
				HandlerName: d.HandlerName, HandlerKind: d.HandlerKind, Payload: d.Payload,
				Retry: retry, TimeoutMS: d.TimeoutMS, Priority: d.Priority,
				Concurrency: d.Concurrency, Overlap: d.Overlap,
			})
		case JobRecurringBounded:
			job, err = s.ScheduleRecurring(ctx, RecurringSpec{
				ID: d.ID, Schedule: d.Schedule, TimeZone: d.TimeZone,
				HandlerName: d.HandlerName, HandlerKind: d.HandlerKind, Payload: d.Payload,
				Retry: retry, TimeoutMS: d.TimeoutMS, Priority: d.Priority,
				Concurrency: d.Concurrency, Overlap: d.Overlap, MaxRuns: d.MaxRuns,
			})
		case JobOneShot:
			if d.ExecuteAt == nil {
				err = coreerrors.New(coreerrors.ValidationFailure, "scheduler.ImportJobs", nil)
				break
			}
			job, err = s.ScheduleOnce(ctx, OneShotSpec{
				ID: d.ID, ExecuteAt: *d.ExecuteAt,
				HandlerName: d.HandlerName, HandlerKind: d.HandlerKind, Payload: d.Payload,
				Retry: retry, TimeoutMS: d.TimeoutMS, Priority: d.Priority,
			})
		default:
			// Event jobs carry an in-process function or action descriptor
			// that has no YAML-serializable form (see eventRegistry), so
			// they are never round-tripped through import/export.
			err = coreerrors.New(coreerrors.ValidationFailure, "scheduler.ImportJobs", nil)
		}
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}
