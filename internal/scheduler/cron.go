package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// nextCronTime computes the smallest future instant strictly greater
// than after for spec evaluated under the IANA zone tz (default UTC),
// per spec §4.3's due-time computation for cron/recurring-bounded jobs.
//
// The teacher's own cron parser (service/schedule.go) is hand-rolled and
// UTC-only; this core promotes robfig/cron/v3 — already present in the
// teacher's go.mod but only exercised by its tests — to production use,
// since it parses the same 5-field grammar plus the @daily/@hourly/
// @every aliases spec §6 requires, with real time-zone support.
func nextCronTime(spec, tz string, after time.Time) (time.Time, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	ref := after.In(loc)
	return schedule.Next(ref).UTC(), nil
}

// nextRunForJob computes job's next due time strictly after "after",
// honoring one-shot single-fire semantics and recurring-bounded's
// start/end window and max-runs ceiling. completed reports that the
// job has no further occurrences and should move to JobCompleted.
func nextRunForJob(job Job, after time.Time) (next *time.Time, completed bool, err error) {
	switch job.Kind {
	case JobOneShot:
		// A one-shot job fires exactly once; once dispatched (TotalRuns
		// advances past zero) it has no further occurrences.
		if job.TotalRuns > 0 {
			return nil, true, nil
		}
		if job.ExecuteAt == nil {
			return nil, true, nil
		}
		at := *job.ExecuteAt
		return &at, false, nil

	case JobEvent:
		return nil, false, nil

	case JobCron:
		t, err := nextCronTime(job.Schedule, job.TimeZone, after)
		if err != nil {
			return nil, false, err
		}
		return &t, false, nil

	case JobRecurringBounded:
		if job.MaxRuns > 0 && job.TotalRuns >= int64(job.MaxRuns) {
			return nil, true, nil
		}
		ref := after
		if job.StartDate != nil && job.StartDate.After(ref) {
			ref = job.StartDate.Add(-time.Nanosecond)
		}
		t, err := nextCronTime(job.Schedule, job.TimeZone, ref)
		if err != nil {
			return nil, false, err
		}
		if job.EndDate != nil && t.After(*job.EndDate) {
			return nil, true, nil
		}
		return &t, false, nil

	default:
		return nil, false, nil
	}
}
