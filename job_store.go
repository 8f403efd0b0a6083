// job_store.go: tracking of in-flight backup and restore jobs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"sort"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// JobKind names what a BackupJob does.
type JobKind string

const (
	JobBackup          JobKind = "backup"
	JobRestore         JobKind = "restore"
	JobSnapshot        JobKind = "snapshot"
	JobSnapshotRestore JobKind = "snapshot_restore"
)

// JobState is the progress of a BackupJob.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// BackupJob is the progress record of one backup manager operation.
type BackupJob struct {
	ID         string    `json:"id"`
	Kind       JobKind   `json:"kind"`
	Extension  string    `json:"extension"`
	Target     string    `json:"target,omitempty"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// JobStore records backup jobs. It is owned by the orchestrator and handed to the
// backup manager, so its lifetime follows the orchestrator.
type JobStore struct {
	jobs    cmap.ConcurrentMap[string, BackupJob]
	maxJobs int
}

// NewJobStore creates a store keeping at most maxJobs finished jobs.
func NewJobStore(maxJobs int) *JobStore {
	if maxJobs <= 0 {
		maxJobs = 256
	}
	return &JobStore{jobs: cmap.New[BackupJob](), maxJobs: maxJobs}
}

// Begin records a running job and returns its ID.
func (s *JobStore) Begin(kind JobKind, extension, target string) string {
	if s == nil {
		return ""
	}
	job := BackupJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Extension: extension,
		Target:    target,
		State:     JobRunning,
		StartedAt: timecache.CachedTime(),
	}
	s.jobs.Set(job.ID, job)
	return job.ID
}

// Finish marks a job done. A nil err means success.
func (s *JobStore) Finish(id string, err error) {
	if s == nil || id == "" {
		return
	}
	job, ok := s.jobs.Get(id)
	if !ok {
		return
	}
	job.FinishedAt = timecache.CachedTime()
	job.State = JobSucceeded
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
	}
	s.jobs.Set(id, job)
	s.prune()
}

// Get returns a job by ID.
func (s *JobStore) Get(id string) (BackupJob, bool) {
	if s == nil {
		return BackupJob{}, false
	}
	return s.jobs.Get(id)
}

// Active returns the running jobs, oldest first.
func (s *JobStore) Active() []BackupJob {
	return s.list(func(j BackupJob) bool { return j.State == JobRunning })
}

// All returns every tracked job, oldest first.
func (s *JobStore) All() []BackupJob {
	return s.list(func(BackupJob) bool { return true })
}

func (s *JobStore) list(keep func(BackupJob) bool) []BackupJob {
	if s == nil {
		return nil
	}
	out := make([]BackupJob, 0, s.jobs.Count())
	for _, j := range s.jobs.Items() {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// prune drops the oldest finished jobs beyond maxJobs.
func (s *JobStore) prune() {
	if s.jobs.Count() <= s.maxJobs {
		return
	}
	finished := s.list(func(j BackupJob) bool { return j.State != JobRunning })
	excess := s.jobs.Count() - s.maxJobs
	for i := 0; i < excess && i < len(finished); i++ {
		s.jobs.Remove(finished[i].ID)
	}
}
