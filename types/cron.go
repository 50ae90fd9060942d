package types

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job CronJob) error
	Remove(jobName string) error
	Jobs() []JobEntry
}

// CronJob is a scheduled task. The context is cancelled when the job times
// out or the scheduler stops.
type CronJob func(ctx context.Context) error

type JobEntry struct {
	ID            cron.EntryID  `json:"-"`
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	AddedAt       time.Time     `json:"added_at"`
	LastRun       time.Time     `json:"last_run"`
	NextRun       time.Time     `json:"next_run"`
	LastDuration  time.Duration `json:"last_duration"`
	TotalDuration time.Duration `json:"total_duration"`
	RunCount      int64         `json:"run_count"`
	Error         error         `json:"-"`
}
