package schedule

import (
	"context"
	"io"
	"time"
)

// Store persists schedules and jobs.
type Store interface {
	// FindScheduleByID returns ErrNotFound when the schedule does not exist.
	FindScheduleByID(ctx context.Context, id string) (Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)
	CreateJob(ctx context.Context, job Job) error
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	CountActiveJobs(ctx context.Context) (int, error)
}

// Fetcher dispatches a payload to the external fetch engine.
type Fetcher interface {
	Dispatch(ctx context.Context, jobType JobType, payload Options) (FetchResult, error)
}

// Timer is a pending callback armed through a Clock.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call stopped it.
	Stop() bool
}

// Clock returns the current time and arms timers (swappable in tests).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Metrics receives execution and registry observations.
type Metrics interface {
	ObserveExecution(scheduleType Type, outcome string, duration time.Duration)
	SetActiveJobs(n int)
	SetSchedules(n int)
}

// Publisher pushes firing notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore archives fetch results outside the job table.
type BlobStore interface {
	// PutObject writes r to path and returns a URI for the stored object.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}
