package model

import "time"

// StatusMutator is the only way to change a job's status from outside this package.
//
// The job status marker owns one and funnels every lifecycle change through it;
// storage uses Restore to hydrate rows. Every change other than Restore is checked
// against ValidTransition.
type StatusMutator interface {
	Transition(j *Job, to JobStatus) error
	Restore(j *Job, status JobStatus)
}

type statusMutator struct {
	now func() time.Time
}

// NewStatusMutator returns a mutator. Closing transitions stamp ClosedAt with now.
func NewStatusMutator(now func() time.Time) StatusMutator {
	if now == nil {
		now = time.Now
	}
	return statusMutator{now: now}
}

func (m statusMutator) Transition(j *Job, to JobStatus) error {
	if err := j.setStatus(to); err != nil {
		return err
	}
	at := m.now().UTC()
	switch {
	case to == JobStatusRunning:
		j.StartedAt = &at
	case to.IsFinished() && j.ClosedAt == nil, to == JobStatusRetrySucceeded, to == JobStatusRetryFailed:
		j.ClosedAt = &at
	}
	return nil
}

func (statusMutator) Restore(j *Job, status JobStatus) {
	j.status = status
}
