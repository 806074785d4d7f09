package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
)

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	input, debug, strategy []byte
	status                 string

	executeAfter, startedAt, closedAt sql.NullTime
	output, cancellationReason        sql.NullString

	exitCode, daemonID, cancelledBy, retryOf, firstRetried, retriedBy sql.NullInt64

	childIDs, parentIDs, cancelledIDs, retryingIDs []byte
}

func (d *jobRowData) scanInto(scanner jobRowScanner, j *model.Job) error {
	return scanner.Scan(
		&j.ID,
		&j.Command,
		&d.input,
		&j.Queue,
		&j.Priority,
		&d.status,
		&j.CreatedAt,
		&d.executeAfter,
		&d.startedAt,
		&d.closedAt,
		&d.debug,
		&d.output,
		&d.exitCode,
		&d.cancellationReason,
		&d.daemonID,
		&d.cancelledBy,
		&d.strategy,
		&d.retryOf,
		&d.firstRetried,
		&j.Version,
		&d.retriedBy,
		&d.childIDs,
		&d.parentIDs,
		&d.cancelledIDs,
		&d.retryingIDs,
	)
}

func (d *jobRowData) apply(j *model.Job, mutator model.StatusMutator) error {
	var status model.JobStatus
	if err := status.UnmarshalText([]byte(d.status)); err != nil {
		return err
	}
	mutator.Restore(j, status)

	if len(d.input) > 0 {
		if err := json.Unmarshal(d.input, &j.Input); err != nil {
			return fmt.Errorf("decode input: %w", err)
		}
	}
	if len(d.debug) > 0 && string(d.debug) != "null" {
		if err := json.Unmarshal(d.debug, &j.Debug); err != nil {
			return fmt.Errorf("decode debug: %w", err)
		}
	}
	strategy, err := job.UnmarshalStrategy(d.strategy)
	if err != nil {
		return err
	}
	j.RetryStrategy = strategy

	j.CreatedAt = j.CreatedAt.UTC()
	j.ExecuteAfterTime = cloneNullableTime(d.executeAfter)
	j.StartedAt = cloneNullableTime(d.startedAt)
	j.ClosedAt = cloneNullableTime(d.closedAt)
	j.Output = cloneNullableString(d.output)
	j.CancellationReason = cloneNullableString(d.cancellationReason)
	if d.exitCode.Valid {
		code := int(d.exitCode.Int64)
		j.ExitCode = &code
	}
	j.ProcessedByDaemonID = cloneNullableInt64(d.daemonID)
	j.CancelledByID = cloneNullableInt64(d.cancelledBy)
	j.RetryOfID = cloneNullableInt64(d.retryOf)
	j.FirstRetriedJobID = cloneNullableInt64(d.firstRetried)
	j.RetriedByID = cloneNullableInt64(d.retriedBy)

	for _, set := range []struct {
		raw []byte
		dst *[]int64
	}{
		{d.childIDs, &j.ChildDependencyIDs},
		{d.parentIDs, &j.ParentDependencyIDs},
		{d.cancelledIDs, &j.CancelledJobIDs},
		{d.retryingIDs, &j.RetryingJobIDs},
	} {
		ids, idErr := decodeIDs(set.raw)
		if idErr != nil {
			return idErr
		}
		*set.dst = ids
	}
	return nil
}

func (r *JobRepo) scanJob(scanner jobRowScanner) (*model.Job, error) {
	j := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, j); err != nil {
		return nil, err
	}
	if err := data.apply(j, r.mutator); err != nil {
		return nil, fmt.Errorf("job %d: %w", j.ID, err)
	}
	return j, nil
}

func (r *JobRepo) scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeIDs(raw []byte) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode id set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return model.NormalizeIDs(ids), nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func cloneNullableInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode debug: %w", err)
	}
	return b, nil
}
