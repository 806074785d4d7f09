// Package metrics emits the queue daemon's StatsD metrics with consistent names and tags.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/queuesd/internal/observability/errors"
	"github.com/target/queuesd/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job status transition for metric emission.
type JobMetric struct {
	Queue      string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobTransition emits job.transition and, when a duration is known, job.duration.
func EmitJobTransition(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue":      in.Queue,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// LoopMetric summarises one iteration of the daemon loop.
type LoopMetric struct {
	Daemon   string
	Admitted int
	Finished int
	Running  int
	Managed  int
	Duration time.Duration
	Err      error
}

// EmitDaemonLoop emits daemon.loop plus the running and managed job gauges.
func EmitDaemonLoop(sink statsd.Sink, in LoopMetric) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	switch {
	case in.Err != nil:
		result = ResultError
	case in.Admitted == 0 && in.Finished == 0:
		result = ResultNoop
	}
	tags := map[string]string{"daemon": in.Daemon, "result": result}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("daemon.loop", 1, tags)
	if in.Duration > 0 {
		sink.Timing("daemon.loop_duration", in.Duration, CloneTags(tags))
	}
	gaugeTags := map[string]string{"daemon": in.Daemon}
	sink.Gauge("daemon.running_jobs", float64(in.Running), gaugeTags)
	sink.Gauge("daemon.managed_jobs", float64(in.Managed), CloneTags(gaugeTags))
}

// EmitPurge emits expiry.purge for one queue purge run.
func EmitPurge(sink statsd.Sink, queue string, deleted int, elapsed time.Duration, err error) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	if err != nil {
		result = ResultError
	} else if deleted == 0 {
		result = ResultNoop
	}
	tags := map[string]string{"queue": queue, "result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("expiry.purge", 1, tags)
	if deleted > 0 {
		sink.Count("expiry.jobs_deleted", int64(deleted), CloneTags(tags))
	}
	if elapsed > 0 {
		sink.Timing("expiry.purge_duration", elapsed, CloneTags(tags))
	}
}

// EmitStraggler counts a daemon declared dead by the liveness sweep.
func EmitStraggler(sink statsd.Sink, daemon, reason string) {
	if sink == nil {
		return
	}
	sink.Count("daemon.straggler", 1, map[string]string{"daemon": daemon, "reason": reason})
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
