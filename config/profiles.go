package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/target/queuesd/internal/errors"
)

// Built-in settings used when neither the profile nor the file defaults set a value.
const (
	DefaultMaxConcurrentJobs         = 3
	DefaultMaxRetentionDays          = 365
	DefaultRetryStaleJobs            = true
	DefaultRunningJobsCheckInterval  = 10 * time.Second
	DefaultAliveDaemonsCheckInterval = time.Hour
	DefaultManagedEntitiesThreshold  = 100
	DefaultMaxRuntime                = 100000 * time.Second
	DefaultSleepFor                  = 10 * time.Second
	DefaultProfilingInfoInterval     = 350 * time.Second
)

// Settings is one layer of overridable daemon and queue settings.
// Nil fields fall through to the next layer: queue, daemon, file defaults, built-in defaults.
type Settings struct {
	MaxConcurrentJobs        *int           `yaml:"max_concurrent_jobs"`
	MaxRetentionDays         *int           `yaml:"max_retention_days"`
	RetryStaleJobs           *bool          `yaml:"retry_stale_jobs"`
	RunningJobsCheckInterval *time.Duration `yaml:"running_jobs_check_interval"`

	// Daemon-wide settings, rejected at queue level.
	AliveDaemonsCheckInterval *time.Duration `yaml:"alive_daemons_check_interval"`
	ManagedEntitiesThreshold  *int           `yaml:"managed_entities_threshold"`
	MaxRuntime                *time.Duration `yaml:"max_runtime"`
	SleepFor                  *time.Duration `yaml:"sleep_for"`
	ProfilingInfoInterval     *time.Duration `yaml:"profiling_info_interval"`
}

// DaemonSpec declares one daemon profile as written in the profiles file.
type DaemonSpec struct {
	Settings `yaml:",inline"`
	Queues   map[string]Settings `yaml:"queues"`
}

// ProfilesFile is the parsed profiles file.
type ProfilesFile struct {
	Defaults Settings              `yaml:"defaults"`
	Daemons  map[string]DaemonSpec `yaml:"daemons"`
}

// QueueConfig is the resolved configuration of one queue.
type QueueConfig struct {
	Name                     string
	MaxConcurrentJobs        int
	MaxRetentionDays         int
	RetryStaleJobs           bool
	RunningJobsCheckInterval time.Duration
}

// Retention returns how long closed jobs of the queue are kept.
func (q QueueConfig) Retention() time.Duration {
	return time.Duration(q.MaxRetentionDays) * 24 * time.Hour
}

// DaemonProfile is the resolved configuration of one daemon.
type DaemonProfile struct {
	Name                      string
	Queues                    []QueueConfig
	AliveDaemonsCheckInterval time.Duration
	ManagedEntitiesThreshold  int
	MaxRuntime                time.Duration
	SleepFor                  time.Duration
	ProfilingInfoInterval     time.Duration
}

// Queue returns the configuration of a queue served by the profile.
func (p DaemonProfile) Queue(name string) (QueueConfig, bool) {
	for _, q := range p.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// QueueNames returns the sorted queue names of the profile.
func (p DaemonProfile) QueueNames() []string {
	names := make([]string, 0, len(p.Queues))
	for _, q := range p.Queues {
		names = append(names, q.Name)
	}
	return names
}

// Snapshot renders the profile as the JSON blob stored on the daemon row.
func (p DaemonProfile) Snapshot() (json.RawMessage, error) {
	queues := make(map[string]map[string]any, len(p.Queues))
	for _, q := range p.Queues {
		queues[q.Name] = map[string]any{
			"max_concurrent_jobs":         q.MaxConcurrentJobs,
			"max_retention_days":          q.MaxRetentionDays,
			"retry_stale_jobs":            q.RetryStaleJobs,
			"running_jobs_check_interval": q.RunningJobsCheckInterval.String(),
		}
	}
	b, err := json.Marshal(map[string]any{
		"name":                         p.Name,
		"queues":                       queues,
		"alive_daemons_check_interval": p.AliveDaemonsCheckInterval.String(),
		"managed_entities_threshold":   p.ManagedEntitiesThreshold,
		"max_runtime":                  p.MaxRuntime.String(),
		"sleep_for":                    p.SleepFor.String(),
		"profiling_info_interval":      p.ProfilingInfoInterval.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode daemon profile: %w", err)
	}
	return b, nil
}

// LoadProfiles reads and validates the profiles file at path.
func LoadProfiles(path string) (*ProfilesFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Configf("read daemon profiles %s: %v", path, err)
	}
	return ParseProfiles(raw)
}

// ParseProfiles decodes and validates a profiles document.
func ParseProfiles(raw []byte) (*ProfilesFile, error) {
	var f ProfilesFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.Configf("no daemon profiles declared")
		}
		return nil, apperrors.Configf("parse daemon profiles: %v", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the file for empty profiles, duplicate queues and out-of-range values.
func (f *ProfilesFile) Validate() error {
	if len(f.Daemons) == 0 {
		return apperrors.Configf("no daemon profiles declared")
	}
	if err := validateSettings("defaults", f.Defaults); err != nil {
		return err
	}

	owners := make(map[string]string)
	for _, name := range f.DaemonNames() {
		spec := f.Daemons[name]
		if strings.TrimSpace(name) == "" {
			return apperrors.Configf("daemon profile name must not be empty")
		}
		if err := validateSettings("daemon "+name, spec.Settings); err != nil {
			return err
		}
		if len(spec.Queues) == 0 {
			return apperrors.Configf("daemon %q declares no queues", name)
		}
		for _, queue := range sortedKeys(spec.Queues) {
			if strings.TrimSpace(queue) == "" {
				return apperrors.Configf("daemon %q declares a queue with an empty name", name)
			}
			if owner, dup := owners[queue]; dup {
				return apperrors.Configf("queue %q is assigned to both daemon %q and daemon %q", queue, owner, name)
			}
			owners[queue] = name
			qs := spec.Queues[queue]
			if qs.AliveDaemonsCheckInterval != nil || qs.ManagedEntitiesThreshold != nil ||
				qs.MaxRuntime != nil || qs.SleepFor != nil || qs.ProfilingInfoInterval != nil {
				return apperrors.Configf("queue %q of daemon %q overrides a daemon-wide setting", queue, name)
			}
			if err := validateSettings("queue "+queue, qs); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSettings(scope string, s Settings) error {
	if s.MaxConcurrentJobs != nil && *s.MaxConcurrentJobs < 1 {
		return apperrors.Configf("%s: max_concurrent_jobs must be at least 1", scope)
	}
	if s.MaxRetentionDays != nil && *s.MaxRetentionDays < 1 {
		return apperrors.Configf("%s: max_retention_days must be at least 1", scope)
	}
	if s.ManagedEntitiesThreshold != nil && *s.ManagedEntitiesThreshold < 1 {
		return apperrors.Configf("%s: managed_entities_threshold must be at least 1", scope)
	}
	if s.MaxRuntime != nil && *s.MaxRuntime < 0 {
		return apperrors.Configf("%s: max_runtime must not be negative", scope)
	}
	for name, d := range map[string]*time.Duration{
		"running_jobs_check_interval":  s.RunningJobsCheckInterval,
		"alive_daemons_check_interval": s.AliveDaemonsCheckInterval,
		"sleep_for":                    s.SleepFor,
		"profiling_info_interval":      s.ProfilingInfoInterval,
	} {
		if d != nil && *d <= 0 {
			return apperrors.Configf("%s: %s must be positive", scope, name)
		}
	}
	return nil
}

// DaemonNames returns the sorted names of the declared profiles.
func (f *ProfilesFile) DaemonNames() []string {
	return sortedKeys(f.Daemons)
}

// QueueOwner returns the daemon profile serving queue.
func (f *ProfilesFile) QueueOwner(queue string) (string, bool) {
	for _, name := range f.DaemonNames() {
		if _, ok := f.Daemons[name].Queues[queue]; ok {
			return name, true
		}
	}
	return "", false
}

// Select resolves the named profile. An empty name is inferred when exactly one profile exists.
func (f *ProfilesFile) Select(name string) (DaemonProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		names := f.DaemonNames()
		if len(names) != 1 {
			return DaemonProfile{}, apperrors.Configf(
				"a daemon name is required when %d profiles are configured: %s",
				len(names), strings.Join(names, ", "))
		}
		name = names[0]
	}
	spec, ok := f.Daemons[name]
	if !ok {
		return DaemonProfile{}, apperrors.Configf(
			"unknown daemon %q, configured daemons: %s", name, strings.Join(f.DaemonNames(), ", "))
	}

	daemon := resolve(f.Defaults, spec.Settings)
	profile := DaemonProfile{
		Name:                      name,
		AliveDaemonsCheckInterval: *daemon.AliveDaemonsCheckInterval,
		ManagedEntitiesThreshold:  *daemon.ManagedEntitiesThreshold,
		MaxRuntime:                *daemon.MaxRuntime,
		SleepFor:                  *daemon.SleepFor,
		ProfilingInfoInterval:     *daemon.ProfilingInfoInterval,
	}
	for _, queue := range sortedKeys(spec.Queues) {
		qs := resolve(f.Defaults, spec.Settings, spec.Queues[queue])
		profile.Queues = append(profile.Queues, QueueConfig{
			Name:                     queue,
			MaxConcurrentJobs:        *qs.MaxConcurrentJobs,
			MaxRetentionDays:         *qs.MaxRetentionDays,
			RetryStaleJobs:           *qs.RetryStaleJobs,
			RunningJobsCheckInterval: *qs.RunningJobsCheckInterval,
		})
	}
	return profile, nil
}

// resolve layers the given settings over the built-in defaults, later layers winning.
func resolve(layers ...Settings) Settings {
	out := Settings{
		MaxConcurrentJobs:         ptr(DefaultMaxConcurrentJobs),
		MaxRetentionDays:          ptr(DefaultMaxRetentionDays),
		RetryStaleJobs:            ptr(DefaultRetryStaleJobs),
		RunningJobsCheckInterval:  ptr(DefaultRunningJobsCheckInterval),
		AliveDaemonsCheckInterval: ptr(DefaultAliveDaemonsCheckInterval),
		ManagedEntitiesThreshold:  ptr(DefaultManagedEntitiesThreshold),
		MaxRuntime:                ptr(DefaultMaxRuntime),
		SleepFor:                  ptr(DefaultSleepFor),
		ProfilingInfoInterval:     ptr(DefaultProfilingInfoInterval),
	}
	for _, l := range layers {
		override(&out.MaxConcurrentJobs, l.MaxConcurrentJobs)
		override(&out.MaxRetentionDays, l.MaxRetentionDays)
		override(&out.RetryStaleJobs, l.RetryStaleJobs)
		override(&out.RunningJobsCheckInterval, l.RunningJobsCheckInterval)
		override(&out.AliveDaemonsCheckInterval, l.AliveDaemonsCheckInterval)
		override(&out.ManagedEntitiesThreshold, l.ManagedEntitiesThreshold)
		override(&out.MaxRuntime, l.MaxRuntime)
		override(&out.SleepFor, l.SleepFor)
		override(&out.ProfilingInfoInterval, l.ProfilingInfoInterval)
	}
	return out
}

func override[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func ptr[T any](v T) *T {
	return &v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
