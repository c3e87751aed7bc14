package types

import (
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Annotation keys recognized on PersistentVolumeClaims.
const (
	// SkipAnnotation excludes a claim from backups when set to "true".
	SkipAnnotation = "backup.bitia.ru/skip"
	// ExcludesAnnotation holds a comma-separated list of restic exclude patterns.
	ExcludesAnnotation = "backup.bitia.ru/excludes"
	// LastBackupAnnotation records the completion time of the last successful backup.
	LastBackupAnnotation = "backup.bitia.ru/last-backup"
)

// VolumeRecord is an immutable snapshot of one candidate PVC, taken at
// discovery time. MountedBy/Node are empty when no running pod mounts the claim.
type VolumeRecord struct {
	Namespace   string
	Name        string
	PVName      string
	AccessModes []corev1.PersistentVolumeAccessMode
	MountedBy   string
	Node        string
	Excludes    []string
}

// Key returns the "namespace/name" identity of the claim.
func (v VolumeRecord) Key() string {
	return v.Namespace + "/" + v.Name
}

// SharedAccess reports whether the claim's access modes allow it to be
// mounted from any node (ReadWriteMany or ReadOnlyMany).
func (v VolumeRecord) SharedAccess() bool {
	for _, m := range v.AccessModes {
		if m == corev1.ReadWriteMany || m == corev1.ReadOnlyMany {
			return true
		}
	}
	return false
}

// MountMode says where the worker pod for a volume may be scheduled.
type MountMode int

const (
	// MountAny mounts the claim from a freshly scheduled pod on any node.
	MountAny MountMode = iota
	// MountPinned mounts the claim from a pod pinned to the node that
	// already holds the volume.
	MountPinned
)

// ExecutionPlan is the resolver's verdict for one volume. A plan is only
// produced when the strategy is definitive; undeterminable volumes yield
// an error instead.
type ExecutionPlan struct {
	Volume  VolumeRecord
	Mode    MountMode
	Node    string // set iff Mode == MountPinned
	Command []string
}

// JobPhase is the lifecycle phase of a worker pod attempt.
type JobPhase string

const (
	PhaseSubmitted JobPhase = "Submitted"
	PhaseScheduled JobPhase = "Scheduled"
	PhaseRunning   JobPhase = "Running"
	PhaseSucceeded JobPhase = "Succeeded"
	PhaseFailed    JobPhase = "Failed"
	PhaseTimedOut  JobPhase = "TimedOut"
	PhaseCleaned   JobPhase = "Cleaned"
)

// WorkerJob is the runtime handle for one dispatched backup pod.
// The launcher is its sole mutator; every job ends in PhaseCleaned
// with Outcome holding the terminal verdict that preceded cleanup.
type WorkerJob struct {
	Volume     VolumeRecord
	PodName    string
	Namespace  string
	Phase      JobPhase
	Outcome    JobPhase
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   *int32
	Reason     string
	LogTail    string
}

// Duration returns the wall-clock time between submission and terminal phase.
func (j WorkerJob) Duration() time.Duration {
	if j.FinishedAt.IsZero() || j.StartedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// Outcome classifies a volume's final state in the run report.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeTimedOut  Outcome = "TimedOut"
	OutcomeSkipped   Outcome = "Skipped"
)

// VolumeResult is one volume's entry in the run report.
type VolumeResult struct {
	Volume   VolumeRecord
	Outcome  Outcome
	Reason   string
	Duration time.Duration
	ExitCode *int32
	LogTail  string
}

// RunReport aggregates all volume outcomes of one backup pass.
// Results accumulate in completion order, not discovery order.
type RunReport struct {
	Results   []VolumeResult
	Succeeded int
	Failed    int
	Skipped   int
}

// Add appends a result and updates the counters. Timed-out volumes count
// as failed.
func (r *RunReport) Add(res VolumeResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed, OutcomeTimedOut:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// HasFailures reports whether any attempted volume failed or timed out.
// Skipped volumes do not fail the run.
func (r *RunReport) HasFailures() bool {
	return r.Failed > 0
}
