package launcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/restic"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/types"
)

const (
	defaultPollInterval = 5 * time.Second
	cleanupTimeout      = time.Minute
	logTailLines        = 20

	containerName = "restic"

	nameLabel     = "app.kubernetes.io/name"
	instanceLabel = "app.kubernetes.io/instance"
	appName       = "k8s-pvc-restic-backup"
)

// waiting reasons that a pending pod never recovers from.
var unrecoverableReasons = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerError":       true,
	"CreateContainerConfigError": true,
}

// phaseRank orders phases so that transitions stay monotonic even when
// polling observes states out of order.
var phaseRank = map[types.JobPhase]int{
	types.PhaseSubmitted: 0,
	types.PhaseScheduled: 1,
	types.PhaseRunning:   2,
	types.PhaseSucceeded: 3,
	types.PhaseFailed:    3,
	types.PhaseTimedOut:  3,
	types.PhaseCleaned:   4,
}

// Options configure worker pod construction.
type Options struct {
	// Image is the backup-tool image (must contain restic and a shell).
	Image string
	// Env carries the repository credentials, injected verbatim into every
	// worker pod. Worker pods run in the volume's own namespace, so the
	// credentials secret cannot be referenced there directly.
	Env []corev1.EnvVar
	// ServiceAccount, if set, is used for the worker pod.
	ServiceAccount string
	// ExecutionID labels every pod of one invocation.
	ExecutionID string
	// PollInterval overrides how often pod status is observed (0 = default).
	PollInterval time.Duration
	Verbose      bool
}

// Launcher owns the full lifecycle of worker pods: create, observe, delete.
type Launcher struct {
	client       kubernetes.Interface
	opts         Options
	pollInterval time.Duration
}

func New(client kubernetes.Interface, opts Options) *Launcher {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Launcher{client: client, opts: opts, pollInterval: interval}
}

// Run executes one backup plan and blocks until the worker pod reaches a
// terminal state or the timeout expires. The returned job always has
// PhaseCleaned: whatever happened, the pod object is gone afterwards.
func (l *Launcher) Run(ctx context.Context, plan types.ExecutionPlan, timeout time.Duration) types.WorkerJob {
	job := types.WorkerJob{
		Volume:    plan.Volume,
		PodName:   podName(plan.Volume),
		Namespace: plan.Volume.Namespace,
		StartedAt: time.Now(),
	}

	if ctx.Err() != nil {
		job.Outcome = types.PhaseFailed
		job.Reason = fmt.Sprintf("run cancelled before launch: %v", ctx.Err())
		job.FinishedAt = time.Now()
		l.cleanup(&job)
		return job
	}

	pod := l.BuildPod(plan, timeout)
	if _, err := l.client.CoreV1().Pods(job.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		// Quota or admission rejection. Not retried within a run.
		job.Outcome = types.PhaseFailed
		job.Reason = fmt.Sprintf("creating pod: %v", err)
		job.FinishedAt = time.Now()
		l.cleanup(&job)
		return job
	}
	job.Phase = types.PhaseSubmitted
	l.logf("Submitted pod %s/%s for volume %s", job.Namespace, job.PodName, plan.Volume.Key())

	l.await(ctx, &job, timeout)
	l.captureLogTail(ctx, &job)
	l.cleanup(&job)

	l.logf("Volume %s finished: %s (%s)", plan.Volume.Key(), job.Outcome, job.Duration().Round(time.Second))
	return job
}

// await polls the pod until a terminal outcome, the per-volume deadline, or
// run cancellation. Cancellation takes the same path as a timeout so the
// pod is still deleted afterwards.
func (l *Launcher) await(ctx context.Context, job *types.WorkerJob, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			job.Outcome = types.PhaseTimedOut
			job.Reason = fmt.Sprintf("run cancelled: %v", ctx.Err())
			job.FinishedAt = time.Now()
			return

		case <-deadline.C:
			job.Outcome = types.PhaseTimedOut
			job.Reason = fmt.Sprintf("no terminal phase within %s", timeout)
			job.FinishedAt = time.Now()
			return

		case <-ticker.C:
			pod, err := l.client.CoreV1().Pods(job.Namespace).Get(ctx, job.PodName, metav1.GetOptions{})
			if err != nil {
				job.Outcome = types.PhaseFailed
				job.Reason = fmt.Sprintf("observing pod: %v", err)
				job.FinishedAt = time.Now()
				return
			}
			if l.observe(pod, job) {
				job.FinishedAt = time.Now()
				return
			}
		}
	}
}

// observe folds one pod snapshot into the job and reports whether a
// terminal outcome was reached.
func (l *Launcher) observe(pod *corev1.Pod, job *types.WorkerJob) bool {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		advance(job, types.PhaseSucceeded)
		job.Outcome = types.PhaseSucceeded
		job.ExitCode = exitCode(pod)
		return true

	case corev1.PodFailed:
		advance(job, types.PhaseFailed)
		job.Outcome = types.PhaseFailed
		job.ExitCode = exitCode(pod)
		job.Reason = failureReason(pod)
		return true

	case corev1.PodRunning:
		advance(job, types.PhaseRunning)

	case corev1.PodPending:
		if reason, stuck := stuckWaiting(pod); stuck {
			advance(job, types.PhaseFailed)
			job.Outcome = types.PhaseFailed
			job.Reason = reason
			return true
		}
		if pod.Spec.NodeName != "" {
			advance(job, types.PhaseScheduled)
		}
	}
	return false
}

func advance(job *types.WorkerJob, phase types.JobPhase) {
	if phaseRank[phase] > phaseRank[job.Phase] {
		job.Phase = phase
	}
}

func exitCode(pod *corev1.Pod) *int32 {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return ptr.To(cs.State.Terminated.ExitCode)
		}
	}
	return nil
}

func failureReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			if t.Message != "" {
				return fmt.Sprintf("container exited with code %d: %s", t.ExitCode, strings.TrimSpace(t.Message))
			}
			return fmt.Sprintf("container exited with code %d (%s)", t.ExitCode, t.Reason)
		}
	}
	if pod.Status.Reason != "" {
		return pod.Status.Reason
	}
	return "pod failed"
}

func stuckWaiting(pod *corev1.Pod) (string, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && unrecoverableReasons[w.Reason] {
			return fmt.Sprintf("container cannot start: %s: %s", w.Reason, w.Message), true
		}
	}
	return "", false
}

// captureLogTail fetches the last lines of the restic container for the
// report. Best effort: a missing log never changes the outcome. Uses a
// detached context so logs can still be fetched after run cancellation.
func (l *Launcher) captureLogTail(ctx context.Context, job *types.WorkerJob) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	req := l.client.CoreV1().Pods(job.Namespace).GetLogs(job.PodName, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: ptr.To(int64(logTailLines)),
	})
	rc, err := req.Stream(logCtx)
	if err != nil {
		l.logf("Could not fetch logs of %s/%s: %v", job.Namespace, job.PodName, err)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return
	}
	job.LogTail = strings.TrimSpace(string(data))
}

// cleanup deletes the pod object and marks the job cleaned. Runs on its own
// context so that a cancelled run still tears its pods down.
func (l *Launcher) cleanup(job *types.WorkerJob) {
	delCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	err := l.client.CoreV1().Pods(job.Namespace).Delete(delCtx, job.PodName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		log.Printf("WARNING: failed to delete pod %s/%s: %v", job.Namespace, job.PodName, err)
	}
	job.Phase = types.PhaseCleaned
}

// SweepLeftovers deletes any pods of this invocation that still exist,
// across all namespaces. Backstop for pods that survived their job's
// cleanup (e.g. a delete rejected mid-run).
func (l *Launcher) SweepLeftovers(ctx context.Context) error {
	selector := fmt.Sprintf("%s=%s,%s=%s", nameLabel, appName, instanceLabel, l.opts.ExecutionID)
	pods, err := l.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return fmt.Errorf("listing leftover pods: %w", err)
	}

	var firstErr error
	for i := range pods.Items {
		pod := &pods.Items[i]
		l.logf("Sweeping leftover pod %s/%s", pod.Namespace, pod.Name)
		err := l.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			log.Printf("ERROR: failed to delete leftover pod %s/%s: %v", pod.Namespace, pod.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BuildPod renders the worker pod for a plan. The pod lives in the volume's
// namespace (a PVC can only be mounted from its own namespace), mounts the
// claim read-only at the restic data path, and is pinned via node affinity
// exactly when the plan says so.
func (l *Launcher) BuildPod(plan types.ExecutionPlan, timeout time.Duration) *corev1.Pod {
	env := append([]corev1.EnvVar{
		// progress messages roughly every 5 minutes
		{Name: "RESTIC_PROGRESS_FPS", Value: "0.0033"},
	}, l.opts.Env...)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(plan.Volume),
			Namespace: plan.Volume.Namespace,
			Labels: map[string]string{
				nameLabel:     appName,
				instanceLabel: l.opts.ExecutionID,
			},
		},
		Spec: corev1.PodSpec{
			ServiceAccountName:           l.opts.ServiceAccount,
			RestartPolicy:                corev1.RestartPolicyNever,
			ActiveDeadlineSeconds:        ptr.To(int64(timeout / time.Second)),
			EnableServiceLinks:           ptr.To(false),
			AutomountServiceAccountToken: ptr.To(false),
			Containers: []corev1.Container{
				{
					Name:    containerName,
					Image:   l.opts.Image,
					Command: plan.Command,
					Env:     env,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "data", MountPath: restic.DataMountPath, ReadOnly: true},
						{Name: "tmp", MountPath: "/tmp"},
					},
					TerminationMessagePolicy: corev1.TerminationMessageFallbackToLogsOnError,
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: plan.Volume.Name,
							ReadOnly:  true,
						},
					},
				},
				{
					Name: "tmp",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}

	if plan.Mode == types.MountPinned {
		pod.Spec.Affinity = nodeAffinity(plan.Node)
	}
	return pod
}

func nodeAffinity(node string) *corev1.Affinity {
	return &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
				NodeSelectorTerms: []corev1.NodeSelectorTerm{
					{
						MatchExpressions: []corev1.NodeSelectorRequirement{
							{
								Key:      "kubernetes.io/hostname",
								Operator: corev1.NodeSelectorOpIn,
								Values:   []string{node},
							},
						},
					},
				},
			},
		},
	}
}

// podName derives the worker pod name from the claim, truncated to the
// 63-character object name limit.
func podName(v types.VolumeRecord) string {
	name := "backup-" + v.Name
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimSuffix(name, "-")
}

// EnvFromSecret converts the credentials secret's key/value pairs into pod
// environment variables, sorted for stable pod specs.
func EnvFromSecret(secret *corev1.Secret) []corev1.EnvVar {
	keys := make([]string, 0, len(secret.Data))
	for k := range secret.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: string(secret.Data[k])})
	}
	return env
}

func (l *Launcher) logf(format string, args ...interface{}) {
	if l.opts.Verbose {
		log.Printf("[launcher] "+format, args...)
	}
}
