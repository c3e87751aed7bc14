package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/inventory"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/launcher"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/strategy"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/types"
)

// Options scope one backup pass.
type Options struct {
	// LabelSelector narrows which claims are considered.
	LabelSelector string
	// Concurrency bounds how many worker pods run at the same time.
	Concurrency int
	// VolumeTimeout is the per-volume deadline for one worker pod.
	VolumeTimeout time.Duration
}

// Supervisor drives one orchestration pass: discover, resolve, dispatch,
// aggregate.
type Supervisor struct {
	client    kubernetes.Interface
	inventory *inventory.Client
	launcher  *launcher.Launcher
	verbose   bool
}

func New(client kubernetes.Interface, inv *inventory.Client, l *launcher.Launcher, verbose bool) *Supervisor {
	return &Supervisor{client: client, inventory: inv, launcher: l, verbose: verbose}
}

// Plan discovers candidate volumes and resolves a strategy for each.
// Volumes without a definitive strategy come back as skipped results, not
// errors; an inventory failure is the only error and aborts the pass.
func (s *Supervisor) Plan(ctx context.Context, labelSelector string) ([]types.ExecutionPlan, []types.VolumeResult, error) {
	records, err := s.inventory.List(ctx, labelSelector)
	if err != nil {
		return nil, nil, fmt.Errorf("inventory: %w", err)
	}

	var plans []types.ExecutionPlan
	var skipped []types.VolumeResult
	for _, rec := range records {
		plan, err := strategy.Resolve(rec)
		if err != nil {
			var serr *strategy.Error
			if !errors.As(err, &serr) {
				// resolver only returns strategy errors, but be safe
				return nil, nil, fmt.Errorf("resolving %s: %w", rec.Key(), err)
			}
			s.logf("Skipping volume %s: %v", rec.Key(), err)
			skipped = append(skipped, types.VolumeResult{
				Volume:  rec,
				Outcome: types.OutcomeSkipped,
				Reason:  err.Error(),
			})
			continue
		}
		plans = append(plans, plan)
	}

	return plans, skipped, nil
}

// RunPass executes one full backup pass. Per-volume failures are folded
// into the report; only an inventory failure aborts. Results accumulate in
// completion order.
func (s *Supervisor) RunPass(ctx context.Context, opts Options) (types.RunReport, error) {
	var report types.RunReport

	plans, skipped, err := s.Plan(ctx, opts.LabelSelector)
	if err != nil {
		return report, err
	}
	for _, res := range skipped {
		report.Add(res)
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	s.logf("Dispatching %d volume(s), %d at a time", len(plans), concurrency)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, plan := range plans {
		g.Go(func() error {
			job := s.launcher.Run(ctx, plan, opts.VolumeTimeout)
			res := resultFromJob(job)

			if res.Outcome == types.OutcomeSucceeded {
				s.markBackedUp(ctx, plan.Volume)
			}

			mu.Lock()
			report.Add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers report through the run report, never an error

	if err := s.launcher.SweepLeftovers(context.WithoutCancel(ctx)); err != nil {
		log.Printf("WARNING: sweeping leftover pods: %v", err)
	}

	return report, nil
}

func resultFromJob(job types.WorkerJob) types.VolumeResult {
	res := types.VolumeResult{
		Volume:   job.Volume,
		Duration: job.Duration(),
		ExitCode: job.ExitCode,
		Reason:   job.Reason,
		LogTail:  job.LogTail,
	}
	switch job.Outcome {
	case types.PhaseSucceeded:
		res.Outcome = types.OutcomeSucceeded
	case types.PhaseTimedOut:
		res.Outcome = types.OutcomeTimedOut
	default:
		res.Outcome = types.OutcomeFailed
	}
	return res
}

// markBackedUp stamps the claim with the completion time of its successful
// backup. Best effort: a failed annotation never fails the volume.
func (s *Supervisor) markBackedUp(ctx context.Context, v types.VolumeRecord) {
	pvc, err := s.client.CoreV1().PersistentVolumeClaims(v.Namespace).Get(ctx, v.Name, metav1.GetOptions{})
	if err != nil {
		log.Printf("WARNING: could not annotate PVC %s: %v", v.Key(), err)
		return
	}
	if pvc.Annotations == nil {
		pvc.Annotations = map[string]string{}
	}
	pvc.Annotations[types.LastBackupAnnotation] = time.Now().UTC().Format(time.RFC3339)
	if _, err := s.client.CoreV1().PersistentVolumeClaims(v.Namespace).Update(ctx, pvc, metav1.UpdateOptions{}); err != nil {
		log.Printf("WARNING: could not annotate PVC %s: %v", v.Key(), err)
	}
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.verbose {
		log.Printf("[supervisor] "+format, args...)
	}
}
