package inventory

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/types"
)

// Client takes read-only snapshots of candidate volumes across the cluster.
type Client struct {
	client  kubernetes.Interface
	verbose bool
}

func New(client kubernetes.Interface, verbose bool) *Client {
	return &Client{client: client, verbose: verbose}
}

// List returns one VolumeRecord per candidate claim, cross-referenced with
// the pod (if any) currently mounting it. Claims carrying the skip
// annotation are dropped. The snapshot is best-effort: the claim list and
// the pod list are two separate queries, so mount state may be stale by the
// time it is acted on.
//
// Any API failure here is fatal for the run; without a trustworthy
// inventory there is nothing safe to do.
func (c *Client) List(ctx context.Context, labelSelector string) ([]types.VolumeRecord, error) {
	c.logf("Listing PVCs with selector %q", labelSelector)

	pvcList, err := c.client.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("listing PVCs: %w", err)
	}
	c.logf("Found %d PVCs", len(pvcList.Items))

	podList, err := c.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=Running",
	})
	if err != nil {
		return nil, fmt.Errorf("listing running pods: %w", err)
	}

	var records []types.VolumeRecord
	for i := range pvcList.Items {
		pvc := &pvcList.Items[i]

		if skipped(pvc) {
			c.logf("Ignoring PVC %s/%s due to annotation %q", pvc.Namespace, pvc.Name, types.SkipAnnotation)
			continue
		}

		rec := types.VolumeRecord{
			Namespace:   pvc.Namespace,
			Name:        pvc.Name,
			PVName:      pvc.Spec.VolumeName,
			AccessModes: pvc.Spec.AccessModes,
			Excludes:    excludePatterns(pvc),
		}

		if pod := mountingPod(podList.Items, pvc); pod != nil {
			rec.MountedBy = pod.Name
			rec.Node = pod.Spec.NodeName
			c.logf("PVC %s/%s mounted by pod %s on node %s", pvc.Namespace, pvc.Name, pod.Name, pod.Spec.NodeName)
		}

		records = append(records, rec)
	}

	return records, nil
}

func skipped(pvc *corev1.PersistentVolumeClaim) bool {
	v, ok := pvc.Annotations[types.SkipAnnotation]
	if !ok {
		return false
	}
	skip, err := strconv.ParseBool(v)
	return err == nil && skip
}

func excludePatterns(pvc *corev1.PersistentVolumeClaim) []string {
	raw, ok := pvc.Annotations[types.ExcludesAnnotation]
	if !ok {
		return nil
	}
	var patterns []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// mountingPod returns the first running pod in the claim's namespace whose
// spec mounts the claim, or nil.
func mountingPod(pods []corev1.Pod, pvc *corev1.PersistentVolumeClaim) *corev1.Pod {
	for i := range pods {
		pod := &pods[i]
		if pod.Namespace != pvc.Namespace {
			continue
		}
		if podMountsPVC(pod, pvc.Name) {
			return pod
		}
	}
	return nil
}

func podMountsPVC(pod *corev1.Pod, pvcName string) bool {
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil && vol.PersistentVolumeClaim.ClaimName == pvcName {
			return true
		}
	}
	return false
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.verbose {
		log.Printf("[inventory] "+format, args...)
	}
}
