package strategy

import (
	"errors"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/types"
)

func record(modes []corev1.PersistentVolumeAccessMode, node string) types.VolumeRecord {
	return types.VolumeRecord{
		Namespace:   "default",
		Name:        "data",
		PVName:      "pv-data",
		AccessModes: modes,
		Node:        node,
	}
}

func TestResolve_SharedAccess_Unpinned(t *testing.T) {
	for _, mode := range []corev1.PersistentVolumeAccessMode{
		corev1.ReadWriteMany,
		corev1.ReadOnlyMany,
	} {
		plan, err := Resolve(record([]corev1.PersistentVolumeAccessMode{mode}, ""))
		if err != nil {
			t.Fatalf("Resolve(%s) error: %v", mode, err)
		}
		if plan.Mode != types.MountAny {
			t.Errorf("Resolve(%s).Mode = %v, want MountAny", mode, plan.Mode)
		}
		if plan.Node != "" {
			t.Errorf("Resolve(%s).Node = %q, want empty", mode, plan.Node)
		}
	}
}

func TestResolve_SharedAccess_IgnoresMountLocation(t *testing.T) {
	// Even when a shared volume is mounted somewhere, the worker is free to
	// schedule anywhere.
	plan, err := Resolve(record([]corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}, "node-a"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if plan.Mode != types.MountAny {
		t.Errorf("Mode = %v, want MountAny", plan.Mode)
	}
}

func TestResolve_SingleNode_Mounted_Pinned(t *testing.T) {
	plan, err := Resolve(record([]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, "node-x"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if plan.Mode != types.MountPinned {
		t.Errorf("Mode = %v, want MountPinned", plan.Mode)
	}
	if plan.Node != "node-x" {
		t.Errorf("Node = %q, want %q", plan.Node, "node-x")
	}
}

func TestResolve_SingleNode_Unmounted_Error(t *testing.T) {
	v := record([]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, "")
	v.Name = "C"

	_, err := Resolve(v)
	if err == nil {
		t.Fatal("expected error for unmounted single-node volume")
	}
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("error type = %T, want *strategy.Error", err)
	}
	if err.Error() != "cannot determine backup strategy for default/C" {
		t.Errorf("error = %q, want %q", err.Error(), "cannot determine backup strategy for default/C")
	}
}

func TestResolve_UnboundClaim_Error(t *testing.T) {
	v := record([]corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}, "")
	v.PVName = ""

	_, err := Resolve(v)
	if err == nil {
		t.Fatal("expected error for unbound claim")
	}
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("error type = %T, want *strategy.Error", err)
	}
}

func TestResolve_CommandCarriesIdentityTags(t *testing.T) {
	plan, err := Resolve(record([]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, "node-1"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(plan.Command) != 3 {
		t.Fatalf("expected wrapped command, got %v", plan.Command)
	}
	line := plan.Command[2]
	for _, want := range []string{
		"--host data",
		"--tag namespace=default",
		"--tag persistentvolume=pv-data",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("command %q missing %q", line, want)
		}
	}
}
