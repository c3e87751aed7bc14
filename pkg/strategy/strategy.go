package strategy

import (
	"fmt"

	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/restic"
	"github.com/bitia-ru/k8s-pvc-restic-backup/pkg/types"
)

// Error means no safe backup strategy exists for a volume. It is a
// per-volume verdict, not a transient failure: the remedy is operational
// (bind the claim, or mount it somewhere).
type Error struct {
	Volume string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cannot determine backup strategy for %s: %s", e.Volume, e.Detail)
	}
	return "cannot determine backup strategy for " + e.Volume
}

// Resolve decides how the worker pod for a volume must be scheduled. Pure
// function over the discovery snapshot; never touches the cluster.
//
// Shared-access volumes (RWX/ROX) can be attached anywhere, so a fresh pod
// on any node works. Single-node volumes that are currently mounted must be
// backed up from the node already holding the attachment, because most
// storage backends refuse a second exclusive attach from another node.
// Single-node volumes mounted nowhere have no node known to hold their data.
func Resolve(v types.VolumeRecord) (types.ExecutionPlan, error) {
	if v.PVName == "" {
		return types.ExecutionPlan{}, &Error{Volume: v.Key(), Detail: "claim is not bound to a persistent volume"}
	}

	cfg := restic.ConfigForVolume(v.Namespace, v.Name, v.PVName, v.Excludes)
	plan := types.ExecutionPlan{
		Volume:  v,
		Command: cfg.BackupCommand(),
	}

	switch {
	case v.SharedAccess():
		plan.Mode = types.MountAny
	case v.Node != "":
		plan.Mode = types.MountPinned
		plan.Node = v.Node
	default:
		return types.ExecutionPlan{}, &Error{Volume: v.Key()}
	}

	return plan, nil
}
