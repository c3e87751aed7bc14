package restic

import (
	"fmt"
	"strings"
)

// DataMountPath is where the worker pod mounts the volume under backup.
const DataMountPath = "/data"

// Config describes one restic backup invocation inside a worker pod.
type Config struct {
	// Host is recorded as the restic host for the snapshot, so that
	// snapshots of the same claim group together across runs.
	Host string
	// Tags are attached to the snapshot as --tag arguments.
	Tags []string
	// Excludes are additional --exclude patterns.
	Excludes []string
	// ExcludeCaches skips CACHEDIR.TAG-marked directories.
	ExcludeCaches bool
}

// ConfigForVolume builds the standard backup config for a claim: the claim
// name as host, identity tags for namespace/claim/volume, plus any per-claim
// excludes.
func ConfigForVolume(namespace, claim, pv string, excludes []string) Config {
	return Config{
		Host: claim,
		Tags: []string{
			"namespace=" + namespace,
			"persistentvolumeclaim=" + claim,
			"persistentvolume=" + pv,
		},
		Excludes:      excludes,
		ExcludeCaches: true,
	}
}

// BackupCommand renders the container command for one backup. The restic
// invocation is wrapped in "sh -cex" so that the pod log shows the exact
// command line and any non-zero step aborts the container.
func (c Config) BackupCommand() []string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "restic backup --one-file-system --host %s --no-scan", c.Host)
	if c.ExcludeCaches {
		sb.WriteString(" --exclude-caches")
	}
	for _, e := range c.Excludes {
		sb.WriteString(" --exclude " + e)
	}
	for _, t := range c.Tags {
		sb.WriteString(" --tag " + t)
	}
	sb.WriteString(" " + DataMountPath)

	return []string{"sh", "-cex", sb.String()}
}
