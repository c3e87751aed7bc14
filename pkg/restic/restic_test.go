package restic

import (
	"strings"
	"testing"
)

func TestBackupCommand_Basic(t *testing.T) {
	c := Config{Host: "data-pvc"}
	cmd := c.BackupCommand()

	if len(cmd) != 3 {
		t.Fatalf("expected 3 command elements, got %d: %v", len(cmd), cmd)
	}
	if cmd[0] != "sh" || cmd[1] != "-cex" {
		t.Errorf("command wrapper = %q %q, want sh -cex", cmd[0], cmd[1])
	}
	want := "restic backup --one-file-system --host data-pvc --no-scan /data"
	if cmd[2] != want {
		t.Errorf("restic line = %q, want %q", cmd[2], want)
	}
}

func TestBackupCommand_ExcludeCaches(t *testing.T) {
	c := Config{Host: "h", ExcludeCaches: true}
	line := c.BackupCommand()[2]
	if !strings.Contains(line, "--exclude-caches") {
		t.Errorf("restic line %q missing --exclude-caches", line)
	}
}

func TestBackupCommand_ExcludesAndTags(t *testing.T) {
	c := Config{
		Host:     "h",
		Excludes: []string{"/data/tmp", "*.log"},
		Tags:     []string{"namespace=default", "persistentvolumeclaim=h"},
	}
	line := c.BackupCommand()[2]

	for _, want := range []string{
		"--exclude /data/tmp",
		"--exclude *.log",
		"--tag namespace=default",
		"--tag persistentvolumeclaim=h",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("restic line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, " /data") {
		t.Errorf("restic line %q does not end with the data path", line)
	}
}

func TestConfigForVolume(t *testing.T) {
	c := ConfigForVolume("prod", "db-data", "pv-042", []string{"/data/cache"})

	if c.Host != "db-data" {
		t.Errorf("Host = %q, want %q", c.Host, "db-data")
	}
	if !c.ExcludeCaches {
		t.Error("ExcludeCaches should default to true")
	}
	if len(c.Tags) != 3 {
		t.Fatalf("expected 3 tags, got %v", c.Tags)
	}
	if c.Tags[2] != "persistentvolume=pv-042" {
		t.Errorf("Tags[2] = %q, want %q", c.Tags[2], "persistentvolume=pv-042")
	}
	if len(c.Excludes) != 1 || c.Excludes[0] != "/data/cache" {
		t.Errorf("Excludes = %v, want [/data/cache]", c.Excludes)
	}
}
