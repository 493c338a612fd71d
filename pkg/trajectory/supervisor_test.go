package trajectory

import (
	"os"
	"os/exec"
	"testing"
)

func TestBuildFlags_FixedOrder(t *testing.T) {
	opts := DefaultBootOptions()
	flags := buildFlags("test_avd", 5554, opts)

	want := []string{
		"-avd", "test_avd",
		"-port", "5554",
		"-grpc", "6554",
		"-no-window",
		"-no-audio",
		"-no-boot-anim",
		"-read-only",
	}
	if len(flags) != len(want) {
		t.Fatalf("buildFlags = %v, want %v", flags, want)
	}
	for i := range want {
		if flags[i] != want[i] {
			t.Errorf("flags[%d] = %q, want %q", i, flags[i], want[i])
		}
	}
}

func TestBuildFlags_SnapshotLoad(t *testing.T) {
	opts := BootOptions{SnapshotName: "sandbox_abc"}
	flags := buildFlags("test_avd", 5554, opts)

	found := false
	for i, f := range flags {
		if f == "-snapshot" && i+1 < len(flags) && flags[i+1] == "sandbox_abc" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected -snapshot sandbox_abc in %v", flags)
	}
	if flags[len(flags)-1] != "-snapshot-load" {
		t.Errorf("expected trailing -snapshot-load, got %v", flags)
	}
}

func TestBuildFlags_WipeData(t *testing.T) {
	opts := BootOptions{WipeData: true}
	flags := buildFlags("test_avd", 5554, opts)
	has := false
	for _, f := range flags {
		if f == "-wipe-data" {
			has = true
		}
	}
	if !has {
		t.Errorf("expected -wipe-data in %v", flags)
	}
}

func TestSnapshotLoadSucceeded(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"OK\n", true},
		{"KO: No such snapshot\n", false},
		{"", true},
	}
	for _, c := range cases {
		if got := snapshotLoadSucceeded(c.output); got != c.want {
			t.Errorf("snapshotLoadSucceeded(%q) = %v, want %v", c.output, got, c.want)
		}
	}
}

func TestKillProcess_GracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn sleep: %v", err)
	}

	sup := &Supervisor{}
	if err := sup.killProcess(cmd.Process); err != nil {
		t.Fatalf("killProcess: %v", err)
	}

	if IsProcessAlive(cmd.Process.Pid) {
		t.Error("process should be dead after killProcess")
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("own pid should report alive")
	}
	if IsProcessAlive(0) {
		t.Error("pid 0 should not report alive")
	}
}
