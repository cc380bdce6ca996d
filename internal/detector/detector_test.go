package detector

import (
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func startSleep(t *testing.T, dur string) *exec.Cmd {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep "+dur)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestPIDDetectorAliveWithMatchingStart(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "2")
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)
	start := ProcStartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	ok, err := PIDDetector{PID: pid, StartUnix: start}.Alive()
	if err != nil || !ok {
		t.Fatalf("expected alive, got ok=%v err=%v", ok, err)
	}
}

func TestPIDDetectorRejectsReusedPID(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "2")
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)
	start := ProcStartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	ok, _ := PIDDetector{PID: pid, StartUnix: start - 3600}.Alive()
	if ok {
		t.Fatalf("start time mismatch should report not alive")
	}
}

func TestPIDDetectorDeadProcess(t *testing.T) {
	requireUnix(t)
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	ok, _ := PIDDetector{PID: cmd.Process.Pid}.Alive()
	if ok {
		t.Fatalf("reaped process should not be alive")
	}
}

func TestPIDDetectorInvalidPID(t *testing.T) {
	ok, err := PIDDetector{PID: 0}.Alive()
	if ok || err != nil {
		t.Fatalf("pid 0 must be dead without error: ok=%v err=%v", ok, err)
	}
	if got := (PIDDetector{PID: 42}).Describe(); got != "pid:42" {
		t.Fatalf("describe: %q", got)
	}
}
