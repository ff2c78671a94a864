package flash_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/step"
	"github.com/seantiz/foundry/internal/suite/flash"
)

// fakeRunner records invocations and fails the configured stage.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	timeouts []time.Duration
	failAt   string
	exitCode int
	err      error
}

func (f *fakeRunner) Run(_ context.Context, args []string, timeout time.Duration) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	f.timeouts = append(f.timeouts, timeout)

	stage := args[slices.Index(args, "--stage")+1]
	if stage == f.failAt {
		return "stage " + stage + " output\n", f.exitCode, f.err
	}
	return "stage " + stage + " ok\n", 0, nil
}

func felDevice(t *testing.T) *model.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fel")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return &model.Device{UID: "1", Slot: 1, FELPath: path}
}

func runFlash(t *testing.T, cfg flash.Config, dev *model.Device, multiplier float64) model.TestResult {
	t.Helper()
	reg := flash.New(cfg)
	s := engine.NewSession(engine.SessionConfig{
		RunID:             1,
		Suite:             reg.Name(),
		Steps:             reg.Steps(),
		Device:            dev,
		TimeoutMultiplier: multiplier,
	})
	s.Start()
	return s.Join()
}

func TestSuiteLayout(t *testing.T) {
	reg := flash.New(flash.Config{Runner: &fakeRunner{}})
	infos := reg.Infos()
	if len(infos) != 7 {
		t.Fatalf("suite has %d steps, want 7", len(infos))
	}
	for i, info := range infos {
		wantMutex := ""
		if i == 1 || i == 2 {
			wantMutex = flash.MutexFEL
		}
		if info.Mutex != wantMutex {
			t.Errorf("step %d mutex = %q, want %q", i, info.Mutex, wantMutex)
		}
	}
	if infos[0].ErrorCode != flash.CodeNoFEL || infos[3].ErrorCode != flash.CodeStage || infos[6].ErrorCode != flash.CodeUBI {
		t.Errorf("error codes = %d %d %d", infos[0].ErrorCode, infos[3].ErrorCode, infos[6].ErrorCode)
	}
	if infos[6].Progress != 345*time.Second {
		t.Errorf("UBI progress = %v, want 345s", infos[6].Progress)
	}
	if reg.TotalProgress() != 374*time.Second {
		t.Errorf("TotalProgress = %v, want 374s", reg.TotalProgress())
	}
}

func TestFlashAllStages(t *testing.T) {
	runner := &fakeRunner{}
	dev := felDevice(t)
	res := runFlash(t, flash.Config{
		Tool:         "/opt/chip-flash",
		FirmwareDir:  "/srv/firmware",
		ImageInfo:    "stable 4.4",
		Runner:       runner,
		StageTimeout: 10 * time.Second,
		UBITimeout:   100 * time.Second,
	}, dev, 1.5)

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Values[flash.ImageValue] != "stable 4.4" {
		t.Errorf("Values = %v", res.Values)
	}
	if len(runner.calls) != 6 {
		t.Fatalf("runner called %d times, want 6", len(runner.calls))
	}
	want := []string{"/opt/chip-flash", "-u", "/srv/firmware", "--stage", "0", "--chip-path", dev.FELPath}
	if !slices.Equal(runner.calls[0], want) {
		t.Errorf("stage 0 args = %v, want %v", runner.calls[0], want)
	}
	if runner.timeouts[0] != 15*time.Second {
		t.Errorf("stage 0 timeout = %v, want 15s", runner.timeouts[0])
	}
	if runner.timeouts[5] != 150*time.Second {
		t.Errorf("UBI timeout = %v, want 150s", runner.timeouts[5])
	}
	if !strings.Contains(res.Transcript, "stage 5 ok") {
		t.Errorf("transcript missing tool output:\n%s", res.Transcript)
	}
}

func TestFlashNoFELDevice(t *testing.T) {
	runner := &fakeRunner{}
	dev := &model.Device{UID: "1", FELPath: filepath.Join(t.TempDir(), "missing")}
	res := runFlash(t, flash.Config{Runner: runner, FELAttempts: 2, FELInterval: 5 * time.Millisecond}, dev, 1)

	if res.Success {
		t.Fatal("Success = true without a FEL device")
	}
	if res.ErrorCode != flash.CodeNoFEL {
		t.Errorf("ErrorCode = %d, want %d", res.ErrorCode, flash.CodeNoFEL)
	}
	if !strings.Contains(res.Err, step.ErrDeviceNotFound.Error()) {
		t.Errorf("Err = %q", res.Err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner called %d times", len(runner.calls))
	}
}

func TestFlashExitCodeWinsOverStepCode(t *testing.T) {
	runner := &fakeRunner{failAt: "5", exitCode: 134}
	res := runFlash(t, flash.Config{Runner: runner}, felDevice(t), 1)

	if res.Success {
		t.Fatal("Success = true")
	}
	if res.ErrorCode != 134 {
		t.Errorf("ErrorCode = %d, want 134", res.ErrorCode)
	}
	if res.ResultText != "Uploading UBI Failed" {
		t.Errorf("ResultText = %q", res.ResultText)
	}
	if !strings.Contains(res.Transcript, "stage 5 output\n\nFlashing failed: Fastboot fail.\n") {
		t.Errorf("transcript missing failure message:\n%s", res.Transcript)
	}
}

func TestFlashUnknownExitCode(t *testing.T) {
	runner := &fakeRunner{failAt: "2", exitCode: 77}
	res := runFlash(t, flash.Config{Runner: runner}, felDevice(t), 1)

	if !strings.Contains(res.Transcript, "Flashing failed: Unknown Failure") {
		t.Errorf("transcript:\n%s", res.Transcript)
	}
	if len(runner.calls) != 3 {
		t.Errorf("runner called %d times, want 3 (fail fast)", len(runner.calls))
	}
}

func TestFlashRunnerErrorUsesStepCode(t *testing.T) {
	runner := &fakeRunner{failAt: "1", exitCode: -1, err: errors.New("chip-flash timed out")}
	res := runFlash(t, flash.Config{Runner: runner}, felDevice(t), 1)

	if res.ErrorCode != flash.CodeStage {
		t.Errorf("ErrorCode = %d, want %d", res.ErrorCode, flash.CodeStage)
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Errorf("Err = %q", res.Err)
	}
}
