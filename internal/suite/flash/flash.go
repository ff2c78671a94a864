// Package flash is the suite that writes firmware to a device over its FEL
// recovery link using the external flash tool.
package flash

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/seantiz/foundry/internal/procexec"
	"github.com/seantiz/foundry/internal/step"
)

// Name is the suite name.
const Name = "flash"

// MutexFEL serializes the stages that talk to the FEL bus.
const MutexFEL = "fel"

// ImageValue is the return value key holding the firmware image description.
const ImageValue = "image"

// Step error codes.
const (
	CodeNoFEL   = 201
	CodeStage   = 202
	CodeUBI     = 203
	ubiStage    = 5
	progressUBI = 345 * time.Second
)

// ErrorMessages maps flash tool exit codes to operator messages.
var ErrorMessages = procexec.Table{
	-1:  procexec.UnknownFailure,
	128: "FEL Error.",
	129: "DRAM Error?",
	130: "Flasher Error.",
	131: "Flasher Error.",
	132: "Bad Cable?",
	133: "Fastboot fail.",
	134: "Fastboot fail.",
	135: "Bad U-boot.",
}

// Defaults for Config fields left zero.
const (
	DefaultTool         = "./chip-flash"
	DefaultFirmwareDir  = ".firmware"
	DefaultFELAttempts  = 9
	DefaultFELInterval  = time.Second
	DefaultStageTimeout = 60 * time.Second
	DefaultUBITimeout   = 800 * time.Second
)

// Config configures the flash suite.
type Config struct {
	Tool        string
	FirmwareDir string
	// ImageInfo describes the firmware image and is reported with every run.
	ImageInfo    string
	FELAttempts  int
	FELInterval  time.Duration
	StageTimeout time.Duration
	UBITimeout   time.Duration
	Runner       procexec.Runner
}

func (c *Config) setDefaults() {
	if c.Tool == "" {
		c.Tool = DefaultTool
	}
	if c.FirmwareDir == "" {
		c.FirmwareDir = DefaultFirmwareDir
	}
	if c.FELAttempts <= 0 {
		c.FELAttempts = DefaultFELAttempts
	}
	if c.FELInterval <= 0 {
		c.FELInterval = DefaultFELInterval
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.UBITimeout <= 0 {
		c.UBITimeout = DefaultUBITimeout
	}
	if c.Runner == nil {
		c.Runner = &procexec.ExecRunner{}
	}
}

type flasher struct {
	cfg Config
}

// New builds the flash suite.
func New(cfg Config) *step.Registry {
	cfg.setDefaults()
	f := &flasher{cfg: cfg}

	return step.NewRegistry(Name).
		Add("fel", f.waitForFEL,
			step.WithLabel("Waiting for device"),
			step.WithProgress(10*time.Second),
			step.WithFailLabel("No FEL device"),
			step.WithErrorCode(CodeNoFEL)).
		Add("stage0", f.stage(0, cfg.StageTimeout),
			step.WithLabel("Launching SPL"),
			step.WithProgress(8*time.Second),
			step.WithMutex(MutexFEL),
			step.WithFailLabel("Flashing failed"),
			step.WithErrorCode(CodeStage)).
		Add("stage1", f.stage(1, cfg.StageTimeout),
			step.WithLabel("Uploading SPL"),
			step.WithProgress(7*time.Second),
			step.WithMutex(MutexFEL),
			step.WithFailLabel("Flashing failed"),
			step.WithErrorCode(CodeStage)).
		Add("stage2", f.stage(2, cfg.StageTimeout),
			step.WithLabel("Uploading U-Boot"),
			step.WithProgress(2*time.Second),
			step.WithFailLabel("Flashing failed"),
			step.WithErrorCode(CodeStage)).
		Add("stage3", f.stage(3, cfg.StageTimeout),
			step.WithLabel("Uploading U-Boot script"),
			step.WithProgress(time.Second),
			step.WithFailLabel("Flashing failed"),
			step.WithErrorCode(CodeStage)).
		Add("stage4", f.stage(4, cfg.StageTimeout),
			step.WithLabel("Executing U-Boot script"),
			step.WithProgress(time.Second),
			step.WithFailLabel("Flashing failed"),
			step.WithErrorCode(CodeStage)).
		Add("stage5", f.stage(ubiStage, cfg.UBITimeout),
			step.WithLabel("Uploading UBI"),
			step.WithProgress(progressUBI),
			step.WithFailLabel("UBI upload failed"),
			step.WithErrorCode(CodeUBI))
}

func (f *flasher) waitForFEL(ctx context.Context, sc *step.Context) error {
	if f.cfg.ImageInfo != "" {
		sc.SetValue(ImageValue, f.cfg.ImageInfo)
	}
	return step.WaitForPath(ctx, sc.Device.FELPath, f.cfg.FELAttempts, f.cfg.FELInterval)
}

// stage runs one stage of the flash tool. The timeout is passed to the tool
// runner scaled by the session multiplier.
func (f *flasher) stage(n int, timeout time.Duration) step.Func {
	return func(ctx context.Context, sc *step.Context) error {
		args := []string{f.cfg.Tool, "-u", f.cfg.FirmwareDir, "--stage", strconv.Itoa(n)}
		if sc.Device.FELPath != "" {
			args = append(args, "--chip-path", sc.Device.FELPath)
		}
		sc.Logger.Debug("flash stage", "stage", n, "timeout", sc.Scale(timeout))

		out, code, err := f.cfg.Runner.Run(ctx, args, sc.Scale(timeout))
		sc.Printf("%s", out)
		if err != nil {
			return fmt.Errorf("stage %d: %w", n, err)
		}
		if code != 0 {
			exitErr := ErrorMessages.Error(code)
			sc.Printf("\nFlashing failed: %s\n", exitErr.Message)
			return fmt.Errorf("stage %d: %w", n, exitErr)
		}
		return nil
	}
}
