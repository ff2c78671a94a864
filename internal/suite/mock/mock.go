// Package mock is a suite that simulates a flash run without hardware.
// Each stage sleeps in proportion to its number and may fail at random.
package mock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/step"
)

// Name is the suite name.
const Name = "mock"

// CodeMockFailure is reported by a stage that failed at random.
const CodeMockFailure = 999

// MutexFEL is the resource held by the first stage.
const MutexFEL = "fel"

// Config configures the mock suite.
type Config struct {
	// Stages is the number of sleeping stages. Zero means 6.
	Stages int
	// FailureRate is the probability in [0, 1] that a stage fails.
	FailureRate float64
	// Unit is the sleep of stage 1; stage k sleeps k*Unit. Zero means one
	// second.
	Unit time.Duration
	// Prompt, when set, adds a first step that waits for the operator.
	Prompt string
	// Rand draws the failures. Nil uses the global source. It is guarded
	// by a lock since sessions share it.
	Rand *rand.Rand
}

// New builds the mock suite.
func New(cfg Config) *step.Registry {
	if cfg.Stages <= 0 {
		cfg.Stages = 6
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	fail := func() bool { return rand.Float64() < cfg.FailureRate }
	if cfg.Rand != nil {
		var mu sync.Mutex
		fail = func() bool {
			mu.Lock()
			defer mu.Unlock()
			return cfg.Rand.Float64() < cfg.FailureRate
		}
	}

	reg := step.NewRegistry(Name)
	if cfg.Prompt != "" {
		reg.Add("prepare", nil,
			step.WithLabel("Preparing device"),
			step.WithPromptBefore(cfg.Prompt))
	}
	for k := 1; k <= cfg.Stages; k++ {
		opts := []step.Option{
			step.WithLabel(fmt.Sprintf("Mock stage %d", k)),
			step.WithProgress(time.Duration(k) * cfg.Unit),
			step.WithFailLabel("Mock failure"),
		}
		if k == 1 {
			opts = append(opts, step.WithMutex(MutexFEL))
		}
		reg.Add(fmt.Sprintf("stage%d", k), stage(k, cfg.Unit, fail), opts...)
	}
	return reg
}

func stage(k int, unit time.Duration, fail func() bool) step.Func {
	return func(ctx context.Context, sc *step.Context) error {
		select {
		case <-time.After(time.Duration(k) * unit):
		case <-ctx.Done():
			return ctx.Err()
		}
		sc.Printf("stage %d done\n", k)
		if fail() {
			sc.SetErrorCode(CodeMockFailure)
			return fmt.Errorf("stage %d: simulated failure", k)
		}
		return nil
	}
}
