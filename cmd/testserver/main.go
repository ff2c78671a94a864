// testserver starts a Foundry API server over the mock suite and generated
// devices, for UI development and end-to-end tests.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/seantiz/foundry/internal/api"
	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/step"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/suite"
	"github.com/seantiz/foundry/internal/suite/mock"
)

const defaultDevices = 8

// envInt reads a positive integer from key, falling back to def.
func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}

// promptSuite asks the operator twice around a short body, for exercising
// prompt handling in a UI.
func promptSuite() *step.Registry {
	return step.NewRegistry("prompts").
		Add("insert", nil,
			step.WithLabel("Insert board"),
			step.WithPromptBefore("Insert the board into the slot")).
		Add("check", func(ctx context.Context, sc *step.Context) error {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			sc.Printf("board detected\n")
			return nil
		},
			step.WithLabel("Checking board"),
			step.WithProgress(2*time.Second),
			step.WithPromptAfter("Remove the board"))
}

func main() {
	addr := ":8080"
	if v := os.Getenv("FOUNDRY_LISTEN_ADDR"); v != "" {
		addr = v
	}
	n := envInt("FOUNDRY_TEST_DEVICES", defaultDevices)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	suites := suite.NewRegistry()
	suites.Register(mock.New(mock.Config{
		Unit:        200 * time.Millisecond,
		FailureRate: 0.1,
		Prompt:      "Connect the device",
	}))
	suites.Register(promptSuite())

	devices := make([]*model.Device, n)
	for i := range devices {
		slot := i + 1
		devices[i] = &model.Device{
			UID:        strconv.Itoa(slot),
			Slot:       slot,
			SerialPath: fmt.Sprintf("/dev/chip-%d-serial", slot),
			FELPath:    fmt.Sprintf("/dev/chip-%d-fel", slot),
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.NewEngine(db, suites, logger, engine.Options{ProgressInterval: 250 * time.Millisecond})
	srv := api.NewServer(addr, db, suites, eng, devices, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr, "devices", n)
	err = srv.Run(ctx)
	eng.AbortAll()
	eng.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
