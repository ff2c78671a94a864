package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
)

func runCmd(cfg *config.Config) *cobra.Command {
	var (
		suiteName string
		uids      []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a suite against devices from the terminal",
		Long: "Run a suite against catalog devices and print their progress. Press Enter to\n" +
			"acknowledge every pending prompt, or type a device uid and Enter to\n" +
			"acknowledge one. Interrupt aborts all sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Logs go to stderr so they do not interleave with the status lines.
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			catalog, err := config.LoadDevices(cfg.DevicesFile)
			if err != nil {
				return err
			}
			devices, err := selectDevices(catalog, uids)
			if err != nil {
				return err
			}

			eng, db, _, err := newEngine(*cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runSessions(ctx, eng, suiteName, devices, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&suiteName, "suite", "flash", "Suite to run")
	cmd.Flags().StringSliceVar(&uids, "device", nil, "Device uid to run (repeatable, default all)")
	return cmd
}

// runSessions starts one session per device under a shared run id, prints
// their updates to out and waits for all of them. Lines read from in resolve
// prompts. Cancelling ctx aborts every session.
func runSessions(ctx context.Context, eng *engine.Engine, suiteName string, devices []*model.Device, in io.Reader, out io.Writer) error {
	updates, unsub := eng.Broker().SubscribeAll()
	defer unsub()

	runID := eng.NextRunID()
	sessions := make([]*engine.Session, 0, len(devices))
	for _, dev := range devices {
		s, err := eng.StartRun(runID, suiteName, dev)
		if err != nil {
			eng.AbortAll()
			eng.Wait()
			return fmt.Errorf("start %s: %w", dev.UID, err)
		}
		sessions = append(sessions, s)
	}

	stopAbort := context.AfterFunc(ctx, eng.AbortAll)
	defer stopAbort()

	go resolvePrompts(in, eng, runID, devices)

	printDone := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printUpdates(out, updates, printDone)
	}()

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	results := make([]model.TestResult, len(sessions))
	for i, s := range sessions {
		g.Go(func() error {
			results[i] = s.Join()
			if !results[i].Success {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Persistence happens after Join.
	eng.Wait()
	close(printDone)
	<-printed

	fmt.Fprintln(out)
	for i, s := range sessions {
		fmt.Fprintln(out, formatResult(s.Device().Info(), results[i]))
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d sessions failed", n, len(sessions))
	}
	return nil
}

// resolvePrompts reads lines from in until EOF. An empty line resolves every
// pending prompt of the run; a device uid resolves that device only.
func resolvePrompts(in io.Reader, eng *engine.Engine, runID int, devices []*model.Device) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		uid := strings.TrimSpace(scanner.Text())
		if uid != "" {
			_ = eng.Resolve(runID, uid)
			continue
		}
		for _, d := range devices {
			_ = eng.Resolve(runID, d.UID)
		}
	}
}

// printUpdates writes state changes and prompts until done is closed.
// Progress-only updates are skipped.
func printUpdates(out io.Writer, updates <-chan model.Update, done <-chan struct{}) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if line := formatUpdate(u); line != "" {
				fmt.Fprintln(out, line)
			}
		case <-done:
			for {
				select {
				case u := <-updates:
					if line := formatUpdate(u); line != "" {
						fmt.Fprintln(out, line)
					}
				default:
					return
				}
			}
		}
	}
}
