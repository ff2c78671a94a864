package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/suite/flash"
)

func statsCmd(cfg *config.Config) *cobra.Command {
	var suiteName string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pass/fail statistics of finished runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			stats, err := db.GetRunStats(cmd.Context(), store.RunFilter{Suite: suiteName})
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), suiteName, stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&suiteName, "suite", "", "Restrict to one suite")
	return cmd
}

func runsCmd(cfg *config.Config) *cobra.Command {
	var (
		suiteName string
		device    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			return listRuns(cmd.Context(), cmd.OutOrStdout(), db, store.RunFilter{Suite: suiteName, DeviceUID: device}, limit)
		},
	}
	cmd.Flags().StringVar(&suiteName, "suite", "", "Restrict to one suite")
	cmd.Flags().StringVar(&device, "device", "", "Restrict to one device uid")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func listRuns(ctx context.Context, w io.Writer, db store.Store, f store.RunFilter, limit int) error {
	runs, total, err := db.ListRuns(ctx, f, limit, 0)
	if err != nil {
		return err
	}
	renderRuns(w, runs, total)
	return nil
}

// renderStats writes the totals table and, when any run failed with a code,
// the error code histogram.
func renderStats(w io.Writer, suiteName string, s *store.RunStats) {
	title := "Run statistics"
	if suiteName != "" {
		title += " (" + suiteName + ")"
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Value", Align: text.AlignRight},
	})
	t.AppendRows([]table.Row{
		{"Total", s.Total},
		{"Passed", s.Passed},
		{"Failed", s.Failed},
		{"Aborted", s.Aborted},
		{"Pass rate", fmt.Sprintf("%.1f%%", s.PassRate()*100)},
		{"Avg pass time", formatDuration(time.Duration(s.AvgPassElapsedMS) * time.Millisecond)},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(s.CountByErrorCode) > 0 {
		codes := make([]int, 0, len(s.CountByErrorCode))
		for c := range s.CountByErrorCode {
			codes = append(codes, c)
		}
		slices.Sort(codes)

		et := table.NewWriter()
		et.SetOutputMirror(w)
		et.SetTitle("Errors")
		et.AppendHeader(table.Row{"Code", "Meaning", "Count"})
		et.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Code", Align: text.AlignRight},
			{Name: "Count", Align: text.AlignRight},
		})
		for _, c := range codes {
			et.AppendRow(table.Row{c, errorMeaning(c), s.CountByErrorCode[c]})
		}
		et.SetStyle(table.StyleRounded)
		et.Render()
	}

	if suiteName == "" && len(s.CountBySuite) > 0 {
		names := make([]string, 0, len(s.CountBySuite))
		for n := range s.CountBySuite {
			names = append(names, n)
		}
		slices.Sort(names)

		st := table.NewWriter()
		st.SetOutputMirror(w)
		st.SetTitle("Suites")
		st.AppendHeader(table.Row{"Suite", "Runs"})
		for _, n := range names {
			st.AppendRow(table.Row{n, s.CountBySuite[n]})
		}
		st.SetStyle(table.StyleRounded)
		st.Render()
	}
}

// errorMeaning names a flash tool exit code. Suite step codes have no
// message.
func errorMeaning(code int) string {
	return flash.ErrorMessages[code]
}

func renderRuns(w io.Writer, runs []*model.Run, total int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Runs (%d of %d)", len(runs), total))
	t.AppendHeader(table.Row{"Finished", "Run", "Suite", "Device", "Slot", "Result", "Code", "Elapsed"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Run", Align: text.AlignRight},
		{Name: "Slot", Align: text.AlignRight},
		{Name: "Result", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Code", Align: text.AlignRight},
		{Name: "Elapsed", Align: text.AlignRight},
	})
	for _, r := range runs {
		code := ""
		if r.ErrorCode != 0 {
			code = strconv.Itoa(r.ErrorCode)
		}
		t.AppendRow(table.Row{
			r.FinishedAt.Local().Format(time.DateTime),
			r.RunID,
			r.Suite,
			r.DeviceUID,
			r.Slot,
			strings.ReplaceAll(r.ResultText, "\n", " "),
			code,
			formatDuration(time.Duration(r.ElapsedMS) * time.Millisecond),
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
