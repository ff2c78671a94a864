package store

import (
	"context"
	"errors"

	"github.com/seantiz/foundry/internal/model"
)

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// RunFilter narrows ListRuns and GetRunStats. Zero fields match everything.
type RunFilter struct {
	Suite     string
	DeviceUID string
}

// RunStats holds aggregate session statistics.
type RunStats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`
	// AvgPassElapsedMS averages the elapsed time of successful runs only.
	AvgPassElapsedMS float64        `json:"avg_pass_elapsed_ms"`
	CountByErrorCode map[int]int    `json:"count_by_error_code"`
	CountBySuite     map[string]int `json:"count_by_suite"`
}

// PassRate returns the fraction of runs that passed.
func (s *RunStats) PassRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total)
}

// Store defines the persistence operations for finished sessions.
type Store interface {
	InsertRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter, limit, offset int) ([]*model.Run, int, error)
	GetRunStats(ctx context.Context, f RunFilter) (*RunStats, error)
	// MaxRunID returns the highest persisted run id, or 0 when empty.
	MaxRunID(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
