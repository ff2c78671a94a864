package model

import (
	"fmt"
	"time"
)

// SessionKey identifies a live session by run id and device.
func SessionKey(runID int, deviceUID string) string {
	return fmt.Sprintf("%d/%s", runID, deviceUID)
}

// Run is the persisted record of a finished session.
type Run struct {
	ID         string            `json:"id"`
	RunID      int               `json:"run_id"`
	Suite      string            `json:"suite"`
	DeviceUID  string            `json:"device_uid"`
	Slot       int               `json:"slot"`
	Success    bool              `json:"success"`
	Aborted    bool              `json:"aborted"`
	ErrorCode  int               `json:"error_code"`
	ResultText string            `json:"result_text"`
	FailedStep string            `json:"failed_step,omitempty"`
	Output     string            `json:"output,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
	ElapsedMS  int64             `json:"elapsed_ms"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewRun builds the persisted record for a finished session.
func NewRun(runID int, suite string, dev DeviceInfo, res TestResult) *Run {
	return &Run{
		ID:         NewID(),
		RunID:      runID,
		Suite:      suite,
		DeviceUID:  dev.UID,
		Slot:       dev.Slot,
		Success:    res.Success,
		Aborted:    res.Aborted,
		ErrorCode:  res.ErrorCode,
		ResultText: res.ResultText,
		FailedStep: res.FailedStep,
		Output:     res.Transcript,
		Values:     res.Values,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		CreatedAt:  time.Now().UTC(),
	}
}
