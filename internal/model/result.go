package model

import "time"

// Result texts.
const (
	PassedText     = "Passed"
	FailedSuffix   = " Failed"
	AbortedSuffix  = "\nABORTED"
	GenericFailure = "Failed"
)

// TestResult is the outcome of one session. It is written once by the
// session when its goroutine finishes and read by the caller afterwards.
type TestResult struct {
	Success    bool              `json:"success"`
	ResultText string            `json:"result_text"`
	Aborted    bool              `json:"aborted"`
	ErrorCode  int               `json:"error_code,omitempty"`
	FailedStep string            `json:"failed_step,omitempty"`
	Err        string            `json:"error,omitempty"`
	Transcript string            `json:"transcript"`
	Values     map[string]string `json:"values,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Update is one state snapshot published by a session. Zero-valued fields
// mean "unchanged" to the consumer, except Output which always carries the
// full transcript when set.
type Update struct {
	RunID      int               `json:"run_id"`
	DeviceUID  string            `json:"device_uid"`
	Suite      string            `json:"suite,omitempty"`
	State      RunState          `json:"state,omitempty"`
	Label      string            `json:"label,omitempty"`
	StateLabel string            `json:"state_label,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	Output     string            `json:"output,omitempty"`
	Progress   *float64          `json:"progress,omitempty"`
	ErrorCode  int               `json:"error_code,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
	Elapsed    time.Duration     `json:"elapsed,omitempty"`
	Time       time.Time         `json:"time"`
}

// Key returns the routing key of the session that produced u.
func (u Update) Key() string {
	return SessionKey(u.RunID, u.DeviceUID)
}
