package step

import "time"

// Metadata describes a step. It is fixed at registration time.
type Metadata struct {
	// Label is shown to the operator. The first line is used in transcripts.
	Label string `json:"label"`
	// Progress is the estimated duration used for the progress bar. Zero
	// disables progress reporting for the step.
	Progress time.Duration `json:"progress,omitempty"`
	// Timeout is a hard deadline for the step body. Zero means none.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Mutex names a resource held exclusively while the step runs.
	Mutex string `json:"mutex,omitempty"`
	// PromptBefore and PromptAfter are shown to the operator, who must
	// acknowledge them before the session continues.
	PromptBefore string `json:"prompt_before,omitempty"`
	PromptAfter  string `json:"prompt_after,omitempty"`
	// FailLabel is shown when the step fails.
	FailLabel string `json:"fail_label,omitempty"`
	// ErrorCode is reported when the step fails without a runtime code.
	ErrorCode int `json:"error_code,omitempty"`
}

// Option sets one metadata field.
type Option func(*Metadata)

// WithLabel sets the operator-facing label.
func WithLabel(label string) Option {
	return func(m *Metadata) { m.Label = label }
}

// WithProgress sets the estimated duration of the step.
func WithProgress(d time.Duration) Option {
	return func(m *Metadata) { m.Progress = d }
}

// WithTimeout sets the hard deadline of the step body.
func WithTimeout(d time.Duration) Option {
	return func(m *Metadata) { m.Timeout = d }
}

// WithMutex names the shared resource the step holds while running.
func WithMutex(name string) Option {
	return func(m *Metadata) { m.Mutex = name }
}

// WithPromptBefore shows text to the operator before the body runs.
func WithPromptBefore(text string) Option {
	return func(m *Metadata) { m.PromptBefore = text }
}

// WithPromptAfter shows text to the operator after the body succeeds.
func WithPromptAfter(text string) Option {
	return func(m *Metadata) { m.PromptAfter = text }
}

// WithFailLabel sets the label shown on failure.
func WithFailLabel(label string) Option {
	return func(m *Metadata) { m.FailLabel = label }
}

// WithErrorCode sets the error code reported on failure.
func WithErrorCode(code int) Option {
	return func(m *Metadata) { m.ErrorCode = code }
}
