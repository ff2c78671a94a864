package step

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

// Context is handed to a step body. It carries the device, the session
// logger, and collects output, a runtime error code and return values.
type Context struct {
	Device            *model.Device
	Logger            *slog.Logger
	RunID             int
	TimeoutMultiplier float64

	out       strings.Builder
	errorCode int
	values    *Values
}

// NewContext builds a step context. values is shared by all steps of a
// session and may be nil.
func NewContext(dev *model.Device, logger *slog.Logger, runID int, multiplier float64, values *Values) *Context {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if values == nil {
		values = NewValues(nil)
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return &Context{
		Device:            dev,
		Logger:            logger,
		RunID:             runID,
		TimeoutMultiplier: multiplier,
		values:            values,
	}
}

// Write appends p to the step output.
func (c *Context) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

// Printf appends formatted text to the step output.
func (c *Context) Printf(format string, args ...any) {
	fmt.Fprintf(&c.out, format, args...)
}

// Output returns everything written by the step.
func (c *Context) Output() string {
	return c.out.String()
}

// SetErrorCode records an error code that takes precedence over the code in
// the step metadata if the step fails.
func (c *Context) SetErrorCode(code int) {
	c.errorCode = code
}

// ErrorCode returns the code recorded by SetErrorCode, or zero.
func (c *Context) ErrorCode() int {
	return c.errorCode
}

// SetValue records a return value reported with the session result.
func (c *Context) SetValue(key, value string) {
	c.values.Set(key, value)
}

// Value returns a value recorded by this or an earlier step.
func (c *Context) Value(key string) (string, bool) {
	return c.values.Get(key)
}

// Scale multiplies d by the timeout multiplier.
func (c *Context) Scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * c.TimeoutMultiplier)
}

// Values is a concurrency-safe string map of session return values.
type Values struct {
	mu sync.Mutex
	m  map[string]string
}

// NewValues returns a map seeded with a copy of initial.
func NewValues(initial map[string]string) *Values {
	m := make(map[string]string, len(initial))
	for k, v := range initial {
		m[k] = v
	}
	return &Values{m: m}
}

// Set stores a value.
func (v *Values) Set(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = value
}

// Get looks up a value.
func (v *Values) Get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.m[key]
	return s, ok
}

// Snapshot returns a copy of all values, or nil if there are none.
func (v *Values) Snapshot() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.m) == 0 {
		return nil
	}
	out := make(map[string]string, len(v.m))
	for k, s := range v.m {
		out[k] = s
	}
	return out
}
