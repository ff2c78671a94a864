package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/step"
)

const tracerName = "github.com/seantiz/foundry/internal/engine"

// Transcript line formats.
const (
	transcriptBefore = "%d: BEFORE: %s device: %s\n"
	transcriptAfter  = "%d: AFTER: %s device: %s time: %.2fs\n"
)

// State labels.
const (
	runningText   = "Running"
	overdueText   = "Running (overdue)"
	pausedText    = "Waiting for %s"
	failCodedText = "Failed: error %d"
)

// ErrResourceTimeout is returned when a step waits longer than the configured
// acquire timeout for its resource.
var ErrResourceTimeout = errors.New("timed out waiting for resource")

// SessionConfig holds everything a session needs to run.
type SessionConfig struct {
	RunID  int
	Suite  string
	Steps  []step.Step
	Device *model.Device

	// Locks is shared by every session that may contend for a resource.
	Locks  *MutexRegistry
	Sink   Sink
	Logger *slog.Logger
	Tracer trace.Tracer

	// TimeoutMultiplier scales every step timeout. Zero means 1.
	TimeoutMultiplier float64
	ProgressInterval  time.Duration
	// AcquireTimeout bounds the wait for a resource. Zero waits until the
	// session is aborted.
	AcquireTimeout time.Duration
	// Values seeds the session return values.
	Values map[string]string
	// Cleanup runs once after the last step, before the result is built.
	Cleanup step.CleanupFunc
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	Key           string           `json:"key"`
	RunID         int              `json:"run_id"`
	Suite         string           `json:"suite"`
	Device        model.DeviceInfo `json:"device"`
	State         model.RunState   `json:"state"`
	Label         string           `json:"label,omitempty"`
	Step          int              `json:"step"`
	Steps         int              `json:"steps"`
	Progress      float64          `json:"progress"`
	Prompt        string           `json:"prompt,omitempty"`
	Aborted       bool             `json:"aborted"`
	TotalProgress time.Duration    `json:"total_progress"`
	StartedAt     time.Time        `json:"started_at,omitzero"`
	Output        string           `json:"output,omitempty"`
}

// Session runs the steps of one suite against one device. It is started
// once, runs on its own goroutine, and produces a single TestResult.
type Session struct {
	cfg    SessionConfig
	steps  []step.Step
	key    string
	logger *slog.Logger
	tracer trace.Tracer
	values *step.Values
	prompt Prompt

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
	// pubMu orders publishing against the abort flag.
	pubMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	state      model.RunState
	label      string
	index      int
	progress   float64
	transcript strings.Builder
	startedAt  time.Time
	result     model.TestResult
}

// stepFailure describes why a session stopped early.
type stepFailure struct {
	label       string
	err         error
	runtimeCode int
	staticCode  int
	failLabel   string
}

// NewSession creates a session. The step list is copied so the caller's
// registry may be reused.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Locks == nil {
		cfg.Locks = NewMutexRegistry()
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Device == nil {
		cfg.Device = &model.Device{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	key := model.SessionKey(cfg.RunID, cfg.Device.UID)
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		cfg:    cfg,
		steps:  append([]step.Step(nil), cfg.Steps...),
		key:    key,
		logger: logger.With("session", key, "suite", cfg.Suite),
		tracer: tracer,
		values: step.NewValues(cfg.Values),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		index:  -1,
	}
}

// Key returns the routing key of the session.
func (s *Session) Key() string {
	return s.key
}

// RunID returns the run id the session was created with.
func (s *Session) RunID() int {
	return s.cfg.RunID
}

// Device returns the device under test.
func (s *Session) Device() *model.Device {
	return s.cfg.Device
}

// Suite returns the suite name.
func (s *Session) Suite() string {
	return s.cfg.Suite
}

// Start launches the session goroutine. Later calls have no effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Done is closed once the session has produced its result.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join blocks until the session finishes and returns its result.
func (s *Session) Join() model.TestResult {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// RequestAbort asks the session to stop. The running step is cancelled
// through its context, a pending prompt or resource wait is released, and no
// further updates are published. The session still produces a result.
func (s *Session) RequestAbort() {
	s.pubMu.Lock()
	already := s.aborted.Swap(true)
	s.pubMu.Unlock()
	if already {
		return
	}
	s.logger.Info("abort requested")
	s.prompt.Abort()
	s.cancel()
}

// Aborted reports whether RequestAbort has been called.
func (s *Session) Aborted() bool {
	return s.aborted.Load()
}

// Resolve releases the pending operator prompt. It reports false if no
// prompt was pending.
func (s *Session) Resolve() bool {
	return s.prompt.Resolve()
}

// State returns the last state the session entered.
func (s *Session) State() model.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	promptText, _ := s.prompt.Pending()

	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Key:           s.key,
		RunID:         s.cfg.RunID,
		Suite:         s.cfg.Suite,
		Device:        s.cfg.Device.Info(),
		State:         s.state,
		Label:         s.label,
		Step:          s.index,
		Steps:         len(s.steps),
		Progress:      s.progress,
		Prompt:        promptText,
		Aborted:       s.aborted.Load(),
		TotalProgress: step.TotalProgress(s.steps),
		StartedAt:     s.startedAt,
		Output:        s.transcript.String(),
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	start := time.Now()
	s.mu.Lock()
	s.startedAt = start.UTC()
	s.mu.Unlock()

	ctx, span := s.tracer.Start(s.ctx, "session "+s.cfg.Suite,
		trace.WithAttributes(
			attribute.Int("foundry.run_id", s.cfg.RunID),
			attribute.String("foundry.device", s.cfg.Device.UID),
			attribute.String("foundry.suite", s.cfg.Suite),
		))
	defer span.End()

	s.logger.Info("session started", "steps", len(s.steps), "device", s.cfg.Device.UID)

	var (
		failure *stepFailure
		last    string
	)
	for i, st := range s.steps {
		if s.aborted.Load() {
			// Blame the interrupted step, or the first one if none ran.
			if last == "" {
				last = st.ShortLabel()
			}
			failure = &stepFailure{label: last, err: ErrAborted}
			break
		}
		last = st.ShortLabel()
		if failure = s.runStep(ctx, i, st); failure != nil {
			break
		}
	}

	s.cleanup()
	s.finish(span, start, failure)
}

func (s *Session) cleanup() {
	if s.cfg.Cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session cleanup panicked", "panic", r)
		}
	}()
	s.cfg.Cleanup(s.cfg.Device)
}

func (s *Session) runStep(ctx context.Context, index int, st step.Step) (failure *stepFailure) {
	meta := st.Meta
	label := st.Label()
	short := st.ShortLabel()

	s.mu.Lock()
	s.index = index
	s.label = label
	s.progress = 0
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "step "+st.Name,
		trace.WithAttributes(
			attribute.Int("foundry.step.index", index),
			attribute.String("foundry.step.label", short),
		))
	defer span.End()

	logger := s.logger.With("step", st.Name, "index", index)

	defer func() {
		if failure == nil {
			return
		}
		span.RecordError(failure.err)
		span.SetStatus(codes.Error, failure.err.Error())
		logger.Warn("step failed", "error", failure.err, "error_code", failure.runtimeCode)
	}()

	if meta.Mutex != "" {
		span.SetAttributes(attribute.String("foundry.step.resource", meta.Mutex))
		lock := s.cfg.Locks.Lock(meta.Mutex)
		if err := s.acquire(ctx, lock, label); err != nil {
			return &stepFailure{label: short, err: err, staticCode: meta.ErrorCode, failLabel: meta.FailLabel}
		}
		// Deferred so the resource is freed only after the closing snapshot.
		defer lock.Release()
	}

	s.appendTranscript(fmt.Sprintf(transcriptBefore, s.cfg.RunID, short, s.cfg.Device.UID))
	zero := 0.0
	s.emit(model.Update{
		State:      model.StateActive,
		Label:      label,
		StateLabel: runningText,
		Output:     s.transcriptString(),
		Progress:   &zero,
	})
	logger.Debug("step started")

	sc := step.NewContext(s.cfg.Device, logger, s.cfg.RunID, s.cfg.TimeoutMultiplier, s.values)

	var elapsed time.Duration
	err := s.ask(ctx, label, meta.PromptBefore)
	if err == nil {
		elapsed, err = s.execute(ctx, st, sc)
		if err == nil {
			err = s.ask(ctx, label, meta.PromptAfter)
		}
	}

	s.appendTranscript(sc.Output())
	s.appendTranscript(fmt.Sprintf(transcriptAfter, s.cfg.RunID, short, s.cfg.Device.UID, elapsed.Seconds()))
	s.emit(model.Update{
		State:  model.StatePassive,
		Label:  label,
		Output: s.transcriptString(),
		Values: s.values.Snapshot(),
	})
	logger.Debug("step finished", "elapsed", elapsed)

	if err != nil {
		code := sc.ErrorCode()
		if code == 0 {
			code, _ = step.CodeOf(err)
		}
		return &stepFailure{
			label:       short,
			err:         err,
			runtimeCode: code,
			staticCode:  meta.ErrorCode,
			failLabel:   meta.FailLabel,
		}
	}
	return nil
}

// acquire takes lock for the session, publishing a paused snapshot if the
// resource is held elsewhere.
func (s *Session) acquire(ctx context.Context, lock *ResourceLock, label string) error {
	if lock.TryAcquire(s.key) {
		return nil
	}

	s.emit(model.Update{
		State:      model.StatePaused,
		Label:      label,
		StateLabel: fmt.Sprintf(pausedText, lock.Name()),
		Output:     s.transcriptString(),
	})
	s.logger.Info("waiting for resource", "resource", lock.Name(), "holder", lock.Holder())

	waitCtx := ctx
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	err := lock.Acquire(waitCtx, s.key)
	resourceWaitDuration.WithLabelValues(lock.Name()).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if s.aborted.Load() {
		return ErrAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w %q after %s", ErrResourceTimeout, lock.Name(), s.cfg.AcquireTimeout)
	}
	return err
}

// ask shows an operator prompt and waits for it to be resolved.
func (s *Session) ask(ctx context.Context, label, text string) error {
	if text == "" {
		return nil
	}

	start := time.Now()
	err := s.prompt.Wait(ctx, text, func(text string) {
		s.emit(model.Update{
			State:  model.StatePrompt,
			Label:  label,
			Prompt: text,
			Output: s.transcriptString(),
		})
	})
	promptWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if s.aborted.Load() {
			return ErrAborted
		}
		return fmt.Errorf("prompt: %w", err)
	}

	s.emit(model.Update{
		State:      model.StateActive,
		Label:      label,
		StateLabel: runningText,
		Output:     s.transcriptString(),
	})
	return nil
}

// execute runs the step body under its scaled timeout with a progress
// tracker attached.
func (s *Session) execute(ctx context.Context, st step.Step, sc *step.Context) (time.Duration, error) {
	meta := st.Meta
	timeout := sc.Scale(meta.Timeout)

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var tracker *Progress
	if meta.Progress > 0 {
		tracker = StartProgress(meta.Progress, timeout, s.cfg.ProgressInterval, s.onProgress)
	}

	start := time.Now()
	err := runBody(stepCtx, st.Run, sc)
	elapsed := time.Since(start)

	if tracker != nil {
		tracker.Stop()
	}
	stepDuration.WithLabelValues(s.cfg.Suite, st.Name).Observe(elapsed.Seconds())

	if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		if err == nil {
			err = context.DeadlineExceeded
		}
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return elapsed, err
}

func runBody(ctx context.Context, fn step.Func, sc *step.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx, sc)
}

func (s *Session) onProgress(t ProgressTick) {
	s.mu.Lock()
	s.progress = t.Fraction
	s.mu.Unlock()

	u := model.Update{Progress: &t.Fraction}
	if t.Overdue {
		u.StateLabel = overdueText
	}
	s.emit(u)
}

func (s *Session) finish(span trace.Span, start time.Time, f *stepFailure) {
	res := model.TestResult{StartedAt: start.UTC()}

	var (
		state      model.RunState
		stateLabel string
	)
	if f == nil {
		state = model.StatePass
		stateLabel = model.PassedText
		res.Success = true
		res.ResultText = model.PassedText
	} else {
		state = model.StateFail
		res.ResultText = f.label + model.FailedSuffix
		res.FailedStep = f.label
		res.Err = f.err.Error()
		switch {
		case f.runtimeCode != 0:
			res.ErrorCode = f.runtimeCode
			stateLabel = fmt.Sprintf(failCodedText, f.runtimeCode)
		case f.failLabel != "":
			res.ErrorCode = f.staticCode
			stateLabel = f.failLabel
		default:
			res.ErrorCode = f.staticCode
			stateLabel = model.GenericFailure
		}
	}
	if s.aborted.Load() {
		res.Aborted = true
		res.ResultText += model.AbortedSuffix
	}

	s.appendTranscript(res.ResultText)
	res.Transcript = s.transcriptString()
	res.Values = s.values.Snapshot()
	res.Elapsed = time.Since(start)
	res.FinishedAt = time.Now().UTC()

	s.mu.Lock()
	s.result = res
	s.mu.Unlock()

	final := model.Update{
		State:      state,
		StateLabel: stateLabel,
		Output:     res.Transcript,
		ErrorCode:  res.ErrorCode,
		Values:     res.Values,
		Elapsed:    res.Elapsed,
	}
	if res.Success {
		one := 1.0
		final.Progress = &one
	}
	s.emit(final)

	span.SetAttributes(
		attribute.Bool("foundry.success", res.Success),
		attribute.Bool("foundry.aborted", res.Aborted),
		attribute.Int("foundry.error_code", res.ErrorCode),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.ResultText)
	}

	s.logger.Info("session finished",
		"success", res.Success,
		"aborted", res.Aborted,
		"error_code", res.ErrorCode,
		"elapsed", res.Elapsed,
	)
}

// emit records the state carried by u and publishes it. Nothing is
// published once the session has been aborted.
func (s *Session) emit(u model.Update) {
	if u.State != model.StateIdle {
		s.setState(u.State)
	}
	if s.cfg.Sink == nil {
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.aborted.Load() {
		return
	}
	u.RunID = s.cfg.RunID
	u.DeviceUID = s.cfg.Device.UID
	u.Suite = s.cfg.Suite
	u.Time = time.Now().UTC()
	s.cfg.Sink.Publish(u)
}

func (s *Session) setState(to model.RunState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to && !model.ValidTransition(from, to) {
		s.logger.Warn("unexpected state transition", "from", from, "to", to)
	}
}

func (s *Session) appendTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.WriteString(text)
}

func (s *Session) transcriptString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}
