package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
	"github.com/seantiz/foundry/internal/suite"
)

var (
	// ErrSessionNotFound is returned when no live session matches a run id
	// and device.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoPendingPrompt is returned by Resolve when the session is not
	// waiting on an operator prompt.
	ErrNoPendingPrompt = errors.New("no pending prompt")

	// ErrDeviceBusy is returned when a device already has a live session.
	ErrDeviceBusy = errors.New("device busy")
)

// Options tune the sessions an Engine starts.
type Options struct {
	TimeoutMultiplier float64
	ProgressInterval  time.Duration
	AcquireTimeout    time.Duration
	// MaxSessions bounds the number of sessions running at once. Zero means
	// unbounded. Queued sessions stay idle until a slot frees up.
	MaxSessions int
	// Values seeds the return values of every session.
	Values map[string]string
	// FirstRunID is the id after which run ids are issued, typically the
	// highest id already persisted.
	FirstRunID int
	Tracer     trace.Tracer
}

// Engine orchestrates sessions across devices. It owns the resources shared
// between sessions and persists every finished session.
type Engine struct {
	store  store.Store
	suites *suite.Registry
	locks  *MutexRegistry
	broker *Broker
	logger *slog.Logger
	tracer trace.Tracer
	opts   Options
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu       sync.Mutex
	runSeq   int
	sessions map[string]*Session
	busy     map[string]string
}

// NewEngine creates a new session engine.
func NewEngine(s store.Store, suites *suite.Registry, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		store:    s,
		suites:   suites,
		locks:    NewMutexRegistry(),
		broker:   NewBroker(),
		logger:   logger,
		tracer:   opts.Tracer,
		opts:     opts,
		sessions: make(map[string]*Session),
		busy:     make(map[string]string),
		runSeq:   opts.FirstRunID,
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if opts.MaxSessions > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.MaxSessions))
	}
	return e
}

// Broker returns the engine's update broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Locks returns the resource registry shared by all sessions.
func (e *Engine) Locks() *MutexRegistry {
	return e.locks
}

// NextRunID reserves a run id. Sessions started together may share one.
func (e *Engine) NextRunID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runSeq++
	return e.runSeq
}

// Start launches a session running suiteName against dev under a fresh run
// id. It returns once the session is registered; execution is asynchronous.
func (e *Engine) Start(suiteName string, dev *model.Device) (*Session, error) {
	return e.StartRun(e.NextRunID(), suiteName, dev)
}

// StartRun is Start with a caller-supplied run id.
func (e *Engine) StartRun(runID int, suiteName string, dev *model.Device) (*Session, error) {
	reg, err := e.suites.Resolve(suiteName)
	if err != nil {
		return nil, fmt.Errorf("resolve suite: %w", err)
	}

	e.mu.Lock()
	if key, ok := e.busy[dev.UID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is running session %s", ErrDeviceBusy, dev.UID, key)
	}
	s := NewSession(SessionConfig{
		RunID:             runID,
		Suite:             reg.Name(),
		Steps:             reg.Steps(),
		Device:            dev,
		Locks:             e.locks,
		Sink:              e.broker,
		Logger:            e.logger,
		Tracer:            e.tracer,
		TimeoutMultiplier: e.opts.TimeoutMultiplier,
		ProgressInterval:  e.opts.ProgressInterval,
		AcquireTimeout:    e.opts.AcquireTimeout,
		Values:            e.opts.Values,
		Cleanup:           reg.Cleanup(),
	})
	e.sessions[s.Key()] = s
	e.busy[dev.UID] = s.Key()
	e.mu.Unlock()

	e.wg.Go(func() {
		e.execute(s)
	})

	return s, nil
}

// Wait blocks until all in-flight sessions complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs a session to completion and records its result.
func (e *Engine) execute(s *Session) {
	// Close the update stream when the session finishes, regardless of outcome.
	defer e.broker.Close(s.Key())
	defer e.forget(s)

	if e.sem != nil {
		// An abort while queued cancels the wait; the session then finishes
		// immediately as aborted.
		if err := e.sem.Acquire(s.ctx, 1); err == nil {
			defer e.sem.Release(1)
		}
	}

	activeSessions.Inc()
	s.Start()
	res := s.Join()
	activeSessions.Dec()

	sessionsTotal.WithLabelValues(s.Suite(), resultLabel(res.Aborted, res.Success)).Inc()
	sessionDuration.WithLabelValues(s.Suite()).Observe(res.Elapsed.Seconds())

	run := model.NewRun(s.RunID(), s.Suite(), s.Device().Info(), res)
	if err := e.store.InsertRun(context.Background(), run); err != nil {
		e.logger.Error("failed to persist run", "session", s.Key(), "error", err)
	}
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s.Key())
	if e.busy[s.Device().UID] == s.Key() {
		delete(e.busy, s.Device().UID)
	}
}

// Session returns the live session for a run id and device.
func (e *Engine) Session(runID int, deviceUID string) (*Session, error) {
	key := model.SessionKey(runID, deviceUID)

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s, nil
}

// Sessions describes every live session, ordered by run id and device slot.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	live := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	infos := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].RunID != infos[j].RunID {
			return infos[i].RunID < infos[j].RunID
		}
		if infos[i].Device.Slot != infos[j].Device.Slot {
			return infos[i].Device.Slot < infos[j].Device.Slot
		}
		return infos[i].Device.UID < infos[j].Device.UID
	})
	return infos
}

// Resolve releases the pending prompt of a session.
func (e *Engine) Resolve(runID int, deviceUID string) error {
	s, err := e.Session(runID, deviceUID)
	if err != nil {
		return err
	}
	if !s.Resolve() {
		return fmt.Errorf("%w: %s", ErrNoPendingPrompt, s.Key())
	}
	e.logger.Info("prompt resolved", "session", s.Key())
	return nil
}

// Abort requests cooperative cancellation of a session.
func (e *Engine) Abort(runID int, deviceUID string) error {
	s, err := e.Session(runID, deviceUID)
	if err != nil {
		return err
	}
	s.RequestAbort()
	return nil
}

// AbortAll requests cancellation of every live session.
func (e *Engine) AbortAll() {
	e.mu.Lock()
	live := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		s.RequestAbort()
	}
}
