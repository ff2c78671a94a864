package engine

import (
	"sync"
	"time"
)

// DefaultProgressInterval is the tick interval of step progress trackers.
const DefaultProgressInterval = time.Second

// maxFraction keeps the tracker from reporting completion before the step
// has actually finished.
const maxFraction = 0.99

// ProgressTick is one progress report for the running step.
type ProgressTick struct {
	Fraction float64
	Elapsed  time.Duration
	// Overdue is set once the elapsed time passes the step timeout.
	Overdue bool
}

// Progress estimates the completion of one step from elapsed time and the
// step's estimated duration. The estimate is display data only.
type Progress struct {
	estimate time.Duration
	timeout  time.Duration
	start    time.Time
	emit     func(ProgressTick)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	last float64
}

// StartProgress starts a tracker that calls emit every interval until Stop.
func StartProgress(estimate, timeout, interval time.Duration, emit func(ProgressTick)) *Progress {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	p := &Progress{
		estimate: estimate,
		timeout:  timeout,
		start:    time.Now(),
		emit:     emit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.loop(interval)
	return p
}

func (p *Progress) loop(interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		// Stop wins over a tick that raced with it.
		select {
		case <-p.stop:
			return
		default:
		}
		p.emit(p.tick())
	}
}

func (p *Progress) tick() ProgressTick {
	elapsed := time.Since(p.start)
	f := progressFraction(elapsed, p.estimate)
	if f < p.last {
		f = p.last
	}
	p.last = f
	return ProgressTick{
		Fraction: f,
		Elapsed:  elapsed,
		Overdue:  p.timeout > 0 && elapsed > p.timeout,
	}
}

// Stop ends the tracker. No tick is emitted once Stop returns. It is safe
// to call more than once.
func (p *Progress) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Elapsed returns the time since the tracker started.
func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.start)
}

func progressFraction(elapsed, estimate time.Duration) float64 {
	if estimate <= 0 || elapsed <= 0 {
		return 0
	}
	f := float64(elapsed) / float64(estimate)
	if f > maxFraction {
		return maxFraction
	}
	return f
}
