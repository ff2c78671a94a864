package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned when a session is aborted by the operator.
var ErrAborted = errors.New("session aborted")

// Prompt is the single-slot rendezvous a session blocks on while an operator
// prompt is shown. At most one token is pending at a time.
type Prompt struct {
	mu      sync.Mutex
	pending *promptToken
	aborted bool
}

type promptToken struct {
	text string
	done chan struct{}
}

// Wait publishes text through show and blocks until Resolve, Abort, or ctx
// ends the wait. It returns ErrAborted if the prompt was released by Abort.
func (p *Prompt) Wait(ctx context.Context, text string, show func(text string)) error {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return ErrAborted
	}
	tok := &promptToken{text: text, done: make(chan struct{})}
	p.pending = tok
	p.mu.Unlock()

	if show != nil {
		show(text)
	}

	select {
	case <-tok.done:
	case <-ctx.Done():
		p.mu.Lock()
		if p.pending == tok {
			p.pending = nil
		}
		aborted := p.aborted
		p.mu.Unlock()
		if aborted {
			return ErrAborted
		}
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return ErrAborted
	}
	return nil
}

// Resolve releases the pending prompt. It reports false if no prompt was
// pending, which makes repeated or late calls no-ops.
func (p *Prompt) Resolve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil || p.aborted {
		return false
	}
	close(p.pending.done)
	p.pending = nil
	return true
}

// Abort releases any pending prompt and makes future waits fail immediately.
func (p *Prompt) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.aborted = true
	if p.pending != nil {
		close(p.pending.done)
		p.pending = nil
	}
}

// Pending returns the text of the pending prompt, if any.
func (p *Prompt) Pending() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return "", false
	}
	return p.pending.text, true
}
