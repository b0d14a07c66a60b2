// Package poll drives asynchronous media processing: a small state machine
// for multi-step uploads and a bounded status poller.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspost/internal/crosspost"
)

type State string

const (
	Created    State = "created"
	Uploading  State = "uploading"
	Processing State = "processing"
	Ready      State = "ready"
	Failed     State = "failed"
)

func (s State) Terminal() bool { return s == Ready || s == Failed }

var transitions = map[State][]State{
	Created:    {Uploading, Processing, Ready, Failed},
	Uploading:  {Uploading, Processing, Ready, Failed},
	Processing: {Processing, Ready, Failed},
}

var ErrTransition = errors.New("invalid state transition")

// Machine tracks one upload's state and rejects illegal transitions.
type Machine struct {
	state   State
	history []State
}

func NewMachine() *Machine { return &Machine{state: Created, history: []State{Created}} }

func (m *Machine) State() State     { return m.state }
func (m *Machine) History() []State { return append([]State(nil), m.history...) }

func (m *Machine) To(next State) error {
	for _, ok := range transitions[m.state] {
		if ok == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransition, m.state, next)
}

// Step performs the work belonging to the current state and returns the
// next state.
type Step func(ctx context.Context) (State, error)

// Drive runs steps until the machine reaches Ready or Failed. A step error
// moves the machine to Failed and is returned.
func (m *Machine) Drive(ctx context.Context, steps map[State]Step) error {
	for !m.state.Terminal() {
		if err := ctx.Err(); err != nil {
			_ = m.To(Failed)
			return err
		}
		step, ok := steps[m.state]
		if !ok {
			_ = m.To(Failed)
			return fmt.Errorf("no step for state %s", m.state)
		}
		next, err := step(ctx)
		if err != nil {
			_ = m.To(Failed)
			return err
		}
		if err := m.To(next); err != nil {
			_ = m.To(Failed)
			return err
		}
	}
	if m.state == Failed {
		return errors.New("upload failed")
	}
	return nil
}

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 30
)

// Status is one observation of remote processing.
type Status struct {
	State State
	// Handle is the usable media reference once Ready.
	Handle string
	Detail string
}

// Check queries the remote status once.
type Check func(ctx context.Context) (Status, error)

// Poller calls Check at a fixed interval up to MaxAttempts times.
type Poller struct {
	Channel     crosspost.Channel
	Interval    time.Duration
	MaxAttempts int
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Poller) withDefaults() Poller {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// Wait polls until a terminal status. Failed maps to a media constraint
// error, exhausting the attempts to a processing timeout. Errors returned
// by check are terminal.
func (p Poller) Wait(ctx context.Context, check Check) (Status, error) {
	p = p.withDefaults()
	var last Status
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		st, err := check(ctx)
		if err != nil {
			return st, err
		}
		last = st
		switch st.State {
		case Ready:
			return st, nil
		case Failed:
			return st, crosspost.MediaConstraint(p.Channel, "processing", fmt.Errorf("remote processing failed: %s", st.Detail))
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.Interval); err != nil {
			return last, crosspost.ProcessingTimeout(p.Channel, "processing", err)
		}
	}
	return last, crosspost.ProcessingTimeout(p.Channel, "processing", fmt.Errorf("not ready after %d attempts", p.MaxAttempts))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
