package bridge

import (
	"context"
	"io"
	"sync"
)

// PipeLeg is an in-memory Leg. Frames sent on one end are received on the other.
type PipeLeg struct {
	in  <-chan Frame
	out chan<- Frame
	st  *pipeState
}

type pipeState struct {
	once   sync.Once
	done   chan struct{}
	err    error
	reason string
}

func (st *pipeState) close(err error, reason string) {
	st.once.Do(func() {
		st.err = err
		st.reason = reason
		close(st.done)
	})
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeLeg, *PipeLeg) {
	ab := make(chan Frame, 64)
	ba := make(chan Frame, 64)
	st := &pipeState{done: make(chan struct{})}
	return &PipeLeg{in: ba, out: ab, st: st}, &PipeLeg{in: ab, out: ba, st: st}
}

func (p *PipeLeg) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.st.done:
		return Frame{}, p.st.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *PipeLeg) Send(ctx context.Context, f Frame) error {
	select {
	case <-p.st.done:
		return ErrLegClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.st.done:
		return ErrLegClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeLeg) Close(reason string) error {
	p.st.close(io.EOF, reason)
	return nil
}

// Fail closes both ends with a transport error.
func (p *PipeLeg) Fail(err error) {
	p.st.close(err, "transport_error")
}

// Done is closed once either end is closed.
func (p *PipeLeg) Done() <-chan struct{} { return p.st.done }

// CloseReason is the reason passed to the first Close.
func (p *PipeLeg) CloseReason() string {
	select {
	case <-p.st.done:
		return p.st.reason
	default:
		return ""
	}
}
