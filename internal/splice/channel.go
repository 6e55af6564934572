//go:build linux

// Package splice implements the unidirectional byte pump between two TCP
// sockets. Bytes move through a kernel pipe via splice(2), so they are never
// copied into user space.
//
// Each Channel runs as one goroutine driving a small state machine:
//
//	created -> waiting-input -> splicing-input -> waiting-output ->
//	splicing-output -> waiting-input -> ... -> finished
//
// The pipe is the only buffer. While it holds bytes the input side is not
// re-awaited, which propagates backpressure to the TCP peer. The idle timer
// covers only the input wait; a slow-to-accept output peer never trips it.
package splice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sharpeye/fastproxy/internal/helpers"
)

// ErrIdleTimeout reports that no bytes arrived on the input side within the
// configured idle timeout.
var ErrIdleTimeout = errors.New("idle timeout")

// spliceMaxBytes is the per-call splice request size. The kernel moves at
// most the pipe capacity per call regardless.
const spliceMaxBytes = 1 << 20

const spliceFlags = unix.SPLICE_F_MOVE | unix.SPLICE_F_NONBLOCK

// State is the channel's position in its pump state machine.
type State int32

const (
	StateCreated State = iota
	StateWaitingInput
	StateWaitingOutput
	StateSplicingInput
	StateSplicingOutput
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaitingInput:
		return "waiting_input"
	case StateWaitingOutput:
		return "waiting_output"
	case StateSplicingInput:
		return "splicing_input"
	case StateSplicingOutput:
		return "splicing_output"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Conn is the socket surface the pump needs: deadline control for the idle
// timer and cancellation, and raw fd access for splice. *net.TCPConn
// implements it.
type Conn interface {
	net.Conn
	SyscallConn() (syscall.RawConn, error)
}

// Channel pumps bytes from input to output until EOF, error, or idle
// timeout. It does not own the sockets; it owns only its pipe.
type Channel struct {
	input       Conn
	output      Conn
	idleTimeout time.Duration
	done        func(error)
	log         *slog.Logger

	// OnFirstInput, when set before Start, fires once when the first
	// bytes arrive on the input side. The request channel uses it to
	// report client head latency.
	OnFirstInput func()

	rawIn  syscall.RawConn
	rawOut syscall.RawConn

	pipeR    int
	pipeW    int
	pipeSize int // bytes resident in the pipe; input-goroutine only

	state      atomic.Int32
	splices    atomic.Int64
	bytes      atomic.Int64
	firstInput atomic.Bool

	finishOnce sync.Once
}

// New creates a channel. done is invoked exactly once when the pump stops;
// a nil error means clean EOF on input.
func New(input, output Conn, idleTimeout time.Duration, done func(error), logger *slog.Logger) (*Channel, error) {
	rawIn, err := input.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("input raw conn: %w", err)
	}
	rawOut, err := output.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("output raw conn: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	c := &Channel{
		input:       input,
		output:      output,
		idleTimeout: idleTimeout,
		done:        done,
		log:         logger,
		rawIn:       rawIn,
		rawOut:      rawOut,
		pipeR:       p[0],
		pipeW:       p[1],
	}
	c.state.Store(int32(StateCreated))
	return c, nil
}

// Start launches the pump goroutine. Cancelling ctx poisons the socket
// deadlines so any in-flight wait returns promptly.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
}

// State returns the current pump state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Splices returns the number of completed splice calls.
func (c *Channel) Splices() int64 {
	return c.splices.Load()
}

// Bytes returns the number of bytes moved input-to-output.
func (c *Channel) Bytes() int64 {
	return c.bytes.Load()
}

// SawInput reports whether any input bytes were ever observed.
func (c *Channel) SawInput() bool {
	return c.firstInput.Load()
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Channel) run(ctx context.Context) {
	poison := context.AfterFunc(ctx, func() {
		past := time.Unix(0, 0)
		_ = c.input.SetReadDeadline(past)
		_ = c.output.SetWriteDeadline(past)
	})
	defer poison()

	for {
		if err := ctx.Err(); err != nil {
			c.finish(err)
			return
		}

		moved, eof, err := c.spliceIn()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.finish(ctx.Err())
			case errors.Is(err, os.ErrDeadlineExceeded):
				c.finish(ErrIdleTimeout)
			default:
				c.finish(err)
			}
			return
		}

		if moved > 0 && c.firstInput.CompareAndSwap(false, true) {
			if c.OnFirstInput != nil {
				c.OnFirstInput()
			}
		}

		for c.pipeSize > 0 {
			if err := c.spliceOut(); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				c.finish(err)
				return
			}
		}

		if eof {
			c.finish(nil)
			return
		}
	}
}

// spliceIn waits for input readability and moves as many bytes as the
// kernel yields into the pipe. A zero-byte result is clean EOF. EAGAIN
// means the socket was not actually ready; the wait resumes with the idle
// deadline still armed.
func (c *Channel) spliceIn() (moved int, eof bool, err error) {
	c.setState(StateWaitingInput)
	if c.idleTimeout > 0 {
		if err := c.input.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, false, fmt.Errorf("arm idle timer: %w", err)
		}
	}

	var n int64
	var serr error
	waitErr := c.rawIn.Read(func(fd uintptr) bool {
		c.setState(StateSplicingInput)
		n, serr = unix.Splice(int(fd), nil, c.pipeW, nil, spliceMaxBytes, spliceFlags)
		if serr == unix.EINTR {
			serr = nil
			return false
		}
		if serr == unix.EAGAIN {
			serr = nil
			c.setState(StateWaitingInput)
			return false
		}
		return true
	})
	if waitErr != nil {
		return 0, false, waitErr
	}
	if serr != nil {
		return 0, false, fmt.Errorf("splice from input: %w", serr)
	}
	if n == 0 {
		return 0, true, nil
	}

	moved = helpers.ClampInt64ToInt(n)
	c.pipeSize += moved
	c.splices.Add(1)
	c.bytes.Add(n)
	return moved, false, nil
}

// spliceOut waits for output writability and moves up to pipeSize bytes
// from the pipe into the output socket. Partial progress is normal.
func (c *Channel) spliceOut() error {
	c.setState(StateWaitingOutput)

	var n int64
	var serr error
	waitErr := c.rawOut.Write(func(fd uintptr) bool {
		c.setState(StateSplicingOutput)
		n, serr = unix.Splice(c.pipeR, nil, int(fd), nil, c.pipeSize, spliceFlags)
		if serr == unix.EINTR {
			serr = nil
			return false
		}
		if serr == unix.EAGAIN {
			serr = nil
			c.setState(StateWaitingOutput)
			return false
		}
		return true
	})
	if waitErr != nil {
		return waitErr
	}
	if serr != nil {
		return fmt.Errorf("splice to output: %w", serr)
	}
	if n == 0 {
		// The pipe held bytes, so a zero read means the pipe itself
		// broke; surface it rather than spin.
		return io.ErrUnexpectedEOF
	}

	c.pipeSize -= helpers.ClampInt64ToInt(n)
	if c.pipeSize < 0 {
		panic("splice: negative pipe size")
	}
	c.splices.Add(1)
	return nil
}

// finish closes the pipe exactly once and reports the outcome to the
// parent. Safe to call from any path; only the first call has effect.
func (c *Channel) finish(err error) {
	c.finishOnce.Do(func() {
		c.setState(StateFinished)
		_ = unix.Close(c.pipeR)
		_ = unix.Close(c.pipeW)
		if c.log != nil {
			c.log.Debug("channel finished",
				"splices", c.splices.Load(),
				"bytes", c.bytes.Load(),
				"error", errString(err))
		}
		if c.done != nil {
			c.done(err)
		}
	})
}

// Abort tears the channel down without running the pump, releasing the pipe
// and reporting err. Used when the session fails before relaying starts.
func (c *Channel) Abort(err error) {
	c.finish(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
