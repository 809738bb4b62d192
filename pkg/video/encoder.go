package video

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var (
	//ErrEncoderNotStarted is returned by Write when there is no encoder process
	ErrEncoderNotStarted = errors.New("encoder not started")
	//ErrEncoderWrite wraps every failure to hand a frame to the encoder process
	ErrEncoderWrite = errors.New("encoder write failed")
)

//Process is a running encoder subprocess
type Process interface {
	Stdin() io.WriteCloser
	Pid() int
	Kill() error
	Wait() error
}

//Launcher starts a new encoder subprocess
type Launcher interface {
	Launch() (Process, error)
}

//EncoderStats is a snapshot of the encoder's counters
type EncoderStats struct {
	Running       bool   `json:"running"`
	Pid           int    `json:"pid"`
	Launches      uint64 `json:"launches"`
	FramesWritten uint64 `json:"frames_written"`
	WriteFailures uint64 `json:"write_failures"`
}

//Encoder owns the single encoder subprocess and the pipe to its standard input.
//The process is started lazily by EnsureStarted and released by Close.
type Encoder struct {
	launcher Launcher
	//relaunch makes a failed write invalidate the process so the next EnsureStarted starts a new one.
	//Without it a dead process is kept and every later write fails.
	relaunch bool

	mu    sync.Mutex
	proc  Process
	stdin *bufio.Writer

	pid           atomic.Int64
	launches      atomic.Uint64
	framesWritten atomic.Uint64
	writeFailures atomic.Uint64
}

//NewEncoder returns an encoder that has not started its process yet
func NewEncoder(launcher Launcher, relaunchOnFailure bool) *Encoder {
	return &Encoder{launcher: launcher, relaunch: relaunchOnFailure}
}

//EnsureStarted launches the process unless one is already held
func (e *Encoder) EnsureStarted() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil {
		return nil
	}

	proc, err := e.launcher.Launch()
	if err != nil {
		return fmt.Errorf("EnsureStarted: %w", err)
	}

	e.proc = proc
	e.stdin = bufio.NewWriter(proc.Stdin())
	e.pid.Store(int64(proc.Pid()))
	e.launches.Add(1)
	return nil
}

//Write hands one raw frame to the encoder and flushes it through the pipe
func (e *Encoder) Write(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil {
		e.writeFailures.Add(1)
		return fmt.Errorf("%w: %w", ErrEncoderWrite, ErrEncoderNotStarted)
	}

	_, err := e.stdin.Write(frame)
	if err == nil {
		err = e.stdin.Flush()
	}
	if err != nil {
		e.writeFailures.Add(1)
		if e.relaunch {
			e.invalidate()
		}
		return fmt.Errorf("%w: %w", ErrEncoderWrite, err)
	}

	e.framesWritten.Add(1)
	return nil
}

//invalidate drops a broken process: close its pipe, kill and reap it. Called with e.mu held.
func (e *Encoder) invalidate() {
	pid := e.proc.Pid()
	if err := e.proc.Stdin().Close(); err != nil {
		slog.Debug("closing stdin of broken encoder", "pid", pid, "error", err)
	}
	if err := e.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Error("could not kill broken encoder process", "pid", pid, "error", err)
	}
	err := e.proc.Wait()
	e.proc, e.stdin = nil, nil
	e.pid.Store(0)

	slog.Warn("encoder process invalidated, it will be relaunched on the next frame", "pid", pid, "exit", err)
}

//Close closes the pipe and waits for the process to drain and exit.
//It is safe to call more than once and when no process was ever started.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil {
		return nil
	}

	proc := e.proc
	e.proc, e.stdin = nil, nil
	e.pid.Store(0)

	var errs []error
	if err := proc.Stdin().Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing encoder stdin: %w", err))
	}
	if err := proc.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("waiting for encoder: %w", err))
	}

	slog.Info("encoder process stopped", "pid", proc.Pid())
	return errors.Join(errs...)
}

//Stats returns the encoder's counters. It does not wait for an in-flight write.
func (e *Encoder) Stats() EncoderStats {
	pid := e.pid.Load()
	return EncoderStats{
		Running:       pid != 0,
		Pid:           int(pid),
		Launches:      e.launches.Load(),
		FramesWritten: e.framesWritten.Load(),
		WriteFailures: e.writeFailures.Load(),
	}
}
