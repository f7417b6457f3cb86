package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// DefaultKillGrace is how long a cancelled backend gets between SIGTERM and
// SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Process is one backend command to run.
type Process struct {
	Command string
	Dir     string

	// Env is the complete environment. Nothing from the host leaks in unless
	// the caller put it here.
	Env []string
}

// ProcessResult is what a finished (or killed) process left behind.
type ProcessResult struct {
	// Log holds stdout and stderr interleaved in arrival order.
	Log      []byte
	ExitCode int
	Duration time.Duration
}

// Executor runs backend commands through sh -c in their own process group.
type Executor struct {
	// KillGrace is the SIGTERM to SIGKILL delay on cancellation.
	KillGrace time.Duration
}

// NewExecutor creates an Executor with the default kill grace period.
func NewExecutor() *Executor {
	return &Executor{KillGrace: DefaultKillGrace}
}

// ErrKilled is returned (wrapped together with the context error) when a
// process was stopped because its context ended.
var ErrKilled = errors.New("process killed")

// Execute runs p to completion. A non-zero exit is not an error; it is
// reported through ProcessResult.ExitCode.
//
// When ctx ends first, the whole process group receives SIGTERM, then SIGKILL
// after KillGrace. The partial result is returned along with an error that
// wraps both ErrKilled and ctx.Err().
func (e *Executor) Execute(ctx context.Context, p Process) (*ProcessResult, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command("sh", "-c", p.Command)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// A grandchild that escaped the group must not hold Wait open forever.
	cmd.WaitDelay = e.grace()

	var log lockedBuffer
	cmd.Stdout = &log
	cmd.Stderr = &log

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		e.terminate(cmd.Process.Pid, done)
		return &ProcessResult{Log: log.Bytes(), ExitCode: -1, Duration: time.Since(start)},
			fmt.Errorf("%w: %w", ErrKilled, ctx.Err())
	}

	res := &ProcessResult{Log: log.Bytes(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// terminate signals the process group and waits for the leader to exit.
func (e *Executor) terminate(pid int, done <-chan error) {
	grace := e.grace()
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
}

func (e *Executor) grace() time.Duration {
	if e.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return e.KillGrace
}

// BuildEnv assembles an allowlisted environment: the named host variables
// that are set, then the explicit values, which win on conflict. The result is
// sorted by name.
func BuildEnv(explicit map[string]string, pass []string) []string {
	merged := make(map[string]string, len(explicit)+len(pass))
	for _, name := range pass {
		if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}
	for k, v := range explicit {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// lockedBuffer lets stdout and stderr share one buffer. exec serializes writes
// when both point at the same writer, but Bytes may race with a killed
// process's last writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
