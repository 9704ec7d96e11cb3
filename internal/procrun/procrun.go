// Package procrun executes phase subprocesses under a hard wall-clock
// budget. Both entry points share two guarantees: they never hang past
// the deadline, and they never return an error: launch failures,
// non-zero exits, and timeouts are all reported inside the Result so
// the loop can degrade instead of crashing.
package procrun

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ralphml/internal/display"
	"ralphml/internal/log"
)

// Spec describes one subprocess invocation.
type Spec struct {
	Command   []string
	Dir       string
	Env       []string // extra KEY=VALUE entries overlaid on os.Environ()
	Timeout   time.Duration
	Heartbeat time.Duration
	Phase     string // label for progress lines
	Input     string // piped to stdin once, then stdin is closed
}

// Result is the structured outcome of a subprocess run. ExitCode is -1
// when the process was killed or never started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	TimedOut bool
}

// Runner executes Specs. Out may be nil, in which case progress lines
// are dropped (useful in tests).
type Runner struct {
	Out *display.Printer
}

// New returns a Runner printing progress to the given Printer.
func New(out *display.Printer) *Runner {
	return &Runner{Out: out}
}

// RunWithHeartbeat starts the command with Input piped to stdin and
// waits in bounded slices of min(heartbeat, remaining budget),
// printing a progress line at each slice boundary. The input is
// delivered exactly once, immediately after start. When the budget is
// exhausted the process group is killed and the result carries
// TimedOut with whatever output was captured.
func (r *Runner) RunWithHeartbeat(spec Spec) Result {
	start := time.Now()

	cmd, stdout, stderr, err := r.prepare(spec)
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error(), Elapsed: time.Since(start)}
	}
	if spec.Input != "" {
		stdin, pipeErr := cmd.StdinPipe()
		if pipeErr != nil {
			return Result{ExitCode: -1, Stderr: pipeErr.Error(), Elapsed: time.Since(start)}
		}
		defer stdin.Close()
		if startErr := cmd.Start(); startErr != nil {
			return Result{ExitCode: -1, Stderr: startErr.Error(), Elapsed: time.Since(start)}
		}
		go func() {
			io.WriteString(stdin, spec.Input)
			stdin.Close()
		}()
	} else {
		if startErr := cmd.Start(); startErr != nil {
			return Result{ExitCode: -1, Stderr: startErr.Error(), Elapsed: time.Since(start)}
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	heartbeat := spec.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	for {
		remaining := spec.Timeout - time.Since(start)
		if spec.Timeout > 0 && remaining <= 0 {
			killGroup(cmd)
			<-done
			log.Warn("phase timed out",
				zap.String("phase", spec.Phase),
				zap.Duration("timeout", spec.Timeout))
			return Result{
				ExitCode: -1,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Elapsed:  time.Since(start),
				TimedOut: true,
			}
		}

		slice := heartbeat
		if spec.Timeout > 0 && remaining < slice {
			slice = remaining
		}

		select {
		case waitErr := <-done:
			return Result{
				ExitCode: exitCode(waitErr),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Elapsed:  time.Since(start),
			}
		case <-time.After(slice):
			r.progress("%s still running (%s elapsed)", spec.Phase, time.Since(start).Round(time.Second))
		}
	}
}

// RunTrainingWithLiveLogs starts the command with unbuffered output,
// echoes every stdout/stderr line as it arrives tagged by stream, and
// prints a heartbeat when no line has arrived for the heartbeat
// interval. The process group is killed on timeout; remaining buffered
// output is drained before returning.
func (r *Runner) RunTrainingWithLiveLogs(spec Spec) Result {
	start := time.Now()

	spec.Env = append(spec.Env, "PYTHONUNBUFFERED=1")
	cmd, _, _, err := r.prepare(spec)
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error(), Elapsed: time.Since(start)}
	}
	cmd.Stdout = nil
	cmd.Stderr = nil

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error(), Elapsed: time.Since(start)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error(), Elapsed: time.Since(start)}
	}
	if startErr := cmd.Start(); startErr != nil {
		return Result{ExitCode: -1, Stderr: startErr.Error(), Elapsed: time.Since(start)}
	}

	var (
		mu           sync.Mutex
		stdout       bytes.Buffer
		stderr       bytes.Buffer
		lastActivity = time.Now()
	)
	touch := func() {
		mu.Lock()
		lastActivity = time.Now()
		mu.Unlock()
	}
	idleFor := func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Since(lastActivity)
	}

	var wg sync.WaitGroup
	echo := func(pipe io.Reader, buf *bytes.Buffer, tag string) {
		defer wg.Done()
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			mu.Unlock()
			r.line(tag + " " + line)
			touch()
		}
	}
	wg.Add(2)
	go echo(stdoutPipe, &stdout, "[train]")
	go echo(stderrPipe, &stderr, "[train:err]")

	// Wait must run after both readers have drained the pipes.
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	heartbeat := spec.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	timedOut := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ticker.C:
			if spec.Timeout > 0 && time.Since(start) > spec.Timeout {
				timedOut = true
				killGroup(cmd)
				waitErr = <-done
				log.Warn("training timed out",
					zap.String("phase", spec.Phase),
					zap.Duration("timeout", spec.Timeout))
				break loop
			}
			if idleFor() >= heartbeat {
				r.progress("%s running, no output for %s (%s elapsed)",
					spec.Phase, idleFor().Round(time.Second), time.Since(start).Round(time.Second))
				touch()
			}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	res := Result{
		ExitCode: exitCode(waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Elapsed:  time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut {
		res.ExitCode = -1
	}
	return res
}

// prepare builds the exec.Cmd with capture buffers, merged environment,
// and its own process group so a kill reaches grandchildren too.
func (r *Runner) prepare(spec Spec) (*exec.Cmd, *bytes.Buffer, *bytes.Buffer, error) {
	if len(spec.Command) == 0 {
		return nil, nil, nil, errEmptyCommand
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	return cmd, &stdout, &stderr, nil
}

var errEmptyCommand = errors.New("empty command")

// killGroup force-kills the process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// exitCode maps a Wait error to the exit status: 0 for success, the
// process's code for a normal failure, -1 for signals and launch
// problems.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func (r *Runner) progress(format string, args ...any) {
	if r.Out != nil {
		r.Out.Progress(format, args...)
	}
}

func (r *Runner) line(s string) {
	if r.Out != nil {
		r.Out.Line(s)
	}
}
