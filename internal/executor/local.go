package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/gateerr"
)

// Local defaults.
const (
	DefaultMaxConcurrency = 10
	DefaultQueueTimeout   = 5 * time.Second
	killGrace             = 5 * time.Second
	maxLineBytes          = 1 << 20
)

// LocalConfig configures a Local executor. Zero values select defaults.
type LocalConfig struct {
	MaxConcurrency int
	QueueTimeout   time.Duration
	Workdir        string
}

// Local runs commands as child processes of the gateway. Each command runs
// in its own process group so a timeout can kill everything it spawned.
// Concurrent executions are bounded by a fixed number of slots.
type Local struct {
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	workdir      string
	grace        time.Duration
}

// NewLocal creates a Local executor.
func NewLocal(cfg LocalConfig) *Local {
	n := cfg.MaxConcurrency
	if n <= 0 {
		n = DefaultMaxConcurrency
	}
	qt := cfg.QueueTimeout
	if qt <= 0 {
		qt = DefaultQueueTimeout
	}
	return &Local{
		sem:          semaphore.NewWeighted(int64(n)),
		queueTimeout: qt,
		workdir:      cfg.Workdir,
		grace:        killGrace,
	}
}

// Execute runs req and collects its output.
func (l *Local) Execute(ctx context.Context, req Request) (*Result, error) {
	argv, release, err := l.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	var stdout, stderr syncBuffer
	start := time.Now()
	out := l.run(ctx, argv, req, newCanceler(), func(stream string, r io.Reader) error {
		w := &stdout
		if stream == StreamStderr {
			w = &stderr
		}
		_, err := io.Copy(w, r)
		return err
	})

	res := &Result{
		ID:       req.ID,
		ExitCode: out.exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	switch {
	case out.timedOut:
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("command timed out after %s", req.timeout())
	case out.canceled:
		res.Status = StatusError
		res.Error = "execution canceled"
	case out.notFound:
		res.Status = StatusError
		res.Error = "executable not found: " + argv[0]
	case out.err != nil:
		res.Status = StatusError
		res.Error = out.err.Error()
	default:
		res.Status = StatusCompleted
	}
	clog.Debug("executor: %s finished status=%s exit=%d in %s", req.ID, res.Status, res.ExitCode, res.Duration)
	return res, nil
}

// Stream runs req and delivers each output line to onLine as it arrives.
// register, when non-nil, receives a cancel function before the process
// starts.
func (l *Local) Stream(ctx context.Context, req Request, onLine LineFunc, register CancelRegistrar) (int, error) {
	argv, release, err := l.prepare(ctx, req)
	if err != nil {
		return -1, err
	}
	defer release()

	c := newCanceler()
	if register != nil {
		register(c.cancel)
	}

	var mu sync.Mutex
	out := l.run(ctx, argv, req, c, func(stream string, r io.Reader) error {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			mu.Lock()
			onLine(stream, sc.Text())
			mu.Unlock()
		}
		if err := sc.Err(); err != nil {
			// Keep the pipe drained so the child never blocks on a full buffer.
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("read %s: %w", stream, err)
		}
		return nil
	})

	switch {
	case out.timedOut:
		return -1, gateerr.New(gateerr.ExecutionTimeout, "command timed out after %s", req.timeout())
	case out.canceled:
		return -1, gateerr.Wrap(gateerr.ExecutionFailed, context.Canceled, "execution canceled")
	case out.notFound:
		return ExitNotFound, gateerr.New(gateerr.ExecutionFailed, "executable not found: %s", argv[0])
	case out.err != nil:
		return out.exitCode, gateerr.Wrap(gateerr.ExecutionFailed, out.err, "run command")
	}
	return out.exitCode, nil
}

// prepare parses the command line and takes an execution slot.
func (l *Local) prepare(ctx context.Context, req Request) ([]string, func(), error) {
	argv, err := ParseArgs(req.Command)
	if err != nil {
		return nil, nil, gateerr.Wrap(gateerr.ExecutionFailed, err, "parse command line")
	}
	release, err := l.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	clog.Debug("executor: %s argv %s", req.ID, shellescape.QuoteCommand(argv))
	return argv, release, nil
}

// acquire waits at most the queue timeout for an execution slot.
func (l *Local) acquire(ctx context.Context) (func(), error) {
	qctx, cancel := context.WithTimeout(ctx, l.queueTimeout)
	defer cancel()
	if err := l.sem.Acquire(qctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, gateerr.Wrap(gateerr.ExecutionFailed, ctx.Err(), "canceled while queued")
		}
		clog.Warn("executor: no execution slot within %s", l.queueTimeout)
		return nil, gateerr.New(gateerr.PoolExhausted, "execution queue full")
	}
	return func() { l.sem.Release(1) }, nil
}

// outcome is the backend-neutral result of run.
type outcome struct {
	exitCode int
	timedOut bool
	canceled bool
	notFound bool
	err      error
}

// run starts argv, feeds both pipes to consume concurrently and waits for
// exit, timeout, context cancellation or c.cancel. On the last three the
// whole process group is killed and run waits at most l.grace for the
// readers to drain.
func (l *Local) run(ctx context.Context, argv []string, req Request, c *canceler, consume func(stream string, r io.Reader) error) outcome {
	if c.isCanceled() {
		return outcome{exitCode: -1, canceled: true}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.workdir
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}
	cmd.Env = environ(req.Env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return outcome{exitCode: -1, err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return outcome{exitCode: -1, err: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return outcome{exitCode: ExitNotFound, notFound: true}
		}
		return outcome{exitCode: -1, err: err}
	}

	var g errgroup.Group
	g.Go(func() error { return consume(StreamStdout, stdout) })
	g.Go(func() error { return consume(StreamStderr, stderr) })

	done := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil {
			clog.Warn("executor: %s: %v", req.ID, err)
		}
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(req.timeout())
	defer timer.Stop()

	var out outcome
	select {
	case err := <-done:
		return exitOutcome(cmd, err)
	case <-timer.C:
		out = outcome{exitCode: -1, timedOut: true}
	case <-ctx.Done():
		out = outcome{exitCode: -1, timedOut: errors.Is(ctx.Err(), context.DeadlineExceeded), canceled: errors.Is(ctx.Err(), context.Canceled)}
	case <-c.done:
		out = outcome{exitCode: -1, canceled: true}
	}

	if err := killProcessGroup(cmd.Process); err != nil {
		clog.Warn("executor: %s: kill process group: %v", req.ID, err)
	}
	select {
	case <-done:
	case <-time.After(l.grace):
		clog.Warn("executor: %s: output readers still open %s after kill", req.ID, l.grace)
	}
	return out
}

func exitOutcome(cmd *exec.Cmd, err error) outcome {
	if err == nil {
		return outcome{exitCode: cmd.ProcessState.ExitCode()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return outcome{exitCode: exitErr.ExitCode()}
	}
	return outcome{exitCode: -1, err: err}
}

// environ returns the inherited environment followed by extra in key order.
// exec keeps the last value for duplicate keys, so extra wins.
func environ(extra map[string]string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// canceler is a one-shot cancel signal shared with the caller.
type canceler struct {
	once sync.Once
	done chan struct{}
}

func newCanceler() *canceler {
	return &canceler{done: make(chan struct{})}
}

func (c *canceler) cancel() {
	c.once.Do(func() { close(c.done) })
}

func (c *canceler) isCanceled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
