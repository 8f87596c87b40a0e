// Package remote runs rendered command lines on remote hosts over SSH.
//
// Connections come from an sshpool.Pool, or are dialed per execution when
// pooling is disabled. Three timeouts apply in turn: the pool's connect
// timeout while dialing, the channel timeout while opening the exec channel,
// and the execution timeout while waiting for the command.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/executor"
	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/sshpool"
)

const (
	pollInterval = 100 * time.Millisecond
	readerGrace  = 2 * time.Second
	maxLineBytes = 1 << 20
)

// Executor runs commands on remote targets.
type Executor struct {
	cfg  sshpool.Config
	pool *sshpool.Pool
	dial sshpool.DialFunc

	// allowLoopback lets tests target an in-process server.
	allowLoopback bool
}

// New creates an Executor. When cfg.Enabled is false or pool is nil every
// execution dials its own connection with dial and closes it afterwards.
func New(cfg sshpool.Config, pool *sshpool.Pool, dial sshpool.DialFunc) *Executor {
	return &Executor{cfg: cfg, pool: pool, dial: dial}
}

// Bind returns a backend that runs every request on target.
func (e *Executor) Bind(target catalog.RemoteTarget) *Bound {
	return &Bound{e: e, target: target}
}

// Bound is an Executor fixed to one target. It implements executor.Executor
// and executor.Streamer.
type Bound struct {
	e      *Executor
	target catalog.RemoteTarget
}

func (b *Bound) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return b.e.Execute(ctx, b.target, req)
}

func (b *Bound) Stream(ctx context.Context, req executor.Request, onLine executor.LineFunc, register executor.CancelRegistrar) (int, error) {
	return b.e.Stream(ctx, b.target, req, onLine, register)
}

// Execute runs req on target and collects its output. A non-nil error means
// the command never started. A missing exit status is reported as -1.
func (e *Executor) Execute(ctx context.Context, target catalog.RemoteTarget, req executor.Request) (*executor.Result, error) {
	if err := e.checkTarget(target); err != nil {
		return nil, err
	}
	timeout := e.timeout(req)
	start := time.Now()

	l, err := e.acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	sess, err := e.openSession(l.client)
	if err != nil {
		e.release(l, false)
		return nil, gateerr.Wrap(gateerr.ExecutionFailed, err, "open channel on %s", target.Label())
	}
	defer sess.Close()
	setEnv(sess, req)

	var stdout, stderr lockedBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(req.Command); err != nil {
		e.release(l, false)
		return nil, gateerr.Wrap(gateerr.ExecutionFailed, err, "start command on %s", target.Label())
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := &executor.Result{ID: req.ID}
	healthy := false
	select {
	case err := <-done:
		res.ExitCode, err = exitCode(err)
		if err != nil {
			res.Status = executor.StatusError
			res.Error = err.Error()
		} else {
			res.Status = executor.StatusCompleted
			healthy = true
		}
	case <-timer.C:
		res.Status = executor.StatusTimeout
		res.ExitCode = -1
		res.Error = fmt.Sprintf("command timed out after %s", timeout)
		stop(sess, done)
	case <-ctx.Done():
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Status = executor.StatusTimeout
			res.Error = fmt.Sprintf("command timed out after %s", timeout)
		} else {
			res.Status = executor.StatusError
			res.Error = "execution canceled"
		}
		stop(sess, done)
	}
	e.release(l, healthy)

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(start)
	clog.Debug("remote: %s on %s finished status=%s exit=%d in %s", req.ID, target.Label(), res.Status, res.ExitCode, res.Duration)
	return res, nil
}

// Stream runs req on target and delivers each output line to onLine as it
// arrives. register, when non-nil, receives a cancel function before the
// command starts; calling it closes the channel.
func (e *Executor) Stream(ctx context.Context, target catalog.RemoteTarget, req executor.Request, onLine executor.LineFunc, register executor.CancelRegistrar) (int, error) {
	if err := e.checkTarget(target); err != nil {
		return -1, err
	}
	timeout := e.timeout(req)

	l, err := e.acquire(ctx, target)
	if err != nil {
		return -1, err
	}
	sess, err := e.openSession(l.client)
	if err != nil {
		e.release(l, false)
		return -1, gateerr.Wrap(gateerr.ExecutionFailed, err, "open channel on %s", target.Label())
	}
	defer sess.Close()
	setEnv(sess, req)

	canceled := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(canceled)
			_ = sess.Close()
		})
	}
	if register != nil {
		register(cancel)
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		e.release(l, false)
		return -1, gateerr.Wrap(gateerr.ExecutionFailed, err, "stdout pipe")
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		e.release(l, false)
		return -1, gateerr.Wrap(gateerr.ExecutionFailed, err, "stderr pipe")
	}

	select {
	case <-canceled:
		e.release(l, false)
		return -1, gateerr.Wrap(gateerr.ExecutionFailed, context.Canceled, "execution canceled")
	default:
	}
	if err := sess.Start(req.Command); err != nil {
		e.release(l, false)
		return -1, gateerr.Wrap(gateerr.ExecutionFailed, err, "start command on %s", target.Label())
	}

	var mu sync.Mutex
	scan := func(stream string, r io.Reader) error {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			mu.Lock()
			onLine(stream, sc.Text())
			mu.Unlock()
		}
		if err := sc.Err(); err != nil {
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("read %s: %w", stream, err)
		}
		return nil
	}
	var g errgroup.Group
	g.Go(func() error { return scan(executor.StreamStdout, stdout) })
	g.Go(func() error { return scan(executor.StreamStderr, stderr) })

	readers := make(chan struct{})
	go func() {
		if err := g.Wait(); err != nil {
			clog.Warn("remote: %s: %v", req.ID, err)
		}
		close(readers)
	}()

	done := make(chan error, 1)
	go func() {
		// Wait returns once the channel closes; the readers drain first.
		<-readers
		done <- sess.Wait()
	}()

	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			code, err := exitCode(err)
			if err != nil {
				e.release(l, false)
				return code, gateerr.Wrap(gateerr.ExecutionFailed, err, "run command on %s", target.Label())
			}
			e.release(l, true)
			return code, nil
		case <-canceled:
			e.drain(readers)
			e.release(l, false)
			return -1, gateerr.Wrap(gateerr.ExecutionFailed, context.Canceled, "execution canceled")
		case <-ctx.Done():
			cancel()
			e.drain(readers)
			e.release(l, false)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return -1, gateerr.New(gateerr.ExecutionTimeout, "command timed out after %s", timeout)
			}
			return -1, gateerr.Wrap(gateerr.ExecutionFailed, ctx.Err(), "execution canceled")
		case <-tick.C:
			if time.Now().After(deadline) {
				cancel()
				e.drain(readers)
				e.release(l, false)
				return -1, gateerr.New(gateerr.ExecutionTimeout, "command timed out after %s", timeout)
			}
		}
	}
}

func (e *Executor) drain(readers <-chan struct{}) {
	select {
	case <-readers:
	case <-time.After(readerGrace):
		clog.Warn("remote: output readers still open %s after close", readerGrace)
	}
}

func (e *Executor) checkTarget(target catalog.RemoteTarget) error {
	if e.allowLoopback && target.Host != "" {
		return nil
	}
	if catalog.IsLoopback(target.Host) {
		return gateerr.New(gateerr.RemoteConfigMissing, "remote execution requires a non-loopback host")
	}
	return nil
}

// timeout returns the configured execution timeout, else the request's.
func (e *Executor) timeout(req executor.Request) time.Duration {
	if e.cfg.ExecutionTimeout > 0 {
		return e.cfg.ExecutionTimeout
	}
	if req.Timeout > 0 {
		return req.Timeout
	}
	return executor.DefaultTimeout
}

// lease is a connection held for one execution.
type lease struct {
	client *ssh.Client
	pooled *sshpool.Session
}

func (e *Executor) pooled() bool {
	return e.pool != nil && e.cfg.Enabled
}

func (e *Executor) acquire(ctx context.Context, target catalog.RemoteTarget) (*lease, error) {
	if e.pooled() {
		s, err := e.pool.Borrow(ctx, target)
		if err != nil {
			return nil, err
		}
		return &lease{client: s.Client, pooled: s}, nil
	}
	if e.dial == nil {
		return nil, gateerr.New(gateerr.RemoteConfigMissing, "no SSH dialer configured")
	}
	c, err := e.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return &lease{client: c}, nil
}

// release returns a pooled connection when healthy and discards it
// otherwise. Direct connections are always closed.
func (e *Executor) release(l *lease, healthy bool) {
	if l.pooled != nil {
		if healthy {
			e.pool.Return(l.pooled)
		} else {
			e.pool.Invalidate(l.pooled)
		}
		return
	}
	if err := l.client.Close(); err != nil {
		clog.Debug("remote: close connection: %v", err)
	}
}

// openSession opens an exec channel, giving up after the channel timeout.
func (e *Executor) openSession(client *ssh.Client) (*ssh.Session, error) {
	type opened struct {
		s   *ssh.Session
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		s, err := client.NewSession()
		ch <- opened{s, err}
	}()

	t := time.NewTimer(e.cfg.EffectiveChannelTimeout())
	defer t.Stop()
	select {
	case o := <-ch:
		return o.s, o.err
	case <-t.C:
		go func() {
			if o := <-ch; o.s != nil {
				_ = o.s.Close()
			}
		}()
		return nil, fmt.Errorf("channel not opened within %s", e.cfg.EffectiveChannelTimeout())
	}
}

func setEnv(sess *ssh.Session, req executor.Request) {
	for _, k := range slices.Sorted(maps.Keys(req.Env)) {
		if err := sess.Setenv(k, req.Env[k]); err != nil {
			clog.Debug("remote: %s: server refused env %s", req.ID, k)
		}
	}
}

// stop closes the channel and waits briefly for Wait to return.
func stop(sess *ssh.Session, done <-chan error) {
	_ = sess.Close()
	select {
	case <-done:
	case <-time.After(readerGrace):
	}
}

// exitCode maps the result of Session.Wait to an exit code. A missing exit
// status is -1 without an error.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

// lockedBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
