// Package dispatch resolves a catalog command, validates and renders its
// parameters, and hands the command line to the backend for its mode.
//
// Every execution moves through the same states:
//
//	Resolved -> ParamsValidated -> Rendered -> Dispatched -> Succeeded | Failed | TimedOut
//
// Failures before Dispatched never touch a process or an SSH session.
package dispatch

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/xdg/cmdgate/internal/audit"
	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/clog"
	"github.com/xdg/cmdgate/internal/executor"
	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/remote"
	"github.com/xdg/cmdgate/internal/security"
	"github.com/xdg/cmdgate/internal/sshpool"
	"github.com/xdg/cmdgate/internal/template"
)

// State is a step in the life of one execution.
type State int

const (
	Resolved State = iota
	ParamsValidated
	Rendered
	Dispatched
	Succeeded
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case ParamsValidated:
		return "params_validated"
	case Rendered:
		return "rendered"
	case Dispatched:
		return "dispatched"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Backend runs rendered command lines.
type Backend interface {
	executor.Executor
	executor.Streamer
}

// RemoteFunc returns the backend for a remote target.
type RemoteFunc func(target catalog.RemoteTarget) Backend

// RemoteBackend adapts a remote executor to a RemoteFunc.
func RemoteBackend(e *remote.Executor) RemoteFunc {
	return func(target catalog.RemoteTarget) Backend { return e.Bind(target) }
}

// Options wires a Dispatcher.
type Options struct {
	Catalog   catalog.Catalog
	Validator *security.Validator
	Local     Backend
	Remote    RemoteFunc
	// Pool is reported by PoolStats. It may be nil.
	Pool *sshpool.Pool
	// Audit receives execution events. It may be nil.
	Audit *audit.Logger
}

// Dispatcher is the entry point for running catalog commands.
type Dispatcher struct {
	catalog   catalog.Catalog
	validator *security.Validator
	local     Backend
	remote    RemoteFunc
	pool      *sshpool.Pool
	audit     *audit.Logger
	newID     func() string
}

// New creates a Dispatcher. A nil Validator validates in strict mode; pass
// a non-strict Validator explicitly to relax the whitelist layer.
func New(opts Options) *Dispatcher {
	v := opts.Validator
	if v == nil {
		v = security.NewValidator(security.Options{Strict: true})
	}
	return &Dispatcher{
		catalog:   opts.Catalog,
		validator: v,
		local:     opts.Local,
		remote:    opts.Remote,
		pool:      opts.Pool,
		audit:     opts.Audit,
		newID:     uuid.NewString,
	}
}

// Request asks for one execution of a catalog command.
type Request struct {
	// Command is the catalog name.
	Command string
	// Params are caller values; they override defaults by name.
	Params map[string]string
	// Env is added over the command's fixed environment.
	Env map[string]string
	// Timeout overrides the command timeout when positive.
	Timeout time.Duration
	// Subject identifies the caller in audit records.
	Subject string
}

// execution carries one request through its states.
type execution struct {
	id       string
	req      Request
	cmd      *catalog.Command
	rendered *template.Rendered
	backend  Backend
	target   string
	state    State
}

func (x *execution) advance(s State) {
	x.state = s
	clog.Debug("dispatch: %s %s -> %s", x.id, x.req.Command, s)
}

func (x *execution) execRequest() executor.Request {
	env := maps.Clone(x.cmd.Env)
	if env == nil {
		env = make(map[string]string, len(x.req.Env))
	}
	maps.Copy(env, x.req.Env)

	timeout := x.req.Timeout
	if timeout <= 0 {
		timeout = x.cmd.Timeout()
	}
	return executor.Request{ID: x.id, Command: x.rendered.Command, Env: env, Timeout: timeout}
}

// Execute runs a catalog command to completion. A returned error means the
// command was rejected or never started; once started, the outcome,
// including a timeout, is reported in the Result.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*executor.Result, error) {
	x, err := d.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := x.backend.Execute(ctx, x.execRequest())
	if err != nil {
		x.advance(Failed)
		d.logAudit(d.audit.LogFailed(x.id, req.Command, err.Error()))
		return nil, err
	}

	switch res.Status {
	case executor.StatusCompleted:
		x.advance(Succeeded)
		d.logAudit(d.audit.LogComplete(x.id, req.Command, res.ExitCode, res.Duration))
	case executor.StatusTimeout:
		x.advance(TimedOut)
		d.logAudit(d.audit.LogTimeout(x.id, req.Command, res.Duration))
	default:
		x.advance(Failed)
		d.logAudit(d.audit.LogFailed(x.id, req.Command, res.Error))
	}
	return res, nil
}

// Stream runs a catalog command and delivers output lines to onLine as they
// arrive. register, when non-nil, receives a cancel function before the
// command starts. It returns the exit code.
func (d *Dispatcher) Stream(ctx context.Context, req Request, onLine executor.LineFunc, register executor.CancelRegistrar) (int, error) {
	x, err := d.prepare(ctx, req)
	if err != nil {
		return -1, err
	}

	start := time.Now()
	code, err := x.backend.Stream(ctx, x.execRequest(), onLine, register)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		x.advance(Succeeded)
		d.logAudit(d.audit.LogComplete(x.id, req.Command, code, elapsed))
	case errors.Is(err, gateerr.ExecutionTimeout):
		x.advance(TimedOut)
		d.logAudit(d.audit.LogTimeout(x.id, req.Command, elapsed))
	default:
		x.advance(Failed)
		d.logAudit(d.audit.LogFailed(x.id, req.Command, err.Error()))
	}
	return code, err
}

// prepare resolves, validates and renders req and picks its backend. On
// failure it records a rejection.
func (d *Dispatcher) prepare(ctx context.Context, req Request) (*execution, error) {
	x := &execution{id: d.newID(), req: req}

	err := d.resolve(ctx, x)
	if err == nil {
		err = d.validate(x)
	}
	if err == nil {
		err = d.render(x)
	}
	if err == nil {
		err = d.route(x)
	}
	if err != nil {
		clog.Debug("dispatch: %s %s rejected in state %s: %v", x.id, req.Command, x.state, err)
		d.logAudit(d.audit.LogReject(x.id, req.Command, req.Subject, err.Error()))
		return nil, err
	}

	x.advance(Dispatched)
	d.logAudit(d.audit.LogRequest(audit.Request{
		ID:      x.id,
		Command: req.Command,
		Subject: req.Subject,
		Mode:    string(x.cmd.Mode),
		Target:  x.target,
		Cmd:     x.rendered.Masked,
	}))
	clog.Info("dispatch: %s running %s: %s", x.id, req.Command, x.rendered.Masked)
	return x, nil
}

func (d *Dispatcher) resolve(ctx context.Context, x *execution) error {
	cmd, err := d.catalog.Get(ctx, x.req.Command)
	if err != nil {
		return err
	}
	if !cmd.Active() {
		return gateerr.New(gateerr.CommandDisabled, "command %q is disabled", cmd.Name)
	}
	x.cmd = cmd
	x.advance(Resolved)
	return nil
}

func (d *Dispatcher) validate(x *execution) error {
	if err := template.CheckRequired(x.cmd.Params, x.req.Params); err != nil {
		return err
	}
	merged := template.Merge(x.cmd.Params, x.req.Params)
	if err := d.validator.Check(x.cmd.ParamTypes(), merged); err != nil {
		return err
	}
	x.advance(ParamsValidated)
	return nil
}

func (d *Dispatcher) render(x *execution) error {
	r, err := template.RenderMasked(x.cmd, x.req.Params)
	if err != nil {
		return err
	}
	x.rendered = r
	x.advance(Rendered)
	return nil
}

func (d *Dispatcher) route(x *execution) error {
	switch x.cmd.Mode {
	case catalog.ModeLocal, "":
		if d.local == nil {
			return gateerr.New(gateerr.NotImplemented, "local execution is not configured")
		}
		x.backend = d.local
	case catalog.ModeRemote:
		t := x.cmd.Remote
		if t == nil || catalog.IsLoopback(t.Host) {
			return gateerr.New(gateerr.RemoteConfigMissing, "command %q needs a remote target with a non-loopback host", x.cmd.Name)
		}
		if d.remote == nil {
			return gateerr.New(gateerr.NotImplemented, "remote execution is not configured")
		}
		x.backend = d.remote(*t)
		x.target = t.Label()
	case catalog.ModeAgent:
		return gateerr.New(gateerr.NotImplemented, "agent execution is not implemented")
	default:
		return gateerr.New(gateerr.NotImplemented, "execution mode %q is not implemented", x.cmd.Mode)
	}
	return nil
}

// Danger assesses the pattern of a catalog command.
func (d *Dispatcher) Danger(ctx context.Context, name string) (security.Danger, error) {
	cmd, err := d.catalog.Get(ctx, name)
	if err != nil {
		return security.Danger{}, err
	}
	return security.DetectDanger(cmd.Pattern), nil
}

// DangerOf assesses an arbitrary command line.
func (d *Dispatcher) DangerOf(command string) security.Danger {
	return security.DetectDanger(command)
}

// PoolStats reports the SSH pool, or empty stats when there is none.
func (d *Dispatcher) PoolStats() sshpool.Stats {
	if d.pool == nil {
		return sshpool.Stats{Keys: map[string]sshpool.KeyStats{}}
	}
	return d.pool.Stats()
}

func (d *Dispatcher) logAudit(err error) {
	if err != nil {
		clog.Warn("dispatch: audit: %v", err)
	}
}
