package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xdg/cmdgate/internal/audit"
	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/executor"
	"github.com/xdg/cmdgate/internal/gateerr"
	"github.com/xdg/cmdgate/internal/security"
)

// fakeBackend records requests and returns canned outcomes.
type fakeBackend struct {
	mu       sync.Mutex
	requests []executor.Request
	result   *executor.Result
	err      error
	lines    []string
	code     int
}

func (f *fakeBackend) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.ID = req.ID
	return &res, nil
}

func (f *fakeBackend) Stream(_ context.Context, req executor.Request, onLine executor.LineFunc, register executor.CancelRegistrar) (int, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if register != nil {
		register(func() {})
	}
	for _, l := range f.lines {
		onLine(executor.StreamStdout, l)
	}
	return f.code, f.err
}

func (f *fakeBackend) calls() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.requests...)
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Command{
		{
			Name:    "ping",
			Pattern: "ping {{target}} -c {{count}}",
			Params: []catalog.ParamSpec{
				{Name: "target", Type: "hostname", Required: true},
				{Name: "count", Type: "integer", Default: "4"},
			},
			Env:            map[string]string{"LANG": "C", "TZ": "UTC"},
			TimeoutSeconds: 10,
		},
		{
			Name:    "login",
			Pattern: "mysql -u {{user}} -p{{password}} {{db}}",
			Params: []catalog.ParamSpec{
				{Name: "user", Required: true},
				{Name: "password", Required: true, Sensitive: true},
				{Name: "db", Default: "orders"},
			},
		},
		{
			Name:    "disk",
			Pattern: "df -h {{path}}",
			Params:  []catalog.ParamSpec{{Name: "path", Type: "path", Default: "srv"}},
			Mode:    catalog.ModeRemote,
			Remote:  &catalog.RemoteTarget{Host: "db1.internal", Username: "ops", Password: "pw"},
		},
		{
			Name:    "selfssh",
			Pattern: "uptime",
			Mode:    catalog.ModeRemote,
			Remote:  &catalog.RemoteTarget{Host: "localhost", Username: "ops", Password: "pw"},
		},
		{Name: "agentcmd", Pattern: "uptime", Mode: catalog.ModeAgent},
		{Name: "old", Pattern: "uptime", Status: catalog.StatusDisabled},
		{Name: "wipe", Pattern: "rm -rf {{dir}}", Params: []catalog.ParamSpec{{Name: "dir"}}},
	})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	return cat
}

type harness struct {
	d       *Dispatcher
	local   *fakeBackend
	remote  *fakeBackend
	targets []catalog.RemoteTarget
	audit   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		local:  &fakeBackend{result: &executor.Result{Status: executor.StatusCompleted}},
		remote: &fakeBackend{result: &executor.Result{Status: executor.StatusCompleted}},
		audit:  &bytes.Buffer{},
	}
	h.d = New(Options{
		Catalog: testCatalog(t),
		Local:   h.local,
		Remote: func(target catalog.RemoteTarget) Backend {
			h.targets = append(h.targets, target)
			return h.remote
		},
		Audit: audit.NewLogger(h.audit),
	})
	n := 0
	h.d.newID = func() string {
		n++
		return "exec-" + string(rune('0'+n))
	}
	return h
}

func TestExecute_LocalRendersAndMerges(t *testing.T) {
	h := newHarness(t)

	res, err := h.d.Execute(context.Background(), Request{
		Command: "ping",
		Params:  map[string]string{"target": "example.com"},
		Env:     map[string]string{"TZ": "Europe/Paris", "EXTRA": "1"},
		Subject: "alice",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ID != "exec-1" {
		t.Errorf("Result.ID = %q, want exec-1", res.ID)
	}

	calls := h.local.calls()
	if len(calls) != 1 {
		t.Fatalf("local backend called %d times, want 1", len(calls))
	}
	want := executor.Request{
		ID:      "exec-1",
		Command: "ping example.com -c 4",
		Env:     map[string]string{"LANG": "C", "TZ": "Europe/Paris", "EXTRA": "1"},
		Timeout: 10 * time.Second,
	}
	if diff := cmp.Diff(want, calls[0]); diff != "" {
		t.Errorf("backend request mismatch (-want +got):\n%s", diff)
	}

	log := h.audit.String()
	for _, frag := range []string{
		`EXEC REQUEST id=exec-1 command=ping subject="alice" mode=local cmd="ping example.com -c 4"`,
		`EXEC COMPLETE id=exec-1 command=ping exit=0`,
	} {
		if !strings.Contains(log, frag) {
			t.Errorf("audit log missing %q:\n%s", frag, log)
		}
	}
}

func TestExecute_TimeoutPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		override time.Duration
		want     time.Duration
	}{
		{"override wins", "ping", 3 * time.Second, 3 * time.Second},
		{"command timeout", "ping", 0, 10 * time.Second},
		{"default", "login", 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			params := map[string]string{"target": "example.com", "user": "app", "password": "pw"}
			if _, err := h.d.Execute(context.Background(), Request{Command: tt.command, Params: params, Timeout: tt.override}); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := h.local.calls()[0].Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecute_MasksSensitiveInAudit(t *testing.T) {
	h := newHarness(t)

	_, err := h.d.Execute(context.Background(), Request{
		Command: "login",
		Params:  map[string]string{"user": "app", "password": "hunter2"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := h.local.calls()[0].Command; got != "mysql -u app -phunter2 orders" {
		t.Errorf("backend command = %q", got)
	}
	if strings.Contains(h.audit.String(), "hunter2") {
		t.Errorf("audit log leaks secret:\n%s", h.audit.String())
	}
	if !strings.Contains(h.audit.String(), `cmd="mysql -u app -p*** orders"`) {
		t.Errorf("audit log missing masked command:\n%s", h.audit.String())
	}
}

func TestExecute_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		want   gateerr.Kind
		reason string
	}{
		{"unknown command", Request{Command: "nope"}, gateerr.CommandNotFound, "not found"},
		{"disabled", Request{Command: "old"}, gateerr.CommandDisabled, "disabled"},
		{"missing required", Request{Command: "ping"}, gateerr.MissingParameter, "target"},
		{"empty required", Request{Command: "ping", Params: map[string]string{"target": ""}}, gateerr.MissingParameter, "target"},
		{"injection", Request{Command: "ping", Params: map[string]string{"target": "example.com; rm -rf /"}}, gateerr.InjectionDetected, "target"},
		{"bad type", Request{Command: "ping", Params: map[string]string{"target": "example.com", "count": "four"}}, gateerr.InvalidParameterType, "count"},
		{"path traversal", Request{Command: "disk", Params: map[string]string{"path": "../etc"}}, gateerr.InjectionDetected, "path"},
		{"loopback remote", Request{Command: "selfssh"}, gateerr.RemoteConfigMissing, "non-loopback"},
		{"agent mode", Request{Command: "agentcmd"}, gateerr.NotImplemented, "agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.d.Execute(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Execute() error = %v, want kind %v", err, tt.want)
			}
			if res != nil {
				t.Errorf("Execute() result = %+v, want nil", res)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q does not mention %q", err, tt.reason)
			}
			if n := len(h.local.calls()) + len(h.remote.calls()); n != 0 {
				t.Errorf("backend called %d times after rejection", n)
			}
			if !strings.Contains(h.audit.String(), "EXEC REJECT id=exec-1 command="+tt.req.Command) {
				t.Errorf("audit log missing REJECT:\n%s", h.audit.String())
			}
			for _, v := range tt.req.Params {
				if v != "" && strings.Contains(err.Error(), v) {
					t.Errorf("error %q echoes the raw value %q", err, v)
				}
			}
		})
	}
}

func TestExecute_Remote(t *testing.T) {
	h := newHarness(t)

	res, err := h.d.Execute(context.Background(), Request{Command: "disk"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != executor.StatusCompleted {
		t.Errorf("Status = %q", res.Status)
	}
	if len(h.targets) != 1 || h.targets[0].Host != "db1.internal" {
		t.Fatalf("remote targets = %+v", h.targets)
	}
	if got := h.remote.calls()[0].Command; got != "df -h srv" {
		t.Errorf("remote command = %q", got)
	}
	if len(h.local.calls()) != 0 {
		t.Error("local backend used for a remote command")
	}
	if !strings.Contains(h.audit.String(), `mode=remote target="ops@db1.internal:22"`) {
		t.Errorf("audit log missing target:\n%s", h.audit.String())
	}
}

func TestExecute_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		result *executor.Result
		err    error
		audit  string
	}{
		{"non-zero exit", &executor.Result{Status: executor.StatusCompleted, ExitCode: 2}, nil, "EXEC COMPLETE id=exec-1 command=ping exit=2"},
		{"timeout", &executor.Result{Status: executor.StatusTimeout, ExitCode: -1, Stdout: "partial"}, nil, "EXEC TIMEOUT id=exec-1 command=ping"},
		{"error", &executor.Result{Status: executor.StatusError, ExitCode: 127, Error: "executable not found: ping"}, nil, `EXEC FAILED id=exec-1 command=ping reason="executable not found: ping"`},
		{"not started", nil, gateerr.New(gateerr.PoolExhausted, "execution queue full"), `EXEC FAILED id=exec-1 command=ping reason="execution queue full"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.local.result = tt.result
			h.local.err = tt.err

			res, err := h.d.Execute(context.Background(), Request{Command: "ping", Params: map[string]string{"target": "example.com"}})
			if tt.err != nil {
				if !errors.Is(err, gateerr.PoolExhausted) {
					t.Fatalf("Execute() error = %v, want PoolExhausted", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Execute() error = %v", err)
				}
				if res.Status != tt.result.Status || res.Stdout != tt.result.Stdout {
					t.Errorf("result = %+v, want %+v", res, tt.result)
				}
			}
			if !strings.Contains(h.audit.String(), tt.audit) {
				t.Errorf("audit log missing %q:\n%s", tt.audit, h.audit.String())
			}
		})
	}
}

func TestExecute_RealLocalExecutor(t *testing.T) {
	cat, err := catalog.New([]catalog.Command{{
		Name:    "greet",
		Pattern: "echo hello {{name}}",
		Params:  []catalog.ParamSpec{{Name: "name", Default: "world"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	d := New(Options{Catalog: cat, Local: executor.NewLocal(executor.LocalConfig{})})

	res, err := d.Execute(context.Background(), Request{Command: "greet", Params: map[string]string{"name": "gateway"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Stdout != "hello gateway\n" || !res.Succeeded() {
		t.Errorf("result = %+v", res)
	}
	if res.ID == "" {
		t.Error("result has no execution ID")
	}
}

func scanCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Command{{
		Name:    "scan",
		Pattern: "nc -z {{host}} {{port}}",
		Params: []catalog.ParamSpec{
			{Name: "host", Type: "hostname", Required: true},
			{Name: "port", Type: "port", Required: true},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func TestExecute_StrictByDefault(t *testing.T) {
	local := &fakeBackend{result: &executor.Result{Status: executor.StatusCompleted}}
	d := New(Options{Catalog: scanCatalog(t), Local: local})

	for _, port := range []string{`99999"`, "99999", "'22'", "http"} {
		_, err := d.Execute(context.Background(), Request{
			Command: "scan",
			Params:  map[string]string{"host": "example.com", "port": port},
		})
		if err == nil {
			t.Errorf("Execute(port=%q) succeeded, want a validation error", port)
		}
	}
	if n := len(local.calls()); n != 0 {
		t.Fatalf("backend called %d times after rejections", n)
	}

	if _, err := d.Execute(context.Background(), Request{
		Command: "scan",
		Params:  map[string]string{"host": "example.com", "port": "5432"},
	}); err != nil {
		t.Fatalf("Execute(port=5432) error = %v", err)
	}
	if got := local.calls()[0].Command; got != "nc -z example.com 5432" {
		t.Errorf("command = %q", got)
	}
}

func TestExecute_NonStrictOptOut(t *testing.T) {
	local := &fakeBackend{result: &executor.Result{Status: executor.StatusCompleted}}
	d := New(Options{
		Catalog:   scanCatalog(t),
		Validator: security.NewValidator(security.Options{Strict: false}),
		Local:     local,
	})

	if _, err := d.Execute(context.Background(), Request{
		Command: "scan",
		Params:  map[string]string{"host": "example.com", "port": "99999"},
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if n := len(local.calls()); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestStream(t *testing.T) {
	h := newHarness(t)
	h.local.lines = []string{"64 bytes from example.com", "64 bytes from example.com"}

	var got []string
	registered := false
	code, err := h.d.Stream(context.Background(),
		Request{Command: "ping", Params: map[string]string{"target": "example.com"}},
		func(stream, line string) { got = append(got, stream+" "+line) },
		func(func()) { registered = true })
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit = %d, want 0", code)
	}
	if !registered {
		t.Error("cancel function not registered")
	}
	if len(got) != 2 || got[0] != "stdout 64 bytes from example.com" {
		t.Errorf("lines = %q", got)
	}
	if !strings.Contains(h.audit.String(), "EXEC COMPLETE id=exec-1 command=ping exit=0") {
		t.Errorf("audit log:\n%s", h.audit.String())
	}
}

func TestStream_Outcomes(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		audit string
	}{
		{"timeout", gateerr.New(gateerr.ExecutionTimeout, "command timed out after 10s"), "EXEC TIMEOUT id=exec-1"},
		{"canceled", gateerr.Wrap(gateerr.ExecutionFailed, context.Canceled, "execution canceled"), `EXEC FAILED id=exec-1 command=disk reason="execution canceled: context canceled"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.remote.err = tt.err
			h.remote.code = -1

			code, err := h.d.Stream(context.Background(), Request{Command: "disk"}, func(string, string) {}, nil)
			if code != -1 || !errors.Is(err, tt.err) {
				t.Errorf("Stream() = %d, %v", code, err)
			}
			if !strings.Contains(h.audit.String(), tt.audit) {
				t.Errorf("audit log missing %q:\n%s", tt.audit, h.audit.String())
			}
		})
	}
}

func TestStream_Rejected(t *testing.T) {
	h := newHarness(t)
	code, err := h.d.Stream(context.Background(), Request{Command: "ping"}, func(string, string) {}, nil)
	if code != -1 || !errors.Is(err, gateerr.MissingParameter) {
		t.Errorf("Stream() = %d, %v", code, err)
	}
}

func TestDanger(t *testing.T) {
	h := newHarness(t)

	got, err := h.d.Danger(context.Background(), "wipe")
	if err != nil {
		t.Fatalf("Danger() error = %v", err)
	}
	if got.Level != security.Warn {
		t.Errorf("Danger(wipe).Level = %v, want warn", got.Level)
	}

	got, err = h.d.Danger(context.Background(), "ping")
	if err != nil || got.Level != security.Safe {
		t.Errorf("Danger(ping) = %+v, %v", got, err)
	}

	if _, err := h.d.Danger(context.Background(), "nope"); !errors.Is(err, gateerr.CommandNotFound) {
		t.Errorf("Danger(nope) error = %v", err)
	}

	if lvl := h.d.DangerOf("shutdown -h now").Level; lvl == security.Safe {
		t.Errorf("DangerOf(shutdown) = %v, want non-safe", lvl)
	}
}

func TestPoolStats_NoPool(t *testing.T) {
	h := newHarness(t)
	st := h.d.PoolStats()
	if st.Active != 0 || st.Keys == nil {
		t.Errorf("PoolStats() = %+v", st)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Resolved, "resolved"},
		{ParamsValidated, "params_validated"},
		{Rendered, "rendered"},
		{Dispatched, "dispatched"},
		{Succeeded, "succeeded"},
		{Failed, "failed"},
		{TimedOut, "timed_out"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
