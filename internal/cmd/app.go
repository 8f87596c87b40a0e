package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xdg/cmdgate/internal/audit"
	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/config"
	"github.com/xdg/cmdgate/internal/dispatch"
	"github.com/xdg/cmdgate/internal/executor"
	"github.com/xdg/cmdgate/internal/hostkey"
	"github.com/xdg/cmdgate/internal/remote"
	"github.com/xdg/cmdgate/internal/security"
	"github.com/xdg/cmdgate/internal/sshpool"
)

// app holds the wired gateway for one CLI invocation.
type app struct {
	cfg        *config.Config
	catalog    *catalog.Static
	dispatcher *dispatch.Dispatcher
	verifier   *hostkey.Verifier
	pool       *sshpool.Pool
	metrics    *prometheus.Registry
	auditFile  io.Closer
}

// newApp loads the catalog and wires the dispatcher and its backends.
func newApp(cfg *config.Config) (*app, error) {
	cat, err := catalog.Load(appFs, cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	auditLog, auditFile, err := openAudit(cfg.Audit.File)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, catalog: cat, metrics: prometheus.NewRegistry(), auditFile: auditFile}

	a.verifier = hostkey.NewVerifier(hostKeyStore(cfg), auditLog)
	dialer := sshpool.NewDialer(cfg.SSH, a.verifier)
	dialer.Fs = appFs

	if cfg.SSH.Enabled {
		a.pool = sshpool.New(cfg.SSH, dialer.Dial)
		if err := a.metrics.Register(sshpool.NewCollector(a.pool)); err != nil {
			_ = a.close()
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}

	a.dispatcher = dispatch.New(dispatch.Options{
		Catalog:   cat,
		Validator: security.NewValidator(security.Options{Strict: cfg.Security.Strict}),
		Local: executor.NewLocal(executor.LocalConfig{
			MaxConcurrency: cfg.Local.MaxConcurrency,
			QueueTimeout:   cfg.Local.QueueTimeout,
			Workdir:        cfg.Local.Workdir,
		}),
		Remote: dispatch.RemoteBackend(remote.New(cfg.SSH, a.pool, dialer.Dial)),
		Pool:   a.pool,
		Audit:  auditLog,
	})
	return a, nil
}

// openAudit opens the audit log at path for appending. An empty path
// disables auditing and returns a nil logger.
func openAudit(path string) (*audit.Logger, io.Closer, error) {
	if path == "" {
		return nil, nil, nil
	}
	if err := appFs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := appFs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return audit.NewLogger(f), f, nil
}

func hostKeyStore(cfg *config.Config) hostkey.Store {
	if cfg.HostKeys.Path == "" {
		return hostkey.NewMemoryStore()
	}
	return hostkey.NewFileStore(appFs, cfg.HostKeys.Path)
}

// close shuts the pool down and closes the audit log.
func (a *app) close() error {
	var result *multierror.Error
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close pool: %w", err))
		}
	}
	if a.auditFile != nil {
		if err := a.auditFile.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close audit log: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// openApp loads configuration and wires the gateway.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}
