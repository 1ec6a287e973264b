package internal

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casbin/casbin/v3"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

//go:embed access_model.conf access_policy.csv
var accessFS embed.FS

// Actions checked by the access controller.
const (
	ActionQuery    = "query"
	ActionStream   = "stream"
	ActionRegister = "register"
	ActionRead     = "read"
)

// Non-cell resources.
const (
	ResourceRegistry = "registry"
	ResourceMetrics  = "metrics"
)

const managerRole = "manager"

// SystemCaller is the identity used for startup work such as registering
// configured cells. It always holds the manager role.
const SystemCaller = "celldb:system"

// AccessController decides whether the caller on a context may act on cells.
type AccessController struct {
	enabled  bool
	enforcer *casbin.Enforcer
}

// NewAccessController builds the enforcer from the embedded model and the
// configured policies. A disabled controller allows everything.
func NewAccessController(cfg celldb.AccessConfig) (*AccessController, error) {
	if !cfg.Enabled {
		return &AccessController{}, nil
	}

	dir, err := os.MkdirTemp("", "celldb-casbin-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	for _, name := range []string{"access_model.conf", "access_policy.csv"} {
		data, err := accessFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return nil, err
		}
	}

	enforcer, err := casbin.NewEnforcer(
		filepath.Join(dir, "access_model.conf"),
		filepath.Join(dir, "access_policy.csv"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}

	if _, err := enforcer.AddPolicy(managerRole, "*", "*"); err != nil {
		return nil, err
	}
	for _, m := range append([]string{SystemCaller}, cfg.Managers...) {
		if _, err := enforcer.AddGroupingPolicy(m, managerRole); err != nil {
			return nil, err
		}
	}
	for _, p := range cfg.Policies {
		if _, err := enforcer.AddPolicy(p.Subject, p.Cell, p.Action); err != nil {
			return nil, err
		}
	}

	return &AccessController{enabled: true, enforcer: enforcer}, nil
}

// Authorize checks action on every resource for the caller attached to ctx.
func (a *AccessController) Authorize(ctx context.Context, action string, resources ...string) error {
	if a == nil || !a.enabled {
		return nil
	}
	caller, ok := celldb.CallerFromContext(ctx)
	if !ok {
		caller = "anonymous"
	}
	for _, res := range resources {
		allowed, err := a.enforcer.Enforce(caller, res, action)
		if err != nil {
			return celldb.NewPermissionDeniedError(caller, action, res).WithCause(err)
		}
		if !allowed {
			zap.S().Debugw("access denied", "caller", caller, "action", action, "resource", res)
			return celldb.NewPermissionDeniedError(caller, action, res)
		}
	}
	return nil
}
