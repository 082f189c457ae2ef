package engine

import (
	"context"
	"log/slog"

	"github.com/loomhq/loom/pkg/permissions"
)

// PermissionRequest describes a tool invocation the permission manager
// could not decide on its own.
type PermissionRequest struct {
	SessionID   string
	Tool        string
	Path        string
	AutoApprove bool // the session's auto-approve flag
}

// Prompter resolves "ask" permission outcomes. The front-end injects an
// interactive implementation; the default approves only sessions that
// opted in via the auto-approve flag.
type Prompter interface {
	Approve(ctx context.Context, req PermissionRequest) bool
}

type autoPrompter struct {
	perms  *permissions.Manager
	logger *slog.Logger
}

// NewAutoPrompter returns the default prompter: approve and record a
// grant when the session's auto-approve flag is set, deny otherwise.
func NewAutoPrompter(perms *permissions.Manager, logger *slog.Logger) Prompter {
	if logger == nil {
		logger = slog.Default()
	}
	return &autoPrompter{perms: perms, logger: logger}
}

func (p *autoPrompter) Approve(ctx context.Context, req PermissionRequest) bool {
	if !req.AutoApprove {
		return false
	}
	p.logger.Warn("auto-approving tool without interactive prompt",
		"session_id", req.SessionID, "tool", req.Tool, "path", req.Path)
	if _, err := p.perms.Grant(ctx, req.Tool, req.Path, req.SessionID); err != nil {
		p.logger.Error("failed to record auto-approve grant", "error", err)
	}
	return true
}
