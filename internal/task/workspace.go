package task

import (
	"context"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
)

// WorkspaceCleaner is the external workspace collaborator's cleanup
// hook. The core only decides whether to invoke it.
type WorkspaceCleaner interface {
	Cleanup(ctx context.Context, taskID string, ws store.Workspace) error
}

// NoopCleaner satisfies WorkspaceCleaner without touching anything.
type NoopCleaner struct{}

func (NoopCleaner) Cleanup(ctx context.Context, taskID string, ws store.Workspace) error {
	return nil
}

// shouldPreserveWorkspace decides whether a failed task's workspace
// survives. An explicit per-task preserve_on_failure=true wins; else a
// worktree workspace follows the git.worktree config; anything else
// (nil, false, other strategies) cleans up.
func shouldPreserveWorkspace(ws store.Workspace, worktreePreserve bool) bool {
	if ws.PreserveOnFailure != nil && *ws.PreserveOnFailure {
		return true
	}
	if ws.Strategy == store.WorkspaceWorktree && worktreePreserve {
		return true
	}
	return false
}
