package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/tools"
)

func taskStatusDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        TaskStatusName,
		Description: "Look up a scheduled task by its handle. Returns its status and, once settled, its output or error.",
		Parameters: tools.Schema(
			tools.Parameter{Name: "handle", ParamType: "string", Description: "Task handle from a scheduled result", Required: true},
		),
		Category: tools.CategoryMetadata,
	}
}

type taskStatus struct {
	deps   Deps
	inv    tools.Invocation
	handle string
}

func newTaskStatus(deps Deps) tools.Factory {
	return func(inv tools.Invocation) (tools.Tool, error) {
		return &taskStatus{deps: deps, inv: inv, handle: inv.String("handle")}, nil
	}
}

func (t *taskStatus) Validate(ctx context.Context) error {
	if t.handle == "" {
		return tools.Validationf("handle is required")
	}
	return nil
}

func (t *taskStatus) Call(ctx context.Context) (any, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	task, err := t.deps.Tasks.GetTaskByHandle(ctx, t.inv.ThreadID, t.handle)
	if errors.Is(err, storage.ErrTaskNotFound) {
		return nil, tools.Validationf("no task with handle %q in this thread", t.handle)
	}
	if err != nil {
		return nil, err
	}

	dependsOn := make([]string, len(task.DependsOn))
	for i, id := range task.DependsOn {
		dependsOn[i] = strconv.FormatInt(id, 10)
	}
	content := map[string]any{
		"handle":     task.Handle,
		"task_id":    strconv.FormatInt(task.ID, 10),
		"tool_name":  task.ToolName,
		"status":     string(task.Status),
		"depends_on": dependsOn,
	}
	if len(task.Output) > 0 {
		content["output"] = task.Output
	}
	if task.Error != "" {
		content["error"] = task.Error
	}
	return content, nil
}
