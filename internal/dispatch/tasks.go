package dispatch

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/protocol"
	"github.com/zulandar/teamyard/internal/taskstore"
)

const statusDeleted = "deleted"

// taskSummary is the compact form returned by TaskList.
type taskSummary struct {
	ID        int              `json:"id"`
	Subject   string           `json:"subject"`
	Status    taskstore.Status `json:"status"`
	Owner     string           `json:"owner,omitempty"`
	DependsOn []int            `json:"depends_on,omitempty"`
	Blocks    []int            `json:"blocks,omitempty"`
}

type taskResult struct {
	Success bool           `json:"success"`
	Task    taskstore.Task `json:"task"`
}

type deleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (d *Dispatcher) taskCreate(ctx context.Context, caller string, a createArgs) (any, error) {
	owner := caller
	if a.Owner != nil {
		owner = strings.TrimSpace(*a.Owner)
	}
	if owner != "" && !d.graph.CanAssign(caller, owner) {
		return nil, fault.Invalid("owner", "%s cannot assign tasks to %s", caller, owner)
	}

	t, err := d.tasks.Create(ctx, taskstore.Draft{
		Subject:     a.Subject,
		Description: a.Description,
		ActiveForm:  a.ActiveForm,
		Owner:       owner,
		Status:      taskstore.Status(a.Status),
		DependsOn:   ints(a.DependsOn),
		Metadata:    a.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if owner != "" && owner != caller {
		d.notifyAssignment(ctx, caller, t)
	}
	return taskResult{Success: true, Task: t}, nil
}

func (d *Dispatcher) taskUpdate(ctx context.Context, caller string, a updateArgs) (any, error) {
	if a.TaskID == nil {
		return nil, fault.Invalid("task_id", "is required")
	}
	id := int(*a.TaskID)
	cur, err := d.visibleTask(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	if a.Status != nil && *a.Status == statusDeleted {
		if cur.Owner != caller && !d.graph.IsLeader(caller) {
			return nil, fault.Invalid("status", "only the owner or a leader may delete task %d", id)
		}
		if _, err := d.tasks.Delete(ctx, id); err != nil {
			return nil, notFound(id, err)
		}
		return deleteResult{Success: true, Message: "Deleted " + cur.Ref()}, nil
	}

	patch := taskstore.Patch{
		Subject:         a.Subject,
		Description:     a.Description,
		ActiveForm:      a.ActiveForm,
		AddDependsOn:    ints(a.AddDependsOn),
		RemoveDependsOn: ints(a.RemoveDependsOn),
		AddBlocks:       ints(a.AddBlocks),
		Metadata:        a.Metadata,
	}
	if a.Status != nil {
		s := taskstore.Status(*a.Status)
		patch.Status = &s
	}
	if a.Owner != nil {
		owner := strings.TrimSpace(*a.Owner)
		switch {
		case owner == "" && cur.Owner != caller && !d.graph.IsLeader(caller):
			return nil, fault.Invalid("owner", "%s cannot unassign a task owned by %s", caller, cur.Owner)
		case owner != "" && !d.graph.CanAssign(caller, owner):
			return nil, fault.Invalid("owner", "%s cannot assign tasks to %s", caller, owner)
		}
		patch.Owner = &owner
	}
	if patch.Empty() {
		return nil, fault.Invalid("task_id", "no fields to update")
	}

	t, err := d.tasks.Update(ctx, id, patch)
	if err != nil {
		return nil, notFound(id, err)
	}
	if t.Owner != "" && t.Owner != cur.Owner && t.Owner != caller {
		d.notifyAssignment(ctx, caller, t)
	}
	if t.Status == taskstore.StatusDone && cur.Status != taskstore.StatusDone {
		if lead := d.graph.Lead(caller); lead != "" {
			d.notify(ctx, caller, lead, protocol.TaskCompleted{TaskID: t.ID, TaskSubject: t.Subject})
		}
	}
	return taskResult{Success: true, Task: t}, nil
}

func (d *Dispatcher) taskList(ctx context.Context, caller string, a listArgs) (any, error) {
	f := taskstore.Filter{
		Status:  taskstore.Status(a.Status),
		Visible: func(owner string) bool { return d.graph.CanSeeTask(caller, owner) },
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fault.Invalid("status", "unknown status %q", a.Status)
	}
	if a.Owner != nil {
		f.Owner, f.OwnerSet = strings.TrimSpace(*a.Owner), true
	}
	list, err := d.tasks.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]taskSummary, len(list))
	for i, t := range list {
		out[i] = taskSummary{ID: t.ID, Subject: t.Subject, Status: t.Status, Owner: t.Owner, DependsOn: t.DependsOn, Blocks: t.Blocks}
	}
	return out, nil
}

func (d *Dispatcher) taskGet(ctx context.Context, caller string, a getArgs) (any, error) {
	if a.TaskID == nil {
		return nil, fault.Invalid("task_id", "is required")
	}
	return d.visibleTask(ctx, caller, int(*a.TaskID))
}

// visibleTask loads id, reporting tasks outside caller's view as missing.
func (d *Dispatcher) visibleTask(ctx context.Context, caller string, id int) (taskstore.Task, error) {
	t, err := d.tasks.Get(ctx, id)
	if err != nil {
		return taskstore.Task{}, notFound(id, err)
	}
	if !d.graph.CanSeeTask(caller, t.Owner) {
		return taskstore.Task{}, fault.Invalid("task_id", "task %d not found", id)
	}
	return t, nil
}

func (d *Dispatcher) notifyAssignment(ctx context.Context, caller string, t taskstore.Task) {
	d.notify(ctx, caller, t.Owner, protocol.TaskAssignment{TaskID: t.ID, TaskSubject: t.Subject})
}

// notify sends a protocol side effect. The task write already committed, so
// a failed notification is logged and does not fail the tool call.
func (d *Dispatcher) notify(ctx context.Context, from, to string, p protocol.Payload) {
	if err := d.sendProtocol(ctx, from, to, p); err != nil {
		d.logger.Warn("protocol notification failed",
			zap.String("agent", from), zap.String("to", to), zap.String("type", string(p.Type())), zap.Error(err))
	}
}

func notFound(id int, err error) error {
	if errors.Is(err, taskstore.ErrNotFound) {
		return fault.Invalid("task_id", "task %d not found", id)
	}
	return err
}
