// Package taskstore holds the shared task list of one session.
//
// Mutations are serialized through a single writer lock so id assignment and
// dependency checks see one consistent state; reads run concurrently and see
// either the state before or after a write. Every mutation is written through
// to the database in one transaction before the cache changes.
package taskstore

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists valid statuses in lifecycle order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusBlocked, StatusDone, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// requiresDeps reports whether entering s requires every dependency done.
func (s Status) requiresDeps() bool {
	return s == StatusInProgress || s == StatusDone
}

// ErrNotFound is returned for ids that were never assigned or were deleted.
var ErrNotFound = errors.New("task not found")

// Task is a snapshot of one task. Blocks is derived: the ids of tasks whose
// DependsOn contains this task.
type Task struct {
	ID          int            `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description,omitempty"`
	ActiveForm  string         `json:"active_form,omitempty"`
	Status      Status         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	DependsOn   []int          `json:"depends_on"`
	Blocks      []int          `json:"blocks"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Ref renders the task as "#id subject".
func (t Task) Ref() string {
	return fmt.Sprintf("#%d %s", t.ID, t.Subject)
}

// Open reports whether the task still needs work.
func (t Task) Open() bool {
	return t.Status != StatusDone && t.Status != StatusCancelled
}

// Draft holds the fields of a task to create.
type Draft struct {
	Subject     string
	Description string
	ActiveForm  string
	Owner       string
	Status      Status
	DependsOn   []int
	Metadata    map[string]any
}

// Patch holds optional updates. Nil pointers leave fields unchanged.
// Metadata is merged key by key; a nil value deletes the key.
type Patch struct {
	Subject         *string
	Description     *string
	ActiveForm      *string
	Status          *Status
	Owner           *string
	AddDependsOn    []int
	RemoveDependsOn []int
	AddBlocks       []int
	Metadata        map[string]any
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Subject == nil && p.Description == nil && p.ActiveForm == nil &&
		p.Status == nil && p.Owner == nil && len(p.AddDependsOn) == 0 &&
		len(p.RemoveDependsOn) == 0 && len(p.AddBlocks) == 0 && len(p.Metadata) == 0
}

// Filter narrows List. Zero values match everything. Owner matches exactly
// when OwnerSet is true, so an empty Owner with OwnerSet selects unassigned
// tasks. Visible, when set, is applied to each task's owner.
type Filter struct {
	Status   Status
	Owner    string
	OwnerSet bool
	Visible  func(owner string) bool
}

func (f Filter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.OwnerSet && t.Owner != f.Owner {
		return false
	}
	if f.Visible != nil && !f.Visible(t.Owner) {
		return false
	}
	return true
}

// Change describes one committed mutation.
type Change struct {
	Op     string // created, updated, deleted
	Task   Task
	Before *Task
}
