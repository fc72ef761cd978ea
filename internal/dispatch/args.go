package dispatch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zulandar/teamyard/internal/fault"
)

// taskID accepts 3, "3" and "#3". Models are inconsistent about which one
// they send.
type taskID int

func (id *taskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fault.Invalid("task_id", "%v", err)
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "#")
		n, err := strconv.Atoi(s)
		if err != nil {
			return fault.Invalid("task_id", "%q is not a task id", s)
		}
		*id = taskID(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fault.Invalid("task_id", "%s is not a task id", data)
	}
	*id = taskID(n)
	return nil
}

func ints(ids []taskID) []int {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

type sendArgs struct {
	To        string `json:"to"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	Summary   string `json:"summary"`
	RequestID string `json:"request_id"`
	Approve   *bool  `json:"approve"`
}

type createArgs struct {
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	ActiveForm  string         `json:"active_form"`
	Owner       *string        `json:"owner"`
	Status      string         `json:"status"`
	DependsOn   []taskID       `json:"depends_on"`
	Metadata    map[string]any `json:"metadata"`
}

type updateArgs struct {
	TaskID          *taskID        `json:"task_id"`
	Subject         *string        `json:"subject"`
	Description     *string        `json:"description"`
	ActiveForm      *string        `json:"active_form"`
	Status          *string        `json:"status"`
	Owner           *string        `json:"owner"`
	AddDependsOn    []taskID       `json:"add_depends_on"`
	RemoveDependsOn []taskID       `json:"remove_depends_on"`
	AddBlocks       []taskID       `json:"add_blocks"`
	Metadata        map[string]any `json:"metadata"`
}

type listArgs struct {
	Status string  `json:"status"`
	Owner  *string `json:"owner"`
}

type getArgs struct {
	TaskID *taskID `json:"task_id"`
}

func newRequestID() string {
	return "plan-" + uuid.NewString()[:8]
}
