package dispatch

import "github.com/zulandar/teamyard/internal/llm"

var idList = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "integer"},
}

// Tools returns the schema of every tool the dispatcher executes.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name: ToolSendMessage,
			Description: "Send a message to another agent. Use kind \"broadcast\" to reach all of your connections. " +
				"Protocol kinds: shutdown_request, shutdown_response, plan_approval_request, plan_approval_response.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":      map[string]any{"type": "string", "description": "Recipient agent name, or \"broadcast\"."},
					"content": map[string]any{"type": "string", "description": "Message text, plan, or reason."},
					"kind": map[string]any{
						"type": "string",
						"enum": []string{"message", "broadcast", "shutdown_request", "shutdown_response", "plan_approval_request", "plan_approval_response"},
					},
					"summary":    map[string]any{"type": "string", "description": "Short preview shown to observers."},
					"request_id": map[string]any{"type": "string", "description": "Plan request being answered."},
					"approve":    map[string]any{"type": "boolean", "description": "Verdict for shutdown_response and plan_approval_response."},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        ToolTaskCreate,
			Description: "Create a task on the shared task list. Owner defaults to you.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subject":     map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"active_form": map[string]any{"type": "string", "description": "Present-tense label shown while in progress."},
					"owner":       map[string]any{"type": "string", "description": "Agent to own the task; empty string leaves it unassigned."},
					"status":      map[string]any{"type": "string", "enum": []string{"open", "in_progress", "blocked", "done", "cancelled"}},
					"depends_on":  idList,
					"metadata":    map[string]any{"type": "object"},
				},
				"required": []string{"subject"},
			},
		},
		{
			Name:        ToolTaskUpdate,
			Description: "Update a task. Status \"deleted\" removes it. A task can start or finish only after its dependencies are done.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id":           map[string]any{"type": "integer"},
					"subject":           map[string]any{"type": "string"},
					"description":       map[string]any{"type": "string"},
					"active_form":       map[string]any{"type": "string"},
					"status":            map[string]any{"type": "string", "enum": []string{"open", "in_progress", "blocked", "done", "cancelled", "deleted"}},
					"owner":             map[string]any{"type": "string"},
					"add_depends_on":    idList,
					"remove_depends_on": idList,
					"add_blocks":        idList,
					"metadata":          map[string]any{"type": "object", "description": "Merged into existing metadata; null deletes a key."},
				},
				"required": []string{"task_id"},
			},
		},
		{
			Name:        ToolTaskList,
			Description: "List the tasks visible to you.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string"},
					"owner":  map[string]any{"type": "string", "description": "Empty string lists unassigned tasks."},
				},
			},
		},
		{
			Name:        ToolTaskGet,
			Description: "Get one task with its description, dependencies and metadata.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"task_id": map[string]any{"type": "integer"}},
				"required":   []string{"task_id"},
			},
		},
	}
}
