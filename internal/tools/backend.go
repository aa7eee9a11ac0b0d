package tools

import (
	"context"
	"encoding/json"

	"pm-agent/internal/domain"
	"pm-agent/internal/integrations/backend"
)

// Tool names.
const (
	GetUserTasks     = "get_user_tasks"
	GetProjectTasks  = "get_project_tasks"
	CreateTask       = "create_task"
	UpdateTaskStatus = "update_task_status"
)

// TaskBackend is the subset of the backend client the tools use.
// *backend.Client satisfies this interface.
type TaskBackend interface {
	ListUserTasks(ctx context.Context, userID string) ([]domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID, userID, status string) ([]domain.Task, error)
	CreateTask(ctx context.Context, in backend.CreateTaskInput) (domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status, userID string) (domain.Task, error)
}

// BackendTools returns the task tools exposed to the assistant.
func BackendTools(b TaskBackend) []Tool {
	return []Tool{
		{
			Name:        GetUserTasks,
			Description: "List the tasks assigned to the current user.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"user_id":{"type":"string","description":"Id of the user whose tasks to list"}},
				"required":["user_id"]}`),
			Required:     []string{"user_id"},
			IdentityArgs: []string{"user_id"},
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				return b.ListUserTasks(ctx, stringArg(args, "user_id"))
			},
		},
		{
			Name:        GetProjectTasks,
			Description: "List the tasks of a project, optionally filtered by status.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"project_id":{"type":"string","description":"Project id"},
				"status":{"type":"string","description":"Optional status filter such as To Do, In Progress or Done"},
				"user_id":{"type":"string","description":"Id of the requesting user"}},
				"required":["project_id"]}`),
			Required:     []string{"project_id", "user_id"},
			IdentityArgs: []string{"user_id"},
			ProjectArg:   "project_id",
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				return b.ListProjectTasks(ctx, stringArg(args, "project_id"), stringArg(args, "user_id"), stringArg(args, "status"))
			},
		},
		{
			Name:        CreateTask,
			Description: "Create a task in a project.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"title":{"type":"string"},
				"description":{"type":"string"},
				"project_id":{"type":"string"},
				"assignee_id":{"type":"string","description":"User id of the assignee, if any"},
				"priority":{"type":"string","enum":["Low","Medium","High","Urgent"]},
				"due_date":{"type":"string"},
				"author_user_id":{"type":"string","description":"Id of the user creating the task"}},
				"required":["title","project_id"]}`),
			Required:     []string{"title", "project_id", "author_user_id"},
			IdentityArgs: []string{"author_user_id"},
			ProjectArg:   "project_id",
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				priority := domain.Priority(stringArg(args, "priority"))
				if !priority.Valid() {
					priority = domain.PriorityMedium
				}
				return b.CreateTask(ctx, backend.CreateTaskInput{
					Title:       stringArg(args, "title"),
					Description: stringArg(args, "description"),
					ProjectID:   stringArg(args, "project_id"),
					AssigneeID:  stringArg(args, "assignee_id"),
					AuthorID:    stringArg(args, "author_user_id"),
					Priority:    priority,
					DueDate:     stringArg(args, "due_date"),
				})
			},
		},
		{
			Name:        UpdateTaskStatus,
			Description: "Move a task to a new status.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"task_id":{"type":"string"},
				"status":{"type":"string"},
				"user_id":{"type":"string","description":"Id of the requesting user"}},
				"required":["task_id","status"]}`),
			Required:     []string{"task_id", "status", "user_id"},
			IdentityArgs: []string{"user_id"},
			Invoke: func(ctx context.Context, args map[string]any) (any, error) {
				return b.UpdateTaskStatus(ctx, stringArg(args, "task_id"), stringArg(args, "status"), stringArg(args, "user_id"))
			},
		},
	}
}
