package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a to-do item as the tools see it.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Due       *time.Time `json:"due,omitempty"`
	Completed bool       `json:"completed"`
}

// TaskBackend is the task list the tools operate on.
type TaskBackend interface {
	CreateTask(ctx context.Context, task Task) (Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID) (Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	ListTasks(ctx context.Context, includeCompleted bool) ([]Task, error)
}

type createTaskInput struct {
	Title string `json:"title" jsonschema:"the task title"`
	Notes string `json:"notes,omitempty" jsonschema:"optional notes"`
	Due   string `json:"due,omitempty" jsonschema:"optional due time, RFC 3339"`
}

type taskIDInput struct {
	ID string `json:"id" jsonschema:"id of the task"`
}

type listTasksInput struct {
	IncludeCompleted bool `json:"includeCompleted,omitempty" jsonschema:"include completed tasks"`
}

type listTasksOutput struct {
	Tasks []Task `json:"tasks"`
}

// RegisterTaskTools registers the task tools against the backend.
// Creating and completing are reversible, so only deletion needs approval.
func RegisterTaskTools(r *Registry, backend TaskBackend) error {
	createTool, err := NewTool("create_task",
		"Create a new task, optionally with notes and a due time.",
		false,
		func(ctx context.Context, input createTaskInput) (Task, error) {
			task := Task{Title: input.Title, Notes: input.Notes}
			if input.Due != "" {
				due, err := time.Parse(time.RFC3339, input.Due)
				if err != nil {
					return Task{}, fmt.Errorf("invalid due time: %w", err)
				}
				task.Due = &due
			}
			return backend.CreateTask(ctx, task)
		})
	if err != nil {
		return err
	}

	completeTool, err := NewTool("complete_task",
		"Mark a task as completed by id.",
		false,
		func(ctx context.Context, input taskIDInput) (Task, error) {
			id, err := uuid.Parse(input.ID)
			if err != nil {
				return Task{}, fmt.Errorf("invalid task id: %w", err)
			}
			return backend.CompleteTask(ctx, id)
		})
	if err != nil {
		return err
	}

	deleteTool, err := NewTool("delete_task",
		"Delete a task by id. This cannot be undone.",
		true,
		func(ctx context.Context, input taskIDInput) (map[string]bool, error) {
			id, err := uuid.Parse(input.ID)
			if err != nil {
				return nil, fmt.Errorf("invalid task id: %w", err)
			}
			if err := backend.DeleteTask(ctx, id); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		})
	if err != nil {
		return err
	}

	listTool, err := NewTool("list_tasks",
		"List tasks, optionally including completed ones.",
		false,
		func(ctx context.Context, input listTasksInput) (listTasksOutput, error) {
			tasks, err := backend.ListTasks(ctx, input.IncludeCompleted)
			if err != nil {
				return listTasksOutput{}, err
			}
			return listTasksOutput{Tasks: tasks}, nil
		})
	if err != nil {
		return err
	}

	for _, def := range []*Definition{createTool, completeTool, deleteTool, listTool} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
