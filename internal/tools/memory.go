package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCalendar is an in-memory CalendarBackend. It backs the standalone
// server and the tests; a synced calendar provider plugs in behind the
// same interface.
type MemoryCalendar struct {
	mu     sync.RWMutex
	events map[uuid.UUID]Event
}

// NewMemoryCalendar returns an empty in-memory calendar.
func NewMemoryCalendar() *MemoryCalendar {
	return &MemoryCalendar{events: make(map[uuid.UUID]Event)}
}

func (c *MemoryCalendar) CreateEvent(_ context.Context, event Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event.ID = uuid.New()
	c.events[event.ID] = event
	return event, nil
}

func (c *MemoryCalendar) UpdateEvent(_ context.Context, event Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.events[event.ID]
	if !ok {
		return Event{}, fmt.Errorf("event %s not found", event.ID)
	}
	if event.Title != "" {
		current.Title = event.Title
	}
	if event.Description != "" {
		current.Description = event.Description
	}
	if event.Location != "" {
		current.Location = event.Location
	}
	if !event.Start.IsZero() {
		current.Start = event.Start
	}
	if !event.End.IsZero() {
		current.End = event.End
	}
	c.events[current.ID] = current
	return current, nil
}

func (c *MemoryCalendar) DeleteEvent(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[id]; !ok {
		return fmt.Errorf("event %s not found", id)
	}
	delete(c.events, id)
	return nil
}

func (c *MemoryCalendar) ListEvents(_ context.Context, from, to time.Time) ([]Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Event
	for _, e := range c.events {
		if e.End.After(from) && e.Start.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// MemoryTasks is an in-memory TaskBackend.
type MemoryTasks struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]Task
	order []uuid.UUID
}

// NewMemoryTasks returns an empty in-memory task list.
func NewMemoryTasks() *MemoryTasks {
	return &MemoryTasks{tasks: make(map[uuid.UUID]Task)}
}

func (t *MemoryTasks) CreateTask(_ context.Context, task Task) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task.ID = uuid.New()
	t.tasks[task.ID] = task
	t.order = append(t.order, task.ID)
	return task, nil
}

func (t *MemoryTasks) CompleteTask(_ context.Context, id uuid.UUID) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	task.Completed = true
	t.tasks[id] = task
	return task, nil
}

func (t *MemoryTasks) DeleteTask(_ context.Context, id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[id]; !ok {
		return fmt.Errorf("task %s not found", id)
	}
	delete(t.tasks, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *MemoryTasks) ListTasks(_ context.Context, includeCompleted bool) ([]Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Task
	for _, id := range t.order {
		task := t.tasks[id]
		if !includeCompleted && task.Completed {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}
