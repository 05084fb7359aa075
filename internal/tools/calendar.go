package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a calendar entry as the tools see it.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// CalendarBackend is the calendar the tools operate on.
type CalendarBackend interface {
	CreateEvent(ctx context.Context, event Event) (Event, error)
	UpdateEvent(ctx context.Context, event Event) (Event, error)
	DeleteEvent(ctx context.Context, id uuid.UUID) error
	ListEvents(ctx context.Context, from, to time.Time) ([]Event, error)
}

type createEventInput struct {
	Title       string `json:"title" jsonschema:"the event title"`
	Description string `json:"description,omitempty" jsonschema:"optional longer description"`
	Location    string `json:"location,omitempty" jsonschema:"optional location"`
	Start       string `json:"start" jsonschema:"start time, RFC 3339"`
	End         string `json:"end" jsonschema:"end time, RFC 3339"`
}

type updateEventInput struct {
	ID          string `json:"id" jsonschema:"id of the event to update"`
	Title       string `json:"title,omitempty" jsonschema:"new title, empty keeps current"`
	Description string `json:"description,omitempty" jsonschema:"new description, empty keeps current"`
	Location    string `json:"location,omitempty" jsonschema:"new location, empty keeps current"`
	Start       string `json:"start,omitempty" jsonschema:"new start time, RFC 3339, empty keeps current"`
	End         string `json:"end,omitempty" jsonschema:"new end time, RFC 3339, empty keeps current"`
}

type deleteEventInput struct {
	ID string `json:"id" jsonschema:"id of the event to delete"`
}

type listEventsInput struct {
	From string `json:"from" jsonschema:"range start, RFC 3339"`
	To   string `json:"to" jsonschema:"range end, RFC 3339"`
}

type listEventsOutput struct {
	Events []Event `json:"events"`
}

// RegisterCalendarTools registers the calendar tools against the backend.
// Mutating tools require approval; listing does not.
func RegisterCalendarTools(r *Registry, backend CalendarBackend) error {
	createTool, err := NewTool("create_calendar_event",
		"Create a new calendar event with a title and a start and end time.",
		true,
		func(ctx context.Context, input createEventInput) (Event, error) {
			start, end, err := parseRange(input.Start, input.End)
			if err != nil {
				return Event{}, err
			}
			return backend.CreateEvent(ctx, Event{
				Title:       input.Title,
				Description: input.Description,
				Location:    input.Location,
				Start:       start,
				End:         end,
			})
		})
	if err != nil {
		return err
	}

	updateTool, err := NewTool("update_calendar_event",
		"Update an existing calendar event. Only the provided fields change.",
		true,
		func(ctx context.Context, input updateEventInput) (Event, error) {
			id, err := uuid.Parse(input.ID)
			if err != nil {
				return Event{}, fmt.Errorf("invalid event id: %w", err)
			}
			event := Event{
				ID:          id,
				Title:       input.Title,
				Description: input.Description,
				Location:    input.Location,
			}
			if input.Start != "" {
				if event.Start, err = time.Parse(time.RFC3339, input.Start); err != nil {
					return Event{}, fmt.Errorf("invalid start time: %w", err)
				}
			}
			if input.End != "" {
				if event.End, err = time.Parse(time.RFC3339, input.End); err != nil {
					return Event{}, fmt.Errorf("invalid end time: %w", err)
				}
			}
			return backend.UpdateEvent(ctx, event)
		})
	if err != nil {
		return err
	}

	deleteTool, err := NewTool("delete_calendar_event",
		"Delete a calendar event by id. This cannot be undone.",
		true,
		func(ctx context.Context, input deleteEventInput) (map[string]bool, error) {
			id, err := uuid.Parse(input.ID)
			if err != nil {
				return nil, fmt.Errorf("invalid event id: %w", err)
			}
			if err := backend.DeleteEvent(ctx, id); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		})
	if err != nil {
		return err
	}

	listTool, err := NewTool("list_calendar_events",
		"List calendar events within a time range.",
		false,
		func(ctx context.Context, input listEventsInput) (listEventsOutput, error) {
			from, to, err := parseRange(input.From, input.To)
			if err != nil {
				return listEventsOutput{}, err
			}
			events, err := backend.ListEvents(ctx, from, to)
			if err != nil {
				return listEventsOutput{}, err
			}
			return listEventsOutput{Events: events}, nil
		})
	if err != nil {
		return err
	}

	for _, def := range []*Definition{createTool, updateTool, deleteTool, listTool} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func parseRange(startRaw, endRaw string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", endRaw, startRaw)
	}
	return start, end, nil
}
