package kin

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Input limits for task fields.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 1000
	MaxTags              = 10
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses.
const (
	StatusActive    Status = adapters.StatusActive
	StatusCompleted Status = adapters.StatusCompleted
	StatusDeleted   Status = adapters.StatusDeleted
)

// Task is the current state of one task, derived from its events.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Assignees   []string   `json:"assignees,omitempty"`
	Status      Status     `json:"status"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`

	// Version is the number of events folded into this state.
	Version int64 `json:"version"`

	// LastEventID is the id of the last folded event.
	LastEventID string `json:"lastEventId"`
}

// Completed reports whether the task is done.
func (t *Task) Completed() bool { return t.Status == StatusCompleted }

// Active reports whether the task belongs to the active index.
func (t *Task) Active() bool { return t.Status == StatusActive }

// Deleted reports whether the task has been tombstoned.
func (t *Task) Deleted() bool { return t.Status == StatusDeleted }

// Created reports whether a task.created event has been folded.
func (t *Task) Created() bool { return t.Status != "" }

// IsAssigned reports whether userID is an assignee.
func (t *Task) IsAssigned(userID string) bool {
	for _, a := range t.Assignees {
		if a == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	out := *t
	out.Tags = cloneStrings(t.Tags)
	out.Assignees = cloneStrings(t.Assignees)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.DeletedAt = cloneTime(t.DeletedAt)
	return &out
}

// Apply folds one event into the task, incrementing the version by one.
// Events of unknown kinds leave the state unchanged apart from the version.
func (t *Task) Apply(e Event) error {
	corrupt := func(reason string) error {
		return &CorruptStreamError{TenantID: e.TenantID, TaskID: e.AggregateID, EventID: e.ID, Reason: reason}
	}

	if _, isCreate := e.Payload.(TaskCreated); !isCreate && !t.Created() {
		return corrupt("stream does not begin with " + string(KindTaskCreated))
	}
	if t.Deleted() {
		return corrupt("event after " + string(KindTaskDeleted))
	}

	switch p := e.Payload.(type) {
	case TaskCreated:
		if t.Created() {
			return corrupt("duplicate " + string(KindTaskCreated))
		}
		t.ID = e.AggregateID
		t.TenantID = e.TenantID
		t.Title = p.Title
		t.Description = p.Description
		t.Tags = cloneStrings(p.Tags)
		t.Status = StatusActive
		t.CreatedBy = e.ActorID
		t.CreatedAt = e.Timestamp
	case TaskUpdated:
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Tags != nil {
			t.Tags = cloneStrings(*p.Tags)
		}
	case TaskCompleted:
		if !t.Completed() {
			ts := e.Timestamp
			t.CompletedAt = &ts
		}
		t.Status = StatusCompleted
	case TaskReopened:
		t.Status = StatusActive
		t.CompletedAt = nil
	case TaskDeleted:
		ts := e.Timestamp
		t.DeletedAt = &ts
		t.Status = StatusDeleted
	case TaskAssigned:
		if !t.IsAssigned(p.AssigneeID) {
			t.Assignees = append(t.Assignees, p.AssigneeID)
		}
	case UnknownPayload:
		t.Version++
		t.LastEventID = e.ID
		return nil
	case nil:
		return corrupt("event has no payload")
	}

	t.Version++
	t.LastEventID = e.ID
	t.UpdatedAt = e.Timestamp
	return nil
}

// validateTitle trims and checks a title.
func validateTitle(cmdType, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", NewValidationError(cmdType, "title", "title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", NewValidationError(cmdType, "title", "title exceeds 200 characters")
	}
	return title, nil
}

func validateDescription(cmdType, description string) error {
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return NewValidationError(cmdType, "description", "description exceeds 1000 characters")
	}
	return nil
}

func validateTags(cmdType string, tags []string) ([]string, error) {
	if len(tags) > MaxTags {
		return nil, NewValidationError(cmdType, "tags", "at most 10 tags are allowed")
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, NewValidationError(cmdType, "tags", "tags must not be empty")
		}
		out = append(out, tag)
	}
	return out, nil
}

// ValidatePayload checks the input rules a payload must meet before it is appended.
func ValidatePayload(p Payload) error {
	switch p := p.(type) {
	case TaskCreated:
		if _, err := validateTitle("", p.Title); err != nil {
			return err
		}
		if err := validateDescription("", p.Description); err != nil {
			return err
		}
		_, err := validateTags("", p.Tags)
		return err
	case TaskUpdated:
		if p.Title != nil {
			if _, err := validateTitle("", *p.Title); err != nil {
				return err
			}
		}
		if p.Description != nil {
			if err := validateDescription("", *p.Description); err != nil {
				return err
			}
		}
		if p.Tags != nil {
			if _, err := validateTags("", *p.Tags); err != nil {
				return err
			}
		}
		return nil
	case TaskAssigned:
		if strings.TrimSpace(p.AssigneeID) == "" {
			return NewValidationError("", "assigneeId", "assignee is required")
		}
		return nil
	case TaskCompleted, TaskReopened, TaskDeleted:
		return nil
	case UnknownPayload:
		return ErrUnknownEventKind
	default:
		return NewValidationError("", "payload", "event has no payload")
	}
}

// taskFromRow converts a projection row back into task state.
func taskFromRow(row *adapters.ProjectionRow) *Task {
	return &Task{
		ID:          row.AggregateID,
		TenantID:    row.TenantID,
		Title:       row.Title,
		Description: row.Description,
		Tags:        cloneStrings(row.Tags),
		Assignees:   cloneStrings(row.Assignees),
		Status:      Status(row.Status),
		CreatedBy:   row.CreatedBy,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CompletedAt: cloneTime(row.CompletedAt),
		DeletedAt:   cloneTime(row.DeletedAt),
		Version:     row.Version,
		LastEventID: row.LastEventID,
	}
}

// Row converts the task into its projection row.
func (t *Task) Row() *adapters.ProjectionRow {
	return &adapters.ProjectionRow{
		TenantID:    t.TenantID,
		AggregateID: t.ID,
		Title:       t.Title,
		Description: t.Description,
		Tags:        cloneStrings(t.Tags),
		Assignees:   cloneStrings(t.Assignees),
		Status:      string(t.Status),
		Active:      t.Active(),
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: cloneTime(t.CompletedAt),
		DeletedAt:   cloneTime(t.DeletedAt),
		Version:     t.Version,
		LastEventID: t.LastEventID,
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
