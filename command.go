package kin

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Command types.
const (
	CommandCreateTask   = "CreateTask"
	CommandUpdateTask   = "UpdateTask"
	CommandCompleteTask = "CompleteTask"
	CommandReopenTask   = "ReopenTask"
	CommandDeleteTask   = "DeleteTask"
	CommandAssignTask   = "AssignTask"
)

// Command is a write intent against one task.
type Command interface {
	// CommandType returns the type identifier for this command (e.g., "CreateTask").
	CommandType() string

	// Validate checks the input constraints that do not depend on state.
	Validate() error

	// Envelope returns the routing and tracing fields of the command.
	Envelope() CommandBase

	// Decide checks the command against the current task state and returns
	// the payloads of the events to append. task is never nil and never deleted.
	Decide(task *Task) ([]Payload, error)
}

// CommandBase carries the fields every command has. Tenant and actor are
// resolved by the identity layer and trusted as given.
type CommandBase struct {
	TenantID string `json:"tenantId"`
	ActorID  string `json:"actorId"`

	// TaskID is the target task. CreateTask generates one when empty.
	TaskID string `json:"taskId,omitempty"`

	// CommandID identifies this command instance. It is recorded as the
	// causation id of every resulting event.
	CommandID string `json:"commandId,omitempty"`

	// CorrelationID links the command to the request that issued it.
	CorrelationID string `json:"correlationId,omitempty"`
}

// Envelope returns the base itself.
func (c CommandBase) Envelope() CommandBase {
	return c
}

func (c CommandBase) validate(errs *MultiValidationError, needTask bool) {
	if strings.TrimSpace(c.TenantID) == "" {
		errs.AddField("tenantId", "tenant is required")
	}
	if strings.TrimSpace(c.ActorID) == "" {
		errs.AddField("actorId", "actor is required")
	}
	if needTask && strings.TrimSpace(c.TaskID) == "" {
		errs.AddField("taskId", "task id is required")
	}
}

// CreateTask creates a task and assigns it to its creator.
type CreateTask struct {
	CommandBase
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CommandType implements Command.
func (c CreateTask) CommandType() string { return CommandCreateTask }

// Validate implements Command.
func (c CreateTask) Validate() error {
	errs := NewMultiValidationError(c.CommandType())
	c.validate(errs, false)
	if _, err := validateTitle(c.CommandType(), c.Title); err != nil {
		errs.Add(err.(*ValidationError))
	}
	if err := validateDescription(c.CommandType(), c.Description); err != nil {
		errs.Add(err.(*ValidationError))
	}
	if _, err := validateTags(c.CommandType(), c.Tags); err != nil {
		errs.Add(err.(*ValidationError))
	}
	return errs.OrNil()
}

// Decide implements Command.
func (c CreateTask) Decide(task *Task) ([]Payload, error) {
	title, err := validateTitle(c.CommandType(), c.Title)
	if err != nil {
		return nil, err
	}
	tags, err := validateTags(c.CommandType(), c.Tags)
	if err != nil {
		return nil, err
	}
	return []Payload{
		TaskCreated{Title: title, Description: c.Description, Tags: tags},
		TaskAssigned{AssigneeID: c.ActorID},
	}, nil
}

// UpdateTask changes the business fields of an active task.
type UpdateTask struct {
	CommandBase
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// CommandType implements Command.
func (c UpdateTask) CommandType() string { return CommandUpdateTask }

// Validate implements Command.
func (c UpdateTask) Validate() error {
	errs := NewMultiValidationError(c.CommandType())
	c.validate(errs, true)
	if c.Title == nil && c.Description == nil && c.Tags == nil {
		errs.AddField("", "nothing to update")
	}
	if c.Title != nil {
		if _, err := validateTitle(c.CommandType(), *c.Title); err != nil {
			errs.Add(err.(*ValidationError))
		}
	}
	if c.Description != nil {
		if err := validateDescription(c.CommandType(), *c.Description); err != nil {
			errs.Add(err.(*ValidationError))
		}
	}
	if c.Tags != nil {
		if _, err := validateTags(c.CommandType(), *c.Tags); err != nil {
			errs.Add(err.(*ValidationError))
		}
	}
	return errs.OrNil()
}

// Decide implements Command.
func (c UpdateTask) Decide(task *Task) ([]Payload, error) {
	if !task.Active() {
		return nil, NewValidationError(c.CommandType(), "", "completed tasks cannot be updated")
	}
	var p TaskUpdated
	if c.Title != nil {
		title, err := validateTitle(c.CommandType(), *c.Title)
		if err != nil {
			return nil, err
		}
		p.Title = &title
	}
	if c.Description != nil {
		d := *c.Description
		p.Description = &d
	}
	if c.Tags != nil {
		tags, err := validateTags(c.CommandType(), *c.Tags)
		if err != nil {
			return nil, err
		}
		p.Tags = &tags
	}
	return []Payload{p}, nil
}

// CompleteTask marks an active task done.
type CompleteTask struct {
	CommandBase
}

// CommandType implements Command.
func (c CompleteTask) CommandType() string { return CommandCompleteTask }

// Validate implements Command.
func (c CompleteTask) Validate() error {
	errs := NewMultiValidationError(c.CommandType())
	c.validate(errs, true)
	return errs.OrNil()
}

// Decide implements Command.
func (c CompleteTask) Decide(task *Task) ([]Payload, error) {
	if task.Completed() {
		return nil, NewValidationError(c.CommandType(), "", "task is already completed")
	}
	return []Payload{TaskCompleted{}}, nil
}

// ReopenTask moves a completed task back to active.
type ReopenTask struct {
	CommandBase
}

// CommandType implements Command.
func (c ReopenTask) CommandType() string { return CommandReopenTask }

// Validate implements Command.
func (c ReopenTask) Validate() error {
	errs := NewMultiValidationError(c.CommandType())
	c.validate(errs, true)
	return errs.OrNil()
}

// Decide implements Command.
func (c ReopenTask) Decide(task *Task) ([]Payload, error) {
	if !task.Completed() {
		return nil, NewValidationError(c.CommandType(), "", "only completed tasks can be reopened")
	}
	return []Payload{TaskReopened{}}, nil
}

// DeleteTask tombstones a task.
type DeleteTask struct {
	CommandBase
	Reason string `json:"reason,omitempty"`
}

// CommandType implements Command.
func (c DeleteTask) CommandType() string { return CommandDeleteTask }

// Validate implements Command.
func (c DeleteTask) Validate() error {
	errs := NewMultiValidationError(c.CommandType())
	c.validate(errs, true)
	if utf8.RuneCountInString(c.Reason) > MaxDescriptionLength {
		errs.AddField("reason", "reason exceeds 1000 characters")
	}
	return errs.OrNil()
}

// Decide implements Command.
func (c DeleteTask) Decide(task *Task) ([]Payload, error) {
	return []Payload{TaskDeleted{Reason: c.Reason}}, nil
}

// AssignTask adds a family member to a task.
type AssignTask struct {
	CommandBase
	AssigneeID string `json:"assigneeId"`
}

// CommandType implements Command.
func (c AssignTask) CommandType() string { return CommandAssignTask }

// Validate implements Command.
func (c AssignTask) Validate() error {
	errs := NewMultiValidationError(c.CommandType())
	c.validate(errs, true)
	if strings.TrimSpace(c.AssigneeID) == "" {
		errs.AddField("assigneeId", "assignee is required")
	}
	return errs.OrNil()
}

// Decide implements Command.
func (c AssignTask) Decide(task *Task) ([]Payload, error) {
	if task.IsAssigned(c.AssigneeID) {
		return nil, NewValidationError(c.CommandType(), "assigneeId", "user is already assigned")
	}
	return []Payload{TaskAssigned{AssigneeID: c.AssigneeID}}, nil
}

var (
	_ Command = CreateTask{}
	_ Command = UpdateTask{}
	_ Command = CompleteTask{}
	_ Command = ReopenTask{}
	_ Command = DeleteTask{}
	_ Command = AssignTask{}
)

// MultiValidationError contains multiple validation errors.
type MultiValidationError struct {
	// CommandType is the type of command that failed validation.
	CommandType string

	// Errors contains all validation errors.
	Errors []*ValidationError
}

// Error returns the error message.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		if err.Field != "" {
			msgs[i] = err.Field + ": " + err.Message
		} else {
			msgs[i] = err.Message
		}
	}
	return fmt.Sprintf("kin: validation failed for command %q: %s",
		e.CommandType, strings.Join(msgs, "; "))
}

// Is reports whether this error matches the target error.
func (e *MultiValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the first error for errors.Unwrap().
func (e *MultiValidationError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Add adds a validation error.
func (e *MultiValidationError) Add(err *ValidationError) {
	e.Errors = append(e.Errors, err)
}

// AddField adds a validation error for a specific field.
func (e *MultiValidationError) AddField(field, message string) {
	e.Add(&ValidationError{
		CommandType: e.CommandType,
		Field:       field,
		Message:     message,
	})
}

// HasErrors returns true if there are any validation errors.
func (e *MultiValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// OrNil returns e when it holds errors and nil otherwise.
func (e *MultiValidationError) OrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NewMultiValidationError creates a new MultiValidationError.
func NewMultiValidationError(cmdType string) *MultiValidationError {
	return &MultiValidationError{
		CommandType: cmdType,
		Errors:      make([]*ValidationError, 0),
	}
}
