package engine

import (
	"fmt"

	"payline/internal/domain"
)

// InvalidTransitionError reports an illegal task status change. The task is
// never partially mutated: a guard failure leaves the row untouched.
type InvalidTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// LevelTooLowError means the actor's training level is below the task floor.
type LevelTooLowError struct {
	Required int
	Actual   int
}

func (e LevelTooLowError) Error() string {
	return fmt.Sprintf("training level %d below required level %d", e.Actual, e.Required)
}

// NotOwnerError means an actor other than the assignee attempted a
// transition reserved for the assignee.
type NotOwnerError struct {
	TaskID  string
	ActorID string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("actor %s is not the assignee of task %s", e.ActorID, e.TaskID)
}

// AlreadyAssignedError means the accept race was lost: the task's persisted
// status was no longer open at apply time. The caller may re-fetch and pick
// a different task.
type AlreadyAssignedError struct {
	TaskID string
}

func (e AlreadyAssignedError) Error() string {
	return fmt.Sprintf("task %s is already assigned", e.TaskID)
}

// taskTransitions is the legal edge set. Accept (open -> assigned) is
// enforced twice: here and by the compare-and-swap claim in SQL.
var taskTransitions = map[string][]string{
	domain.StatusOpen:        {domain.StatusAssigned},
	domain.StatusAssigned:    {domain.StatusInProgress, domain.StatusCompleted},
	domain.StatusInProgress:  {domain.StatusCompleted},
	domain.StatusCompleted:   {domain.StatusUnderReview},
	domain.StatusUnderReview: {domain.StatusApproved, domain.StatusRejected},
	domain.StatusRejected:    {domain.StatusInProgress},
	domain.StatusApproved:    {domain.StatusPaid},
}

func ensureTaskTransition(taskID, from, to string) error {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return InvalidTransitionError{TaskID: taskID, From: from, To: to}
}
