package tasks

import (
	"errors"

	"fleetd/internal/model"
)

// ErrTaskNotFound is returned when a task row does not exist or does not
// belong to the reporting agent. The two cases are not distinguished.
var ErrTaskNotFound = errors.New("task not found")

// ErrTerminalState is returned when a report targets a row that already
// reached a terminal state with a different outcome.
var ErrTerminalState = errors.New("task already in a terminal state")

// ErrStatusInvalid is returned when a report carries a status an agent is
// not allowed to set. Pending is server-owned: rows only enter it at
// creation, never by report.
var ErrStatusInvalid = errors.New("reported status not acceptable")

// IsTerminal reports whether a status is absorbing: no further transition
// is accepted once it is reached.
func IsTerminal(status model.TaskStatus) bool {
	switch status {
	case model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusTimeout, model.TaskStatusCancelled:
		return true
	}
	return false
}

// DeploymentOutcome maps a process exit code to a terminal status using the
// deployment's success allow-list. A nil or empty allow-list means [0].
// Windows installers commonly exit 3010 or 1641 when a reboot is pending;
// listing those codes makes such runs count as completed.
func DeploymentOutcome(exitCode int, successExitCodes []int) model.TaskStatus {
	if len(successExitCodes) == 0 {
		successExitCodes = []int{0}
	}
	for _, code := range successExitCodes {
		if exitCode == code {
			return model.TaskStatusCompleted
		}
	}
	return model.TaskStatusFailed
}

// CommandOutcome maps a command exit code to a terminal status. Commands
// have no allow-list: only exit code 0 is success.
func CommandOutcome(exitCode int) model.TaskStatus {
	if exitCode == 0 {
		return model.TaskStatusCompleted
	}
	return model.TaskStatusFailed
}

// resolveReported decides the status to persist for a report. Timeout and
// cancelled pass through untouched; a completed/failed report with an exit
// code is re-derived server-side from the outcome policy so agents cannot
// misreport success.
func resolveReported(reported model.TaskStatus, exitCode *int, outcome func(int) model.TaskStatus) model.TaskStatus {
	if exitCode == nil {
		return reported
	}
	switch reported {
	case model.TaskStatusCompleted, model.TaskStatusFailed:
		return outcome(*exitCode)
	}
	return reported
}

// ReportableStatus reports whether an agent may set the given status via a
// result report. Pending (or any unknown string) is not reportable.
func ReportableStatus(status model.TaskStatus) bool {
	switch status {
	case model.TaskStatusInProgress, model.TaskStatusRunning,
		model.TaskStatusCompleted, model.TaskStatusFailed,
		model.TaskStatusTimeout, model.TaskStatusCancelled:
		return true
	}
	return false
}

// Transition resolves a report against the row's current status. It returns
// the status to persist and whether the write is a no-op (a duplicate report
// of an already-reached terminal outcome). Non-reportable statuses fail with
// ErrStatusInvalid; conflicting writes to a terminal row fail with
// ErrTerminalState. The lifecycle is one-way: a claimed row never returns
// to pending.
func Transition(current, reported model.TaskStatus, exitCode *int, outcome func(int) model.TaskStatus) (model.TaskStatus, bool, error) {
	if !ReportableStatus(reported) {
		return "", false, ErrStatusInvalid
	}

	status := resolveReported(reported, exitCode, outcome)

	if IsTerminal(current) {
		if current == status {
			return status, true, nil
		}
		return "", false, ErrTerminalState
	}
	return status, false, nil
}
