package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetd/internal/model"
)

// Report is an agent's status update for one task row.
type Report struct {
	Status      model.TaskStatus
	ExitCode    *int
	Output      string
	ErrorOutput string
	CompletedAt *time.Time
}

// Service is the task lifecycle engine. It owns all mutation of deployment
// result and command execution rows; delivery is at-least-once and poll
// transitions state as a side effect of the read.
type Service struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// NewService creates a task lifecycle service
func NewService(db *gorm.DB, logger *logrus.Entry) *Service {
	return &Service{
		db:     db,
		logger: logger.WithField("component", "tasks"),
	}
}

// PollDeployments returns the agent's pending deployment results and
// transitions them to in_progress in the same transaction. The row lock
// keeps two concurrent pollers from claiming the same row.
func (s *Service) PollDeployments(ctx context.Context, agentID string) ([]model.DeploymentResult, error) {
	var claimed []model.DeploymentResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []model.DeploymentResult
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Deployment").
			Where("agent_id = ? AND status = ?", agentID, model.TaskStatusPending).
			Find(&pending).Error; err != nil {
			return err
		}

		now := time.Now()
		for i := range pending {
			result := tx.Model(&model.DeploymentResult{}).
				Where("id = ? AND status = ?", pending[i].ID, model.TaskStatusPending).
				Updates(map[string]interface{}{
					"status":     model.TaskStatusInProgress,
					"started_at": &now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue // claimed by a concurrent poller
			}
			pending[i].Status = model.TaskStatusInProgress
			pending[i].StartedAt = &now
			claimed = append(claimed, pending[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll deployments: %w", err)
	}

	return claimed, nil
}

// ReportDeployment applies an agent's result report to its deployment row
// and returns the status actually recorded, which may differ from the
// reported one after the exit-code policy. Rows already in a terminal state
// reject conflicting writes; a duplicate report with the same outcome is a
// no-op.
func (s *Service) ReportDeployment(ctx context.Context, agentID, deploymentID string, report Report) (model.TaskStatus, error) {
	var recorded model.TaskStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.DeploymentResult
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Deployment").
			Where("deployment_id = ? AND agent_id = ?", deploymentID, agentID).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		var allowed []int
		if row.Deployment != nil {
			allowed = row.Deployment.SuccessExitCodes
		}
		status, noop, err := Transition(row.Status, report.Status, report.ExitCode, func(code int) model.TaskStatus {
			return DeploymentOutcome(code, allowed)
		})
		if err != nil {
			return err
		}
		recorded = status
		if noop {
			return nil
		}

		completedAt := report.CompletedAt
		if completedAt == nil && IsTerminal(status) {
			now := time.Now()
			completedAt = &now
		}

		updates := map[string]interface{}{
			"status":        status,
			"exit_code":     report.ExitCode,
			"output":        report.Output,
			"error_message": report.ErrorOutput,
		}
		if completedAt != nil {
			updates["completed_at"] = completedAt
		}
		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"deploymentId": deploymentID,
			"agentId":      agentID,
			"status":       status,
		}).Info("Deployment result updated")
		return nil
	})
	if err != nil {
		return "", err
	}
	return recorded, nil
}

// PollCommands returns the agent's pending command executions and
// transitions them to running in the same transaction.
func (s *Service) PollCommands(ctx context.Context, agentID string) ([]model.CommandExecution, error) {
	var claimed []model.CommandExecution

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []model.CommandExecution
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("agent_id = ? AND status = ?", agentID, model.TaskStatusPending).
			Find(&pending).Error; err != nil {
			return err
		}

		now := time.Now()
		for i := range pending {
			result := tx.Model(&model.CommandExecution{}).
				Where("id = ? AND status = ?", pending[i].ID, model.TaskStatusPending).
				Updates(map[string]interface{}{
					"status":     model.TaskStatusRunning,
					"started_at": &now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			pending[i].Status = model.TaskStatusRunning
			pending[i].StartedAt = &now
			claimed = append(claimed, pending[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll commands: %w", err)
	}

	return claimed, nil
}

// ReportCommand applies an agent's result report to a command execution
// and returns the status actually recorded. Same terminal-state guard as
// deployments; success is exit code 0 only.
func (s *Service) ReportCommand(ctx context.Context, agentID, commandID string, report Report) (model.TaskStatus, error) {
	var recorded model.TaskStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.CommandExecution
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND agent_id = ?", commandID, agentID).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		status, noop, err := Transition(row.Status, report.Status, report.ExitCode, CommandOutcome)
		if err != nil {
			return err
		}
		recorded = status
		if noop {
			return nil
		}

		completedAt := report.CompletedAt
		if completedAt == nil && IsTerminal(status) {
			now := time.Now()
			completedAt = &now
		}

		updates := map[string]interface{}{
			"status":       status,
			"exit_code":    report.ExitCode,
			"output":       report.Output,
			"error_output": report.ErrorOutput,
		}
		if completedAt != nil {
			updates["completed_at"] = completedAt
		}
		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"commandId": commandID,
			"agentId":   agentID,
			"status":    status,
		}).Info("Command result updated")
		return nil
	})
	if err != nil {
		return "", err
	}
	return recorded, nil
}
