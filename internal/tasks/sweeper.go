package tasks

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fleetd/internal/model"
)

// Sweeper periodically demotes in_progress/running rows whose per-task
// timeout has elapsed to the timeout terminal state. Without it, an agent
// that crashes between poll and report leaves its rows stuck forever.
type Sweeper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	db       *gorm.DB
	logger   *logrus.Entry
	interval time.Duration
}

// NewSweeper creates a timeout sweep worker
func NewSweeper(db *gorm.DB, logger *logrus.Entry, intervalSec int) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		ctx:      ctx,
		cancel:   cancel,
		db:       db,
		logger:   logger.WithField("component", "timeout-sweeper"),
		interval: time.Duration(intervalSec) * time.Second,
	}
}

// Start begins the periodic sweep
func (s *Sweeper) Start() {
	s.logger.Info("Starting timeout sweeper...")
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-s.ctx.Done():
				s.logger.Info("Stopping timeout sweeper...")
				return
			}
		}
	}()
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.cancel()
}

// Sweep runs one pass over both task kinds
func (s *Sweeper) Sweep(now time.Time) {
	s.sweepDeployments(now)
	s.sweepCommands(now)
}

func (s *Sweeper) sweepDeployments(now time.Time) {
	var rows []model.DeploymentResult
	if err := s.db.WithContext(s.ctx).
		Preload("Deployment").
		Where("status IN ?", []model.TaskStatus{model.TaskStatusInProgress, model.TaskStatusRunning}).
		Find(&rows).Error; err != nil {
		s.logger.Errorf("Failed to fetch in-progress deployment results: %v", err)
		return
	}

	for i := range rows {
		timeoutMinutes := 0
		if rows[i].Deployment != nil {
			timeoutMinutes = rows[i].Deployment.TimeoutMinutes
		}
		if !Stale(rows[i].StartedAt, timeoutMinutes, now) {
			continue
		}

		result := s.db.Model(&model.DeploymentResult{}).
			Where("id = ? AND status IN ?", rows[i].ID,
				[]model.TaskStatus{model.TaskStatusInProgress, model.TaskStatusRunning}).
			Updates(map[string]interface{}{
				"status":       model.TaskStatusTimeout,
				"completed_at": &now,
			})
		if result.Error != nil {
			s.logger.Errorf("Failed to time out deployment result %s: %v", rows[i].ID, result.Error)
			continue
		}
		if result.RowsAffected > 0 {
			s.logger.WithFields(logrus.Fields{
				"deploymentId": rows[i].DeploymentID,
				"agentId":      rows[i].AgentID,
			}).Warn("Deployment result timed out")
		}
	}
}

func (s *Sweeper) sweepCommands(now time.Time) {
	var rows []model.CommandExecution
	if err := s.db.WithContext(s.ctx).
		Where("status IN ?", []model.TaskStatus{model.TaskStatusInProgress, model.TaskStatusRunning}).
		Find(&rows).Error; err != nil {
		s.logger.Errorf("Failed to fetch running command executions: %v", err)
		return
	}

	for i := range rows {
		if !Stale(rows[i].StartedAt, rows[i].TimeoutMinutes, now) {
			continue
		}

		result := s.db.Model(&model.CommandExecution{}).
			Where("id = ? AND status IN ?", rows[i].ID,
				[]model.TaskStatus{model.TaskStatusInProgress, model.TaskStatusRunning}).
			Updates(map[string]interface{}{
				"status":       model.TaskStatusTimeout,
				"completed_at": &now,
			})
		if result.Error != nil {
			s.logger.Errorf("Failed to time out command execution %s: %v", rows[i].ID, result.Error)
			continue
		}
		if result.RowsAffected > 0 {
			s.logger.WithFields(logrus.Fields{
				"commandId": rows[i].ID,
				"agentId":   rows[i].AgentID,
			}).Warn("Command execution timed out")
		}
	}
}

// Stale reports whether a claimed task has exceeded its timeout. Tasks with
// no start time or a non-positive timeout are never considered stale.
func Stale(startedAt *time.Time, timeoutMinutes int, now time.Time) bool {
	if startedAt == nil || timeoutMinutes <= 0 {
		return false
	}
	return now.Sub(*startedAt) > time.Duration(timeoutMinutes)*time.Minute
}
