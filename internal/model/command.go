package model

import "time"

// CommandExecution is one ad hoc command targeted at one agent,
// independently stateful. Success is hard-coded to exit code 0.
type CommandExecution struct {
	ID             string     `gorm:"type:char(36);primaryKey" json:"id"`
	AgentID        string     `gorm:"type:char(36);not null;index" json:"agentId"`
	Command        string     `gorm:"type:varchar(1024);not null" json:"command"`
	Arguments      string     `gorm:"type:varchar(1024)" json:"arguments,omitempty"`
	RunAsAdmin     bool       `gorm:"not null;default:false" json:"runAsAdmin"`
	TimeoutMinutes int        `gorm:"not null;default:5" json:"timeoutMinutes"`
	Status         TaskStatus `gorm:"type:enum('pending','in_progress','running','completed','failed','timeout','cancelled');default:'pending';not null;index" json:"status"`
	RequestedAt    time.Time  `gorm:"autoCreateTime" json:"requestedAt"`
	RequestedBy    string     `gorm:"type:varchar(128)" json:"requestedBy,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ExitCode       *int       `json:"exitCode,omitempty"`
	Output         string     `gorm:"type:text" json:"output,omitempty"`
	ErrorOutput    string     `gorm:"type:text" json:"errorOutput,omitempty"`

	Agent *Agent `gorm:"foreignKey:AgentID" json:"-"`
}

// TableName specifies the table name for CommandExecution
func (CommandExecution) TableName() string {
	return "command_executions"
}
