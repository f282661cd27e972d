package model

import (
	"time"

	"gorm.io/datatypes"
)

// DeploymentType describes what kind of package a deployment ships
type DeploymentType string

const (
	DeploymentTypeExecutable DeploymentType = "executable"
	DeploymentTypeMsi        DeploymentType = "msi"
	DeploymentTypePowerShell DeploymentType = "powershell"
	DeploymentTypeBatch      DeploymentType = "batch"
	DeploymentTypeFilesCopy  DeploymentType = "files_copy"
)

// Deployment is a package install task fanned out to multiple agents at
// creation time (one DeploymentResult row per target).
type Deployment struct {
	ID                string                   `gorm:"type:char(36);primaryKey" json:"id"`
	Name              string                   `gorm:"type:varchar(128);not null" json:"name"`
	Description       string                   `gorm:"type:varchar(255)" json:"description,omitempty"`
	Type              DeploymentType           `gorm:"type:enum('executable','msi','powershell','batch','files_copy');not null" json:"type"`
	PackageFolderName string                   `gorm:"type:varchar(255);not null" json:"packageFolderName"`
	ExecutablePath    string                   `gorm:"type:varchar(255)" json:"executablePath,omitempty"`
	Arguments         string                   `gorm:"type:varchar(1024)" json:"arguments,omitempty"`
	RunAsAdmin        bool                     `gorm:"not null;default:true" json:"runAsAdmin"`
	TimeoutMinutes    int                      `gorm:"not null;default:30" json:"timeoutMinutes"`
	SuccessExitCodes  datatypes.JSONSlice[int] `json:"successExitCodes"`
	Status            TaskStatus               `gorm:"type:enum('pending','in_progress','running','completed','failed','timeout','cancelled');default:'pending';not null" json:"status"`
	CreatedAt         time.Time                `gorm:"autoCreateTime" json:"createdAt"`
	CreatedBy         string                   `gorm:"type:varchar(128)" json:"createdBy,omitempty"`

	Targets []DeploymentTarget `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE" json:"-"`
	Results []DeploymentResult `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Deployment
func (Deployment) TableName() string {
	return "deployments"
}

// DeploymentTarget records that an agent was selected for a deployment
type DeploymentTarget struct {
	ID           string    `gorm:"type:char(36);primaryKey" json:"id"`
	DeploymentID string    `gorm:"type:char(36);not null;index" json:"deploymentId"`
	AgentID      string    `gorm:"type:char(36);not null;index" json:"agentId"`
	AddedAt      time.Time `gorm:"autoCreateTime" json:"addedAt"`
}

// TableName specifies the table name for DeploymentTarget
func (DeploymentTarget) TableName() string {
	return "deployment_targets"
}

// DeploymentResult is the per-agent stateful row of a deployment
type DeploymentResult struct {
	ID           string     `gorm:"type:char(36);primaryKey" json:"id"`
	DeploymentID string     `gorm:"type:char(36);not null;index:idx_deployment_agent,unique" json:"deploymentId"`
	AgentID      string     `gorm:"type:char(36);not null;index:idx_deployment_agent,unique;index" json:"agentId"`
	Status       TaskStatus `gorm:"type:enum('pending','in_progress','running','completed','failed','timeout','cancelled');default:'pending';not null;index" json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	Output       string     `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"errorMessage,omitempty"`

	Deployment *Deployment `gorm:"foreignKey:DeploymentID" json:"-"`
	Agent      *Agent      `gorm:"foreignKey:AgentID" json:"-"`
}

// TableName specifies the table name for DeploymentResult
func (DeploymentResult) TableName() string {
	return "deployment_results"
}
