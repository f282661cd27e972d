package model

import (
	"time"

	"gorm.io/datatypes"
)

// AgentStatus represents the agent-reported status
type AgentStatus string

const (
	AgentStatusOnline      AgentStatus = "online"
	AgentStatusOffline     AgentStatus = "offline"
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// Agent represents a managed endpoint. MachineID is the natural dedup key:
// re-registration of the same machine mutates this row in place.
type Agent struct {
	ID                   string            `gorm:"type:char(36);primaryKey" json:"id"`
	MachineID            string            `gorm:"type:varchar(128);uniqueIndex;not null" json:"machineId"`
	MachineName          string            `gorm:"type:varchar(128);not null" json:"machineName"`
	OperatingSystem      string            `gorm:"type:varchar(128);not null" json:"operatingSystem"`
	IPAddress            string            `gorm:"type:varchar(64)" json:"ipAddress,omitempty"`
	Status               AgentStatus       `gorm:"type:enum('online','offline','maintenance');default:'offline';not null" json:"status"`
	LastHeartbeat        time.Time         `gorm:"index" json:"lastHeartbeat"`
	RegisteredAt         time.Time         `json:"registeredAt"`
	CurrentThumbprint    string            `gorm:"type:varchar(128);index" json:"currentThumbprint,omitempty"`
	CertificateExpiresAt *time.Time        `json:"certificateExpiresAt,omitempty"`
	Metadata             datatypes.JSONMap `json:"metadata,omitempty"`

	Certificates      []Certificate      `gorm:"foreignKey:AgentID;constraint:OnDelete:CASCADE" json:"-"`
	DeploymentResults []DeploymentResult `gorm:"foreignKey:AgentID;constraint:OnDelete:CASCADE" json:"-"`
	CommandExecutions []CommandExecution `gorm:"foreignKey:AgentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Agent
func (Agent) TableName() string {
	return "agents"
}
