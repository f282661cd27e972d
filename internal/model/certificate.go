package model

import "time"

// Certificate is an issued agent leaf certificate. Rows are immutable after
// issuance except for the revocation fields; revocation is monotone.
type Certificate struct {
	ID               string     `gorm:"type:char(36);primaryKey" json:"id"`
	AgentID          string     `gorm:"type:char(36);not null;index" json:"agentId"`
	Thumbprint       string     `gorm:"type:varchar(128);not null;uniqueIndex" json:"thumbprint"`
	CertificatePEM   string     `gorm:"type:text;not null" json:"-"`
	IssuedAt         time.Time  `gorm:"not null" json:"issuedAt"`
	ExpiresAt        time.Time  `gorm:"not null;index" json:"expiresAt"`
	Revoked          bool       `gorm:"not null;default:false" json:"revoked"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevocationReason string     `gorm:"type:varchar(255)" json:"revocationReason,omitempty"`

	Agent *Agent `gorm:"foreignKey:AgentID" json:"-"`
}

// TableName specifies the table name for Certificate
func (Certificate) TableName() string {
	return "certificates"
}
