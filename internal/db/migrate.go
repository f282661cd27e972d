package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fleetd/internal/model"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	models := []interface{}{
		&model.Agent{},
		&model.Certificate{},
		&model.Deployment{},
		&model.DeploymentTarget{},
		&model.DeploymentResult{},
		&model.CommandExecution{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logrus.Infof("Database migration completed (%d tables)", len(models))
	return nil
}
