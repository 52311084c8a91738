package database

import (
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"gorm.io/gorm"
)

var AutoMaintainRange = []any{
	&models.CallInvitation{},
	&models.UserPresence{},
	&models.CallSession{},
}

func RunMigration(source *gorm.DB) error {
	if err := source.AutoMigrate(AutoMaintainRange...); err != nil {
		return err
	}

	return nil
}
