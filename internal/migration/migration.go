// Package migration creates the service's tables on startup so local and
// self-hosted environments work out of the box.
package migration

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/billing"
	"github.com/meterwatch/meterwatch/internal/billing/marketplace"
	"github.com/meterwatch/meterwatch/internal/inventory/relationship"
	"github.com/meterwatch/meterwatch/internal/tally"
)

func RunMigrations(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	err := db.AutoMigrate(
		&relationship.HostRelationship{},
		&tally.UsageSample{},
		&billing.Aggregate{},
		&marketplace.Subscription{},
	)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
