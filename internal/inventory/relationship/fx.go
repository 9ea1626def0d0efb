package relationship

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/inventory/facts"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
}

func New(p Params) *GormStore {
	return NewStore(p.DB, p.GenID, p.Clock)
}

var Module = fx.Module("inventory.relationship",
	fx.Provide(
		New,
		func(s *GormStore) Store { return s },
		func(s *GormStore) facts.RelationshipLookup { return s },
	),
)
