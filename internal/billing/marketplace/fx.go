package marketplace

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meterwatch/meterwatch/internal/config"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	GenID  *snowflake.Node
	Logger *zap.Logger
}

func NewLookup(p Params) (*SubscriptionStore, ContextLookup) {
	store := NewSubscriptionStore(p.DB, p.GenID)
	return store, store
}

// NewMeterer picks the metering backend from configuration: AWS when a region
// is configured, the in-memory fake otherwise (local development).
func NewMeterer(p Params) (Meterer, error) {
	if p.Config.AWSRegion != "" {
		return NewAWSMeterer(p.Config.AWSRegion, p.Logger)
	}
	p.Logger.Named("marketplace").Info("using in-memory metering backend")
	return NewFakeMeterer(), nil
}

var Module = fx.Module("billing.marketplace",
	fx.Provide(
		NewLookup,
		NewMeterer,
	),
)
