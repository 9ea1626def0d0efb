package facts

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/product"
)

type Params struct {
	fx.In

	Config   config.Config
	Registry *product.Registry
	Lookup   RelationshipLookup
	Clock    clock.Clock
	Logger   *zap.Logger
}

func New(p Params) *Normalizer {
	return NewNormalizer(p.Config, p.Registry, p.Lookup, p.Clock, p.Logger)
}

var Module = fx.Module("inventory.facts",
	fx.Provide(New),
)
