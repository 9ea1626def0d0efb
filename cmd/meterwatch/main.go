package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/meterwatch/meterwatch/internal/billing"
	"github.com/meterwatch/meterwatch/internal/billing/marketplace"
	"github.com/meterwatch/meterwatch/internal/clock"
	"github.com/meterwatch/meterwatch/internal/config"
	"github.com/meterwatch/meterwatch/internal/inventory/facts"
	"github.com/meterwatch/meterwatch/internal/inventory/handler"
	"github.com/meterwatch/meterwatch/internal/inventory/relationship"
	"github.com/meterwatch/meterwatch/internal/logger"
	"github.com/meterwatch/meterwatch/internal/migration"
	"github.com/meterwatch/meterwatch/internal/observability/metrics"
	"github.com/meterwatch/meterwatch/internal/product"
	"github.com/meterwatch/meterwatch/internal/tally"
	"github.com/meterwatch/meterwatch/internal/taskqueue"
	"github.com/meterwatch/meterwatch/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		metrics.Module,
		taskqueue.Module,
		migration.Module,

		// Domain services
		product.Module,
		facts.Module,
		relationship.Module,
		handler.Module,
		tally.Module,
		marketplace.Module,
		billing.Module,

		fx.Invoke(StartConsumers),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// StartConsumers launches every consumer loop and the aggregate publisher.
// On shutdown the context is cancelled and the task-queue registry drains
// in-flight handlers before partitions are released.
func StartConsumers(
	lc fx.Lifecycle,
	registry *taskqueue.Registry,
	dispatch *handler.Dispatch,
	tallyConsumer *tally.Consumer,
	publisher *tally.Publisher,
	submitter *billing.Submitter,
	statusConsumer *billing.StatusConsumer,
) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go dispatch.Run(ctx)
			go tallyConsumer.Run(ctx)
			go publisher.RunForever(ctx)
			go submitter.Run(ctx)
			go statusConsumer.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return registry.CloseAll()
		},
	})
}
